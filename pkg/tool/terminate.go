package tool

import (
	"context"
	"fmt"
)

const terminateDescription = "Terminate the interaction when the task is complete " +
	"or when no further progress can be made. Call this tool to finish the run."

// Terminate is the built-in terminal tool: a successful invocation ends the
// think/act loop for the current run.
type Terminate struct{}

var (
	_ Tool     = (*Terminate)(nil)
	_ Terminal = (*Terminate)(nil)
)

func (t *Terminate) Name() string        { return "terminate" }
func (t *Terminate) Description() string { return terminateDescription }
func (t *Terminate) Terminal() bool      { return true }

func (t *Terminate) ParameterSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"status": map[string]any{
				"type":        "string",
				"description": "The finish status of the interaction.",
				"enum":        []string{"success", "failure", "force_complete"},
			},
		},
		"required": []string{"status"},
	}
}

func (t *Terminate) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	status, _ := args["status"].(string)
	if status == "" {
		status = "success"
	}
	return &Result{
		Content: fmt.Sprintf("The interaction has been completed with status: %s", status),
	}, nil
}
