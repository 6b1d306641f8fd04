package tool

import (
	"context"
	"fmt"
	"strings"
)

const waitForInputDescription = "Pause execution and wait for user input or feedback. " +
	"Use this when user confirmation, a selection, or additional information is required " +
	"before the task can continue."

// WaitForInput suspends the run until the user provides new input. The engine
// observes the Pauser capability and transitions to WaitingForInput.
type WaitForInput struct{}

var (
	_ Tool   = (*WaitForInput)(nil)
	_ Pauser = (*WaitForInput)(nil)
)

func (w *WaitForInput) Name() string        { return "wait_for_user_input" }
func (w *WaitForInput) Description() string { return waitForInputDescription }
func (w *WaitForInput) Pauses() bool        { return true }

func (w *WaitForInput) ParameterSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{
				"type":        "string",
				"description": "The message shown to the user explaining what input is needed.",
			},
			"options": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Optional list of choices to present to the user.",
			},
		},
		"required": []string{"message"},
	}
}

func (w *WaitForInput) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	message, _ := args["message"].(string)
	if message == "" {
		return nil, fmt.Errorf("'message' parameter is required")
	}

	response := "Waiting for user input: " + message
	if rawOpts, ok := args["options"].([]any); ok && len(rawOpts) > 0 {
		var lines []string
		for _, o := range rawOpts {
			if s, ok := o.(string); ok {
				lines = append(lines, "- "+s)
			}
		}
		if len(lines) > 0 {
			response += "\n\nOptions:\n" + strings.Join(lines, "\n")
		}
	}
	return &Result{Content: response}, nil
}
