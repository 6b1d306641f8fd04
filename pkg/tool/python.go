package tool

import (
	"context"
	"fmt"

	"github.com/nstogner/overseer/pkg/sandbox"
)

const pythonDescription = "Execute python code in a persistent sandboxed kernel. " +
	"State persists across calls within a session. Use this for computation, data " +
	"processing, file manipulation, or any task that benefits from code execution."

// Python executes code through a sandbox manager. One instance is bound to one
// session id; the manager serializes executions against that session's kernel.
type Python struct {
	manager   sandbox.Manager
	sessionID string
	stopped   bool
}

var (
	_ Tool    = (*Python)(nil)
	_ Cleaner = (*Python)(nil)
)

// NewPython creates the python execution tool for the given session.
func NewPython(manager sandbox.Manager, sessionID string) *Python {
	return &Python{manager: manager, sessionID: sessionID}
}

func (p *Python) Name() string        { return "python_execute" }
func (p *Python) Description() string { return pythonDescription }

func (p *Python) ParameterSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"code": map[string]any{
				"type":        "string",
				"description": "The python code to execute.",
			},
		},
		"required": []string{"code"},
	}
}

func (p *Python) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	code, _ := args["code"].(string)
	if code == "" {
		return nil, fmt.Errorf("'code' parameter is required")
	}

	res, err := p.manager.RunCode(ctx, p.sessionID, code)
	if err != nil {
		return nil, fmt.Errorf("running code: %w", err)
	}
	p.stopped = false
	return &Result{Content: res.Combined()}, nil
}

// Cleanup stops the session's sandbox. Idempotent.
func (p *Python) Cleanup(ctx context.Context) error {
	if p.stopped {
		return nil
	}
	if err := p.manager.Stop(ctx, p.sessionID); err != nil {
		return fmt.Errorf("stopping sandbox: %w", err)
	}
	p.stopped = true
	return nil
}
