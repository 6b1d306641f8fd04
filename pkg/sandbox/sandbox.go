// Package sandbox defines the contract for isolated code execution used by the
// python tool. Implementations manage one exclusive kernel per session.
package sandbox

import "context"

// Result is the output of a sandbox code execution.
type Result struct {
	// Output is the combined stdout and stderr.
	Output string `json:"output,omitempty"`
	// Stdout is the standard output (if split).
	Stdout string `json:"stdout,omitempty"`
	// Stderr is the standard error (if split).
	Stderr string `json:"stderr,omitempty"`
}

// Combined flattens the result into a single observation string.
func (r *Result) Combined() string {
	if r.Output != "" {
		return r.Output
	}
	out := r.Stdout
	if r.Stderr != "" {
		if out != "" {
			out += "\n"
		}
		out += r.Stderr
	}
	if out == "" {
		return "(no output)"
	}
	return out
}

// Manager manages per-session sandboxes. Execution against one session's
// kernel is serialized by the implementation; lifecycle operations use a
// separate lock class so that starting or stopping one session's sandbox never
// races an in-flight execution on another session.
type Manager interface {
	// RunCode executes code in the session's sandbox, starting it on demand.
	RunCode(ctx context.Context, sessionID, code string) (*Result, error)

	// Stop tears down the session's sandbox.
	Stop(ctx context.Context, sessionID string) error

	// Close releases resources held by the manager (e.g. the docker client).
	Close() error
}
