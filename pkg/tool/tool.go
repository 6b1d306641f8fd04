// Package tool defines the uniform contract for invocable capabilities and a
// name-keyed registry the engine dispatches through.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/kaptinlin/jsonrepair"
	"github.com/nstogner/overseer/pkg/model"
)

// Result is the outcome of a tool execution.
type Result struct {
	// Content is the textual observation returned to the model.
	Content string
	// Binary is an optional attached payload (e.g. a screenshot).
	Binary []byte
}

// Tool is one invocable capability.
type Tool interface {
	// Name returns the registry key the model calls the tool by.
	Name() string
	// Description tells the model what the tool does and when to use it.
	Description() string
	// ParameterSchema returns the JSON-schema object for the tool's arguments.
	ParameterSchema() map[string]any
	// Execute runs the tool with parsed arguments.
	Execute(ctx context.Context, args map[string]any) (*Result, error)
}

// Cleaner is implemented by tools that hold external resources. Cleanup is
// invoked after every run, success or failure, and must be idempotent.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// Terminal is implemented by tools whose successful execution ends the
// think/act loop for the current run (e.g. terminate).
type Terminal interface {
	Terminal() bool
}

// Pauser is implemented by tools that suspend the run until the user provides
// new input (e.g. wait_for_user_input).
type Pauser interface {
	Pauses() bool
}

// ParseArguments parses a tool-call argument blob. Malformed JSON is repaired
// before giving up; an empty blob parses to an empty argument map.
func ParseArguments(blob string) (map[string]any, error) {
	if blob == "" {
		blob = "{}"
	}
	args := map[string]any{}
	if err := json.Unmarshal([]byte(blob), &args); err == nil {
		return args, nil
	}
	repaired, err := jsonrepair.JSONRepair(blob)
	if err != nil {
		return nil, fmt.Errorf("malformed arguments: %s", blob)
	}
	if err := json.Unmarshal([]byte(repaired), &args); err != nil {
		return nil, fmt.Errorf("malformed arguments: %s", blob)
	}
	return args, nil
}

// Registry is a name-keyed set of tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry containing the given tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds or replaces a tool under its name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas returns the tool schemas to advertise to the model.
func (r *Registry) Schemas() []model.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemas := make([]model.ToolSchema, 0, len(r.tools))
	for _, name := range r.namesLocked() {
		t := r.tools[name]
		schemas = append(schemas, model.ToolSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.ParameterSchema(),
		})
	}
	return schemas
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsTerminal reports whether the named tool ends the run on success.
func (r *Registry) IsTerminal(name string) bool {
	t, ok := r.Get(name)
	if !ok {
		return false
	}
	term, ok := t.(Terminal)
	return ok && term.Terminal()
}

// CleanupAll releases resources for every tool implementing Cleaner. Errors
// are joined; cleanup continues past failures.
func (r *Registry) CleanupAll(ctx context.Context) error {
	r.mu.RLock()
	names := r.namesLocked()
	tools := make([]Tool, 0, len(names))
	for _, name := range names {
		tools = append(tools, r.tools[name])
	}
	r.mu.RUnlock()

	var errs []error
	for _, t := range tools {
		c, ok := t.(Cleaner)
		if !ok {
			continue
		}
		if err := c.Cleanup(ctx); err != nil {
			errs = append(errs, fmt.Errorf("cleaning up %s: %w", t.Name(), err))
		}
	}
	if len(errs) > 0 {
		out := errs[0]
		for _, e := range errs[1:] {
			out = fmt.Errorf("%w; %w", out, e)
		}
		return out
	}
	return nil
}
