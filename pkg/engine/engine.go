// Package engine implements the think/act step loop: a state machine that
// repeatedly asks the model for a decision, executes any proposed tool calls,
// and records observations in memory until a terminal tool fires or the step
// budget runs out.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nstogner/overseer/pkg/domain"
	"github.com/nstogner/overseer/pkg/memory"
	"github.com/nstogner/overseer/pkg/model"
	"github.com/nstogner/overseer/pkg/tool"
)

const (
	// DefaultMaxSteps bounds one Run invocation.
	DefaultMaxSteps = 20
	// DefaultMaxObserve clamps a single tool observation, in bytes.
	DefaultMaxObserve = 10000
	// DefaultDuplicateThreshold is how many byte-identical prior assistant
	// messages trigger the stuck-loop directive.
	DefaultDuplicateThreshold = 2
	// DefaultEmergencyRetainFraction is the aggressive retain fraction used for
	// the one-shot compaction after a token-limit fault.
	DefaultEmergencyRetainFraction = 0.3
)

const stuckDirective = "Observed duplicate responses. Change your strategy: try a " +
	"different approach or tool instead of repeating what has already been attempted."

// Config controls one engine instance. Zero values fall back to defaults.
type Config struct {
	MaxSteps           int
	MaxObserve         int
	DuplicateThreshold int

	// Continuation, when set, makes the engine reset its step counter on
	// reaching MaxSteps and return control to the caller with Continuing()
	// reporting true, instead of force-finishing. The caller's own attempt
	// ceiling bounds the total work.
	Continuation bool

	// ToolChoice is the tool-choice policy submitted with every think call.
	ToolChoice domain.ToolChoice

	// SystemPrompt is sent as the system instruction on every think call.
	SystemPrompt string
	// NextStepPrompt, when non-empty, is appended as a user message before
	// every think call.
	NextStepPrompt string

	EmergencyRetainFraction float64
}

func (c Config) withDefaults() Config {
	if c.MaxSteps <= 0 {
		c.MaxSteps = DefaultMaxSteps
	}
	if c.MaxObserve <= 0 {
		c.MaxObserve = DefaultMaxObserve
	}
	if c.DuplicateThreshold <= 0 {
		c.DuplicateThreshold = DefaultDuplicateThreshold
	}
	if c.ToolChoice == "" {
		c.ToolChoice = domain.ToolChoiceAuto
	}
	if c.EmergencyRetainFraction <= 0 || c.EmergencyRetainFraction >= 1 {
		c.EmergencyRetainFraction = DefaultEmergencyRetainFraction
	}
	return c
}

// Engine is one think/act loop instance bound to a provider, a tool registry,
// and a memory store. An Engine serves one logical session; its run loop is
// strictly serial.
type Engine struct {
	cfg      Config
	provider model.Provider
	registry *tool.Registry
	memory   *memory.Store

	mu           sync.Mutex
	state        domain.AgentState
	currentStep  int
	terminated   bool
	continuing   bool
	directive    string
	toolUsage    map[string]int
	pendingCalls []domain.ToolCall
	lastContent  string
	cleanedUp    bool
}

// New creates an Engine in the Idle state.
func New(cfg Config, provider model.Provider, registry *tool.Registry, mem *memory.Store) *Engine {
	return &Engine{
		cfg:       cfg.withDefaults(),
		provider:  provider,
		registry:  registry,
		memory:    mem,
		state:     domain.StateIdle,
		toolUsage: make(map[string]int),
	}
}

// State returns the engine's lifecycle state.
func (e *Engine) State() domain.AgentState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Terminated reports whether the last run ended because a terminal tool fired.
func (e *Engine) Terminated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminated
}

// Continuing reports whether the last run returned at its step budget with
// continuation enabled and more work pending.
func (e *Engine) Continuing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.continuing
}

// StepCount returns the current step counter.
func (e *Engine) StepCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentStep
}

// ToolUsage returns a copy of the per-tool invocation counts.
func (e *Engine) ToolUsage() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int, len(e.toolUsage))
	for k, v := range e.toolUsage {
		out[k] = v
	}
	return out
}

// Memory returns the engine's memory store.
func (e *Engine) Memory() *memory.Store {
	return e.memory
}

// Reset returns a Finished or Error engine to Idle so it can be driven again.
// Memory is preserved; the scheduler relies on this to carry context across
// plan steps.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = domain.StateIdle
	e.currentStep = 0
	e.terminated = false
	e.continuing = false
	e.directive = ""
	e.pendingCalls = nil
}

// Cleanup releases tool resources. Idempotent; invoked by the caller after
// every run, success or failure.
func (e *Engine) Cleanup(ctx context.Context) error {
	e.mu.Lock()
	if e.cleanedUp {
		e.mu.Unlock()
		return nil
	}
	e.cleanedUp = true
	e.mu.Unlock()
	if err := e.registry.CleanupAll(ctx); err != nil {
		return fmt.Errorf("cleaning up tools: %w", err)
	}
	return nil
}

// Run drives think/act cycles until a terminal tool fires, the step budget is
// exhausted, or a pause is requested. Valid only from Idle or (to resume with
// new input) WaitingForInput; any other state is a precondition violation.
func (e *Engine) Run(ctx context.Context, input string) (string, error) {
	e.mu.Lock()
	switch e.state {
	case domain.StateIdle:
		e.currentStep = 0
	case domain.StateWaitingForInput:
		// Resume preserves the step counter.
		if input == "" {
			e.mu.Unlock()
			return "", fmt.Errorf("resuming from %s requires user input", domain.StateWaitingForInput)
		}
	default:
		state := e.state
		e.mu.Unlock()
		return "", fmt.Errorf("cannot run from state %s", state)
	}
	e.state = domain.StateRunning
	e.continuing = false
	e.cleanedUp = false
	e.mu.Unlock()

	if input != "" {
		e.memory.Append(ctx, domain.UserMessage(input))
	}

	var results []string
	for e.StepCount() < e.cfg.MaxSteps {
		if err := ctx.Err(); err != nil {
			e.setState(domain.StateError)
			return strings.Join(results, "\n"), err
		}

		stepNum := e.StepCount() + 1
		slog.Debug("Executing step", "step", stepNum, "maxSteps", e.cfg.MaxSteps)

		actionable, err := e.think(ctx)
		if err != nil {
			e.setState(domain.StateError)
			return strings.Join(results, "\n"), err
		}

		var stepResult string
		if actionable {
			stepResult = e.act(ctx)
		} else {
			stepResult = "Thinking complete - no action needed"
		}
		results = append(results, fmt.Sprintf("Step %d: %s", stepNum, stepResult))

		if s := e.State(); s == domain.StateFinished || s == domain.StateWaitingForInput {
			return strings.Join(results, "\n"), nil
		}

		e.detectStuck()

		e.mu.Lock()
		e.currentStep++
		atBudget := e.currentStep >= e.cfg.MaxSteps
		e.mu.Unlock()

		if atBudget {
			if !e.cfg.Continuation {
				e.setState(domain.StateFinished)
				results = append(results, fmt.Sprintf("Terminated: reached max steps (%d)", e.cfg.MaxSteps))
				break
			}
			// Hand control back to the caller in a runnable state; its own
			// attempt ceiling bounds the total work.
			e.mu.Lock()
			e.currentStep = 0
			e.continuing = true
			e.state = domain.StateIdle
			e.mu.Unlock()
			e.memory.Append(ctx, domain.SystemMessage(
				"Execution is continuing from the previous progress. Do not repeat completed work."))
			results = append(results, "Step budget reached, execution will continue")
			break
		}
	}
	return strings.Join(results, "\n"), nil
}

// think materializes memory, submits it to the model with the registered tool
// schemas, and records the assistant's reply. It reports whether the reply
// contains actionable work.
func (e *Engine) think(ctx context.Context) (bool, error) {
	prompt := e.buildNextStepPrompt()
	if prompt != "" {
		e.memory.Append(ctx, domain.UserMessage(prompt))
	}

	reply, err := e.askWithRecovery(ctx)
	if err != nil {
		return false, err
	}
	if reply == nil {
		// Token-limit fault exhausted its retry; think already recorded the
		// failure and forced Finished.
		return false, nil
	}

	e.mu.Lock()
	e.lastContent = reply.Content
	choice := e.cfg.ToolChoice
	if choice == domain.ToolChoiceNone {
		e.pendingCalls = nil
	} else {
		e.pendingCalls = reply.ToolCalls
	}
	e.mu.Unlock()

	if len(reply.ToolCalls) > 0 {
		slog.Debug("Model proposed tool calls", "count", len(reply.ToolCalls))
		e.memory.Append(ctx, domain.AssistantToolCalls(reply.Content, reply.ToolCalls))
	} else if reply.Content != "" {
		e.memory.Append(ctx, domain.AssistantMessage(reply.Content))
	}

	switch choice {
	case domain.ToolChoiceNone:
		return reply.Content != "", nil
	case domain.ToolChoiceRequired:
		return len(reply.ToolCalls) > 0, nil
	default:
		return len(reply.ToolCalls) > 0 || reply.Content != "", nil
	}
}

// askWithRecovery submits the think call, handling a token-limit fault with
// one emergency compaction and a single retry. A (nil, nil) return means the
// fault was terminal: a failure message was recorded and the run finished.
func (e *Engine) askWithRecovery(ctx context.Context) (*model.Reply, error) {
	reply, err := e.ask(ctx)
	if err == nil {
		return reply, nil
	}
	if !model.IsTokenLimit(err) {
		return nil, fmt.Errorf("model call: %w", err)
	}

	slog.Warn("Token limit exceeded, compacting memory and retrying",
		"retainFraction", e.cfg.EmergencyRetainFraction,
		"estimatedTokens", e.memory.EstimatedTokens())
	e.memory.CompactWithRetain(ctx, e.cfg.EmergencyRetainFraction)
	slog.Info("Emergency compaction complete", "estimatedTokens", e.memory.EstimatedTokens())

	reply, err = e.ask(ctx)
	if err == nil {
		return reply, nil
	}
	if !model.IsTokenLimit(err) {
		return nil, fmt.Errorf("model call after compaction: %w", err)
	}

	// The only path to Finished without a terminal tool call.
	e.memory.Append(ctx, domain.AssistantMessage(
		"Execution terminated: context exceeds the model's token limit even after compaction."))
	e.setState(domain.StateFinished)
	return nil, nil
}

func (e *Engine) ask(ctx context.Context) (*model.Reply, error) {
	var systemMsgs []domain.Message
	if e.cfg.SystemPrompt != "" {
		systemMsgs = append(systemMsgs, domain.SystemMessage(e.cfg.SystemPrompt))
	}
	return e.provider.AskWithTools(ctx,
		e.memory.MaterializeForModel(), systemMsgs, e.registry.Schemas(), e.cfg.ToolChoice)
}

// buildNextStepPrompt assembles the per-cycle user prompt: the configured
// next-step prompt, an urgency notice once past half the step budget, and any
// pending stuck-loop directive.
func (e *Engine) buildNextStepPrompt() string {
	e.mu.Lock()
	directive := e.directive
	e.directive = ""
	step := e.currentStep
	e.mu.Unlock()

	var parts []string
	if directive != "" {
		parts = append(parts, directive)
	}
	if step >= e.cfg.MaxSteps/2 {
		parts = append(parts, fmt.Sprintf(
			"Note: you are on step %d of %d. Prioritize finishing the task.",
			step+1, e.cfg.MaxSteps))
	}
	if e.cfg.NextStepPrompt != "" {
		parts = append(parts, e.cfg.NextStepPrompt)
	}
	return strings.Join(parts, "\n\n")
}

// act executes the pending tool calls in the order the model proposed them.
// Individual failures are recorded as observations and do not abort the batch.
func (e *Engine) act(ctx context.Context) string {
	e.mu.Lock()
	calls := e.pendingCalls
	e.pendingCalls = nil
	content := e.lastContent
	e.mu.Unlock()

	if len(calls) == 0 {
		if content == "" {
			return "No content or commands to execute"
		}
		return content
	}

	var observations []string
	for _, call := range calls {
		obs := e.executeCall(ctx, call)
		observations = append(observations, obs)

		if s := e.State(); s == domain.StateFinished || s == domain.StateWaitingForInput {
			break
		}
	}
	return strings.Join(observations, "\n\n")
}

// executeCall runs one tool call and records its observation in memory.
func (e *Engine) executeCall(ctx context.Context, call domain.ToolCall) string {
	t, ok := e.registry.Get(call.Name)
	if !ok {
		obs := fmt.Sprintf("Error: unknown tool '%s'", call.Name)
		e.memory.Append(ctx, domain.AssistantMessage(obs))
		return obs
	}

	args, err := tool.ParseArguments(call.Arguments)
	if err != nil {
		obs := fmt.Sprintf("Error executing tool '%s': %v", call.Name, err)
		e.memory.Append(ctx, domain.AssistantMessage(obs))
		return obs
	}

	e.mu.Lock()
	e.toolUsage[call.Name]++
	e.mu.Unlock()

	slog.Debug("Executing tool", "tool", call.Name)
	res, err := t.Execute(ctx, args)
	if err != nil {
		obs := fmt.Sprintf("Error executing tool '%s': %v", call.Name, err)
		e.memory.Append(ctx, domain.AssistantMessage(obs))
		return obs
	}

	obs := res.Content
	if len(obs) > e.cfg.MaxObserve {
		slog.Debug("Clamping observation", "tool", call.Name, "bytes", len(obs), "max", e.cfg.MaxObserve)
		obs = obs[:e.cfg.MaxObserve]
	}
	e.memory.Append(ctx, domain.ToolMessage(obs, call.ID, call.Name, res.Binary))

	if e.registry.IsTerminal(call.Name) {
		slog.Info("Terminal tool invoked, finishing run", "tool", call.Name)
		e.mu.Lock()
		e.terminated = true
		e.state = domain.StateFinished
		e.mu.Unlock()
		return obs
	}
	if p, ok := t.(tool.Pauser); ok && p.Pauses() {
		slog.Info("Pausing for user input", "tool", call.Name)
		e.setState(domain.StateWaitingForInput)
	}
	return obs
}

// detectStuck checks whether the latest assistant reply repeats earlier ones
// byte for byte and, if so, arms the change-strategy directive for the next
// think cycle.
func (e *Engine) detectStuck() {
	e.mu.Lock()
	content := e.lastContent
	e.mu.Unlock()
	if content == "" {
		return
	}

	// The reply recorded for this cycle is in the log too, and not necessarily
	// last: tool observations land after it. Count all matches and discount it.
	matches := 0
	for _, msg := range e.memory.Messages() {
		if msg.Role == domain.RoleAssistant && msg.Content == content {
			matches++
		}
	}
	duplicates := matches - 1
	if duplicates >= e.cfg.DuplicateThreshold {
		slog.Warn("Duplicate assistant responses detected", "count", duplicates)
		e.mu.Lock()
		e.directive = stuckDirective
		e.mu.Unlock()
	}
}

func (e *Engine) setState(s domain.AgentState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}
