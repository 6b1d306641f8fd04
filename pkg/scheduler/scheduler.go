// Package scheduler turns one instruction into a plan and drives its steps to
// completion through the engine, optionally wrapping each step in the quality
// gate's evaluate/improve/retry loop.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/nstogner/overseer/pkg/domain"
	"github.com/nstogner/overseer/pkg/engine"
	"github.com/nstogner/overseer/pkg/model"
	"github.com/nstogner/overseer/pkg/planstore"
	"github.com/nstogner/overseer/pkg/quality"
	"github.com/nstogner/overseer/pkg/tool"
)

const (
	// DefaultQualityThreshold is the minimum passing score for a step attempt.
	DefaultQualityThreshold = 8.0
	// DefaultMaxImprovementIterations bounds how many improvement proposals are
	// generated for one step.
	DefaultMaxImprovementIterations = 3
	// DefaultMaxExecutionsPerStep bounds how many scheduler passes one step may
	// consume before it is force-completed.
	DefaultMaxExecutionsPerStep = 3
)

// DefaultPlanSteps is the fallback plan used when the model fails to produce a
// structured one.
var DefaultPlanSteps = []string{"analyze requirements", "execute task", "verify results"}

var stepTypeRe = regexp.MustCompile(`^\s*\[([A-Z_]+)\]`)

// Config consolidates the scheduler's toggles. Quality gating and
// intermediate-result carry-over are independent: carry-over is driven by the
// engine's Continuation flag, not by the gate.
type Config struct {
	// QualityGateEnabled wraps each step in evaluate/improve/retry.
	QualityGateEnabled bool
	// ImprovementEnabled allows improvement proposals between retries. Ignored
	// unless QualityGateEnabled is set.
	ImprovementEnabled bool

	QualityThreshold float64
	// MaxRetries is the retry budget after the improvement attempt. Zero means
	// no retries: a sub-threshold step is completed anyway with a warning.
	MaxRetries               int
	MaxImprovementIterations int
	MaxExecutionsPerStep     int
}

func (c Config) withDefaults() Config {
	if c.QualityThreshold <= 0 {
		c.QualityThreshold = DefaultQualityThreshold
	}
	if c.MaxImprovementIterations <= 0 {
		c.MaxImprovementIterations = DefaultMaxImprovementIterations
	}
	if c.MaxExecutionsPerStep <= 0 {
		c.MaxExecutionsPerStep = DefaultMaxExecutionsPerStep
	}
	return c
}

// Scheduler owns one plan at a time and drives the engine step by step.
type Scheduler struct {
	cfg      Config
	provider model.Provider
	engine   *engine.Engine
	gate     *quality.Gate // nil disables quality gating
	store    planstore.Store

	mu             sync.Mutex
	plan           *domain.Plan
	currentStep    int
	stepExecutions map[int]int
	stepResults    map[int]string
	forceCompleted map[int]string
}

// New creates a Scheduler. gate may be nil; it is only consulted when
// cfg.QualityGateEnabled is set.
func New(cfg Config, provider model.Provider, eng *engine.Engine, gate *quality.Gate, store planstore.Store) *Scheduler {
	return &Scheduler{
		cfg:         cfg.withDefaults(),
		provider:    provider,
		engine:      eng,
		gate:        gate,
		store:       store,
		currentStep: -1,
	}
}

// CurrentStepIndex returns the index of the step currently in progress, or -1.
func (s *Scheduler) CurrentStepIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentStep
}

// Plan returns a copy of the scheduler's plan, or nil before Execute.
func (s *Scheduler) Plan() *domain.Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.plan == nil {
		return nil
	}
	out := *s.plan
	out.Steps = append([]string{}, s.plan.Steps...)
	out.StepStatuses = append([]domain.StepStatus{}, s.plan.StepStatuses...)
	out.StepNotes = append([]string{}, s.plan.StepNotes...)
	return &out
}

// Execute turns the instruction into a plan and drives every step to
// completion. The returned report contains the plan, each step's transcript,
// force-completion warnings, and a final summary.
func (s *Scheduler) Execute(ctx context.Context, instruction string) (string, error) {
	plan := s.createPlan(ctx, instruction)

	s.mu.Lock()
	s.plan = plan
	s.currentStep = -1
	s.stepExecutions = make(map[int]int)
	s.stepResults = make(map[int]string)
	s.forceCompleted = make(map[int]string)
	s.mu.Unlock()

	var report strings.Builder
	report.WriteString("Initial plan:\n\n")
	report.WriteString(plan.Render())
	report.WriteString("\n")

	paused := false
	for {
		idx, stepText, ok := s.selectNextStep(ctx)
		if !ok {
			break
		}

		s.mu.Lock()
		s.stepExecutions[idx]++
		execCount := s.stepExecutions[idx]
		s.mu.Unlock()

		result, err := s.executeStep(ctx, instruction, idx, stepText)
		if err != nil {
			s.markStep(ctx, idx, domain.StepBlocked, fmt.Sprintf("execution failed: %v", err))
			report.WriteString(fmt.Sprintf("Step %d blocked: %v\n", idx, err))
			return report.String(), fmt.Errorf("executing step %d: %w", idx, err)
		}

		report.WriteString(fmt.Sprintf("Step %d (%s):\n%s\n\n", idx, stepText, result))

		if s.engine.Terminated() {
			s.markStep(ctx, idx, domain.StepCompleted, "terminal tool invoked")
			report.WriteString("Execution terminated by agent.\n\n")
			break
		}
		if s.engine.State() == domain.StateWaitingForInput {
			s.markStep(ctx, idx, domain.StepInProgress, "waiting for user input")
			report.WriteString("Execution paused: waiting for user input.\n\n")
			paused = true
			break
		}

		if s.engine.Continuing() {
			if execCount >= s.cfg.MaxExecutionsPerStep {
				slog.Warn("Step hit its execution ceiling, force-completing",
					"step", idx, "executions", execCount)
				s.forceComplete(ctx, idx, fmt.Sprintf("force-completed after %d executions", execCount))
				continue
			}
			// Leave the step in progress and carry the partial output into the
			// next pass as context.
			s.mu.Lock()
			s.stepResults[idx] = result
			s.mu.Unlock()
			s.markStep(ctx, idx, domain.StepInProgress, "continuing")
			continue
		}

		s.markStep(ctx, idx, domain.StepCompleted, "")
		s.engine.Reset()
	}

	if paused {
		// The engine stays in WaitingForInput; the caller resumes it by
		// invoking Execute's engine again with the user's answer.
		report.WriteString(s.Plan().Render())
		return report.String(), nil
	}

	s.mu.Lock()
	s.currentStep = -1
	forced := make(map[int]string, len(s.forceCompleted))
	for k, v := range s.forceCompleted {
		forced[k] = v
	}
	s.mu.Unlock()

	report.WriteString("Final plan state:\n\n")
	report.WriteString(s.Plan().Render())
	report.WriteString("\n")
	for idx, reason := range forced {
		report.WriteString(fmt.Sprintf("Warning: step %d was force-completed (%s).\n", idx, reason))
	}

	summary := s.finalize(ctx, instruction)
	report.WriteString("\nSummary:\n")
	report.WriteString(summary)
	return report.String(), nil
}

// createPlan asks the model for a structured plan through a planning tool
// schema, falling back to the fixed default plan on any failure.
func (s *Scheduler) createPlan(ctx context.Context, instruction string) *domain.Plan {
	plan := &domain.Plan{
		ID:    uuid.NewString(),
		Title: instruction,
		Steps: append([]string{}, DefaultPlanSteps...),
	}

	prompt := fmt.Sprintf(
		"Create an execution plan for the following task. Use the planning tool.\n\nTask: %s",
		instruction)
	reply, err := s.provider.AskWithTools(ctx,
		[]domain.Message{domain.UserMessage(prompt)},
		[]domain.Message{domain.SystemMessage(
			"You are a planning assistant. Break the task into a short list of coarse, ordered steps.")},
		[]model.ToolSchema{planningSchema()},
		domain.ToolChoiceRequired,
	)
	if err != nil {
		slog.Warn("Plan creation failed, using default plan", "error", err)
	} else if parsed := parsePlanReply(reply); parsed != nil {
		if parsed.title != "" {
			plan.Title = parsed.title
		}
		if len(parsed.steps) > 0 {
			plan.Steps = parsed.steps
		}
	} else {
		slog.Warn("Model returned no usable plan, using default plan")
	}

	plan.Normalize()
	if err := s.store.Create(ctx, plan); err != nil {
		slog.Warn("Persisting plan failed, continuing in memory", "planID", plan.ID, "error", err)
	}
	slog.Info("Plan created", "planID", plan.ID, "steps", len(plan.Steps))
	return plan
}

func planningSchema() model.ToolSchema {
	return model.ToolSchema{
		Name:        "planning",
		Description: "Record the execution plan for the task.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title": map[string]any{
					"type":        "string",
					"description": "Short plan title.",
				},
				"steps": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Ordered list of coarse-grained steps.",
				},
			},
			"required": []string{"title", "steps"},
		},
	}
}

type parsedPlan struct {
	title string
	steps []string
}

func parsePlanReply(reply *model.Reply) *parsedPlan {
	if reply == nil || len(reply.ToolCalls) == 0 {
		return nil
	}
	args, err := tool.ParseArguments(reply.ToolCalls[0].Arguments)
	if err != nil {
		slog.Warn("Unparsable plan arguments", "error", err)
		return nil
	}

	out := &parsedPlan{}
	out.title, _ = args["title"].(string)
	if rawSteps, ok := args["steps"].([]any); ok {
		for _, raw := range rawSteps {
			if step, ok := raw.(string); ok && strings.TrimSpace(step) != "" {
				out.steps = append(out.steps, step)
			}
		}
	}
	if out.title == "" && len(out.steps) == 0 {
		return nil
	}
	return out
}

// selectNextStep returns the next runnable step. An InProgress step takes
// priority over starting new work so that at most one step is ever in flight,
// including across re-entrant calls. Returns ok=false when the plan is done.
func (s *Scheduler) selectNextStep(ctx context.Context) (int, string, bool) {
	s.mu.Lock()
	plan := s.plan
	var idx = -1
	var needsFlip bool
	for i, status := range plan.StepStatuses {
		if status == domain.StepInProgress {
			idx = i
			break
		}
	}
	if idx == -1 {
		for i, status := range plan.StepStatuses {
			if status == domain.StepNotStarted {
				idx = i
				needsFlip = true
				break
			}
		}
	}
	if idx == -1 {
		s.currentStep = -1
		s.mu.Unlock()
		return 0, "", false
	}
	s.currentStep = idx
	stepText := plan.Steps[idx]
	s.mu.Unlock()

	if stepType := extractStepType(stepText); stepType != "" {
		slog.Debug("Selected step", "index", idx, "type", stepType)
	}
	if needsFlip {
		s.markStep(ctx, idx, domain.StepInProgress, "")
	}
	return idx, stepText, true
}

// extractStepType returns the lowercased bracketed tag prefix of a step, e.g.
// "[SEARCH] find sources" -> "search". Empty when untagged.
func extractStepType(step string) string {
	if m := stepTypeRe.FindStringSubmatch(step); m != nil {
		return strings.ToLower(m[1])
	}
	return ""
}

// markStep updates one step's status, store first. A store failure is logged
// and the in-memory plan is mutated anyway so scheduling stays consistent.
func (s *Scheduler) markStep(ctx context.Context, idx int, status domain.StepStatus, note string) {
	s.mu.Lock()
	planID := s.plan.ID
	s.plan.Normalize()
	s.plan.StepStatuses[idx] = status
	if note != "" {
		s.plan.StepNotes[idx] = note
	}
	s.mu.Unlock()

	if err := s.store.UpdateStepStatus(ctx, planID, idx, status, note); err != nil {
		slog.Warn("Step status update failed in store, in-memory state retained",
			"planID", planID, "step", idx, "status", status, "error", err)
	}
}

func (s *Scheduler) forceComplete(ctx context.Context, idx int, reason string) {
	s.mu.Lock()
	s.forceCompleted[idx] = reason
	s.mu.Unlock()
	s.markStep(ctx, idx, domain.StepCompleted, reason)
	s.engine.Reset()
}

// executeStep drives the engine for one step, applying the quality gate when
// enabled. The returned string is the step transcript.
func (s *Scheduler) executeStep(ctx context.Context, instruction string, idx int, stepText string) (string, error) {
	prompt := s.buildStepPrompt(instruction, idx, stepText)

	result, err := s.engine.Run(ctx, prompt)
	if err != nil {
		return "", err
	}
	if s.engine.Terminated() || s.engine.Continuing() ||
		s.engine.State() == domain.StateWaitingForInput {
		return result, nil
	}
	if !s.cfg.QualityGateEnabled || s.gate == nil {
		return result, nil
	}
	return s.qualityLoop(ctx, instruction, idx, result)
}

// qualityLoop implements evaluate -> improve -> retry for one completed step
// attempt. It never blocks forward progress: when the retry budget runs out
// the step passes anyway, with a warning recorded for the report.
func (s *Scheduler) qualityLoop(ctx context.Context, instruction string, idx int, result string) (string, error) {
	eval := s.gate.Evaluate(ctx, instruction, result, s.engine.StepCount(), s.engine.ToolUsage())
	if eval.Score >= s.cfg.QualityThreshold || eval.TaskComplete() {
		slog.Info("Step passed quality gate", "step", idx, "score", eval.Score)
		return result, nil
	}
	slog.Info("Step below quality threshold", "step", idx,
		"score", eval.Score, "threshold", s.cfg.QualityThreshold)

	improvements := 0
	attempt := func(prompt string) (string, error) {
		s.engine.Reset()
		return s.engine.Run(ctx, prompt)
	}

	// One improvement attempt before counting retries.
	if s.cfg.ImprovementEnabled && improvements < s.cfg.MaxImprovementIterations {
		if plan := s.gate.ProposeImprovement(ctx, eval, instruction, result); plan != "" {
			improvements++
			improved, err := attempt(plan)
			if err != nil {
				return "", err
			}
			result = improved
			eval = s.gate.Evaluate(ctx, instruction, result, s.engine.StepCount(), s.engine.ToolUsage())
			if eval.Score >= s.cfg.QualityThreshold || eval.TaskComplete() {
				return result, nil
			}
		}
	}

	if s.cfg.MaxRetries == 0 {
		slog.Warn("Quality below threshold with no retry budget, completing anyway",
			"step", idx, "score", eval.Score)
		s.mu.Lock()
		s.forceCompleted[idx] = fmt.Sprintf("no retry budget, final score %.1f", eval.Score)
		s.mu.Unlock()
		return result, nil
	}

	for retry := 1; retry <= s.cfg.MaxRetries; retry++ {
		prompt := fmt.Sprintf(
			"The previous attempt scored %.1f/10, below the required %.1f. Retry the step and address the shortcomings.",
			eval.Score, s.cfg.QualityThreshold)
		if s.cfg.ImprovementEnabled && improvements < s.cfg.MaxImprovementIterations {
			if plan := s.gate.ProposeImprovement(ctx, eval, instruction, result); plan != "" {
				improvements++
				prompt = plan
			}
		}

		retried, err := attempt(prompt)
		if err != nil {
			return "", err
		}
		result = retried
		eval = s.gate.Evaluate(ctx, instruction, result, s.engine.StepCount(), s.engine.ToolUsage())
		if eval.Score >= s.cfg.QualityThreshold || eval.TaskComplete() {
			slog.Info("Step passed quality gate after retry", "step", idx, "retry", retry, "score", eval.Score)
			return result, nil
		}
	}

	slog.Warn("Retry budget exhausted, force-completing step", "step", idx, "finalScore", eval.Score)
	s.mu.Lock()
	s.forceCompleted[idx] = fmt.Sprintf("retries exhausted, final score %.1f", eval.Score)
	s.mu.Unlock()
	return result, nil
}

// buildStepPrompt embeds the plan, the current step, and any prior partial
// output for a resumed step.
func (s *Scheduler) buildStepPrompt(instruction string, idx int, stepText string) string {
	s.mu.Lock()
	planText := s.plan.Render()
	previous := s.stepResults[idx]
	s.mu.Unlock()

	var b strings.Builder
	b.WriteString(fmt.Sprintf("Overall task: %s\n\n", instruction))
	b.WriteString(planText)
	b.WriteString(fmt.Sprintf("\nYou are executing step %d: %s\n", idx, stepText))
	if previous != "" {
		b.WriteString("\nThis step was partially executed before. Previous output:\n")
		b.WriteString(previous)
		b.WriteString("\n\nContinue from this progress. Do not repeat completed work.\n")
	}
	return b.String()
}

// finalize produces the task-level summary, falling back to driving the
// execution agent with the same prompt if the direct model call fails.
func (s *Scheduler) finalize(ctx context.Context, instruction string) string {
	prompt := fmt.Sprintf(
		"The plan below has finished executing. Summarize what was accomplished for the task %q.\n\n%s",
		instruction, s.Plan().Render())

	summary, err := s.provider.Ask(ctx,
		[]domain.Message{domain.UserMessage(prompt)},
		[]domain.Message{domain.SystemMessage("You summarize completed task executions concisely.")})
	if err == nil && strings.TrimSpace(summary) != "" {
		return summary
	}
	slog.Warn("Direct summary call failed, delegating to the agent", "error", err)

	s.engine.Reset()
	summary, err = s.engine.Run(ctx, prompt)
	if err != nil || strings.TrimSpace(summary) == "" {
		return "(summary unavailable)"
	}
	return summary
}
