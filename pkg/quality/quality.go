// Package quality implements the evaluator and improvement proposer that wrap
// step execution: score an attempt against the original instruction, and when
// the score falls short, propose a concrete improvement plan.
package quality

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonrepair"
	"github.com/nstogner/overseer/pkg/domain"
	"github.com/nstogner/overseer/pkg/model"
)

const evaluationSystem = "You are a strict quality evaluator for an autonomous task agent. " +
	"Respond with a single JSON object and nothing else."

const evaluationPromptFmt = `Evaluate how well the following execution output fulfills the original task.

Original task:
%s

Execution output:
%s

Execution used %d step(s). Tool usage: %s

Respond with JSON of this shape:
{
  "score": <float 0-10>,
  "issues": [{"issue": "<description>", "severity": "low|medium|high|critical", "suggestion": "<fix>"}],
  "action_needed": "none|modify|restart",
  "task_complete": <bool>
}`

const improvementSystem = "You are a task-execution coach. Produce a concrete, actionable " +
	"improvement plan as plain text. Do not evaluate; instruct."

const improvementPromptFmt = `A task attempt scored %.1f/10. Write an improvement plan the agent can follow on its next attempt.

Original task:
%s

Previous output:
%s

Issues found:
%s

Focus on what to do differently. Be specific.`

// minImprovementLen filters out degenerate model replies; anything shorter is
// treated as no proposal.
const minImprovementLen = 10

var jsonFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*\\})\\s*```")

// Gate scores attempts and proposes improvements. Evaluate never returns an
// error: unparsable model output degrades to a synthetic mid-range result.
type Gate struct {
	provider model.Provider

	mu      sync.Mutex
	history []domain.EvaluationResult
}

// New creates a Gate backed by the given provider.
func New(provider model.Provider) *Gate {
	return &Gate{provider: provider}
}

// Evaluate scores output against originalTask. The result is always
// well-formed; model or parse failures yield score 5.0 with a single
// high-severity issue and metadata["parse_error"] = true.
func (g *Gate) Evaluate(ctx context.Context, originalTask, output string, stepCount int, toolUsage map[string]int) domain.EvaluationResult {
	prompt := fmt.Sprintf(evaluationPromptFmt, originalTask, output, stepCount, renderToolUsage(toolUsage))

	raw, err := g.provider.Ask(ctx,
		[]domain.Message{domain.UserMessage(prompt)},
		[]domain.Message{domain.SystemMessage(evaluationSystem)})
	if err != nil {
		return g.record(parseFailure(fmt.Sprintf("evaluation call failed: %v", err)))
	}

	result, err := parseEvaluation(raw)
	if err != nil {
		slog.Warn("Unparsable evaluation response", "error", err)
		return g.record(parseFailure(fmt.Sprintf("failed to parse evaluation response: %v", err)))
	}
	return g.record(result)
}

// ProposeImprovement asks for an improvement plan based on a failed
// evaluation. It returns the empty string when no usable proposal could be
// obtained; callers treat that as "skip the improvement attempt".
func (g *Gate) ProposeImprovement(ctx context.Context, eval domain.EvaluationResult, originalTask, output string) string {
	prompt := fmt.Sprintf(improvementPromptFmt, eval.Score, originalTask, output, renderIssues(eval.Issues))

	plan, err := g.provider.Ask(ctx,
		[]domain.Message{domain.UserMessage(prompt)},
		[]domain.Message{domain.SystemMessage(improvementSystem)})
	if err != nil {
		slog.Warn("Improvement proposal failed", "error", err)
		return ""
	}
	plan = strings.TrimSpace(plan)
	if len(plan) < minImprovementLen {
		return ""
	}
	return plan
}

// AverageScore returns the mean score across all evaluations, or 0 if none.
func (g *Gate) AverageScore() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.history) == 0 {
		return 0
	}
	total := 0.0
	for _, r := range g.history {
		total += r.Score
	}
	return total / float64(len(g.history))
}

// History returns a copy of all evaluation results in order.
func (g *Gate) History() []domain.EvaluationResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]domain.EvaluationResult, len(g.history))
	copy(out, g.history)
	return out
}

func (g *Gate) record(r domain.EvaluationResult) domain.EvaluationResult {
	g.mu.Lock()
	g.history = append(g.history, r)
	g.mu.Unlock()
	return r
}

func parseFailure(description string) domain.EvaluationResult {
	return domain.EvaluationResult{
		Score: 5.0,
		Issues: []domain.Issue{{
			Description: description,
			Severity:    domain.SeverityHigh,
		}},
		ActionNeeded: domain.ActionNone,
		Metadata:     map[string]any{"parse_error": true},
	}
}

// rawEvaluation mirrors the JSON shape requested in the evaluation prompt.
type rawEvaluation struct {
	Score        float64        `json:"score"`
	Issues       []domain.Issue `json:"issues"`
	ActionNeeded string         `json:"action_needed"`
	TaskComplete *bool          `json:"task_complete"`
}

func parseEvaluation(raw string) (domain.EvaluationResult, error) {
	blob, err := extractJSON(raw)
	if err != nil {
		return domain.EvaluationResult{}, err
	}

	var parsed rawEvaluation
	if err := json.Unmarshal([]byte(blob), &parsed); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(blob)
		if rerr != nil {
			return domain.EvaluationResult{}, fmt.Errorf("invalid JSON: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &parsed); err != nil {
			return domain.EvaluationResult{}, fmt.Errorf("invalid JSON after repair: %w", err)
		}
	}

	issues := parsed.Issues
	for i := range issues {
		if !issues[i].Severity.Valid() {
			issues[i].Severity = domain.SeverityMedium
		}
	}

	action := domain.Action(parsed.ActionNeeded)
	switch action {
	case domain.ActionNone, domain.ActionModify, domain.ActionRestart:
	default:
		action = domain.ActionNone
	}

	result := domain.EvaluationResult{
		Score:        domain.RoundScore(parsed.Score),
		Issues:       issues,
		ActionNeeded: action,
	}
	if parsed.TaskComplete != nil {
		result.Metadata = map[string]any{"task_complete": *parsed.TaskComplete}
	}
	return result, nil
}

// extractJSON pulls the JSON object out of a model reply that may wrap it in a
// markdown fence or surrounding prose.
func extractJSON(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if m := jsonFenceRe.FindStringSubmatch(raw); m != nil {
		return m[1], nil
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end <= start {
		return "", fmt.Errorf("no JSON object in response")
	}
	return raw[start : end+1], nil
}

func renderToolUsage(usage map[string]int) string {
	if len(usage) == 0 {
		return "none"
	}
	names := make([]string, 0, len(usage))
	for name := range usage {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%d", name, usage[name]))
	}
	return strings.Join(parts, ", ")
}

func renderIssues(issues []domain.Issue) string {
	if len(issues) == 0 {
		return "(none listed)"
	}
	var lines []string
	for _, issue := range issues {
		line := fmt.Sprintf("- [%s] %s", issue.Severity, issue.Description)
		if issue.Suggestion != "" {
			line += " (suggestion: " + issue.Suggestion + ")"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
