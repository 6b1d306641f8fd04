package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// ToolCall represents a tool invocation proposed by the model.
type ToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Arguments is the raw argument blob as emitted by the model, typically
	// JSON. It is parsed (and repaired if needed) at execution time.
	Arguments string `json:"arguments"`
}

// Message is one turn in the conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content,omitempty"`

	// ToolCalls is set on assistant messages that request tool execution.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and ToolName are set on tool-role messages and must reference
	// a ToolCall emitted by a preceding assistant message. Memory materialization
	// rewrites any tool message that violates this before submission to a model.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`

	// Binary is an optional attached payload (e.g. a screenshot).
	Binary []byte `json:"binary,omitempty"`
}

// SystemMessage creates a system message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage creates a user message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage creates a plain assistant message.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// AssistantToolCalls creates an assistant message carrying tool calls.
func AssistantToolCalls(content string, calls []ToolCall) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: calls}
}

// ToolMessage creates a tool-result message paired with the given call.
func ToolMessage(content, toolCallID, toolName string, binary []byte) Message {
	return Message{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Binary:     binary,
	}
}

// Plan is one task's ordered list of coarse-grained steps.
// It is mutated exclusively by the scheduler that owns it.
type Plan struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	Steps        []string     `json:"steps"`
	StepStatuses []StepStatus `json:"step_statuses"`
	StepNotes    []string     `json:"step_notes"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Normalize back-fills StepStatuses and StepNotes so they stay index-aligned
// with Steps. Statuses default to not_started.
func (p *Plan) Normalize() {
	for len(p.StepStatuses) < len(p.Steps) {
		p.StepStatuses = append(p.StepStatuses, StepNotStarted)
	}
	for len(p.StepNotes) < len(p.Steps) {
		p.StepNotes = append(p.StepNotes, "")
	}
}

// Progress returns the completed and total step counts.
func (p *Plan) Progress() (completed, total int) {
	for _, s := range p.StepStatuses {
		if s == StepCompleted {
			completed++
		}
	}
	return completed, len(p.Steps)
}

// Render formats the plan as human-readable text with status marks.
func (p *Plan) Render() string {
	p.Normalize()
	completed, total := p.Progress()
	pct := 0.0
	if total > 0 {
		pct = float64(completed) / float64(total) * 100
	}

	var b strings.Builder
	header := fmt.Sprintf("Plan: %s (ID: %s)", p.Title, p.ID)
	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("=", len(header)) + "\n\n")
	b.WriteString(fmt.Sprintf("Progress: %d/%d steps completed (%.1f%%)\n\n", completed, total, pct))
	b.WriteString("Steps:\n")
	for i, step := range p.Steps {
		b.WriteString(fmt.Sprintf("%d. %s %s\n", i, p.StepStatuses[i].Mark(), step))
		if p.StepNotes[i] != "" {
			b.WriteString(fmt.Sprintf("   Notes: %s\n", p.StepNotes[i]))
		}
	}
	return b.String()
}

// Issue is one problem found by the evaluator.
type Issue struct {
	Description string   `json:"issue"`
	Severity    Severity `json:"severity"`
	Suggestion  string   `json:"suggestion,omitempty"`
}

// EvaluationResult is the outcome of scoring a task attempt.
// Immutable once returned by the evaluator.
type EvaluationResult struct {
	// Score is in [0, 10], rounded to one decimal.
	Score        float64        `json:"score"`
	Issues       []Issue        `json:"issues,omitempty"`
	ActionNeeded Action         `json:"action_needed"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// RoundScore clamps v to [0, 10] and rounds to one decimal.
func RoundScore(v float64) float64 {
	if v < 0 {
		v = 0
	}
	if v > 10 {
		v = 10
	}
	return math.Round(v*10) / 10
}

// TaskComplete reports the evaluator's task-completion hint, if present.
func (r EvaluationResult) TaskComplete() bool {
	v, ok := r.Metadata["task_complete"].(bool)
	return ok && v
}
