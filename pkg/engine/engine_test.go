package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/nstogner/overseer/pkg/domain"
	"github.com/nstogner/overseer/pkg/memory"
	"github.com/nstogner/overseer/pkg/model"
	"github.com/nstogner/overseer/pkg/tool"
)

// scriptedProvider replays a fixed sequence of replies (or errors) and records
// the messages submitted with each call.
type scriptedProvider struct {
	turns []scriptedTurn
	calls [][]domain.Message
}

type scriptedTurn struct {
	reply *model.Reply
	err   error
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Ask(ctx context.Context, messages, systemMsgs []domain.Message) (string, error) {
	reply, err := p.AskWithTools(ctx, messages, systemMsgs, nil, domain.ToolChoiceNone)
	if err != nil {
		return "", err
	}
	return reply.Content, nil
}

func (p *scriptedProvider) AskWithTools(ctx context.Context, messages, systemMsgs []domain.Message, tools []model.ToolSchema, choice domain.ToolChoice) (*model.Reply, error) {
	snapshot := make([]domain.Message, len(messages))
	copy(snapshot, messages)
	p.calls = append(p.calls, snapshot)

	if len(p.turns) == 0 {
		return &model.Reply{Content: "done"}, nil
	}
	turn := p.turns[0]
	p.turns = p.turns[1:]
	if turn.err != nil {
		return nil, turn.err
	}
	return turn.reply, nil
}

func textReply(content string) scriptedTurn {
	return scriptedTurn{reply: &model.Reply{Content: content}}
}

func callReply(id, name, args string) scriptedTurn {
	return scriptedTurn{reply: &model.Reply{
		ToolCalls: []domain.ToolCall{{ID: id, Name: name, Arguments: args}},
	}}
}

// echoTool returns its "text" argument.
type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "Echo the given text." }
func (echoTool) ParameterSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"text": map[string]any{"type": "string"}},
	}
}
func (echoTool) Execute(ctx context.Context, args map[string]any) (*tool.Result, error) {
	text, _ := args["text"].(string)
	return &tool.Result{Content: text}, nil
}

// failingTool always errors.
type failingTool struct{}

func (failingTool) Name() string                    { return "flaky" }
func (failingTool) Description() string             { return "Always fails." }
func (failingTool) ParameterSchema() map[string]any { return map[string]any{"type": "object"} }
func (failingTool) Execute(ctx context.Context, args map[string]any) (*tool.Result, error) {
	return nil, errors.New("boom")
}

func newTestEngine(t *testing.T, cfg Config, provider model.Provider, tools ...tool.Tool) *Engine {
	t.Helper()
	registry := tool.NewRegistry(append(tools, &tool.Terminate{}, &tool.WaitForInput{}, echoTool{}, failingTool{})...)
	mem := memory.New(memory.Config{}, nil)
	return New(cfg, provider, registry, mem)
}

func TestRunFinishesAtMaxSteps(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{
		textReply("working on it"),
		textReply("still working"),
		textReply("almost there"),
	}}
	eng := newTestEngine(t, Config{MaxSteps: 3}, provider)

	report, err := eng.Run(context.Background(), "do the thing")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := eng.State(); got != domain.StateFinished {
		t.Errorf("state = %s, want %s", got, domain.StateFinished)
	}
	if !strings.Contains(report, "reached max steps") {
		t.Errorf("report missing max-steps notice:\n%s", report)
	}
	if eng.Terminated() {
		t.Error("Terminated() = true for a budget-exhausted run")
	}
}

func TestRunContinuationReturnsAtBudget(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{
		textReply("part one"),
		textReply("part two"),
	}}
	eng := newTestEngine(t, Config{MaxSteps: 2, Continuation: true}, provider)

	report, err := eng.Run(context.Background(), "long task")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !eng.Continuing() {
		t.Error("Continuing() = false, want true")
	}
	if got := eng.State(); got != domain.StateIdle {
		t.Errorf("state = %s, want %s", got, domain.StateIdle)
	}
	if eng.StepCount() != 0 {
		t.Errorf("step count = %d, want 0 after continuation reset", eng.StepCount())
	}
	if !strings.Contains(report, "continue") {
		t.Errorf("report missing continuation notice:\n%s", report)
	}
}

func TestTerminalToolFinishesRun(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{
		callReply("call-1", "echo", `{"text":"hello"}`),
		callReply("call-2", "terminate", `{"status":"success"}`),
	}}
	eng := newTestEngine(t, Config{MaxSteps: 10}, provider)

	report, err := eng.Run(context.Background(), "say hello then stop")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := eng.State(); got != domain.StateFinished {
		t.Errorf("state = %s, want %s", got, domain.StateFinished)
	}
	if !eng.Terminated() {
		t.Error("Terminated() = false after terminal tool")
	}
	if !strings.Contains(report, "hello") {
		t.Errorf("report missing echo observation:\n%s", report)
	}
	usage := eng.ToolUsage()
	if usage["echo"] != 1 || usage["terminate"] != 1 {
		t.Errorf("tool usage = %v", usage)
	}
}

func TestRunPreconditionViolation(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{
		callReply("call-1", "terminate", `{"status":"success"}`),
	}}
	eng := newTestEngine(t, Config{MaxSteps: 5}, provider)

	if _, err := eng.Run(context.Background(), "stop immediately"); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if _, err := eng.Run(context.Background(), "again"); err == nil {
		t.Fatal("second Run from Finished succeeded, want precondition error")
	}

	eng.Reset()
	if got := eng.State(); got != domain.StateIdle {
		t.Errorf("state after Reset = %s, want %s", got, domain.StateIdle)
	}
}

func TestUnknownToolRecorded(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{
		callReply("call-1", "nonexistent", `{}`),
		callReply("call-2", "terminate", `{}`),
	}}
	eng := newTestEngine(t, Config{MaxSteps: 5}, provider)

	report, err := eng.Run(context.Background(), "use a bad tool")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(report, "unknown tool 'nonexistent'") {
		t.Errorf("report missing unknown-tool observation:\n%s", report)
	}
	if got := eng.State(); got != domain.StateFinished {
		t.Errorf("state = %s, want %s", got, domain.StateFinished)
	}
}

func TestToolFailureDoesNotAbortBatch(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{
		{reply: &model.Reply{ToolCalls: []domain.ToolCall{
			{ID: "call-1", Name: "flaky", Arguments: `{}`},
			{ID: "call-2", Name: "echo", Arguments: `{"text":"survived"}`},
		}}},
		callReply("call-3", "terminate", `{}`),
	}}
	eng := newTestEngine(t, Config{MaxSteps: 5}, provider)

	report, err := eng.Run(context.Background(), "fail then echo")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(report, "Error executing tool 'flaky'") {
		t.Errorf("report missing failure observation:\n%s", report)
	}
	if !strings.Contains(report, "survived") {
		t.Errorf("batch aborted after tool failure:\n%s", report)
	}
}

func TestWaitForInputPausesAndResumes(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{
		callReply("call-1", "wait_for_user_input", `{"message":"pick a color"}`),
		callReply("call-2", "terminate", `{}`),
	}}
	eng := newTestEngine(t, Config{MaxSteps: 5}, provider)

	if _, err := eng.Run(context.Background(), "ask me something"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := eng.State(); got != domain.StateWaitingForInput {
		t.Fatalf("state = %s, want %s", got, domain.StateWaitingForInput)
	}
	stepsBefore := eng.StepCount()

	if _, err := eng.Run(context.Background(), ""); err == nil {
		t.Fatal("resume without input succeeded, want error")
	}

	if _, err := eng.Run(context.Background(), "blue"); err != nil {
		t.Fatalf("resume Run: %v", err)
	}
	if got := eng.State(); got != domain.StateFinished {
		t.Errorf("state = %s, want %s", got, domain.StateFinished)
	}
	if eng.StepCount() < stepsBefore {
		t.Errorf("step count reset on resume: before=%d after=%d", stepsBefore, eng.StepCount())
	}
}

func TestStuckDetectionInjectsDirective(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{
		textReply("same answer"),
		textReply("same answer"),
		textReply("same answer"),
		textReply("same answer"),
	}}
	eng := newTestEngine(t, Config{MaxSteps: 4, DuplicateThreshold: 2}, provider)

	if _, err := eng.Run(context.Background(), "loop"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	found := false
	for _, call := range provider.calls {
		for _, msg := range call {
			if msg.Role == domain.RoleUser && strings.Contains(msg.Content, "Change your strategy") {
				found = true
			}
		}
	}
	if !found {
		t.Error("stuck directive never submitted to the model")
	}
}

// Replies that carry tool calls are followed in memory by tool observations,
// so the reply under inspection is no longer the last message. It must still
// be discounted when counting prior duplicates.
func TestStuckDetectionIgnoresOwnReplyAfterToolCalls(t *testing.T) {
	repeat := func() scriptedTurn {
		return scriptedTurn{reply: &model.Reply{
			Content:   "same answer",
			ToolCalls: []domain.ToolCall{{ID: "call-1", Name: "echo", Arguments: `{"text":"hi"}`}},
		}}
	}

	directiveSent := func(p *scriptedProvider) bool {
		for _, call := range p.calls {
			for _, msg := range call {
				if msg.Role == domain.RoleUser && strings.Contains(msg.Content, "Change your strategy") {
					return true
				}
			}
		}
		return false
	}

	// One prior duplicate is below a threshold of two.
	provider := &scriptedProvider{turns: []scriptedTurn{
		repeat(), repeat(), callReply("call-2", "terminate", `{}`),
	}}
	eng := newTestEngine(t, Config{MaxSteps: 5, DuplicateThreshold: 2}, provider)
	if _, err := eng.Run(context.Background(), "loop"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if directiveSent(provider) {
		t.Error("directive fired after a single prior duplicate")
	}

	// Two prior duplicates meet the threshold.
	provider = &scriptedProvider{turns: []scriptedTurn{
		repeat(), repeat(), repeat(), callReply("call-2", "terminate", `{}`),
	}}
	eng = newTestEngine(t, Config{MaxSteps: 5, DuplicateThreshold: 2}, provider)
	if _, err := eng.Run(context.Background(), "loop"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !directiveSent(provider) {
		t.Error("directive never fired with two prior duplicates")
	}
}

func TestTokenLimitEmergencyCompaction(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{
		{err: fmt.Errorf("request rejected: %w", model.ErrTokenLimit)},
		callReply("call-1", "terminate", `{}`),
	}}
	registry := tool.NewRegistry(&tool.Terminate{})
	mem := memory.New(memory.Config{CompactionThreshold: 4}, nil)
	ctx := context.Background()
	for i := 0; i < 15; i++ {
		mem.Append(ctx, domain.UserMessage(fmt.Sprintf("filler message %d", i)))
	}
	eng := New(Config{MaxSteps: 5}, provider, registry, mem)

	if _, err := eng.Run(ctx, "tight context"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := eng.State(); got != domain.StateFinished {
		t.Errorf("state = %s, want %s", got, domain.StateFinished)
	}
	if mem.LastCompactionSize() == 0 {
		t.Error("no emergency compaction occurred")
	}
	if len(mem.Summaries()) == 0 {
		t.Error("emergency compaction produced no summary")
	}
}

func TestTokenLimitRetryExhaustedFinishes(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{
		{err: fmt.Errorf("request rejected: %w", model.ErrTokenLimit)},
		{err: fmt.Errorf("request rejected: %w", model.ErrTokenLimit)},
	}}
	eng := newTestEngine(t, Config{MaxSteps: 5}, provider)

	if _, err := eng.Run(context.Background(), "hopeless context"); err != nil {
		t.Fatalf("Run should absorb the terminal token-limit fault, got: %v", err)
	}
	if got := eng.State(); got != domain.StateFinished {
		t.Errorf("state = %s, want %s", got, domain.StateFinished)
	}
	msgs := eng.Memory().Messages()
	last := msgs[len(msgs)-1]
	if !strings.Contains(last.Content, "token limit") {
		t.Errorf("missing terminal failure message, last = %q", last.Content)
	}
}

func TestModelErrorSetsErrorState(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{
		{err: errors.New("connection refused")},
	}}
	eng := newTestEngine(t, Config{MaxSteps: 5}, provider)

	if _, err := eng.Run(context.Background(), "anything"); err == nil {
		t.Fatal("Run succeeded despite model failure")
	}
	if got := eng.State(); got != domain.StateError {
		t.Errorf("state = %s, want %s", got, domain.StateError)
	}
}
