// Package model defines the contract consumed by the engine for talking to a
// language model. Implementations live in subpackages (e.g. gemini).
package model

import (
	"context"
	"errors"

	"github.com/nstogner/overseer/pkg/domain"
)

// ToolSchema describes one invocable tool to the model.
type ToolSchema struct {
	// Name is the tool's registry key.
	Name string
	// Description tells the model when to use the tool.
	Description string
	// Parameters is a JSON-schema object ({"type": "object", "properties": ...}).
	Parameters map[string]any
}

// Reply is the model's response to a tool-enabled request: free-text content,
// zero or more proposed tool calls, or both.
type Reply struct {
	Content   string
	ToolCalls []domain.ToolCall
}

// Provider is an opaque LLM capability.
type Provider interface {
	// Name returns the provider's identifier (e.g. "gemini").
	Name() string

	// Ask submits the conversation and returns the model's text response.
	// systemMsgs are prepended as system instructions.
	Ask(ctx context.Context, messages, systemMsgs []domain.Message) (string, error)

	// AskWithTools submits the conversation together with tool schemas and a
	// tool-choice policy, returning content and/or proposed tool calls.
	AskWithTools(ctx context.Context, messages, systemMsgs []domain.Message, tools []ToolSchema, choice domain.ToolChoice) (*Reply, error)
}

// ErrTokenLimit marks a model-call failure caused by the assembled context
// exceeding the model's token budget. Implementations must wrap this sentinel
// so the engine's emergency-compaction path can trigger.
var ErrTokenLimit = errors.New("model token limit exceeded")

// IsTokenLimit reports whether err is a token-limit failure.
func IsTokenLimit(err error) bool {
	return errors.Is(err, ErrTokenLimit)
}
