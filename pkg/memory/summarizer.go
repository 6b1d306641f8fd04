package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/nstogner/overseer/pkg/domain"
	"github.com/nstogner/overseer/pkg/model"
)

// summaryPrompt frames the compaction request. The summary replaces the
// original messages, so it must stand alone.
const summaryPrompt = "You are summarizing a conversation history for context compaction. " +
	"Create a dense summary of the following conversation that preserves:\n" +
	"- Key decisions and outcomes\n" +
	"- Important artifacts that were created or modified\n" +
	"- Current state of any ongoing tasks\n" +
	"- Any instructions or preferences the user expressed\n\n" +
	"Be thorough but concise. This summary will replace the original messages.\n\n" +
	"CONVERSATION TO SUMMARIZE:\n"

// ModelSummarizer produces abstractive summaries via the LLM capability.
// Callers (the Store) fall back to SimpleSummary when it errors.
type ModelSummarizer struct {
	provider model.Provider
}

var _ Summarizer = (*ModelSummarizer)(nil)

// NewModelSummarizer creates a summarizer backed by the given provider.
func NewModelSummarizer(provider model.Provider) *ModelSummarizer {
	return &ModelSummarizer{provider: provider}
}

// Summarize asks the model for a summary of the batch.
func (m *ModelSummarizer) Summarize(ctx context.Context, messages []domain.Message) (string, error) {
	var b strings.Builder
	b.WriteString(summaryPrompt)
	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		fmt.Fprintf(&b, "[%s] %s\n", msg.Role, msg.Content)
	}

	text, err := m.provider.Ask(ctx,
		[]domain.Message{domain.UserMessage(b.String())},
		[]domain.Message{domain.SystemMessage("You are a conversation summarizer.")},
	)
	if err != nil {
		return "", fmt.Errorf("generating summary: %w", err)
	}
	if text == "" {
		return "", fmt.Errorf("model returned empty summary")
	}
	return text, nil
}
