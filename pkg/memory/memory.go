// Package memory implements the engine's bounded conversational memory: an
// ordered message log that compacts its oldest entries into summaries once a
// threshold is crossed, and that materializes a model-safe view of itself.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nstogner/overseer/pkg/domain"
	"github.com/nstogner/overseer/pkg/token"
)

const (
	// DefaultCompactionThreshold is the live message count above which
	// compaction triggers.
	DefaultCompactionThreshold = 20
	// DefaultRetainFraction is the share of most-recent messages kept verbatim.
	DefaultRetainFraction = 0.5
	// minRetained is the floor on messages kept after compaction.
	minRetained = 10
)

// Config controls compaction behavior. Zero values fall back to defaults.
type Config struct {
	CompactionThreshold int
	RetainFraction      float64
	// CompactSystemMessages includes system messages in the compacted prefix
	// instead of retaining them verbatim.
	CompactSystemMessages bool
	// AutoCompact triggers compaction from Append once the threshold is
	// exceeded and the store has grown enough since the last compaction.
	AutoCompact bool
}

func (c Config) withDefaults() Config {
	if c.CompactionThreshold <= 0 {
		c.CompactionThreshold = DefaultCompactionThreshold
	}
	if c.RetainFraction <= 0 || c.RetainFraction >= 1 {
		c.RetainFraction = DefaultRetainFraction
	}
	return c
}

// Summary records one compacted range of removed messages.
type Summary struct {
	// StartIndex and EndIndex are positions in the stream of all messages ever
	// removed by compaction. Ranges are disjoint and chronologically ordered.
	StartIndex int       `json:"start_index"`
	EndIndex   int       `json:"end_index"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
}

// Summarizer produces summary text for a batch of messages about to be removed.
type Summarizer interface {
	Summarize(ctx context.Context, messages []domain.Message) (string, error)
}

// Store is a size-bounded message log with compaction. Safe for use from a
// single engine goroutine plus readers; all methods lock internally.
type Store struct {
	mu sync.Mutex

	cfg        Config
	summarizer Summarizer // nil means simple concatenation summaries

	messages           []domain.Message
	summaries          []Summary
	removedCount       int
	lastCompactionSize int
}

// New creates a Store. summarizer may be nil, in which case compaction uses
// the simple truncation-based summarizer.
func New(cfg Config, summarizer Summarizer) *Store {
	return &Store{cfg: cfg.withDefaults(), summarizer: summarizer}
}

// Append adds one message, auto-compacting if configured.
func (s *Store) Append(ctx context.Context, msg domain.Message) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	auto := s.autoCompactNeeded()
	s.mu.Unlock()
	if auto {
		s.Compact(ctx)
	}
}

// AppendAll adds multiple messages, auto-compacting if configured.
func (s *Store) AppendAll(ctx context.Context, msgs []domain.Message) {
	s.mu.Lock()
	s.messages = append(s.messages, msgs...)
	auto := s.autoCompactNeeded()
	s.mu.Unlock()
	if auto {
		s.Compact(ctx)
	}
}

// autoCompactNeeded must be called with the lock held. It avoids re-compacting
// immediately after a compaction by requiring growth of half a threshold.
func (s *Store) autoCompactNeeded() bool {
	return s.cfg.AutoCompact &&
		len(s.messages) > s.cfg.CompactionThreshold &&
		len(s.messages) > s.lastCompactionSize+s.cfg.CompactionThreshold/2
}

// Compact replaces the oldest messages with a summary if the store is above
// its threshold. It is a no-op below threshold (and therefore idempotent when
// re-invoked on an already-compacted store) and never fails: summarizer errors
// fall back to the simple summarizer.
func (s *Store) Compact(ctx context.Context) {
	s.compact(ctx, s.cfg.RetainFraction)
}

// CompactWithRetain compacts using a caller-supplied retain fraction. Used by
// the engine's emergency path with a more aggressive fraction.
func (s *Store) CompactWithRetain(ctx context.Context, retainFraction float64) {
	if retainFraction <= 0 || retainFraction >= 1 {
		retainFraction = s.cfg.RetainFraction
	}
	s.compact(ctx, retainFraction)
}

func (s *Store) compact(ctx context.Context, retainFraction float64) {
	s.mu.Lock()
	if len(s.messages) <= s.cfg.CompactionThreshold {
		s.mu.Unlock()
		return
	}

	keep := int(float64(len(s.messages)) * retainFraction)
	if keep < minRetained {
		keep = minRetained
	}
	if keep >= len(s.messages) {
		s.mu.Unlock()
		return
	}

	prefix := s.messages[:len(s.messages)-keep]
	var retained, toCompress []domain.Message
	for _, msg := range prefix {
		if msg.Role == domain.RoleSystem && !s.cfg.CompactSystemMessages {
			retained = append(retained, msg)
		} else {
			toCompress = append(toCompress, msg)
		}
	}
	if len(toCompress) == 0 {
		s.mu.Unlock()
		return
	}
	snapshotLen := len(s.messages)
	s.mu.Unlock()

	// Summarize outside the lock; the model summarizer may block on a network
	// call.
	text := s.summarize(ctx, toCompress)

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) < snapshotLen {
		// The store shrank (Clear) while summarizing; discard this compaction.
		return
	}
	// Rebuild the tail from the live slice so messages appended during the
	// summarizer call are kept.
	tail := s.messages[snapshotLen-keep:]
	s.summaries = append(s.summaries, Summary{
		StartIndex: s.removedCount,
		EndIndex:   s.removedCount + len(toCompress) - 1,
		Text:       text,
		CreatedAt:  time.Now().UTC(),
	})
	s.removedCount += len(toCompress)
	s.messages = append(append([]domain.Message{}, retained...), tail...)
	s.lastCompactionSize = len(s.messages)

	slog.Debug("Memory compacted",
		"compacted", len(toCompress),
		"retainedSystem", len(retained),
		"live", len(s.messages),
	)
}

func (s *Store) summarize(ctx context.Context, msgs []domain.Message) string {
	if s.summarizer != nil {
		text, err := s.summarizer.Summarize(ctx, msgs)
		if err == nil && text != "" {
			return text
		}
		if err != nil {
			slog.Warn("Summarizer failed, falling back to simple summary", "error", err)
		}
	}
	return SimpleSummary(msgs)
}

// SimpleSummary builds a truncation-based summary: one line per message with
// content clipped to a preview.
func SimpleSummary(msgs []domain.Message) string {
	const previewLen = 50
	var lines []string
	for _, msg := range msgs {
		if msg.Content == "" {
			continue
		}
		preview := msg.Content
		if len(preview) > previewLen {
			preview = preview[:previewLen] + "..."
		}
		lines = append(lines, fmt.Sprintf("%s: %s", msg.Role, preview))
	}
	if len(lines) == 0 {
		return "(no textual content)"
	}
	return joinLines(lines)
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

// MaterializeForModel returns the sequence to submit to a tool-calling model:
// summaries rendered as synthetic system messages, followed by the live
// messages with tool-call/tool-response pairing repaired. Any tool message
// whose ToolCallID has no matching ToolCall in a preceding assistant message
// is rewritten as a plain assistant message carrying the same content.
func (s *Store) MaterializeForModel() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Message, 0, len(s.summaries)+len(s.messages))
	for _, sum := range s.summaries {
		out = append(out, domain.SystemMessage(fmt.Sprintf(
			"Summary of earlier conversation (messages %d-%d):\n%s",
			sum.StartIndex, sum.EndIndex, sum.Text,
		)))
	}

	// Track which tool-call ids have been emitted by assistant messages seen
	// so far; a valid tool message must reference one of them.
	emitted := make(map[string]bool)
	for _, msg := range s.messages {
		if msg.Role == domain.RoleAssistant {
			for _, tc := range msg.ToolCalls {
				emitted[tc.ID] = true
			}
			out = append(out, msg)
			continue
		}
		if msg.Role == domain.RoleTool {
			if msg.ToolCallID != "" && emitted[msg.ToolCallID] {
				out = append(out, msg)
			} else {
				out = append(out, domain.AssistantMessage(fmt.Sprintf(
					"Tool '%s' result: %s", msg.ToolName, msg.Content,
				)))
			}
			continue
		}
		out = append(out, msg)
	}
	return out
}

// RecentN returns a copy of the n most recent live messages.
func (s *Store) RecentN(n int) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || len(s.messages) == 0 {
		return nil
	}
	if n > len(s.messages) {
		n = len(s.messages)
	}
	out := make([]domain.Message, n)
	copy(out, s.messages[len(s.messages)-n:])
	return out
}

// Messages returns a copy of all live messages.
func (s *Store) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Summaries returns a copy of the summary records.
func (s *Store) Summaries() []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Summary, len(s.summaries))
	copy(out, s.summaries)
	return out
}

// Len returns the live message count.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// LastCompactionSize returns the live message count recorded at the end of the
// most recent compaction, or 0 if none has occurred.
func (s *Store) LastCompactionSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCompactionSize
}

// EstimatedTokens counts the token footprint of the materialized context.
func (s *Store) EstimatedTokens() int {
	total := 0
	for _, msg := range s.MaterializeForModel() {
		total += token.Count(msg.Content)
	}
	return total
}

// Clear removes all messages and summaries. Used on session reset.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.summaries = nil
	s.removedCount = 0
	s.lastCompactionSize = 0
}
