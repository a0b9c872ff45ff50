// Package compact implements the summarization engine: when a chat's
// history outgrows its token budget, the oldest turns are condensed into
// a single summary turn by the agent collaborator and replaced atomically
// in the store. This is the only destructive operation in the system, so
// it is gated on the memory flush invariant and on an optimistic
// generation check that rejects stale replacements.
package compact

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"loom/internal/agent"
	"loom/internal/history"
	"loom/internal/logger"
	"loom/internal/prompt"
	"loom/internal/token"
	"loom/pkg/loomtypes"
)

// SummaryPrefix marks summary turn content so replayed context reads
// naturally even without role labels.
const SummaryPrefix = "Previous conversation summary: "

// condensePrompt asks the agent for a bounded synopsis of older turns.
const condensePrompt = `Provide a concise summary of the following conversation history. Capture the key points, decisions, and context needed to continue the conversation. Do not output anything but the summary.`

// extendPrompt is used when a prior summary already exists: the agent
// extends it instead of re-summarizing its text verbatim.
const extendPrompt = `An earlier portion of this conversation was already condensed into the summary below. Produce one updated concise summary that carries the earlier summary's key points forward and folds in the additional turns. Do not output anything but the summary.`

// maxReplaceRetries bounds how often a summarization recomputes after the
// log moved under it.
const maxReplaceRetries = 3

// flushGuard is the slice of the memory flush controller the summarizer
// needs: a durable-note opportunity covering the oldest turn about to be
// discarded.
type flushGuard interface {
	EnsureFlushedBefore(ctx context.Context, chat string, oldest loomtypes.Turn, contextBlock string) error
}

// Summarizer collapses a chat's oldest turns into one summary turn.
type Summarizer struct {
	store *history.Store
	agent agent.Agent
	guard flushGuard

	// keepTail is how many most-recent turns survive verbatim.
	keepTail int

	// thresholdTokens is the minimum overflow beyond the usable budget
	// before compaction is worth an agent call.
	thresholdTokens int

	usableBudget int
}

// NewSummarizer wires the engine to its collaborators. guard may be nil
// when the flush stage is disabled.
func NewSummarizer(store *history.Store, ag agent.Agent, guard flushGuard, keepTail, thresholdTokens, usableBudget int) *Summarizer {
	if keepTail < 1 {
		keepTail = 1
	}
	return &Summarizer{
		store:           store,
		agent:           ag,
		guard:           guard,
		keepTail:        keepTail,
		thresholdTokens: thresholdTokens,
		usableBudget:    usableBudget,
	}
}

// Needs reports whether the log's overflow beyond the usable budget is
// large enough to justify a pass. The check runs against the full
// history, not the selected subset: a big selection with nothing excluded
// does not trigger compaction.
func (s *Summarizer) Needs(log *loomtypes.ChatLog) bool {
	if len(log.Turns) <= s.keepTail {
		return false
	}
	overflow := token.EstimateTurns(log.Turns) - s.usableBudget
	return overflow > 0 && overflow >= s.thresholdTokens
}

// Compact runs one summarization pass: partition the log into compactHead
// and keepTail, ask the agent to condense the head, and atomically
// replace it with a single summary turn. The agent call happens outside
// the store lock; a concurrent append invalidates the snapshot and the
// pass recomputes against fresh data.
func (s *Summarizer) Compact(ctx context.Context, chat string) (*loomtypes.ChatLog, error) {
	var lastErr error
	for attempt := 0; attempt < maxReplaceRetries; attempt++ {
		log, err := s.store.Snapshot(chat)
		if err != nil {
			return nil, err
		}
		if len(log.Turns) <= s.keepTail {
			return log, nil
		}

		head := log.Turns[:len(log.Turns)-s.keepTail]
		beforeTokens := token.EstimateTurns(log.Turns)

		if s.guard != nil {
			if err := s.guard.EnsureFlushedBefore(ctx, chat, head[0], prompt.HistoryBlock(log.Turns)); err != nil {
				// Documented policy: after the guard's bounded attempts
				// fail, compaction proceeds rather than blocking forever.
				logger.Warn("Proceeding to summarize without fresh memory flush", "chat", chat, "error", err)
			} else {
				// The flush may have appended turns; recompute from a
				// fresh snapshot before replacing anything.
				log, err = s.store.Snapshot(chat)
				if err != nil {
					return nil, err
				}
				if len(log.Turns) <= s.keepTail {
					return log, nil
				}
				head = log.Turns[:len(log.Turns)-s.keepTail]
			}
		}

		summaryText, err := s.condense(ctx, head)
		if err != nil {
			return nil, err
		}

		newLog, err := s.store.ReplacePrefix(chat, len(head), loomtypes.Turn{
			Content: SummaryPrefix + summaryText,
		}, log.Generation)
		if errors.Is(err, history.ErrConcurrentModification) {
			logger.Debug("History moved during summarization, recomputing", "chat", chat, "attempt", attempt+1)
			lastErr = err
			continue
		}
		if err != nil {
			return nil, err
		}

		logger.CompactionPass(chat, len(head), beforeTokens, token.EstimateTurns(newLog.Turns))
		return newLog, nil
	}
	return nil, fmt.Errorf("summarization gave up after %d attempts: %w", maxReplaceRetries, lastErr)
}

// condense asks the agent for the synopsis. A prior summary turn at the
// head is passed through as its own section and extended; its text is
// never replayed inside the transcript a second time.
func (s *Summarizer) condense(ctx context.Context, head []loomtypes.Turn) (string, error) {
	var b strings.Builder

	if head[0].Role == loomtypes.RoleSummary {
		b.WriteString(extendPrompt)
		b.WriteString("\n\nEarlier summary:\n")
		b.WriteString(strings.TrimPrefix(head[0].Content, SummaryPrefix))
		b.WriteString("\n\nAdditional turns:\n\n")
		b.WriteString(prompt.Transcript(head[1:]))
	} else {
		b.WriteString(condensePrompt)
		b.WriteString("\n\n")
		b.WriteString(prompt.Transcript(head))
	}

	response, err := s.agent.Send(ctx, agent.Request{Prompt: b.String()})
	if err != nil {
		return "", fmt.Errorf("summarization request failed: %w", err)
	}
	response = strings.TrimSpace(response)
	if response == "" {
		return "", fmt.Errorf("%w: empty summary response", agent.ErrAgentUnavailable)
	}
	return response, nil
}
