// Package memflush implements the pre-compaction memory flush: a
// side-channel exchange that asks the agent to persist durable notes to
// the workspace log before summarization discards older detail. Each chat
// moves through idle → flush-requested → flush-complete, with the state
// persisted in the chat's compaction metadata so an interrupted flush is
// visible after a crash.
package memflush

import (
	"context"
	"fmt"
	"strings"

	"loom/internal/agent"
	"loom/internal/config"
	"loom/internal/history"
	"loom/internal/logger"
	"loom/internal/testutils"
	"loom/pkg/loomtypes"
)

// State names for logging and inspection.
const (
	StateIdle           = "idle"
	StateFlushRequested = "flush-requested"
	StateFlushComplete  = "flush-complete"
)

// turnStore is the slice of the history store the flush pipeline needs.
type turnStore interface {
	Append(chat string, role loomtypes.Role, content string) (loomtypes.Turn, error)
	ReadMeta(chat string) (loomtypes.CompactionMetadata, error)
	UpdateMeta(chat string, mutate func(*loomtypes.CompactionMetadata)) (loomtypes.CompactionMetadata, error)
}

// Controller drives the flush state machine for all chats sharing a store.
type Controller struct {
	store     turnStore
	agent     agent.Agent
	workspace *Workspace
	cfg       config.MemoryFlushConfig
	testMode  bool
}

// NewController wires the flush controller to its collaborators.
func NewController(store *history.Store, ag agent.Agent, ws *Workspace, cfg config.MemoryFlushConfig, testMode bool) *Controller {
	return &Controller{
		store:     store,
		agent:     ag,
		workspace: ws,
		cfg:       cfg,
		testMode:  testMode,
	}
}

// State reports the chat's current flush state from its metadata.
func State(meta loomtypes.CompactionMetadata) string {
	if meta.PendingFlush {
		return StateFlushRequested
	}
	if meta.FlushCompactionCount > meta.CompactionCount {
		return StateFlushComplete
	}
	return StateIdle
}

// ShouldFlush decides whether the soft-threshold check on a fresh append
// warrants a flush. headroomTokens is the estimated budget remaining
// before history fills the usable budget; the flush fires while that
// headroom is at or below the soft threshold, so durable notes are
// written before compaction becomes necessary, not after. A flush
// already pending, or one already completed for the current compaction
// generation, suppresses a repeat.
func (c *Controller) ShouldFlush(meta loomtypes.CompactionMetadata, headroomTokens int) bool {
	if !c.cfg.Enabled {
		return false
	}
	if meta.PendingFlush {
		return false
	}
	if meta.FlushCompactionCount > meta.CompactionCount {
		// Already flushed ahead of the upcoming compaction.
		return false
	}
	return headroomTokens <= c.cfg.SoftThresholdTokens
}

// Run performs one flush exchange for the chat: marks the request pending,
// sends the synthesized system+user turn pair to the agent exactly once,
// and on success appends the agent's notes to the workspace log and
// records completion. contextBlock gives the agent the conversation it is
// preserving notes from.
//
// The pending marker is persisted before the send, so a crash between
// send and completion is detectable on restart. An explicit agent failure
// clears the marker and leaves the completion fields untouched; the
// attempt can be retried later.
func (c *Controller) Run(ctx context.Context, chat string, contextBlock string) error {
	_, err := c.store.UpdateMeta(chat, func(m *loomtypes.CompactionMetadata) {
		m.PendingFlush = true
	})
	if err != nil {
		return fmt.Errorf("failed to mark flush pending: %w", err)
	}
	logger.FlushTransition(chat, StateIdle, StateFlushRequested)

	// Record the request in the chat log; the flush is part of the
	// conversation's durable record.
	if _, err := c.store.Append(chat, loomtypes.RoleFlush, c.cfg.Prompt); err != nil {
		// Clear the marker, same as an agent failure: a stuck pending
		// flag would suppress voluntary flushes for the chat forever.
		if _, uerr := c.store.UpdateMeta(chat, func(m *loomtypes.CompactionMetadata) {
			m.PendingFlush = false
		}); uerr != nil {
			logger.Error("Failed to clear pending flush after append failure", "chat", chat, "error", uerr)
		}
		logger.FlushTransition(chat, StateFlushRequested, StateIdle)
		return fmt.Errorf("failed to record flush request: %w", err)
	}

	prompt := c.composePrompt(contextBlock)
	response, err := c.agent.Send(ctx, agent.Request{Prompt: prompt})
	if err != nil {
		// Explicit failure, not a crash: clear the marker so the next
		// threshold crossing retries, and leave completion fields alone.
		if _, uerr := c.store.UpdateMeta(chat, func(m *loomtypes.CompactionMetadata) {
			m.PendingFlush = false
		}); uerr != nil {
			logger.Error("Failed to clear pending flush after agent failure", "chat", chat, "error", uerr)
		}
		logger.FlushTransition(chat, StateFlushRequested, StateIdle)
		return fmt.Errorf("flush request failed: %w", err)
	}

	flushedAt := testutils.Now(c.testMode)

	if c.hasNotes(response) {
		if err := c.workspace.AppendDailyLog(flushedAt, response); err != nil {
			return fmt.Errorf("failed to write flush notes: %w", err)
		}
		if _, err := c.store.Append(chat, loomtypes.RoleFlush, response); err != nil {
			return fmt.Errorf("failed to record flush response: %w", err)
		}
	} else {
		logger.Debug("Flush returned no notes", "chat", chat)
	}

	if _, err := c.store.UpdateMeta(chat, func(m *loomtypes.CompactionMetadata) {
		m.PendingFlush = false
		if flushedAt.After(m.LastMemoryFlushAt) {
			m.LastMemoryFlushAt = flushedAt
		}
		m.FlushCompactionCount = m.CompactionCount + 1
	}); err != nil {
		return fmt.Errorf("failed to record flush completion: %w", err)
	}

	logger.FlushTransition(chat, StateFlushRequested, StateFlushComplete)
	return nil
}

// EnsureFlushedBefore guarantees a durable-note opportunity covers every
// turn up to oldest before the caller summarizes them away. If the
// recorded flush is too old, a flush is forced synchronously, retried up
// to the configured attempt limit. After the attempts are exhausted the
// error is returned and the caller decides; the documented policy is to
// proceed with summarization rather than block indefinitely.
func (c *Controller) EnsureFlushedBefore(ctx context.Context, chat string, oldest loomtypes.Turn, contextBlock string) error {
	if !c.cfg.Enabled {
		return nil
	}

	meta, err := c.store.ReadMeta(chat)
	if err != nil {
		return err
	}
	if meta.FlushSatisfiedFor(oldest.Timestamp) {
		return nil
	}

	attempts := c.cfg.MaxForcedAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		if lastErr = c.Run(ctx, chat, contextBlock); lastErr == nil {
			return nil
		}
		logger.Warn("Forced memory flush attempt failed", "chat", chat, "attempt", i, "error", lastErr)
	}
	return fmt.Errorf("forced flush failed after %d attempts: %w", attempts, lastErr)
}

// composePrompt builds the system+user turn pair as a single composed
// prompt for the collaborator.
func (c *Controller) composePrompt(contextBlock string) string {
	var b strings.Builder
	if c.cfg.SystemPrompt != "" {
		b.WriteString("System: ")
		b.WriteString(c.cfg.SystemPrompt)
		b.WriteString("\n\n")
	}
	if contextBlock != "" {
		b.WriteString(contextBlock)
	}
	b.WriteString("User Current Request: ")
	b.WriteString(c.cfg.Prompt)
	return b.String()
}

// hasNotes reports whether the response carries content worth persisting.
func (c *Controller) hasNotes(response string) bool {
	trimmed := strings.TrimSpace(response)
	if trimmed == "" {
		return false
	}
	noReply := c.cfg.NoReplyToken
	if noReply == "" {
		noReply = config.DefaultNoReplyToken
	}
	return !strings.EqualFold(trimmed, noReply)
}
