// Package loomtypes defines the conversation history types shared across Loom.
// This file contains the core types for turns, chat logs, and the compaction
// bookkeeping that the context window pipeline relies on.
package loomtypes

import "time"

// Role identifies who (or what) produced a turn.
type Role string

// Turn roles. Summary and Flush are produced by the compaction pipeline
// rather than by the conversation itself.
const (
	RoleUser    Role = "user"
	RoleAgent   Role = "agent"
	RoleSystem  Role = "system"
	RoleSummary Role = "summary"
	RoleFlush   Role = "flush"
)

// Valid reports whether r is one of the known turn roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAgent, RoleSystem, RoleSummary, RoleFlush:
		return true
	}
	return false
}

// Turn represents a single role-tagged message in a chat's history.
// Turns are immutable once written; the token estimate is computed at
// append time and only changes when the turn itself is rewritten.
type Turn struct {
	ID            string    `json:"id"`             // Unique turn identifier
	Role          Role      `json:"role"`           // Who produced the turn
	Content       string    `json:"content"`        // UTF-8 message body, unbounded
	Timestamp     time.Time `json:"timestamp"`      // Assigned at append, non-decreasing per chat
	TokenEstimate int       `json:"token_estimate"` // Cached heuristic token cost
}

// ChatLog is the on-disk record for one chat: the ordered turn sequence,
// the compaction metadata, and a generation counter bumped on every
// write. The generation backs the optimistic check that guards prefix
// replacement against concurrent writers. Keeping the metadata in the
// same record means a summarization pass lands turns and watermark in
// one atomic file replacement.
type ChatLog struct {
	Generation uint64             `json:"generation"`
	Turns      []Turn             `json:"turns"`
	Meta       CompactionMetadata `json:"meta"`
}

// CompactionMetadata is the bookkeeping embedded in each chat's log
// record. It tracks summarization watermarks and the memory flush state
// machine.
type CompactionMetadata struct {
	// LastSummarizedUpTo is the timestamp of the newest turn folded into a
	// summary so far. It never moves backward.
	LastSummarizedUpTo time.Time `json:"last_summarized_up_to"`

	// LastMemoryFlushAt is the timestamp of the most recent completed
	// memory flush.
	LastMemoryFlushAt time.Time `json:"last_memory_flush_at"`

	// PendingFlush marks a flush that was requested but not yet confirmed
	// complete. Survives crashes so a restart can detect the interrupted
	// attempt.
	PendingFlush bool `json:"pending_flush"`

	// CompactionCount is the number of summarization passes completed for
	// this chat.
	CompactionCount int `json:"compaction_count"`

	// FlushCompactionCount records the CompactionCount value current when
	// the last flush completed. A flush is not repeated for the same
	// compaction generation.
	FlushCompactionCount int `json:"flush_compaction_count"`
}

// FlushSatisfiedFor reports whether the recorded flush covers turns up to
// and including the given timestamp. Summarization must not discard a
// turn older than the last flush opportunity.
func (m CompactionMetadata) FlushSatisfiedFor(oldest time.Time) bool {
	return !m.LastMemoryFlushAt.IsZero() && !m.LastMemoryFlushAt.Before(oldest)
}
