// Package history implements the durable per-chat turn log and its
// compaction metadata. Each chat owns one history file holding turns,
// metadata, and the generation counter; writers serialize through an
// advisory lock file and all writes land via temp-file-plus-atomic-rename
// so readers always observe a byte-consistent snapshot and turns and
// watermark can never diverge across a crash.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"loom/internal/logger"
	"loom/internal/testutils"
	"loom/internal/token"
	"loom/pkg/loomtypes"
)

// DefaultChat is the chat name used when none is given.
const DefaultChat = "default"

// Store persists chat histories under a single directory. It is safe for
// concurrent use across goroutines and across processes sharing the
// directory: every mutation runs inside the chat's exclusive lock.
type Store struct {
	dir         string
	lockTimeout time.Duration
	testMode    bool
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout overrides the bounded wait for the per-chat lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithTestMode makes turn IDs and timestamps deterministic.
func WithTestMode(enabled bool) Option {
	return func(s *Store) { s.testMode = enabled }
}

// NewStore creates a store rooted at dir. The directory is created lazily
// on first write.
func NewStore(dir string, opts ...Option) *Store {
	s := &Store{
		dir:         dir,
		lockTimeout: DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SanitizeChatName reduces a chat name to characters safe for filenames.
// An empty or fully-stripped name falls back to the default chat.
func SanitizeChatName(name string) string {
	var b strings.Builder
	for _, c := range name {
		if c == '_' || c == '-' ||
			(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			b.WriteRune(c)
		}
	}
	if b.Len() == 0 {
		return DefaultChat
	}
	return b.String()
}

func (s *Store) historyPath(chat string) string {
	return filepath.Join(s.dir, "history-"+SanitizeChatName(chat)+".json")
}

func (s *Store) lockPath(chat string) string {
	return filepath.Join(s.dir, "history-"+SanitizeChatName(chat)+".lock")
}

// Append assigns identity, timestamp, and a cached token estimate to a new
// turn and persists it at the tail of the chat's log. The timestamp never
// precedes the previous turn's, so the log stays totally ordered even if
// the wall clock steps backward.
func (s *Store) Append(chat string, role loomtypes.Role, content string) (loomtypes.Turn, error) {
	if !role.Valid() {
		return loomtypes.Turn{}, fmt.Errorf("invalid turn role %q", role)
	}

	var stored loomtypes.Turn
	err := s.withLock(s.lockPath(chat), func() error {
		log, err := s.loadLog(chat)
		if err != nil {
			return err
		}

		ts := testutils.Now(s.testMode)
		if n := len(log.Turns); n > 0 && ts.Before(log.Turns[n-1].Timestamp) {
			ts = log.Turns[n-1].Timestamp
		}

		stored = loomtypes.Turn{
			ID:            testutils.GenerateUUID(s.testMode),
			Role:          role,
			Content:       content,
			Timestamp:     ts,
			TokenEstimate: token.Estimate(content),
		}
		log.Turns = append(log.Turns, stored)
		log.Generation++
		return s.writeLog(chat, log)
	})
	if err != nil {
		return loomtypes.Turn{}, err
	}

	logger.StoreOperation(chat, "append", "role", string(stored.Role), "tokens", stored.TokenEstimate)
	return stored, nil
}

// Snapshot returns the chat's full turn log and its generation. The read
// path takes no lock: atomic renames guarantee the file is always a
// complete, consistent record.
func (s *Store) Snapshot(chat string) (*loomtypes.ChatLog, error) {
	return s.loadLog(chat)
}

// ReplacePrefix atomically removes the first count turns and inserts the
// summary turn at the head. The caller supplies the generation from its
// snapshot; if the log has moved on since, the replacement is rejected
// with ErrConcurrentModification and the caller must recompute against
// fresh data. The summarization watermark and compaction count advance in
// the same critical section, so the operation is all-or-nothing from the
// caller's perspective.
func (s *Store) ReplacePrefix(chat string, count int, summary loomtypes.Turn, expectedGen uint64) (*loomtypes.ChatLog, error) {
	if count < 1 {
		return nil, fmt.Errorf("replace prefix count must be positive, got %d", count)
	}

	var result *loomtypes.ChatLog
	err := s.withLock(s.lockPath(chat), func() error {
		log, err := s.loadLog(chat)
		if err != nil {
			return err
		}
		if log.Generation != expectedGen {
			return fmt.Errorf("%w: generation %d, snapshot was %d", ErrConcurrentModification, log.Generation, expectedGen)
		}
		if count > len(log.Turns) {
			return fmt.Errorf("cannot replace %d turns, log has %d", count, len(log.Turns))
		}

		folded := log.Turns[:count]
		foldedUpTo := folded[count-1].Timestamp

		if summary.ID == "" {
			summary.ID = testutils.GenerateUUID(s.testMode)
		}
		summary.Role = loomtypes.RoleSummary
		// The summary stands in for the folded prefix; taking the last
		// folded timestamp keeps the log's ordering invariant intact.
		summary.Timestamp = foldedUpTo
		if summary.TokenEstimate == 0 {
			summary.TokenEstimate = token.Estimate(summary.Content)
		}

		log.Turns = append([]loomtypes.Turn{summary}, log.Turns[count:]...)
		if foldedUpTo.After(log.Meta.LastSummarizedUpTo) {
			log.Meta.LastSummarizedUpTo = foldedUpTo
		}
		log.Meta.CompactionCount++
		log.Generation++

		// Turns and watermark share the record, so one rename commits
		// both or neither.
		if err := s.writeLog(chat, log); err != nil {
			return err
		}

		result = log
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.StoreOperation(chat, "replace_prefix", "folded", count, "turns", len(result.Turns), "generation", result.Generation)
	return result, nil
}

// Clear deletes the chat's history file, turns and metadata together.
// Clearing a chat that was never written is a successful no-op.
func (s *Store) Clear(chat string) error {
	return s.withLock(s.lockPath(chat), func() error {
		path := s.historyPath(chat)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
		return nil
	})
}

// ReadMeta returns the chat's compaction metadata, zero-valued if none has
// been recorded yet.
func (s *Store) ReadMeta(chat string) (loomtypes.CompactionMetadata, error) {
	log, err := s.loadLog(chat)
	if err != nil {
		return loomtypes.CompactionMetadata{}, err
	}
	return log.Meta, nil
}

// UpdateMeta applies mutate to the chat's metadata under the exclusive
// lock and persists the result. The generation advances so an in-flight
// prefix replacement cannot silently overwrite the update.
func (s *Store) UpdateMeta(chat string, mutate func(*loomtypes.CompactionMetadata)) (loomtypes.CompactionMetadata, error) {
	var updated loomtypes.CompactionMetadata
	err := s.withLock(s.lockPath(chat), func() error {
		log, err := s.loadLog(chat)
		if err != nil {
			return err
		}
		mutate(&log.Meta)
		log.Generation++
		if err := s.writeLog(chat, log); err != nil {
			return err
		}
		updated = log.Meta
		return nil
	})
	if err != nil {
		return loomtypes.CompactionMetadata{}, err
	}
	return updated, nil
}

func (s *Store) loadLog(chat string) (*loomtypes.ChatLog, error) {
	path := s.historyPath(chat)
	data, err := os.ReadFile(path) // #nosec G304 - path is derived from the sanitized chat name
	if os.IsNotExist(err) {
		return &loomtypes.ChatLog{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read history file %s: %w", path, err)
	}

	var log loomtypes.ChatLog
	if err := json.Unmarshal(data, &log); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptHistory, path, err)
	}
	return &log, nil
}

func (s *Store) writeLog(chat string, log *loomtypes.ChatLog) error {
	data, err := json.MarshalIndent(log, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}
	return WriteFileAtomic(s.historyPath(chat), data)
}

// WriteFileAtomic writes data to a sibling temp file and renames it over
// path. A crash mid-write leaves the previous file untouched. The
// workspace memory log shares this discipline.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to set file mode: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
