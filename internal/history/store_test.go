package history

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/testutils"
	"loom/pkg/loomtypes"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	testutils.ResetTestCounters()
	opts = append([]Option{WithTestMode(true)}, opts...)
	return NewStore(t.TempDir(), opts...)
}

func TestStore_AppendAssignsTurnMetadata(t *testing.T) {
	store := newTestStore(t)

	turn, err := store.Append("alpha", loomtypes.RoleUser, "hello there")
	require.NoError(t, err)

	assert.NotEmpty(t, turn.ID)
	assert.Equal(t, loomtypes.RoleUser, turn.Role)
	assert.Equal(t, "hello there", turn.Content)
	assert.False(t, turn.Timestamp.IsZero())
	assert.Equal(t, 3, turn.TokenEstimate) // 11 bytes / 4, rounded up
}

func TestStore_AppendRejectsUnknownRole(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Append("alpha", loomtypes.Role("oracle"), "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid turn role")
}

func TestStore_TimestampsNonDecreasing(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 5; i++ {
		_, err := store.Append("alpha", loomtypes.RoleUser, "msg")
		require.NoError(t, err)
	}

	log, err := store.Snapshot("alpha")
	require.NoError(t, err)
	require.Len(t, log.Turns, 5)
	for i := 1; i < len(log.Turns); i++ {
		assert.False(t, log.Turns[i].Timestamp.Before(log.Turns[i-1].Timestamp),
			"timestamp regressed at index %d", i)
	}
}

func TestStore_SnapshotOfUnknownChatIsEmpty(t *testing.T) {
	store := newTestStore(t)

	log, err := store.Snapshot("never-written")
	require.NoError(t, err)
	assert.Empty(t, log.Turns)
	assert.Equal(t, uint64(0), log.Generation)
}

func TestStore_SnapshotIsRepeatable(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Append("alpha", loomtypes.RoleUser, "one")
	require.NoError(t, err)
	_, err = store.Append("alpha", loomtypes.RoleAgent, "two")
	require.NoError(t, err)

	first, err := store.Snapshot("alpha")
	require.NoError(t, err)
	second, err := store.Snapshot("alpha")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestStore_GenerationAdvancesPerWrite(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Append("alpha", loomtypes.RoleUser, "one")
	require.NoError(t, err)
	log, err := store.Snapshot("alpha")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), log.Generation)

	_, err = store.Append("alpha", loomtypes.RoleAgent, "two")
	require.NoError(t, err)
	log, err = store.Snapshot("alpha")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), log.Generation)
}

func TestStore_ReplacePrefix(t *testing.T) {
	store := newTestStore(t)
	for _, content := range []string{"first", "second", "third", "fourth"} {
		_, err := store.Append("alpha", loomtypes.RoleUser, content)
		require.NoError(t, err)
	}

	before, err := store.Snapshot("alpha")
	require.NoError(t, err)

	summary := loomtypes.Turn{Content: "condensed first three"}
	after, err := store.ReplacePrefix("alpha", 3, summary, before.Generation)
	require.NoError(t, err)

	require.Len(t, after.Turns, 2) // len(H) - count + 1
	assert.Equal(t, loomtypes.RoleSummary, after.Turns[0].Role)
	assert.Equal(t, "condensed first three", after.Turns[0].Content)
	assert.Equal(t, "fourth", after.Turns[1].Content)

	// Ordering invariant holds across the replacement.
	assert.False(t, after.Turns[1].Timestamp.Before(after.Turns[0].Timestamp))

	// Watermark advanced to the last folded turn's timestamp.
	meta, err := store.ReadMeta("alpha")
	require.NoError(t, err)
	assert.Equal(t, before.Turns[2].Timestamp, meta.LastSummarizedUpTo)
	assert.Equal(t, 1, meta.CompactionCount)

	// Re-reading without intervening writes is idempotent.
	again, err := store.Snapshot("alpha")
	require.NoError(t, err)
	assert.Equal(t, after, again)
}

func TestStore_ReplacePrefixCommitsTurnsAndWatermarkTogether(t *testing.T) {
	dir := t.TempDir()
	testutils.ResetTestCounters()
	store := NewStore(dir, WithTestMode(true))
	for _, content := range []string{"first", "second", "third"} {
		_, err := store.Append("alpha", loomtypes.RoleUser, content)
		require.NoError(t, err)
	}

	before, err := store.Snapshot("alpha")
	require.NoError(t, err)
	_, err = store.ReplacePrefix("alpha", 2, loomtypes.Turn{Content: "condensed"}, before.Generation)
	require.NoError(t, err)

	// The folded turns and the advanced watermark live in the same file,
	// written by a single rename, so a crash can never land one without
	// the other.
	data, err := os.ReadFile(store.historyPath("alpha"))
	require.NoError(t, err)
	var onDisk loomtypes.ChatLog
	require.NoError(t, json.Unmarshal(data, &onDisk))
	require.Len(t, onDisk.Turns, 2)
	assert.Equal(t, 1, onDisk.Meta.CompactionCount)
	assert.True(t, onDisk.Meta.LastSummarizedUpTo.Equal(before.Turns[1].Timestamp))

	// And the chat owns exactly one data file.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "history-alpha.json", entries[0].Name())
}

func TestStore_ReplacePrefixDetectsConcurrentModification(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 3; i++ {
		_, err := store.Append("alpha", loomtypes.RoleUser, "msg")
		require.NoError(t, err)
	}

	stale, err := store.Snapshot("alpha")
	require.NoError(t, err)

	// Another writer appends after the snapshot was taken.
	_, err = store.Append("alpha", loomtypes.RoleUser, "interleaved")
	require.NoError(t, err)

	_, err = store.ReplacePrefix("alpha", 2, loomtypes.Turn{Content: "summary"}, stale.Generation)
	require.ErrorIs(t, err, ErrConcurrentModification)

	// Retrying against a fresh snapshot succeeds.
	fresh, err := store.Snapshot("alpha")
	require.NoError(t, err)
	after, err := store.ReplacePrefix("alpha", 2, loomtypes.Turn{Content: "summary"}, fresh.Generation)
	require.NoError(t, err)
	assert.Len(t, after.Turns, 3)
}

func TestStore_ReplacePrefixValidatesCount(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Append("alpha", loomtypes.RoleUser, "only")
	require.NoError(t, err)
	log, err := store.Snapshot("alpha")
	require.NoError(t, err)

	_, err = store.ReplacePrefix("alpha", 0, loomtypes.Turn{Content: "s"}, log.Generation)
	assert.Error(t, err)

	_, err = store.ReplacePrefix("alpha", 5, loomtypes.Turn{Content: "s"}, log.Generation)
	assert.Error(t, err)
}

func TestStore_ClearIsIdempotent(t *testing.T) {
	store := newTestStore(t)

	// Clearing a chat that never existed succeeds.
	require.NoError(t, store.Clear("ghost"))

	_, err := store.Append("alpha", loomtypes.RoleUser, "hi")
	require.NoError(t, err)
	_, err = store.UpdateMeta("alpha", func(m *loomtypes.CompactionMetadata) {
		m.PendingFlush = true
	})
	require.NoError(t, err)

	require.NoError(t, store.Clear("alpha"))
	require.NoError(t, store.Clear("alpha"))

	assert.NoFileExists(t, store.historyPath("alpha"))

	log, err := store.Snapshot("alpha")
	require.NoError(t, err)
	assert.Empty(t, log.Turns)

	// Metadata is gone with the log, not left behind in a second file.
	meta, err := store.ReadMeta("alpha")
	require.NoError(t, err)
	assert.False(t, meta.PendingFlush)
}

func TestStore_CorruptHistorySurfacesError(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Append("alpha", loomtypes.RoleUser, "hi")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(store.historyPath("alpha"), []byte("{not json"), 0600))

	_, err = store.Snapshot("alpha")
	require.ErrorIs(t, err, ErrCorruptHistory)

	// Appends refuse to run rather than silently truncating.
	_, err = store.Append("alpha", loomtypes.RoleUser, "more")
	require.ErrorIs(t, err, ErrCorruptHistory)
}

func TestStore_LockTimeout(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, WithTestMode(true), WithLockTimeout(80*time.Millisecond))

	// Simulate another process holding the lock.
	lock := store.lockPath("alpha")
	require.NoError(t, os.MkdirAll(dir, 0750))
	require.NoError(t, os.WriteFile(lock, []byte("12345"), 0600))

	_, err := store.Append("alpha", loomtypes.RoleUser, "blocked")
	require.ErrorIs(t, err, ErrLockTimeout)

	// Once the holder releases, the same operation succeeds.
	require.NoError(t, os.Remove(lock))
	_, err = store.Append("alpha", loomtypes.RoleUser, "unblocked")
	require.NoError(t, err)
}

func TestStore_ConcurrentAppendsSerialize(t *testing.T) {
	store := newTestStore(t)

	const writers = 8
	const perWriter = 5

	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				if _, err := store.Append("alpha", loomtypes.RoleUser, "concurrent append payload"); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	log, err := store.Snapshot("alpha")
	require.NoError(t, err)
	assert.Len(t, log.Turns, writers*perWriter)
	assert.Equal(t, uint64(writers*perWriter), log.Generation)
	for i := 1; i < len(log.Turns); i++ {
		assert.False(t, log.Turns[i].Timestamp.Before(log.Turns[i-1].Timestamp))
	}
}

func TestStore_ChatsAreIndependent(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Append("alpha", loomtypes.RoleUser, "to alpha")
	require.NoError(t, err)
	_, err = store.Append("beta", loomtypes.RoleUser, "to beta")
	require.NoError(t, err)

	alpha, err := store.Snapshot("alpha")
	require.NoError(t, err)
	beta, err := store.Snapshot("beta")
	require.NoError(t, err)

	require.Len(t, alpha.Turns, 1)
	require.Len(t, beta.Turns, 1)
	assert.Equal(t, "to alpha", alpha.Turns[0].Content)
	assert.Equal(t, "to beta", beta.Turns[0].Content)
}

func TestSanitizeChatName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain name", "work", "work"},
		{"keeps underscores and dashes", "my_chat-2", "my_chat-2"},
		{"strips path separators", "../../etc/passwd", "etcpasswd"},
		{"strips spaces and punctuation", "hello world!", "helloworld"},
		{"empty falls back to default", "", DefaultChat},
		{"only punctuation falls back to default", "!!!", DefaultChat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeChatName(tt.input))
		})
	}
}

func TestStore_FilesLiveUnderStoreDir(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, WithTestMode(true))

	_, err := store.Append("alpha", loomtypes.RoleUser, "hi")
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, dir, filepath.Dir(filepath.Join(dir, e.Name())))
	}
	assert.FileExists(t, filepath.Join(dir, "history-alpha.json"))
}
