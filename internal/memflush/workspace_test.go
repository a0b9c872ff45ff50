package memflush

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkspace_AppendDailyLogCreatesDatedFile(t *testing.T) {
	ws := NewWorkspace(t.TempDir())
	day := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

	require.NoError(t, ws.AppendDailyLog(day, "- observed a thing"))

	data, err := os.ReadFile(ws.DailyLogPath(day))
	require.NoError(t, err)
	assert.Contains(t, string(data), "09:26:53")
	assert.Contains(t, string(data), "- observed a thing")
	assert.True(t, strings.Contains(ws.DailyLogPath(day), "2025-03-14.md"))
}

func TestWorkspace_AppendNeverOverwrites(t *testing.T) {
	ws := NewWorkspace(t.TempDir())
	day := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

	require.NoError(t, ws.AppendDailyLog(day, "first entry"))
	require.NoError(t, ws.AppendDailyLog(day.Add(time.Hour), "second entry"))

	data, err := os.ReadFile(ws.DailyLogPath(day))
	require.NoError(t, err)
	first := strings.Index(string(data), "first entry")
	second := strings.Index(string(data), "second entry")
	assert.GreaterOrEqual(t, first, 0)
	assert.Greater(t, second, first, "later entries append after earlier ones")
}

func TestWorkspace_AppendDurableNotes(t *testing.T) {
	ws := NewWorkspace(t.TempDir())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, ws.AppendDurableNotes(now, "the project codename is loom"))

	notes, err := ws.ReadDurableNotes()
	require.NoError(t, err)
	assert.Contains(t, notes, "2025-06-01")
	assert.Contains(t, notes, "the project codename is loom")
}

func TestWorkspace_ReadDurableNotesMissingFile(t *testing.T) {
	ws := NewWorkspace(t.TempDir())
	notes, err := ws.ReadDurableNotes()
	require.NoError(t, err)
	assert.Empty(t, notes)
}

func TestWorkspace_EmptyContentIsNoop(t *testing.T) {
	ws := NewWorkspace(t.TempDir())
	require.NoError(t, ws.AppendDailyLog(time.Now(), "   \n"))

	entries, err := os.ReadDir(ws.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}
