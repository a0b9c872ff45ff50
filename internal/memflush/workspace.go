package memflush

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"loom/internal/history"
)

// DurableNotesFile is the long-lived notes file in the workspace root.
const DurableNotesFile = "MEMORY.md"

// Workspace is the durable-notes area the flush pipeline writes to: one
// markdown file per calendar day under memory/, plus the long-lived
// MEMORY.md. Both are append-only; prior content is never rewritten,
// only extended via the store's atomic-write discipline.
type Workspace struct {
	dir         string
	lockTimeout time.Duration
}

// NewWorkspace creates a workspace rooted at dir. Directories are created
// lazily on first append.
func NewWorkspace(dir string) *Workspace {
	return &Workspace{dir: dir, lockTimeout: history.DefaultLockTimeout}
}

// Dir returns the workspace root.
func (w *Workspace) Dir() string {
	return w.dir
}

// DailyLogPath returns the memory log file for the given day.
func (w *Workspace) DailyLogPath(day time.Time) string {
	return filepath.Join(w.dir, "memory", day.Format("2006-01-02")+".md")
}

// AppendDailyLog appends a timestamped section to the day's memory log.
func (w *Workspace) AppendDailyLog(now time.Time, content string) error {
	header := fmt.Sprintf("## %s\n\n", now.Format("15:04:05 MST"))
	return w.appendSection(w.DailyLogPath(now), header, content)
}

// AppendDurableNotes appends a section to the long-lived notes file.
func (w *Workspace) AppendDurableNotes(now time.Time, content string) error {
	header := fmt.Sprintf("## %s\n\n", now.Format("2006-01-02 15:04:05 MST"))
	return w.appendSection(filepath.Join(w.dir, DurableNotesFile), header, content)
}

// ReadDurableNotes returns the current contents of MEMORY.md, empty if it
// does not exist yet.
func (w *Workspace) ReadDurableNotes() (string, error) {
	data, err := os.ReadFile(filepath.Join(w.dir, DurableNotesFile))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read durable notes: %w", err)
	}
	return string(data), nil
}

// appendSection reads the existing file, appends the new section, and
// replaces the file atomically. A lock file serializes appends from
// concurrent flushes so no section is lost to a read-modify-write race.
func (w *Workspace) appendSection(path string, header string, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create workspace directory: %w", err)
	}

	release, err := history.AcquireLock(path+".lock", w.lockTimeout)
	if err != nil {
		return err
	}
	defer release()

	existing, err := os.ReadFile(path) // #nosec G304 - path is inside the configured workspace
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	var b strings.Builder
	b.Write(existing)
	if len(existing) > 0 && !strings.HasSuffix(string(existing), "\n\n") {
		b.WriteString("\n")
	}
	b.WriteString(header)
	b.WriteString(content)
	b.WriteString("\n")

	return history.WriteFileAtomic(path, []byte(b.String()))
}
