package history

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"loom/internal/logger"
)

const (
	// DefaultLockTimeout bounds how long a writer waits for another
	// process to release a lock before failing with ErrLockTimeout.
	DefaultLockTimeout = 10 * time.Second

	lockPollInterval = 25 * time.Millisecond
)

// AcquireLock takes an advisory lock file, polling until it wins or the
// timeout elapses. The file is created with O_CREAT|O_EXCL so exactly one
// process holds it; the holder's pid is written into it for debugging
// stale locks. The returned release function is safe to call exactly once
// and must run on every exit path.
func AcquireLock(lockPath string, timeout time.Duration) (func(), error) {
	deadline := time.Now().Add(timeout)

	for {
		fd, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err == nil {
			if _, werr := fd.WriteString(strconv.Itoa(os.Getpid())); werr != nil {
				logger.Debug("Failed to record pid in lock file", "path", lockPath, "error", werr)
			}
			release := func() {
				_ = fd.Close()
				if rerr := os.Remove(lockPath); rerr != nil && !os.IsNotExist(rerr) {
					logger.Warn("Failed to remove lock file", "path", lockPath, "error", rerr)
				}
			}
			return release, nil
		}

		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file %s: %w", lockPath, err)
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s held for over %s", ErrLockTimeout, lockPath, timeout)
		}
		time.Sleep(lockPollInterval)
	}
}

// withLock runs fn while holding the chat's lock file.
func (s *Store) withLock(lockPath string, fn func() error) error {
	release, err := AcquireLock(lockPath, s.lockTimeout)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}
