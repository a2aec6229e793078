package ledger

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// ErrLockTimeout is returned when the sibling lock file cannot be
// acquired within the configured timeout. This is a fatal error: the
// caller should terminate rather than proceed unsynchronized.
type ErrLockTimeout struct {
	Path    string
	Timeout time.Duration
}

func (e *ErrLockTimeout) Error() string {
	return fmt.Sprintf("could not acquire lock %s within %s", e.Path, e.Timeout)
}

// fileLock is an advisory, PID-tagged lock file held via flock(2).
type fileLock struct {
	f *os.File
}

const lockPollInterval = 10 * time.Millisecond

// acquireLock busy-waits up to timeout trying to take an exclusive,
// non-blocking flock on path, polling every 10ms. On success it
// truncates the lock file and writes the holder's PID.
func acquireLock(path string, timeout time.Duration) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}

	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, &ErrLockTimeout{Path: path, Timeout: timeout}
		}
		time.Sleep(lockPollInterval)
	}

	if err := f.Truncate(0); err == nil {
		_, _ = f.Seek(0, 0)
		_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	}

	return &fileLock{f: f}, nil
}

func (l *fileLock) release() error {
	defer l.f.Close()
	return unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
}
