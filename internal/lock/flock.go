package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var _ Locker = (*FileLock)(nil)

// FileLock is an flock(2) advisory lock. The kernel drops it when the
// holding process exits, so a crash never leaves it stuck.
type FileLock struct {
	path string
	poll time.Duration
}

func NewFileLock(path string, poll time.Duration) *FileLock {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &FileLock{path: path, poll: poll}
}

func (fl *FileLock) Path() string {
	return fl.path
}

func (fl *FileLock) Acquire(ctx context.Context) (ReleaseFunc, error) {
	if err := os.MkdirAll(filepath.Dir(fl.path), 0755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	for {
		f, ok, err := fl.tryLock()
		if err != nil {
			return nil, err
		}
		if ok {
			return fl.releaser(f), nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s: %w", fl.path, ctx.Err())
		case <-time.After(fl.poll):
		}
	}
}

func (fl *FileLock) tryLock() (*os.File, bool, error) {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, false, fmt.Errorf("open lock file: %w", err)
	}

	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		_ = f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("flock: %w", err)
	}

	// Record the holder for humans poking at the file; not used for locking.
	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(fmt.Sprintf("%d\n", os.Getpid())), 0)
	return f, true, nil
}

func (fl *FileLock) releaser(f *os.File) ReleaseFunc {
	var once sync.Once
	var err error
	return func() error {
		once.Do(func() {
			if uerr := unix.Flock(int(f.Fd()), unix.LOCK_UN); uerr != nil {
				_ = f.Close()
				err = fmt.Errorf("funlock: %w", uerr)
				return
			}
			err = f.Close()
		})
		return err
	}
}
