// Package lock provides the cross-process mutual exclusion used around the
// image build and the port scan.
package lock

import (
	"context"
	"errors"
)

var ErrNotHeld = errors.New("lock not held")

// ReleaseFunc gives a held lock back. Calling it more than once is safe.
type ReleaseFunc func() error

// Locker hands out one holder at a time across processes. Acquire blocks,
// polling, until the lock is taken or ctx ends.
type Locker interface {
	Acquire(ctx context.Context) (ReleaseFunc, error)
}
