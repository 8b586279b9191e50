// Package serializer provides the per-node cross-process mutex that
// gives a node's mount/unmount work a one-at-a-time discipline, per
// §4.6. One lock file covers the whole node: a mount or unmount of any
// target on this node never runs concurrently with another mount or
// unmount on the same node, regardless of which target is involved.
package serializer

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// DefaultTimeout is the default bound on how long Acquire will poll for
// the lock before giving up, per §4.6.
const DefaultTimeout = 300 * time.Second

// pollInterval is how often Acquire retries a non-blocking TryLock.
const pollInterval = 50 * time.Millisecond

// lockFileName is the single lock file shared by every target on a node.
const lockFileName = "dms.lock"

// Serializer hands out the node's single exclusive lock, backed by a
// file under lockDir.
type Serializer struct {
	lockDir string
	timeout time.Duration
}

// New constructs a Serializer rooted at lockDir, using timeout as the
// default Acquire bound (DefaultTimeout if timeout is zero).
func New(lockDir string, timeout time.Duration) *Serializer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Serializer{lockDir: lockDir, timeout: timeout}
}

// Lock is the node's held file lock. Unlock must be called exactly
// once, on every exit path, per §4.6's "releasing is mandatory" rule.
type Lock struct {
	flock *flock.Flock
}

// Unlock releases the lock.
func (l *Lock) Unlock() error {
	return l.flock.Unlock()
}

func (s *Serializer) lockPath() string {
	return filepath.Join(s.lockDir, lockFileName)
}

// Acquire takes the node's exclusive lock, polling a non-blocking
// TryLock until it succeeds, the context is canceled, or s.timeout
// elapses, whichever comes first.
func (s *Serializer) Acquire(ctx context.Context) (*Lock, error) {
	fl := flock.New(s.lockPath())

	deadline := time.Now().Add(s.timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		locked, err := fl.TryLock()
		if err != nil {
			return nil, &LockError{Err: err}
		}
		if locked {
			return &Lock{flock: fl}, nil
		}

		if time.Now().After(deadline) {
			return nil, &LockError{Err: ErrTimeout}
		}

		select {
		case <-ctx.Done():
			return nil, &LockError{Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// ErrTimeout is returned (wrapped in LockError) when Acquire's polling
// deadline elapses before the lock becomes available.
var ErrTimeout = fmt.Errorf("lock acquisition timed out")

// LockError wraps a failed Acquire.
type LockError struct {
	Err error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("serializer: acquire node lock: %v", e.Err)
}

func (e *LockError) Unwrap() error { return e.Err }
