package sessions

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrLockTimeout is returned when acquiring a branch lock times out.
	ErrLockTimeout = errors.New("sessions: lock acquisition timeout")

	// ErrRunActive is returned when a branch already has an active run and
	// the caller asked not to wait.
	ErrRunActive = errors.New("sessions: branch already has an active run")
)

// BranchLocker serializes runs per branch: at most one run may be active on
// a given (session, branch) at a time. Runs on different branches proceed
// in parallel. Each branch lock is a one-slot semaphore.
type BranchLocker struct {
	mu         sync.Mutex
	locks      map[string]chan struct{}
	defaultTTL time.Duration
}

// NewBranchLocker creates a locker. defaultTTL bounds Acquire waits when
// the caller passes no timeout.
func NewBranchLocker(defaultTTL time.Duration) *BranchLocker {
	if defaultTTL <= 0 {
		defaultTTL = 30 * time.Second
	}
	return &BranchLocker{
		locks:      make(map[string]chan struct{}),
		defaultTTL: defaultTTL,
	}
}

func (m *BranchLocker) lockFor(sessionID, branchID string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := sessionID + "/" + branchID
	lock, ok := m.locks[key]
	if !ok {
		lock = make(chan struct{}, 1)
		m.locks[key] = lock
	}
	return lock
}

func release(lock chan struct{}) func() {
	var once sync.Once
	return func() {
		once.Do(func() { <-lock })
	}
}

// TryAcquire takes the branch lock without waiting. Returns ErrRunActive
// when held. The returned release function is idempotent.
func (m *BranchLocker) TryAcquire(sessionID, branchID string) (func(), error) {
	lock := m.lockFor(sessionID, branchID)
	select {
	case lock <- struct{}{}:
		return release(lock), nil
	default:
		return nil, ErrRunActive
	}
}

// Acquire takes the branch lock, waiting up to timeout (the locker default
// when zero) or until ctx is cancelled.
func (m *BranchLocker) Acquire(ctx context.Context, sessionID, branchID string, timeout time.Duration) (func(), error) {
	if timeout <= 0 {
		timeout = m.defaultTTL
	}
	lock := m.lockFor(sessionID, branchID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case lock <- struct{}{}:
		return release(lock), nil
	case <-timer.C:
		return nil, ErrLockTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Held reports whether the branch currently has an active run.
func (m *BranchLocker) Held(sessionID, branchID string) bool {
	return len(m.lockFor(sessionID, branchID)) > 0
}
