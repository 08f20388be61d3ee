package engine

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrThreadBusy is returned when a second turn is issued for a thread
// whose previous turn is still in flight and the lock wait times out.
var ErrThreadBusy = errors.New("engine: thread has a turn in flight")

// threadLock is one thread's semaphore plus the number of turns currently
// holding or waiting on it. Entries leave the map when the last reference
// is dropped, so one-shot thread ids do not accumulate.
type threadLock struct {
	sem  chan struct{}
	refs int
}

// threadLocks serializes turns per thread id. Two turns for different
// threads proceed fully independently; a second turn for the same thread
// queues up to the acquire timeout and then fails with ErrThreadBusy
// instead of silently interleaving on shared history.
type threadLocks struct {
	mu    sync.Mutex
	locks map[string]*threadLock
}

func newThreadLocks() *threadLocks {
	return &threadLocks{locks: make(map[string]*threadLock)}
}

func (l *threadLocks) ref(threadID string) *threadLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	tl, ok := l.locks[threadID]
	if !ok {
		tl = &threadLock{sem: make(chan struct{}, 1)}
		l.locks[threadID] = tl
	}
	tl.refs++
	return tl
}

func (l *threadLocks) unref(threadID string, tl *threadLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tl.refs--
	if tl.refs == 0 {
		delete(l.locks, threadID)
	}
}

// Acquire takes the thread's lock, waiting up to timeout. The returned
// release function must be called exactly once.
func (l *threadLocks) Acquire(ctx context.Context, threadID string, timeout time.Duration) (func(), error) {
	tl := l.ref(threadID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case tl.sem <- struct{}{}:
		return func() {
			<-tl.sem
			l.unref(threadID, tl)
		}, nil
	case <-ctx.Done():
		l.unref(threadID, tl)
		return nil, ctx.Err()
	case <-timer.C:
		l.unref(threadID, tl)
		return nil, ErrThreadBusy
	}
}

// TryAcquire takes the lock only if it is free.
func (l *threadLocks) TryAcquire(threadID string) (func(), bool) {
	tl := l.ref(threadID)

	select {
	case tl.sem <- struct{}{}:
		return func() {
			<-tl.sem
			l.unref(threadID, tl)
		}, true
	default:
		l.unref(threadID, tl)
		return nil, false
	}
}

// entries reports the number of live lock entries.
func (l *threadLocks) entries() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
