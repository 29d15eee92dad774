package storage

import (
	"context"
	"sync"
	"time"
)

// attempt is one bounded backend call. A backend that ignores its context
// can still land the call after the caller gave up; commit tells the call
// whether it may still publish what it did.
type attempt struct {
	mu        sync.Mutex
	abandoned bool
	committed bool
}

// commit reports whether the call may publish its result. A nil attempt is
// unbounded and always may.
func (a *attempt) commit() bool {
	if a == nil {
		return true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.abandoned {
		return false
	}
	a.committed = true
	return true
}

// abandon blocks any later commit. It reports false if the call already
// committed.
func (a *attempt) abandon() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.committed {
		return false
	}
	a.abandoned = true
	return true
}

// withTimeout runs fn under a deadline and returns as soon as the deadline
// passes, even if fn ignores its context. A call that committed before the
// deadline is waited for instead. A zero d disables the bound and fn gets a
// nil attempt.
func withTimeout(ctx context.Context, d time.Duration, fn func(ctx context.Context, a *attempt) error) error {
	if d <= 0 {
		return fn(ctx, nil)
	}

	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	a := &attempt{}
	done := make(chan error, 1)
	go func() {
		done <- fn(ctx, a)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if !a.abandon() {
			return <-done
		}
		return ctx.Err()
	}
}
