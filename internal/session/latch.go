package session

import (
	"context"
	"sync"
)

// Latch is a one-shot readiness signal. It moves from pending to signaled
// exactly once and never resets; a new session needs a new Latch.
type Latch struct {
	once sync.Once
	ch   chan struct{}
}

// NewLatch returns a pending latch.
func NewLatch() *Latch {
	return &Latch{ch: make(chan struct{})}
}

// Signal fires the latch. It reports true only for the call that fired it.
func (l *Latch) Signal() bool {
	fired := false
	l.once.Do(func() {
		close(l.ch)
		fired = true
	})
	return fired
}

// Done is closed once the latch has been signaled.
func (l *Latch) Done() <-chan struct{} { return l.ch }

// Signaled reports whether Signal has been called.
func (l *Latch) Signaled() bool {
	select {
	case <-l.ch:
		return true
	default:
		return false
	}
}

// Wait blocks until the latch fires or ctx ends. There is no timeout of its
// own; callers bound the wait through ctx.
func (l *Latch) Wait(ctx context.Context) error {
	select {
	case <-l.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
