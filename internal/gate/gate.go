// Package gate provides the cooperative pause and cancellation primitives
// shared between the scheduler and running job bodies.
package gate

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrCancelled is returned by bodies that observed a cancellation request
var ErrCancelled = errors.New("job cancelled")

// Gate is a pause gate. A nil channel means open; a non-nil channel is
// closed when the gate reopens, releasing every waiter at once.
type Gate struct {
	wait atomic.Pointer[chan struct{}]
}

// New creates an open gate
func New() *Gate {
	return &Gate{}
}

// SetPaused closes (true) or opens (false) the gate. Both directions are
// idempotent and the last call wins when pause and continue race.
func (g *Gate) SetPaused(paused bool) {
	if paused {
		ch := make(chan struct{})
		g.wait.CompareAndSwap(nil, &ch)
		return
	}
	if old := g.wait.Swap(nil); old != nil {
		close(*old)
	}
}

// IsPaused reports whether the gate is currently closed
func (g *Gate) IsPaused() bool {
	return g.wait.Load() != nil
}

// WaitWhilePaused blocks while the gate is closed or until ctx is done
func (g *Gate) WaitWhilePaused(ctx context.Context) error {
	for {
		ch := g.wait.Load()
		if ch == nil {
			return nil
		}
		select {
		case <-*ch:
			// reopened; loop in case a new pause landed right after
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Signal is a one-shot cancellation flag; once set it stays set
type Signal struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSignal derives a cancellation signal from parent
func NewSignal(parent context.Context) *Signal {
	ctx, cancel := context.WithCancel(parent)
	return &Signal{ctx: ctx, cancel: cancel}
}

// Cancel sets the signal
func (s *Signal) Cancel() { s.cancel() }

// Cancelled reports whether the signal was set
func (s *Signal) Cancelled() bool { return s.ctx.Err() != nil }

// Done is closed once the signal is set
func (s *Signal) Done() <-chan struct{} { return s.ctx.Done() }

// Context returns the context carrying the signal, handed to job bodies
func (s *Signal) Context() context.Context { return s.ctx }

// Checkpoint is the cooperative check a job body calls between units of work:
// it returns ErrCancelled once ctx is cancelled and blocks while g is paused.
func Checkpoint(ctx context.Context, g *Gate) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}
	if g != nil {
		if err := g.WaitWhilePaused(ctx); err != nil {
			return ErrCancelled
		}
	}
	return nil
}
