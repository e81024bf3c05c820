package gate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_OpenByDefault(t *testing.T) {
	g := New()

	assert.False(t, g.IsPaused())
	require.NoError(t, g.WaitWhilePaused(context.Background()))
}

func TestGate_PauseIsIdempotent(t *testing.T) {
	g := New()

	g.SetPaused(true)
	first := g.wait.Load()
	g.SetPaused(true)

	assert.True(t, g.IsPaused())
	assert.Same(t, first, g.wait.Load(), "second pause must keep the existing handle")

	g.SetPaused(false)
	g.SetPaused(false)
	assert.False(t, g.IsPaused())
}

func TestGate_ContinueReleasesAllWaiters(t *testing.T) {
	g := New()
	g.SetPaused(true)

	const waiters = 8
	var wg sync.WaitGroup
	released := make(chan struct{}, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.WaitWhilePaused(context.Background()); err == nil {
				released <- struct{}{}
			}
		}()
	}

	// Nobody gets through while paused
	select {
	case <-released:
		t.Fatal("waiter released while gate paused")
	case <-time.After(50 * time.Millisecond):
	}

	g.SetPaused(false)
	wg.Wait()
	assert.Len(t, released, waiters)
}

func TestGate_WaitHonoursContext(t *testing.T) {
	g := New()
	g.SetPaused(true)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := g.WaitWhilePaused(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, g.IsPaused())
}

func TestGate_LastWriterWins(t *testing.T) {
	for i := 0; i < 200; i++ {
		g := New()
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); g.SetPaused(true) }()
		go func() { defer wg.Done(); g.SetPaused(false) }()
		wg.Wait()

		// Whatever the interleaving, a final continue always leaves the gate open
		// and nobody waits forever.
		g.SetPaused(false)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		require.NoError(t, g.WaitWhilePaused(ctx))
		cancel()
	}
}

func TestSignal(t *testing.T) {
	s := NewSignal(context.Background())
	assert.False(t, s.Cancelled())

	s.Cancel()
	s.Cancel()

	assert.True(t, s.Cancelled())
	select {
	case <-s.Done():
	default:
		t.Fatal("done channel not closed after cancel")
	}
	assert.Error(t, s.Context().Err())
}

func TestCheckpoint(t *testing.T) {
	t.Run("returns ErrCancelled once cancelled", func(t *testing.T) {
		s := NewSignal(context.Background())
		s.Cancel()
		assert.ErrorIs(t, Checkpoint(s.Context(), New()), ErrCancelled)
	})

	t.Run("cancellation releases a paused body", func(t *testing.T) {
		s := NewSignal(context.Background())
		g := New()
		g.SetPaused(true)

		done := make(chan error, 1)
		go func() { done <- Checkpoint(s.Context(), g) }()

		s.Cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, ErrCancelled)
		case <-time.After(time.Second):
			t.Fatal("checkpoint did not return after cancel")
		}
	})

	t.Run("nil gate only checks cancellation", func(t *testing.T) {
		assert.NoError(t, Checkpoint(context.Background(), nil))
	})
}
