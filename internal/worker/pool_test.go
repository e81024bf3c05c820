package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobengine/internal/domain"
	"github.com/cuongbtq/jobengine/internal/gate"
	"github.com/cuongbtq/jobengine/internal/invoke"
	"github.com/cuongbtq/jobengine/internal/secret"
)

type sink struct {
	mu    sync.Mutex
	notes []string
}

func (s *sink) Report(_ context.Context, _ int64, _ *int, note, _ string) {
	s.mu.Lock()
	s.notes = append(s.notes, note)
	s.mu.Unlock()
}

func newTestPool(t *testing.T, workers int, reg *invoke.Registry, opts ...func(*Config)) *Pool {
	t.Helper()
	cfg := &Config{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Workers:  workers,
		Resolver: reg,
	}
	for _, o := range opts {
		o(cfg)
	}
	p, err := NewPool(cfg)
	require.NoError(t, err)
	return p
}

func job(id int64, method string) *domain.Job {
	return &domain.Job{JobID: id, InvokeMeta: domain.InvokeMeta{Type: "test", Method: method}}
}

func waitDone(t *testing.T, task *Task) Outcome {
	t.Helper()
	select {
	case <-task.Done():
		return task.Outcome()
	case <-time.After(2 * time.Second):
		t.Fatalf("task %d did not finish", task.ID())
		return Outcome{}
	}
}

// blocking registers a body that checkpoints until release is closed
func blocking(reg *invoke.Registry, release <-chan struct{}, started chan<- int64) {
	reg.MustRegister("test", "block", func(ctx context.Context, g *gate.Gate) error {
		started <- 1
		for {
			if err := gate.Checkpoint(ctx, g); err != nil {
				return err
			}
			select {
			case <-release:
				return nil
			case <-time.After(time.Millisecond):
			}
		}
	})
}

func TestNewPool_Validates(t *testing.T) {
	_, err := NewPool(&Config{Workers: 0, Resolver: invoke.NewRegistry()})
	var ce *domain.ConfigurationError
	assert.ErrorAs(t, err, &ce)

	_, err = NewPool(&Config{Workers: 1})
	assert.ErrorAs(t, err, &ce)
}

func TestPool_OutcomeMapping(t *testing.T) {
	boom := errors.New("boom")
	reg := invoke.NewRegistry()
	reg.MustRegister("test", "ok", func() {})
	reg.MustRegister("test", "fail", func() error { return boom })
	reg.MustRegister("test", "panic", func() { panic("kaput") })
	reg.MustRegister("test", "cancelled", func() error { return gate.ErrCancelled })

	tests := []struct {
		method  string
		status  domain.Status
		message string
	}{
		{"ok", domain.StatusCompleted, ""},
		{"fail", domain.StatusError, "boom"},
		{"panic", domain.StatusError, "job body panicked: kaput"},
		{"cancelled", domain.StatusStopped, ""},
		{"missing", domain.StatusError, "cannot resolve test.missing: no handler registered"},
	}
	for i, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			p := newTestPool(t, 1, reg)
			task, err := p.Submit(context.Background(), job(int64(i+1), tt.method))
			require.NoError(t, err)

			o := waitDone(t, task)
			assert.Equal(t, tt.status, o.Status)
			assert.Equal(t, tt.message, o.Message)
			assert.Equal(t, 0, p.Available(), "slot held until released")

			assert.True(t, p.Release(task))
			assert.False(t, p.Release(task), "second release is a no-op")
			assert.Equal(t, 1, p.Available())
			assert.Zero(t, p.Len())
		})
	}
}

func TestPool_ResolutionErrorOutcome(t *testing.T) {
	p := newTestPool(t, 1, invoke.NewRegistry())
	task, err := p.Submit(context.Background(), job(1, "missing"))
	require.NoError(t, err)

	o := waitDone(t, task)
	var re *domain.ResolutionError
	assert.ErrorAs(t, o.Err, &re)
}

func TestPool_BoundedSlots(t *testing.T) {
	reg := invoke.NewRegistry()
	release := make(chan struct{})
	started := make(chan int64, 4)
	blocking(reg, release, started)

	p := newTestPool(t, 2, reg)
	ctx := context.Background()

	t1, err := p.Submit(ctx, job(1, "block"))
	require.NoError(t, err)
	t2, err := p.Submit(ctx, job(2, "block"))
	require.NoError(t, err)

	_, err = p.Submit(ctx, job(3, "block"))
	assert.ErrorIs(t, err, domain.ErrPoolFull)
	_, err = p.Submit(ctx, job(1, "block"))
	assert.Error(t, err, "duplicate job id")
	assert.Equal(t, 0, p.Available())

	close(release)
	waitDone(t, t1)
	waitDone(t, t2)

	finished := p.Finished()
	require.Len(t, finished, 2)
	assert.Equal(t, int64(1), finished[0].ID())

	for _, task := range finished {
		p.Release(task)
	}
	assert.Equal(t, 2, p.Available())
	require.NoError(t, p.Wait(ctx))
}

func TestPool_CancelStopsBody(t *testing.T) {
	reg := invoke.NewRegistry()
	started := make(chan int64, 1)
	blocking(reg, make(chan struct{}), started)

	var doneCalls sync.WaitGroup
	doneCalls.Add(1)
	p := newTestPool(t, 1, reg, func(c *Config) {
		c.OnDone = func(*Task) { doneCalls.Done() }
	})

	task, err := p.Submit(context.Background(), job(1, "block"))
	require.NoError(t, err)
	<-started

	assert.True(t, p.Cancel(1))
	assert.False(t, p.Cancel(99))
	o := waitDone(t, task)
	assert.Equal(t, domain.StatusStopped, o.Status)
	assert.True(t, task.StopRequested())
	doneCalls.Wait()
}

func TestPool_PauseHoldsBody(t *testing.T) {
	reg := invoke.NewRegistry()
	var (
		mu    sync.Mutex
		steps int
	)
	resume := make(chan struct{})
	reg.MustRegister("test", "count", func(ctx context.Context, g *gate.Gate) error {
		for {
			if err := gate.Checkpoint(ctx, g); err != nil {
				return err
			}
			mu.Lock()
			steps++
			n := steps
			mu.Unlock()
			if n >= 1000 {
				return nil
			}
			select {
			case <-resume:
			case <-time.After(time.Millisecond):
			}
		}
	})

	p := newTestPool(t, 1, reg)
	task, err := p.Submit(context.Background(), job(1, "count"))
	require.NoError(t, err)

	require.True(t, p.Pause(1))
	assert.True(t, task.Paused())
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	frozen := steps
	mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, frozen, steps, "no progress while paused")
	mu.Unlock()
	assert.False(t, task.Finished())

	require.True(t, p.Resume(1))
	close(resume)
	assert.Equal(t, domain.StatusCompleted, waitDone(t, task).Status)
}

func TestPool_CancelAllWakesPausedBodies(t *testing.T) {
	reg := invoke.NewRegistry()
	started := make(chan int64, 3)
	blocking(reg, make(chan struct{}), started)

	p := newTestPool(t, 3, reg)
	var tasks []*Task
	for i := int64(1); i <= 3; i++ {
		task, err := p.Submit(context.Background(), job(i, "block"))
		require.NoError(t, err)
		tasks = append(tasks, task)
		<-started
	}
	p.Pause(2)

	p.CancelAll()
	for _, task := range tasks {
		assert.Equal(t, domain.StatusStopped, waitDone(t, task).Status)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, p.Wait(ctx))
}

func TestPool_WaitHonoursContext(t *testing.T) {
	reg := invoke.NewRegistry()
	started := make(chan int64, 1)
	blocking(reg, make(chan struct{}), started)

	p := newTestPool(t, 1, reg)
	_, err := p.Submit(context.Background(), job(1, "block"))
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Wait(ctx), context.DeadlineExceeded)
	p.CancelAll()
}

func TestPool_DecryptsAndReports(t *testing.T) {
	c, err := secret.NewAESGCM("k")
	require.NoError(t, err)
	plain, err := invoke.Params("hello")
	require.NoError(t, err)
	sealed, err := c.Encrypt(plain)
	require.NoError(t, err)

	reg := invoke.NewRegistry()
	reg.MustRegister("test", "echo", func(r invoke.Reporter, msg string) {
		r.Report(domain.Percent(100), msg, "")
	})
	s := &sink{}
	p := newTestPool(t, 1, reg, func(cfg *Config) {
		cfg.Cipher = c
		cfg.Progress = s
	})

	j := job(1, "echo")
	j.Parameters = sealed
	task, err := p.Submit(context.Background(), j)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, waitDone(t, task).Status)
	assert.Equal(t, []string{"hello"}, s.notes)

	j2 := job(2, "echo")
	j2.Parameters = []byte("garbage")
	p.Release(task)
	task, err = p.Submit(context.Background(), j2)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, waitDone(t, task).Status)
}

func TestPool_InjectsCancellationSignal(t *testing.T) {
	reg := invoke.NewRegistry()
	started := make(chan struct{})
	reg.MustRegister("test", "poll", func(s *gate.Signal) error {
		close(started)
		for !s.Cancelled() {
			time.Sleep(time.Millisecond)
		}
		return gate.ErrCancelled
	})
	p := newTestPool(t, 1, reg)

	task, err := p.Submit(context.Background(), job(1, "poll"))
	require.NoError(t, err)
	<-started

	assert.True(t, p.Cancel(1))
	assert.Equal(t, domain.StatusStopped, waitDone(t, task).Status)
}
