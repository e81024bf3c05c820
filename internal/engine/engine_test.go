package engine

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobengine/internal/cache"
	"github.com/cuongbtq/jobengine/internal/domain"
	"github.com/cuongbtq/jobengine/internal/gate"
	"github.com/cuongbtq/jobengine/internal/invoke"
	"github.com/cuongbtq/jobengine/internal/storage"
	"github.com/cuongbtq/jobengine/internal/storage/memory"
)

var base = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

// recorder collects the order in which job bodies ran
type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	r.order = append(r.order, name)
	r.mu.Unlock()
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func testRegistry(rec *recorder) *invoke.Registry {
	reg := invoke.NewRegistry()
	reg.MustRegister("test", "record", func(name string) { rec.add(name) })
	reg.MustRegister("test", "panic", func() { panic("bad body") })
	// wait checkpoints until the job is cancelled or release is closed
	reg.MustRegister("test", "wait", func(ctx context.Context, g *gate.Gate, r invoke.Reporter, release string) error {
		ch := releases.get(release)
		for i := 0; ; i++ {
			if err := gate.Checkpoint(ctx, g); err != nil {
				return err
			}
			r.Report(domain.Percent(i%100), strconv.Itoa(i), "")
			select {
			case <-ch:
				return nil
			case <-time.After(time.Millisecond):
			}
		}
	})
	return reg
}

// releases hands named channels to "wait" bodies
var releases = &releaseSet{chans: make(map[string]chan struct{})}

type releaseSet struct {
	mu    sync.Mutex
	chans map[string]chan struct{}
}

func (s *releaseSet) get(name string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.chans[name]
	if !ok {
		ch = make(chan struct{})
		s.chans[name] = ch
	}
	return ch
}

func newEngine(t *testing.T, store storage.Storage, reg invoke.Resolver, mutate ...func(*Config)) *Engine {
	t.Helper()
	cfg := &Config{
		Logger:               slog.New(slog.NewTextHandler(io.Discard, nil)),
		Storage:              store,
		Cache:                cache.NewMemory(),
		Resolver:             reg,
		ProcessID:            "engine-1",
		Workers:              4,
		ServerTimerInterval:  time.Hour,
		ServerTimerInterval2: time.Hour,
		StopServerDelay:      time.Second,
	}
	for _, m := range mutate {
		m(cfg)
	}
	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.StopServer(context.Background(), true) })
	return e
}

func addJob(t *testing.T, store storage.Storage, method string, created time.Time, args ...any) int64 {
	t.Helper()
	params, err := invoke.Params(args...)
	require.NoError(t, err)
	id, err := store.Add(context.Background(), &domain.Job{
		AppID:      "app",
		JobType:    "test",
		JobName:    method,
		InvokeMeta: domain.InvokeMeta{Type: "test", Method: method},
		Parameters: params,
		Created:    created,
	})
	require.NoError(t, err)
	return id
}

func status(t *testing.T, store storage.Storage, id int64) domain.Status {
	t.Helper()
	j, err := store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j.Status
}

// settle runs cleanup until every local task has been reconciled
func settle(t *testing.T, e *Engine) {
	t.Helper()
	require.Eventually(t, func() bool {
		_ = e.Cleanup(context.Background())
		return e.RunningCount() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNew_Validation(t *testing.T) {
	store := memory.New()
	reg := invoke.NewRegistry()
	valid := func() *Config {
		return &Config{
			Storage: store, Resolver: reg, ProcessID: "p", Workers: 1,
			ServerTimerInterval: time.Second, ServerTimerInterval2: time.Second,
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"no storage", func(c *Config) { c.Storage = nil }, "storage"},
		{"no resolver", func(c *Config) { c.Resolver = nil }, "resolver"},
		{"no process id", func(c *Config) { c.ProcessID = "" }, "process_id"},
		{"no workers", func(c *Config) { c.Workers = 0 }, "workers"},
		{"negative max runnable", func(c *Config) { c.MaxRunnableJobs = -1 }, "max_runnable_jobs"},
		{"no run interval", func(c *Config) { c.ServerTimerInterval = 0 }, "server_timer_interval"},
		{"no cleanup interval", func(c *Config) { c.ServerTimerInterval2 = 0 }, "server_timer_interval2"},
		{"non terminal retention status", func(c *Config) {
			c.AutoDeletePeriod = 1
			c.AutoDeleteStatus = []domain.Status{domain.StatusRunning}
		}, "auto_delete_status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			_, err := New(cfg)
			var ce *domain.ConfigurationError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
		})
	}

	e, err := New(valid())
	require.NoError(t, err)
	assert.Equal(t, "p", e.ProcessID())
	assert.Equal(t, 1, e.cfg.MaxRunnableJobs, "defaults to workers")
}

func TestEngine_MaxRunnableOneRunsInCreatedOrder(t *testing.T) {
	store := memory.New()
	rec := &recorder{}
	e := newEngine(t, store, testRegistry(rec), func(c *Config) { c.MaxRunnableJobs = 1 })
	ctx := context.Background()

	ids := []int64{
		addJob(t, store, "record", base.Add(2*time.Second), "c"),
		addJob(t, store, "record", base, "a"),
		addJob(t, store, "record", base.Add(time.Second), "b"),
	}

	for range ids {
		n, err := e.ClaimAndDispatch(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		n, err = e.ClaimAndDispatch(ctx)
		require.NoError(t, err)
		assert.Zero(t, n, "capacity is one")

		settle(t, e)
	}

	assert.Equal(t, []string{"a", "b", "c"}, rec.names())
	for _, id := range ids {
		assert.Equal(t, domain.StatusCompleted, status(t, store, id))
	}
}

func TestEngine_RunNowClaimedFirst(t *testing.T) {
	store := memory.New()
	rec := &recorder{}
	e := newEngine(t, store, testRegistry(rec), func(c *Config) { c.MaxRunnableJobs = 1 })
	ctx := context.Background()

	addJob(t, store, "record", base, "old")
	urgent := addJob(t, store, "record", base.Add(time.Minute), "urgent")
	_, err := store.SetCommandRunNow(ctx, []int64{urgent})
	require.NoError(t, err)

	_, err = e.ClaimAndDispatch(ctx)
	require.NoError(t, err)
	settle(t, e)

	assert.Equal(t, []string{"urgent"}, rec.names())
}

func TestEngine_StopPendingNeverRuns(t *testing.T) {
	store := memory.New()
	rec := &recorder{}
	e := newEngine(t, store, testRegistry(rec))
	ctx := context.Background()

	id := addJob(t, store, "record", base, "never")
	_, err := store.SetCommandStop(ctx, []int64{id})
	require.NoError(t, err)

	n, err := e.ClaimAndDispatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "stopped jobs are not claimable")

	require.NoError(t, e.Cleanup(ctx))

	j, err := store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, j.Status)
	assert.Nil(t, j.Start, "never started")
	assert.Empty(t, j.ProcessID)
	assert.Empty(t, rec.names())
}

func TestEngine_StopRunningReleasesSlotOnce(t *testing.T) {
	store := memory.New()
	e := newEngine(t, store, testRegistry(&recorder{}), func(c *Config) { c.Workers = 2 })
	ctx := context.Background()

	id := addJob(t, store, "wait", base, t.Name())
	before := e.pool.Available()

	n, err := e.ClaimAndDispatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, before-1, e.pool.Available())
	assert.Equal(t, domain.StatusRunning, status(t, store, id))

	stopped, err := store.SetCommandStop(ctx, []int64{id})
	require.NoError(t, err)
	require.Equal(t, 1, stopped)

	settle(t, e)
	assert.Equal(t, domain.StatusStopped, status(t, store, id))
	assert.Equal(t, before, e.pool.Available())

	// further ticks must not release the slot again
	require.NoError(t, e.Cleanup(ctx))
	require.NoError(t, e.Cleanup(ctx))
	assert.Equal(t, before, e.pool.Available())

	p, err := e.Progress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, p.Status)
}

func TestEngine_PauseThenContinue(t *testing.T) {
	store := memory.New()
	e := newEngine(t, store, testRegistry(&recorder{}))
	ctx := context.Background()
	release := t.Name()

	id := addJob(t, store, "wait", base, release)
	_, err := e.ClaimAndDispatch(ctx)
	require.NoError(t, err)

	seen := []domain.Status{status(t, store, id)}

	note := func() string {
		p, err := e.Progress(ctx, id)
		require.NoError(t, err)
		return p.Note
	}
	require.Eventually(t, func() bool { return note() != "" }, time.Second, time.Millisecond)

	_, err = store.SetCommandPause(ctx, []int64{id})
	require.NoError(t, err)
	n, err := e.PauseJobs(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	seen = append(seen, status(t, store, id))

	time.Sleep(20 * time.Millisecond)
	frozen := note()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, frozen, note(), "progress must not advance while paused")

	_, err = store.SetCommandContinue(ctx, []int64{id})
	require.NoError(t, err)
	n, err = e.ContinueJobs(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	seen = append(seen, status(t, store, id))

	require.Eventually(t, func() bool { return note() != frozen }, time.Second, time.Millisecond)

	close(releases.get(release))
	settle(t, e)

	assert.Equal(t, []domain.Status{domain.StatusRunning, domain.StatusPaused, domain.StatusRunning}, seen)
	assert.Equal(t, domain.StatusCompleted, status(t, store, id))
}

func TestEngine_FaultsBecomeErrors(t *testing.T) {
	store := memory.New()
	e := newEngine(t, store, testRegistry(&recorder{}))
	ctx := context.Background()

	panicky := addJob(t, store, "panic", base)
	unknown := addJob(t, store, "nope", base.Add(time.Second))

	n, err := e.ClaimAndDispatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	settle(t, e)

	j, err := store.GetJob(ctx, panicky)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, j.Status)
	assert.Contains(t, j.Error, "bad body")

	j, err = store.GetJob(ctx, unknown)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, j.Status)
	assert.Contains(t, j.Error, "cannot resolve test.nope")

	p, err := e.Progress(ctx, unknown)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, p.Status)
}

func TestEngine_RunJobs(t *testing.T) {
	store := memory.New()
	rec := &recorder{}
	e := newEngine(t, store, testRegistry(rec), func(c *Config) { c.Workers = 1 })
	ctx := context.Background()

	first := addJob(t, store, "record", base, "first")
	second := addJob(t, store, "record", base.Add(time.Second), "second")
	third := addJob(t, store, "record", base.Add(2*time.Second), "third")

	n, err := e.RunJobs(ctx, []int64{third, second, third})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	settle(t, e)
	assert.Equal(t, []string{"third"}, rec.names())

	j, err := store.GetJob(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, domain.CommandRunNow, j.Command, "overflow is queued first in line")

	_, err = e.ClaimAndDispatch(ctx)
	require.NoError(t, err)
	settle(t, e)
	assert.Equal(t, []string{"third", "second"}, rec.names())
	assert.Equal(t, domain.StatusPending, status(t, store, first))
}

func TestEngine_ClaimRaceBetweenEngines(t *testing.T) {
	store := memory.New()
	rec := &recorder{}
	reg := testRegistry(rec)
	e1 := newEngine(t, store, reg, func(c *Config) { c.ProcessID = "a" })
	e2 := newEngine(t, store, reg, func(c *Config) { c.ProcessID = "b" })
	ctx := context.Background()

	const jobs = 12
	for i := 0; i < jobs; i++ {
		addJob(t, store, "record", base.Add(time.Duration(i)*time.Second), strconv.Itoa(i))
	}

	var wg sync.WaitGroup
	for _, e := range []*Engine{e1, e2} {
		wg.Add(1)
		go func(e *Engine) {
			defer wg.Done()
			assert.Eventually(t, func() bool {
				_, _ = e.ClaimAndDispatch(ctx)
				_ = e.Cleanup(ctx)
				counts, err := store.GetJobStatusCount(ctx, "app", "")
				return err == nil && len(counts) == 1 && counts[0].Status == domain.StatusCompleted
			}, 5*time.Second, 2*time.Millisecond)
		}(e)
	}
	wg.Wait()

	names := rec.names()
	assert.Len(t, names, jobs)
	seen := make(map[string]bool)
	for _, n := range names {
		assert.False(t, seen[n], "job %s ran twice", n)
		seen[n] = true
	}
}

func TestEngine_RetentionSweep(t *testing.T) {
	now := base
	store := memory.New(memory.WithClock(func() time.Time { return now }))
	rec := &recorder{}
	ctx := context.Background()

	e := newEngine(t, store, testRegistry(rec), func(c *Config) {
		c.AutoDeletePeriod = 24
		c.AutoDeleteStatus = []domain.Status{domain.StatusCompleted}
	})

	done := addJob(t, store, "record", base, "x")
	failed := addJob(t, store, "panic", base)
	_, err := e.ClaimAndDispatch(ctx)
	require.NoError(t, err)
	settle(t, e)
	pending := addJob(t, store, "record", base, "later")

	now = now.Add(48 * time.Hour)
	require.NoError(t, e.Cleanup(ctx))

	_, err = store.GetJob(ctx, done)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	assert.Equal(t, domain.StatusError, status(t, store, failed))
	assert.Equal(t, domain.StatusPending, status(t, store, pending))
}

func TestEngine_RetentionDisabled(t *testing.T) {
	now := base
	store := memory.New(memory.WithClock(func() time.Time { return now }))
	e := newEngine(t, store, testRegistry(&recorder{}), func(c *Config) {
		c.AutoDeleteStatus = domain.TerminalStatuses
	})
	ctx := context.Background()

	id := addJob(t, store, "record", base, "x")
	_, err := e.ClaimAndDispatch(ctx)
	require.NoError(t, err)
	settle(t, e)

	now = now.Add(1000 * time.Hour)
	require.NoError(t, e.Cleanup(ctx))
	assert.Equal(t, domain.StatusCompleted, status(t, store, id))
}

func TestEngine_StartLoopsAndResetOrphans(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	stale := addJob(t, store, "record", base, "stale")
	_, err := store.ClaimJobsByID(ctx, "engine-1", []int64{stale})
	require.NoError(t, err)
	foreign := addJob(t, store, "record", base, "foreign")
	_, err = store.ClaimJobsByID(ctx, "engine-2", []int64{foreign})
	require.NoError(t, err)

	rec := &recorder{}
	e := newEngine(t, store, testRegistry(rec), func(c *Config) {
		c.ServerTimerInterval = 5 * time.Millisecond
		c.ServerTimerInterval2 = 5 * time.Millisecond
	})
	require.NoError(t, e.Start(ctx))
	assert.Error(t, e.Start(ctx), "second start")

	j, err := store.GetJob(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, j.Status)
	assert.Equal(t, OrphanMessage, j.Error)
	assert.Equal(t, domain.StatusRunning, status(t, store, foreign), "other owners are left alone")

	id := addJob(t, store, "record", base, "fresh")
	e.Nudge()
	require.Eventually(t, func() bool {
		return status(t, store, id) == domain.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, e.StopServer(ctx, false))
	require.NoError(t, e.StopServer(ctx, false), "stopping twice is a no-op")

	_, err = e.ClaimAndDispatch(ctx)
	assert.ErrorIs(t, err, domain.ErrEngineStopped)
	assert.ErrorIs(t, e.Start(ctx), domain.ErrEngineStopped)
}

func TestEngine_StopServerGracefulPersistsFinished(t *testing.T) {
	store := memory.New()
	e := newEngine(t, store, testRegistry(&recorder{}))
	ctx := context.Background()
	release := t.Name()

	id := addJob(t, store, "wait", base, release)
	_, err := e.ClaimAndDispatch(ctx)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(releases.get(release))
	}()
	require.NoError(t, e.StopServer(ctx, false))

	assert.Equal(t, domain.StatusCompleted, status(t, store, id))
	assert.Zero(t, e.RunningCount())
}

func TestEngine_StopServerGracefulTimesOut(t *testing.T) {
	store := memory.New()
	e := newEngine(t, store, testRegistry(&recorder{}), func(c *Config) {
		c.StopServerDelay = 30 * time.Millisecond
	})
	ctx := context.Background()

	addJob(t, store, "wait", base, t.Name())
	_, err := e.ClaimAndDispatch(ctx)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, e.StopServer(ctx, false))
	assert.Less(t, time.Since(start), time.Second)

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	assert.NoError(t, e.pool.Wait(waitCtx), "remaining bodies were signalled")
}

func TestEngine_StopServerForce(t *testing.T) {
	store := memory.New()
	e := newEngine(t, store, testRegistry(&recorder{}), func(c *Config) {
		c.StopServerDelay = time.Hour
		c.ForceStopServer = true
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		addJob(t, store, "wait", base, t.Name())
	}
	n, err := e.ClaimAndDispatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	start := time.Now()
	require.NoError(t, e.Stop(ctx))
	assert.Less(t, time.Since(start), time.Second, "force does not wait for the delay")

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	assert.NoError(t, e.pool.Wait(waitCtx))
}

// snapshotStore holds each GetCommandedJobs caller briefly after its read so
// that two unserialized command passes act on the same snapshot
type snapshotStore struct {
	*memory.Store
	mu      sync.Mutex
	arrived int
	both    chan struct{}
}

func (s *snapshotStore) GetCommandedJobs(ctx context.Context, processID string) ([]*domain.Job, error) {
	jobs, err := s.Store.GetCommandedJobs(ctx, processID)
	s.mu.Lock()
	s.arrived++
	if s.arrived == 2 {
		close(s.both)
	}
	s.mu.Unlock()

	select {
	case <-s.both:
	case <-time.After(50 * time.Millisecond):
	}
	return jobs, err
}

func TestEngine_ConcurrentCommandPassesKeepPause(t *testing.T) {
	store := &snapshotStore{Store: memory.New(), both: make(chan struct{})}
	e := newEngine(t, store, testRegistry(&recorder{}))
	ctx := context.Background()
	release := t.Name()

	id := addJob(t, store, "wait", base, release)
	_, err := e.ClaimAndDispatch(ctx)
	require.NoError(t, err)

	note := func() string {
		p, err := e.Progress(ctx, id)
		require.NoError(t, err)
		return p.Note
	}
	require.Eventually(t, func() bool { return note() != "" }, time.Second, time.Millisecond)

	_, err = store.SetCommandPause(ctx, []int64{id})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = e.PauseJobs(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = e.Cleanup(ctx)
	}()
	wg.Wait()

	assert.Equal(t, domain.StatusPaused, status(t, store, id))
	task, ok := e.pool.Get(id)
	require.True(t, ok)
	assert.True(t, task.Paused(), "gate must stay closed while the store says PAUSED")

	time.Sleep(20 * time.Millisecond)
	frozen := note()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, frozen, note(), "progress must not advance while paused")

	_, err = store.SetCommandContinue(ctx, []int64{id})
	require.NoError(t, err)
	_, err = e.ContinueJobs(ctx)
	require.NoError(t, err)
	close(releases.get(release))
	settle(t, e)
	assert.Equal(t, domain.StatusCompleted, status(t, store, id))
}
