package client

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

	"github.com/cuongbtq/jobengine/internal/cache"
	"github.com/cuongbtq/jobengine/internal/domain"
	"github.com/cuongbtq/jobengine/internal/notify"
	"github.com/cuongbtq/jobengine/internal/secret"
	"github.com/cuongbtq/jobengine/internal/storage/memory"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (n *recordingNotifier) Publish(_ context.Context, ev notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

func (n *recordingNotifier) all() []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Event(nil), n.events...)
}

type fixture struct {
	client   *Client
	store    *memory.Store
	cache    *cache.Memory
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cipher, err := secret.NewAESGCM("test-key")
	require.NoError(t, err)

	f := &fixture{
		store:    memory.New(),
		cache:    cache.NewMemory(),
		notifier: &recordingNotifier{},
	}
	f.client, err = New(&Config{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Storage:  f.store,
		Cache:    f.cache,
		Cipher:   cipher,
		Notifier: f.notifier,
	})
	require.NoError(t, err)
	return f
}

func greet(name string, times int) error { return nil }

func request(t *testing.T, name string) Request {
	t.Helper()
	req := Request{AppID: "app", UserID: "user", JobType: "greeting", JobName: name}
	require.NoError(t, req.Call("greeter", "Greet", greet, name, 2))
	return req
}

func TestNew_RequiresStorage(t *testing.T) {
	_, err := New(&Config{})
	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "storage", cfgErr.Field)
}

func TestClient_AddEncryptsAndNotifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.client.Add(ctx, request(t, "hello"))
	require.NoError(t, err)

	stored, err := f.store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.NotEqual(t, []byte(`["hello",2]`), stored.Parameters, "parameters are encrypted at rest")
	assert.Equal(t, domain.StatusPending, stored.Status)
	assert.Equal(t, []string{"string", "int"}, stored.InvokeMeta.ParamTypes)

	job, err := f.client.Get(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `["hello",2]`, string(job.Parameters))

	events := f.notifier.all()
	require.Len(t, events, 1)
	assert.Equal(t, notify.KindEnqueued, events[0].Kind)
	assert.Equal(t, []int64{id}, events[0].JobIDs)
}

func TestClient_AddRejectsIncompleteRequest(t *testing.T) {
	f := newFixture(t)

	_, err := f.client.Add(context.Background(), Request{JobName: "no target"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	counts, err := f.client.StatusCount(context.Background(), "", "")
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestClient_NotifierFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("broker down")

	_, err := f.client.Add(context.Background(), request(t, "hello"))
	assert.NoError(t, err)
}

func TestClient_UpdateOnlyWhilePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.client.Add(ctx, request(t, "before"))
	require.NoError(t, err)

	require.NoError(t, f.client.Update(ctx, id, request(t, "after")))
	job, err := f.client.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "after", job.JobName)
	assert.JSONEq(t, `["after",2]`, string(job.Parameters))

	_, err = f.store.ClaimJobsByID(ctx, "engine-1", []int64{id})
	require.NoError(t, err)
	err = f.client.Update(ctx, id, request(t, "too late"))
	assert.ErrorIs(t, err, domain.ErrJobNotEditable)

	err = f.client.Update(ctx, 999, request(t, "nobody"))
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestClient_ListPages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 5; i++ {
		id, err := f.client.Add(ctx, request(t, "job"))
		require.NoError(t, err)
		ids = append(ids, id)
		time.Sleep(time.Millisecond)
	}

	var seen []int64
	filter := domain.JobFilter{AppID: "app", PageSize: 2}
	for pages := 0; pages < 5; pages++ {
		page, err := f.client.List(ctx, filter)
		require.NoError(t, err)
		for _, v := range page.Jobs {
			seen = append(seen, v.JobID)
		}
		if page.Next == nil {
			break
		}
		assert.Len(t, page.Jobs, 2)
		filter.Cursor = page.Next
	}

	assert.Equal(t, []int64{ids[4], ids[3], ids[2], ids[1], ids[0]}, seen)
}

func TestClient_Commands(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.client.Add(ctx, request(t, "job"))
	require.NoError(t, err)

	n, err := f.client.Pause(ctx, []int64{id})
	require.NoError(t, err)
	assert.Zero(t, n, "pending jobs cannot be paused")

	n, err = f.client.RunNow(ctx, []int64{id, id})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.client.Stop(ctx, []int64{id})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.client.Stop(ctx, []int64{id})
	require.NoError(t, err)
	assert.Zero(t, n, "stop is idempotent")

	n, err = f.client.Continue(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	var commands []domain.Command
	for _, ev := range f.notifier.all() {
		if ev.Kind == notify.KindCommand {
			commands = append(commands, ev.Command)
		}
	}
	assert.Equal(t, []domain.Command{domain.CommandRunNow, domain.CommandStop}, commands)
}

func TestClient_GetProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.client.GetProgress(ctx, 404)
	require.NoError(t, err)
	assert.False(t, p.ExistsInDB)

	id, err := f.client.Add(ctx, request(t, "job"))
	require.NoError(t, err)
	require.NoError(t, f.store.SetProgress(ctx, id, domain.Percent(10), "stored", ""))

	p, err = f.client.GetProgress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "stored", p.Note)
	assert.True(t, p.ExistsInDB)

	require.NoError(t, f.cache.SetCachedProgress(ctx, id, domain.Percent(60), "cached", ""))
	p, err = f.client.GetProgress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "cached", p.Note)
	require.NotNil(t, p.Percent)
	assert.Equal(t, 60, *p.Percent)
}

func TestClient_DeleteDropsProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.client.Add(ctx, request(t, "job"))
	require.NoError(t, err)
	require.NoError(t, f.cache.SetCachedProgress(ctx, id, domain.Percent(5), "x", ""))

	n, err := f.client.Delete(ctx, []int64{id, id, 12345})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cached, err := f.cache.GetCachedProgress(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, cached)

	_, err = f.client.GetView(ctx, id)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestClient_StatusCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.client.Add(ctx, request(t, "job"))
		require.NoError(t, err)
	}
	other := request(t, "other")
	other.UserID = "someone-else"
	_, err := f.client.Add(ctx, other)
	require.NoError(t, err)

	counts, err := f.client.StatusCount(ctx, "app", "user")
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, domain.JobStatusCount{Status: domain.StatusPending, Count: 3}, counts[0])
}
