// Package storagetest holds behaviour tests every storage.Storage adapter must pass.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobengine/internal/domain"
	"github.com/cuongbtq/jobengine/internal/storage"
)

// Factory returns a fresh, empty store for one subtest
type Factory func(t *testing.T) storage.Storage

func newJob(name string, created time.Time) *domain.Job {
	return &domain.Job{
		AppID:      "app",
		UserID:     "user",
		JobType:    "report",
		JobName:    name,
		InvokeMeta: domain.InvokeMeta{Type: "reports", Method: "Build", ParamTypes: []string{"string"}},
		Parameters: []byte(`["x"]`),
		Created:    created,
	}
}

func addJobs(t *testing.T, s storage.Storage, n int) []int64 {
	t.Helper()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ids := make([]int64, n)
	for i := 0; i < n; i++ {
		id, err := s.Add(context.Background(), newJob("job", base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
		ids[i] = id
	}
	return ids
}

func claimIDs(jobs []*domain.Job) []int64 {
	out := make([]int64, len(jobs))
	for i, j := range jobs {
		out[i] = j.JobID
	}
	return out
}

// Run executes the whole suite against stores built by newStore
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("add assigns ids and resets lifecycle fields", func(t *testing.T) {
		s := newStore(t)
		j := newJob("first", time.Time{})
		j.Status = domain.StatusCompleted
		j.ProcessID = "someone"
		j.Command = domain.CommandStop

		id, err := s.Add(ctx, j)
		require.NoError(t, err)
		assert.Positive(t, id)

		got, err := s.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, got.Status)
		assert.Empty(t, got.ProcessID)
		assert.Equal(t, domain.CommandNone, got.Command)
		assert.Equal(t, "first", got.JobName)
		assert.Equal(t, []byte(`["x"]`), got.Parameters)
		assert.Equal(t, []string{"string"}, got.InvokeMeta.ParamTypes)
		assert.False(t, got.Created.IsZero())

		id2, err := s.Add(ctx, newJob("second", time.Time{}))
		require.NoError(t, err)
		assert.Greater(t, id2, id)
	})

	t.Run("get missing job", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetJob(ctx, 404)
		assert.ErrorIs(t, err, domain.ErrJobNotFound)

		p, err := s.GetProgress(ctx, 404)
		require.NoError(t, err)
		assert.Nil(t, p)
	})

	t.Run("update only pending jobs", func(t *testing.T) {
		s := newStore(t)
		ids := addJobs(t, s, 2)

		j, err := s.GetJob(ctx, ids[0])
		require.NoError(t, err)
		j.JobName = "renamed"
		_, err = s.Update(ctx, j)
		require.NoError(t, err)

		got, err := s.GetJob(ctx, ids[0])
		require.NoError(t, err)
		assert.Equal(t, "renamed", got.JobName)

		_, err = s.ClaimJobsByID(ctx, "p1", []int64{ids[1]})
		require.NoError(t, err)
		j2, err := s.GetJob(ctx, ids[1])
		require.NoError(t, err)
		_, err = s.Update(ctx, j2)
		assert.ErrorIs(t, err, domain.ErrJobNotEditable)

		_, err = s.Update(ctx, &domain.Job{JobID: 999})
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})

	t.Run("claim order is oldest first", func(t *testing.T) {
		s := newStore(t)
		ids := addJobs(t, s, 3)

		claimed, err := s.ClaimJobsToRun(ctx, "p1", 2)
		require.NoError(t, err)
		assert.Equal(t, ids[:2], claimIDs(claimed))
		for _, j := range claimed {
			assert.Equal(t, domain.StatusRunning, j.Status)
			assert.Equal(t, "p1", j.ProcessID)
			assert.NotNil(t, j.Start)
		}

		n, err := s.CountRunningJobs(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		claimed, err = s.ClaimJobsToRun(ctx, "p2", 0)
		require.NoError(t, err)
		assert.Empty(t, claimed)
	})

	t.Run("run now jumps the queue", func(t *testing.T) {
		s := newStore(t)
		ids := addJobs(t, s, 3)

		n, err := s.SetCommandRunNow(ctx, []int64{ids[2]})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		claimed, err := s.ClaimJobsToRun(ctx, "p1", 1)
		require.NoError(t, err)
		assert.Equal(t, []int64{ids[2]}, claimIDs(claimed))
		assert.Equal(t, domain.CommandNone, claimed[0].Command)
	})

	t.Run("claim race has one winner per job", func(t *testing.T) {
		s := newStore(t)
		addJobs(t, s, 20)

		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			owner = make(map[int64]string)
			dupes int
		)
		for _, pid := range []string{"a", "b", "c", "d"} {
			wg.Add(1)
			go func(pid string) {
				defer wg.Done()
				for i := 0; i < 10; i++ {
					claimed, err := s.ClaimJobsToRun(ctx, pid, 3)
					assert.NoError(t, err)
					mu.Lock()
					for _, j := range claimed {
						if _, ok := owner[j.JobID]; ok {
							dupes++
						}
						owner[j.JobID] = pid
					}
					mu.Unlock()
				}
			}(pid)
		}
		wg.Wait()

		assert.Zero(t, dupes)
		assert.Len(t, owner, 20)
		for id, pid := range owner {
			j, err := s.GetJob(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, pid, j.ProcessID)
		}
	})

	t.Run("claim by id skips non pending", func(t *testing.T) {
		s := newStore(t)
		ids := addJobs(t, s, 3)

		_, err := s.SetCommandStop(ctx, []int64{ids[1]})
		require.NoError(t, err)

		claimed, err := s.ClaimJobsByID(ctx, "p1", []int64{ids[0], ids[1], ids[0], 999})
		require.NoError(t, err)
		assert.Equal(t, []int64{ids[0]}, claimIDs(claimed))

		claimed, err = s.ClaimJobsByID(ctx, "p2", []int64{ids[0]})
		require.NoError(t, err)
		assert.Empty(t, claimed)
	})

	t.Run("commands follow status rules", func(t *testing.T) {
		s := newStore(t)
		ids := addJobs(t, s, 2)

		n, err := s.SetCommandPause(ctx, ids)
		require.NoError(t, err)
		assert.Zero(t, n, "pending jobs cannot be paused")

		_, err = s.ClaimJobsByID(ctx, "p1", []int64{ids[0]})
		require.NoError(t, err)

		n, err = s.SetCommandPause(ctx, ids)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = s.SetCommandContinue(ctx, ids)
		require.NoError(t, err)
		assert.Zero(t, n, "running jobs cannot be continued")

		n, err = s.SetCommandRunNow(ctx, ids)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "only the pending job accepts run now")
	})

	t.Run("stop is idempotent and blocks other commands", func(t *testing.T) {
		s := newStore(t)
		ids := addJobs(t, s, 1)

		n, err := s.SetCommandStop(ctx, ids)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = s.SetCommandStop(ctx, ids)
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = s.SetCommandRunNow(ctx, ids)
		require.NoError(t, err)
		assert.Zero(t, n)

		j, err := s.GetJob(ctx, ids[0])
		require.NoError(t, err)
		assert.Equal(t, domain.CommandStop, j.Command)
	})

	t.Run("stop pending with command", func(t *testing.T) {
		s := newStore(t)
		ids := addJobs(t, s, 3)

		_, err := s.ClaimJobsByID(ctx, "p1", []int64{ids[2]})
		require.NoError(t, err)
		_, err = s.SetCommandStop(ctx, []int64{ids[0], ids[2]})
		require.NoError(t, err)

		n, err := s.StopPendingWithCommand(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		j, err := s.GetJob(ctx, ids[0])
		require.NoError(t, err)
		assert.Equal(t, domain.StatusStopped, j.Status)
		assert.NotNil(t, j.End)
		assert.Equal(t, domain.CommandNone, j.Command)

		running, err := s.GetJob(ctx, ids[2])
		require.NoError(t, err)
		assert.Equal(t, domain.StatusRunning, running.Status)
		assert.Equal(t, domain.CommandStop, running.Command)

		commanded, err := s.GetCommandedJobs(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, []int64{ids[2]}, claimIDs(commanded))
	})

	t.Run("owner status writes", func(t *testing.T) {
		s := newStore(t)
		ids := addJobs(t, s, 1)
		id := ids[0]

		assert.ErrorIs(t, s.SetToCompleted(ctx, "p1", id), domain.ErrJobNotOwned, "pending job has no owner")

		_, err := s.ClaimJobsByID(ctx, "p1", ids)
		require.NoError(t, err)

		assert.ErrorIs(t, s.SetToPaused(ctx, "p2", id), domain.ErrJobNotOwned)
		require.NoError(t, s.SetToPaused(ctx, "p1", id))
		assert.ErrorIs(t, s.SetToPaused(ctx, "p1", id), domain.ErrJobNotOwned, "paused job cannot pause again")
		require.NoError(t, s.SetToRunning(ctx, "p1", id))

		_, err = s.SetCommandStop(ctx, ids)
		require.NoError(t, err)
		require.NoError(t, s.SetError(ctx, "p1", id, "boom"))

		j, err := s.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusError, j.Status)
		assert.Equal(t, "boom", j.Error)
		assert.Equal(t, domain.CommandNone, j.Command)
		require.NotNil(t, j.End)

		assert.ErrorIs(t, s.SetToCompleted(ctx, "p1", id), domain.ErrJobNotOwned, "terminal jobs are final")
		assert.ErrorIs(t, s.SetToStopped(ctx, "p1", 999), domain.ErrJobNotFound)
	})

	t.Run("clear command", func(t *testing.T) {
		s := newStore(t)
		ids := addJobs(t, s, 1)
		_, err := s.ClaimJobsByID(ctx, "p1", ids)
		require.NoError(t, err)
		_, err = s.SetCommandPause(ctx, ids)
		require.NoError(t, err)

		assert.ErrorIs(t, s.ClearCommand(ctx, "p2", ids[0]), domain.ErrJobNotOwned)
		require.NoError(t, s.ClearCommand(ctx, "p1", ids[0]))

		j, err := s.GetJob(ctx, ids[0])
		require.NoError(t, err)
		assert.Equal(t, domain.CommandNone, j.Command)
	})

	t.Run("reset orphans", func(t *testing.T) {
		s := newStore(t)
		ids := addJobs(t, s, 3)
		_, err := s.ClaimJobsByID(ctx, "p1", ids[:2])
		require.NoError(t, err)
		require.NoError(t, s.SetToPaused(ctx, "p1", ids[1]))

		n, err := s.ResetOrphans(ctx, "p1", "abandoned")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		for _, id := range ids[:2] {
			j, err := s.GetJob(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusError, j.Status)
			assert.Equal(t, "abandoned", j.Error)
		}
		j, err := s.GetJob(ctx, ids[2])
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, j.Status)
	})

	t.Run("progress round trip and views", func(t *testing.T) {
		s := newStore(t)
		ids := addJobs(t, s, 1)

		require.NoError(t, s.SetProgress(ctx, ids[0], domain.Percent(40), "half", "{}"))
		assert.ErrorIs(t, s.SetProgress(ctx, 999, nil, "", ""), domain.ErrJobNotFound)

		p, err := s.GetProgress(ctx, ids[0])
		require.NoError(t, err)
		require.NotNil(t, p.Percent)
		assert.Equal(t, 40, *p.Percent)
		assert.Equal(t, "half", p.Note)
		assert.Equal(t, domain.StatusPending, p.Status)
		assert.True(t, p.ExistsInDB)

		v, err := s.GetJobView(ctx, ids[0])
		require.NoError(t, err)
		assert.Equal(t, "half", v.Note)
		require.NotNil(t, v.ProgressUpdated)

		views, err := s.GetJobViews(ctx, []int64{ids[0], 999})
		require.NoError(t, err)
		assert.Len(t, views, 1)
	})

	t.Run("list pages newest first", func(t *testing.T) {
		s := newStore(t)
		ids := addJobs(t, s, 5)

		page, err := s.ListJobViews(ctx, domain.JobFilter{AppID: "app", PageSize: 2})
		require.NoError(t, err)
		require.Len(t, page, 3, "one extra row signals a further page")
		assert.Equal(t, ids[4], page[0].JobID)
		assert.Equal(t, ids[3], page[1].JobID)

		last := page[1]
		page, err = s.ListJobViews(ctx, domain.JobFilter{
			AppID:    "app",
			PageSize: 2,
			Cursor:   &domain.JobCursor{Created: last.Created, JobID: last.JobID},
		})
		require.NoError(t, err)
		require.Len(t, page, 3)
		assert.Equal(t, ids[2], page[0].JobID)

		page, err = s.ListJobViews(ctx, domain.JobFilter{AppID: "other"})
		require.NoError(t, err)
		assert.Empty(t, page)

		page, err = s.ListJobViews(ctx, domain.JobFilter{Status: domain.StatusRunning})
		require.NoError(t, err)
		assert.Empty(t, page)
	})

	t.Run("status counts and delete", func(t *testing.T) {
		s := newStore(t)
		ids := addJobs(t, s, 3)
		_, err := s.ClaimJobsByID(ctx, "p1", ids[:1])
		require.NoError(t, err)

		counts, err := s.GetJobStatusCount(ctx, "app", "")
		require.NoError(t, err)
		assert.Equal(t, []domain.JobStatusCount{
			{Status: domain.StatusPending, Count: 2},
			{Status: domain.StatusRunning, Count: 1},
		}, counts)

		n, err := s.Delete(ctx, []int64{ids[1], ids[1], 999})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = s.GetJob(ctx, ids[1])
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})

	t.Run("retention ignores fresh and non terminal jobs", func(t *testing.T) {
		s := newStore(t)
		ids := addJobs(t, s, 2)
		_, err := s.ClaimJobsByID(ctx, "p1", ids[:1])
		require.NoError(t, err)
		require.NoError(t, s.SetToCompleted(ctx, "p1", ids[0]))

		n, err := s.DeleteOlderThan(ctx, 1, domain.TerminalStatuses)
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = s.DeleteOlderThan(ctx, 0, domain.TerminalStatuses)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}
