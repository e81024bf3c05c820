package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/cuongbtq/jobengine/internal/domain"
)

var _ Cache = (*Redis)(nil)

const redisKeyPrefix = "jobengine:progress:"

// maxWatchRetries bounds optimistic retries when writers collide on one key
const maxWatchRetries = 16

func progressKey(jobID int64) string {
	return redisKeyPrefix + strconv.FormatInt(jobID, 10)
}

// RedisClient is the go-redis surface the cache needs; *goredis.Client and
// *goredis.ClusterClient both satisfy it
type RedisClient interface {
	goredis.Cmdable
	Watch(ctx context.Context, fn func(*goredis.Tx) error, keys ...string) error
}

// Redis stores progress records as JSON strings, one key per job.
// The caller owns the client lifecycle.
type Redis struct {
	client RedisClient
	ttl    time.Duration
}

// RedisOption configures the Redis cache
type RedisOption func(*Redis)

// WithTTL expires entries that have not been written for d; zero keeps them forever
func WithTTL(d time.Duration) RedisOption {
	return func(r *Redis) { r.ttl = d }
}

// NewRedis creates a Redis-backed progress cache
func NewRedis(client RedisClient, opts ...RedisOption) *Redis {
	r := &Redis{client: client}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Redis) GetCachedProgress(ctx context.Context, jobID int64) (*domain.JobStatusProgress, error) {
	return decodeProgress(r.client.Get(ctx, progressKey(jobID)))
}

func decodeProgress(cmd *goredis.StringCmd) (*domain.JobStatusProgress, error) {
	raw, err := cmd.Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get cached progress: %w", err)
	}

	var p domain.JobStatusProgress
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode cached progress: %w", err)
	}
	return &p, nil
}

func (r *Redis) SetCachedProgress(ctx context.Context, jobID int64, percent *int, note, data string) error {
	return r.update(ctx, jobID, func(prev *domain.JobStatusProgress) *domain.JobStatusProgress {
		return merge(prev, jobID, percent, note, data, time.Now().UTC())
	})
}

func (r *Redis) SetCachedProgressStatus(ctx context.Context, jobID int64, status domain.Status) error {
	return r.update(ctx, jobID, func(prev *domain.JobStatusProgress) *domain.JobStatusProgress {
		p := orNew(prev, jobID)
		p.Status = status
		return p
	})
}

func (r *Redis) SetCachedProgressError(ctx context.Context, jobID int64, message string) error {
	return r.update(ctx, jobID, func(prev *domain.JobStatusProgress) *domain.JobStatusProgress {
		p := orNew(prev, jobID)
		p.Status = domain.StatusError
		p.Error = message
		return p
	})
}

func (r *Redis) DeleteCachedProgress(ctx context.Context, jobID int64) error {
	if err := r.client.Del(ctx, progressKey(jobID)).Err(); err != nil {
		return fmt.Errorf("failed to delete cached progress: %w", err)
	}
	return nil
}

// update is a read-modify-write of one entry under WATCH. The job body and
// the cleanup loop both write the same key, so a collided EXEC is retried on
// a fresh read.
func (r *Redis) update(ctx context.Context, jobID int64, fn func(*domain.JobStatusProgress) *domain.JobStatusProgress) error {
	key := progressKey(jobID)
	txf := func(tx *goredis.Tx) error {
		prev, err := decodeProgress(tx.Get(ctx, key))
		if err != nil {
			return err
		}

		raw, err := json.Marshal(fn(prev))
		if err != nil {
			return fmt.Errorf("failed to encode cached progress: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, raw, r.ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to set cached progress: %w", err)
		}
		return nil
	}
	return fmt.Errorf("failed to set cached progress after %d attempts: %w", maxWatchRetries, goredis.TxFailedErr)
}

func orNew(prev *domain.JobStatusProgress, jobID int64) *domain.JobStatusProgress {
	p := prev
	if p == nil {
		p = &domain.JobStatusProgress{JobID: jobID}
	}
	p.ExistsInDB = true
	p.Updated = time.Now().UTC()
	return p
}
