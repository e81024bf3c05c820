package bootstrap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobengine/internal/cache"
	"github.com/cuongbtq/jobengine/internal/config"
	"github.com/cuongbtq/jobengine/internal/domain"
	"github.com/cuongbtq/jobengine/internal/engine"
	"github.com/cuongbtq/jobengine/internal/secret"
	badgerstore "github.com/cuongbtq/jobengine/internal/storage/badger"
	"github.com/cuongbtq/jobengine/internal/storage/memory"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpen(t *testing.T) {
	mr := miniredis.RunT(t)

	tests := []struct {
		name   string
		cfg    config.Config
		checks []string
		assert func(t *testing.T, r *Resources)
	}{
		{
			name: "memory storage and cache",
			cfg: config.Config{
				Storage: config.StorageConfig{Driver: config.StorageMemory},
				Cache:   config.CacheConfig{Driver: config.CacheMemory},
			},
			assert: func(t *testing.T, r *Resources) {
				assert.IsType(t, &memory.Store{}, r.Storage)
				assert.IsType(t, &cache.Memory{}, r.Cache)
				assert.IsType(t, secret.Nop{}, r.Cipher)
			},
		},
		{
			name: "in-memory badger without cache",
			cfg: config.Config{
				Storage: config.StorageConfig{Driver: config.StorageBadger},
				Cache:   config.CacheConfig{Driver: config.CacheNone},
			},
			assert: func(t *testing.T, r *Resources) {
				assert.IsType(t, &badgerstore.Store{}, r.Storage)
				assert.IsType(t, cache.Nop{}, r.Cache)
			},
		},
		{
			name: "redis cache with encryption",
			cfg: config.Config{
				Storage: config.StorageConfig{Driver: config.StorageMemory},
				Cache: config.CacheConfig{
					Driver: config.CacheRedis,
					Redis:  config.RedisConfig{Addr: mr.Addr(), TTL: time.Hour},
				},
				Security: config.SecurityConfig{EncryptionKey: "passphrase"},
			},
			checks: []string{"redis"},
			assert: func(t *testing.T, r *Resources) {
				assert.IsType(t, &cache.Redis{}, r.Cache)
				assert.IsType(t, &secret.AESGCM{}, r.Cipher)

				require.NoError(t, r.Cache.SetCachedProgress(context.Background(), 9, domain.Percent(10), "", ""))
				assert.True(t, mr.Exists("jobengine:progress:9"))
				assert.Equal(t, time.Hour, mr.TTL("jobengine:progress:9"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Open(context.Background(), &tt.cfg, discard())
			require.NoError(t, err)
			defer r.Close()

			for _, name := range tt.checks {
				require.Contains(t, r.Checks, name)
				assert.NoError(t, r.Checks[name](context.Background()))
			}
			tt.assert(t, r)
		})
	}
}

func TestOpen_Errors(t *testing.T) {
	tests := []struct {
		name  string
		cfg   config.Config
		field string
	}{
		{
			name:  "unknown storage",
			cfg:   config.Config{Storage: config.StorageConfig{Driver: "sqlite"}},
			field: "storage.driver",
		},
		{
			name: "unknown cache",
			cfg: config.Config{
				Storage: config.StorageConfig{Driver: config.StorageMemory},
				Cache:   config.CacheConfig{Driver: "memcached"},
			},
			field: "cache.driver",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Open(context.Background(), &tt.cfg, discard())
			require.Error(t, err)
			assert.Nil(t, r)

			var cfgErr *domain.ConfigurationError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestOpen_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := config.Config{
		Storage: config.StorageConfig{Driver: config.StorageBadger},
		Cache: config.CacheConfig{
			Driver: config.CacheRedis,
			Redis:  config.RedisConfig{Addr: addr},
		},
	}
	_, err := Open(context.Background(), &cfg, discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialize Redis")
}

func TestOpenBroker_Disabled(t *testing.T) {
	r, err := Open(context.Background(), &config.Config{
		Storage: config.StorageConfig{Driver: config.StorageMemory},
	}, discard())
	require.NoError(t, err)
	defer r.Close()

	client, err := r.OpenBroker(&config.Config{}, true)
	require.NoError(t, err)
	assert.Nil(t, client)
	assert.NotContains(t, r.Checks, "rabbitmq")
}

func TestEngineConfig(t *testing.T) {
	cfg := &config.Config{
		Storage: config.StorageConfig{Driver: config.StorageMemory},
		Engine: config.EngineConfig{
			ProcessID:            "engine-a",
			Workers:              3,
			MaxRunnableJobs:      2,
			ServerTimerInterval:  time.Second,
			ServerTimerInterval2: 10 * time.Second,
			ProgressDBInterval:   time.Second,
			AutoDeletePeriod:     48,
			AutoDeleteStatus:     []string{"completed", "error"},
			StopServerDelay:      5 * time.Second,
		},
		Invoke: config.InvokeConfig{AllowedTypes: []string{"reports"}},
	}
	r, err := Open(context.Background(), cfg, discard())
	require.NoError(t, err)
	defer r.Close()

	registry := NewRegistry(cfg)
	ec, err := EngineConfig(cfg, r, registry, discard())
	require.NoError(t, err)

	assert.Equal(t, "engine-a", ec.ProcessID)
	assert.Equal(t, 3, ec.Workers)
	assert.Equal(t, 2, ec.MaxRunnableJobs)
	assert.Equal(t, 48, ec.AutoDeletePeriod)
	assert.Equal(t, []domain.Status{domain.StatusCompleted, domain.StatusError}, ec.AutoDeleteStatus)
	assert.Same(t, r.Storage, ec.Storage)

	e, err := engine.New(ec)
	require.NoError(t, err)
	assert.Equal(t, "engine-a", e.ProcessID())
}

func TestNewRegistry_AllowedTypes(t *testing.T) {
	registry := NewRegistry(&config.Config{Invoke: config.InvokeConfig{AllowedTypes: []string{"reports"}}})
	require.NoError(t, registry.Register("mailer", "Send", func() error { return nil }))

	_, err := registry.Resolve(domain.InvokeMeta{Type: "mailer", Method: "Send"}, []byte("[]"))
	require.Error(t, err)
}
