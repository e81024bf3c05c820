package cli

import (
	"context"
	"fmt"

	"github.com/cuongbtq/jobengine/internal/bootstrap"
	"github.com/cuongbtq/jobengine/internal/client"
	"github.com/cuongbtq/jobengine/internal/config"
	"github.com/cuongbtq/jobengine/internal/notify"
	"github.com/cuongbtq/jobengine/shared/logger"
)

// OpenFromConfig is the default Opener: it builds a job client from the
// configuration file named by --config. Commands publish notifications when
// RabbitMQ is enabled there.
func OpenFromConfig(ctx context.Context, opts *RootOptions) (Jobs, func() error, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateStorage(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.ValidateRabbitMQ(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	// Diagnostics only; command output goes to stdout
	log, err := logger.New(&logger.Config{Level: "warn", Format: "console", Output: "stderr"})
	if err != nil {
		return nil, nil, err
	}

	res, err := bootstrap.Open(ctx, cfg, log.Logger)
	if err != nil {
		return nil, nil, err
	}

	clientCfg := &client.Config{
		Logger:  log.Logger,
		Storage: res.Storage,
		Cache:   res.Cache,
		Cipher:  res.Cipher,
	}
	broker, err := res.OpenBroker(cfg, true)
	if err != nil {
		res.Close()
		return nil, nil, err
	}
	if broker != nil {
		clientCfg.Notifier = notify.NewPublisher(broker, log.Logger)
	}

	jobs, err := client.New(clientCfg)
	if err != nil {
		res.Close()
		return nil, nil, err
	}
	return jobs, res.Close, nil
}
