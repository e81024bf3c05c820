package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/jobengine/internal/domain"
	"github.com/cuongbtq/jobengine/internal/gate"
	"github.com/cuongbtq/jobengine/internal/invoke"
)

// registerHandlers installs the handlers this worker binary can run.
// Deployments embedding the engine register their own.
func registerHandlers(r *invoke.Registry) error {
	handlers := []struct {
		typeName string
		method   string
		fn       any
	}{
		{"demo", "Sleep", sleep},
		{"demo", "Echo", echo},
	}
	for _, h := range handlers {
		if err := r.Register(h.typeName, h.method, h.fn); err != nil {
			return fmt.Errorf("%s.%s: %w", h.typeName, h.method, err)
		}
	}
	return nil
}

// sleep waits for the given number of seconds, one checkpoint per second
func sleep(ctx context.Context, g *gate.Gate, rep invoke.Reporter, seconds int) error {
	for i := 0; i < seconds; i++ {
		if err := gate.Checkpoint(ctx, g); err != nil {
			return err
		}
		rep.Report(domain.Percent(i*100/seconds), fmt.Sprintf("second %d of %d", i+1, seconds), "")

		select {
		case <-ctx.Done():
			return gate.ErrCancelled
		case <-time.After(time.Second):
		}
	}
	rep.Report(domain.Percent(100), "done", "")
	return nil
}

func echo(rep invoke.Reporter, message string) (string, error) {
	out := strings.TrimSpace(message)
	rep.Report(domain.Percent(100), "", out)
	return out, nil
}
