// Package cli implements jobctl, the administrative command line over the
// job client: commands, inspection, listing and deletion.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/jobengine/internal/client"
	"github.com/cuongbtq/jobengine/internal/domain"
)

// Jobs is the client surface the commands drive
type Jobs interface {
	GetView(ctx context.Context, jobID int64) (*domain.JobView, error)
	GetProgress(ctx context.Context, jobID int64) (*domain.JobStatusProgress, error)
	List(ctx context.Context, filter domain.JobFilter) (*client.Page, error)
	Stop(ctx context.Context, jobIDs []int64) (int, error)
	Pause(ctx context.Context, jobIDs []int64) (int, error)
	Continue(ctx context.Context, jobIDs []int64) (int, error)
	RunNow(ctx context.Context, jobIDs []int64) (int, error)
	Delete(ctx context.Context, jobIDs []int64) (int, error)
	StatusCount(ctx context.Context, appID, userID string) ([]domain.JobStatusCount, error)
}

// Opener connects to the job store described by opts. The returned func
// releases the connection.
type Opener func(ctx context.Context, opts *RootOptions) (Jobs, func() error, error)

// RootOptions holds global flags for all commands
type RootOptions struct {
	ConfigPath string
	Format     string // "text" | "json"

	open  Opener
	jobs  Jobs
	close func() error
}

// ValidFormats defines the allowed output formats
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the jobctl root command
func NewRootCommand(open Opener) *cobra.Command {
	opts := &RootOptions{open: open}

	cmd := &cobra.Command{
		Use:   "jobctl",
		Short: "Administer background jobs",
		Long:  "Inspect, command and delete jobs in the shared job store.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if !needsStore(cmd) {
				return nil
			}
			jobs, closeFn, err := opts.open(cmd.Context(), opts)
			if err != nil {
				return err
			}
			opts.jobs, opts.close = jobs, closeFn
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.close == nil {
				return nil
			}
			return opts.close()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "configs/api-service/config.yaml", "path to configuration file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewCommandCommand(opts, "stop", domain.CommandStop, Jobs.Stop))
	cmd.AddCommand(NewCommandCommand(opts, "pause", domain.CommandPause, Jobs.Pause))
	cmd.AddCommand(NewCommandCommand(opts, "continue", domain.CommandContinue, Jobs.Continue))
	cmd.AddCommand(NewCommandCommand(opts, "run-now", domain.CommandRunNow, Jobs.RunNow))
	cmd.AddCommand(NewDeleteCommand(opts))
	cmd.AddCommand(NewShowCommand(opts))
	cmd.AddCommand(NewProgressCommand(opts))
	cmd.AddCommand(NewCountCommand(opts))
	cmd.AddCommand(NewListCommand(opts))

	return cmd
}

// needsStore is false for help and shell completion
func needsStore(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "help", "completion", cobra.ShellCompRequestCmd, cobra.ShellCompNoDescRequestCmd:
			return false
		}
	}
	return cmd.Runnable()
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
