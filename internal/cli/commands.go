package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/jobengine/internal/domain"
)

// CommandResult is printed by the command and delete subcommands
type CommandResult struct {
	Action    string `json:"action"`
	Requested int    `json:"requested"`
	Updated   int    `json:"updated"`
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid job id %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// NewCommandCommand creates a subcommand that sets cmd on the given jobs
func NewCommandCommand(opts *RootOptions, use string, command domain.Command, apply func(Jobs, context.Context, []int64) (int, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job-id>...",
		Short: fmt.Sprintf("Set the %s command on jobs", command),
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			n, err := apply(opts.jobs, cmd.Context(), ids)
			if err != nil {
				return fmt.Errorf("failed to set %s: %w", command, err)
			}
			return printResult(cmd, opts, CommandResult{Action: string(command), Requested: len(ids), Updated: n})
		},
	}
}

// NewDeleteCommand creates the delete command
func NewDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job-id>...",
		Short: "Permanently delete jobs in any status",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			n, err := opts.jobs.Delete(cmd.Context(), ids)
			if err != nil {
				return fmt.Errorf("failed to delete jobs: %w", err)
			}
			return printResult(cmd, opts, CommandResult{Action: "DELETE", Requested: len(ids), Updated: n})
		},
	}
}

func printResult(cmd *cobra.Command, opts *RootOptions, r CommandResult) error {
	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), r)
	}
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s: %d of %d jobs updated\n", r.Action, r.Updated, r.Requested)
	return err
}
