package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/jobengine/internal/api/dto"
	"github.com/cuongbtq/jobengine/internal/client"
	"github.com/cuongbtq/jobengine/internal/domain"
)

// NewShowCommand creates the show command
func NewShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job with its last stored progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			view, err := opts.jobs.GetView(cmd.Context(), ids[0])
			if err != nil {
				return fmt.Errorf("failed to get job: %w", err)
			}

			job := dto.FromView(view)
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), job)
			}
			return writeFields(cmd.OutOrStdout(), [][2]string{
				{"job_id", fmt.Sprint(job.JobID)},
				{"name", job.JobName},
				{"type", job.JobType},
				{"app/user", job.AppID + "/" + job.UserID},
				{"invoke", job.InvokeMeta.Type + "." + job.InvokeMeta.Method},
				{"status", job.Status},
				{"command", job.Command},
				{"process", job.ProcessID},
				{"progress", formatPercent(job.Percent)},
				{"note", job.Note},
				{"error", job.Error},
				{"created", job.CreatedAt},
				{"started", job.StartedAt},
				{"ended", job.EndedAt},
			})
		},
	}
}

// NewProgressCommand creates the progress command
func NewProgressCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "progress <job-id>",
		Short: "Show the freshest progress of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			p, err := opts.jobs.GetProgress(cmd.Context(), ids[0])
			if err != nil {
				return fmt.Errorf("failed to get progress: %w", err)
			}
			if !p.ExistsInDB {
				return domain.ErrJobNotFound
			}

			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), p)
			}
			return writeFields(cmd.OutOrStdout(), [][2]string{
				{"job_id", fmt.Sprint(p.JobID)},
				{"status", string(p.Status)},
				{"progress", formatPercent(p.Percent)},
				{"note", p.Note},
				{"data", p.Data},
				{"error", p.Error},
			})
		},
	}
}

// CountOptions holds flags for the count command
type CountOptions struct {
	*RootOptions
	AppID  string
	UserID string
}

// NewCountCommand creates the count command
func NewCountCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CountOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "count",
		Short: "Count jobs per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			counts, err := opts.jobs.StatusCount(cmd.Context(), opts.AppID, opts.UserID)
			if err != nil {
				return fmt.Errorf("failed to count jobs: %w", err)
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), counts)
			}
			rows := make([][]string, len(counts))
			for i, c := range counts {
				rows[i] = []string{string(c.Status), fmt.Sprint(c.Count)}
			}
			return writeTable(cmd.OutOrStdout(), []string{"STATUS", "COUNT"}, rows)
		},
	}

	cmd.Flags().StringVar(&opts.AppID, "app", "", "filter by application id")
	cmd.Flags().StringVar(&opts.UserID, "user", "", "filter by user id")

	return cmd
}

// ListOptions holds flags for the list command
type ListOptions struct {
	*RootOptions
	AppID    string
	UserID   string
	JobType  string
	Status   string
	PageSize int
	Cursor   string
}

// ListResult is the JSON output of the list command
type ListResult struct {
	Jobs       []dto.JobDTO `json:"jobs"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

// NewListCommand creates the list command
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs newest first",
		Long: `List jobs newest first, one page at a time.

Examples:
  jobctl list --app billing --status RUNNING
  jobctl list --limit 20 --cursor <next_cursor from the previous page>`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.AppID, "app", "", "filter by application id")
	cmd.Flags().StringVar(&opts.UserID, "user", "", "filter by user id")
	cmd.Flags().StringVar(&opts.JobType, "type", "", "filter by job type")
	cmd.Flags().StringVar(&opts.Status, "status", "", "filter by status")
	cmd.Flags().IntVarP(&opts.PageSize, "limit", "n", 0, "page size (default 50)")
	cmd.Flags().StringVar(&opts.Cursor, "cursor", "", "continue after a previous page")

	return cmd
}

func runList(cmd *cobra.Command, opts *ListOptions) error {
	filter := domain.JobFilter{
		AppID:    opts.AppID,
		UserID:   opts.UserID,
		JobType:  opts.JobType,
		PageSize: opts.PageSize,
	}
	if opts.Status != "" {
		st, err := domain.ParseStatus(opts.Status)
		if err != nil {
			return err
		}
		filter.Status = st
	}
	cursor, err := client.DecodeJobCursor(opts.Cursor)
	if err != nil {
		return fmt.Errorf("invalid cursor: %w", err)
	}
	filter.Cursor = cursor

	page, err := opts.jobs.List(cmd.Context(), filter)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	result := ListResult{Jobs: make([]dto.JobDTO, len(page.Jobs))}
	for i, v := range page.Jobs {
		result.Jobs[i] = dto.FromView(v)
	}
	if page.Next != nil {
		result.NextCursor = client.EncodeJobCursor(page.Next)
	}

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), result)
	}

	rows := make([][]string, len(result.Jobs))
	for i, j := range result.Jobs {
		rows[i] = []string{fmt.Sprint(j.JobID), j.JobName, j.Status, j.Command, formatPercent(j.Percent), j.CreatedAt}
	}
	if err := writeTable(cmd.OutOrStdout(), []string{"ID", "NAME", "STATUS", "COMMAND", "PROGRESS", "CREATED"}, rows); err != nil {
		return err
	}
	if result.NextCursor != "" {
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "\nnext page: --cursor %s\n", result.NextCursor)
	}
	return err
}
