package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowerpower-dev/flowerpower/internal/domain"
)

var (
	queueFilter string
	deleteTTL   time.Duration
)

var cancelJobCmd = &cobra.Command{
	Use:   "cancel-job <id>",
	Short: "Cancel a queued, deferred or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		canceled, err := rt.manager.CancelJob(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !canceled {
			fmt.Fprintf(cmd.OutOrStdout(), "job %s not canceled (unknown id or already settled)\n", args[0])
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "job %s canceled\n", args[0])
		return nil
	},
}

var deleteJobCmd = &cobra.Command{
	Use:   "delete-job <id>",
	Short: "Delete a job record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		deleted, err := rt.manager.DeleteJob(cmd.Context(), args[0], deleteTTL)
		if err != nil {
			return err
		}
		if !deleted {
			fmt.Fprintf(cmd.OutOrStdout(), "job %s not found\n", args[0])
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "job %s deleted\n", args[0])
		return nil
	},
}

var showJobsCmd = &cobra.Command{
	Use:   "show-jobs",
	Short: "List job records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, err := newRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		jobs, err := rt.manager.GetJobs(cmd.Context(), queueFilter)
		if err != nil {
			return err
		}
		renderJobs(cmd.OutOrStdout(), jobs)
		return nil
	},
}

var showJobIDsCmd = &cobra.Command{
	Use:   "show-job-ids",
	Short: "List job ids, one per line",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, err := newRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		ids, err := rt.manager.JobIDs(cmd.Context(), queueFilter)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		return nil
	},
}

func renderJobs(w io.Writer, jobs []*domain.Job) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tQUEUE\tSTATUS\tFUNCTION\tENQUEUED\tSCHEDULE")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			j.ID, j.Queue, j.Status, j.Func,
			j.EnqueuedAt.Format(time.RFC3339), orDash(j.ScheduleID))
	}
	tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	for _, c := range []*cobra.Command{showJobsCmd, showJobIDsCmd} {
		c.Flags().StringVar(&queueFilter, "queue", "", "restrict to one queue (default all)")
	}
	deleteJobCmd.Flags().DurationVar(&deleteTTL, "ttl", 0,
		"keep the record readable this long before the purge (0 = remove now)")
}
