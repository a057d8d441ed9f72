package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowerpower-dev/flowerpower/internal/domain"
)

var pauseScheduleCmd = &cobra.Command{
	Use:   "pause-schedule <id>",
	Short: "Pause a schedule; its jobs keep running",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setSchedulePaused(cmd, args[0], true)
	},
}

var resumeScheduleCmd = &cobra.Command{
	Use:   "resume-schedule <id>",
	Short: "Resume a paused schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setSchedulePaused(cmd, args[0], false)
	},
}

func setSchedulePaused(cmd *cobra.Command, id string, paused bool) error {
	rt, err := newRuntime(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.close()

	verb, changed := "resumed", false
	if paused {
		verb = "paused"
		changed, err = rt.manager.PauseSchedule(cmd.Context(), id)
	} else {
		changed, err = rt.manager.ResumeSchedule(cmd.Context(), id)
	}
	if err != nil {
		return err
	}
	if !changed {
		fmt.Fprintf(cmd.OutOrStdout(), "schedule %s not %s (unknown id or unsupported backend)\n", id, verb)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schedule %s %s\n", id, verb)
	return nil
}

var showSchedulesCmd = &cobra.Command{
	Use:   "show-schedules",
	Short: "List schedule records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, err := newRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		schedules, err := rt.manager.GetSchedules(cmd.Context(), queueFilter)
		if err != nil {
			return err
		}
		renderSchedules(cmd.OutOrStdout(), schedules)
		return nil
	},
}

var showScheduleIDsCmd = &cobra.Command{
	Use:   "show-schedule-ids",
	Short: "List schedule ids, one per line",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, err := newRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		ids, err := rt.manager.ScheduleIDs(cmd.Context(), queueFilter)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		return nil
	},
}

func renderSchedules(w io.Writer, schedules []*domain.Schedule) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tQUEUE\tFUNCTION\tTRIGGER\tNEXT FIRE\tLAST FIRE\tPAUSED")
	for _, s := range schedules {
		kind := "-"
		if s.Trigger != nil {
			kind = s.Trigger.Kind()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%t\n",
			s.ID, s.Queue, s.Func, kind,
			orDashTime(s.NextFireAt), orDashTime(s.LastFireAt), s.Paused)
	}
	tw.Flush()
}

func orDashTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func init() {
	for _, c := range []*cobra.Command{showSchedulesCmd, showScheduleIDsCmd} {
		c.Flags().StringVar(&queueFilter, "queue", "", "restrict to one queue (default all)")
	}
}
