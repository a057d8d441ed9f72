package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flowerpower-dev/flowerpower/internal/domain"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	return 0
}

// exitCode maps a command error onto the process exit code: 2 when the
// backend is unreachable, 1 for everything else.
func exitCode(err error) int {
	if errors.Is(err, domain.ErrBackendUnavailable) {
		return 2
	}
	return 1
}

var rootCmd = &cobra.Command{
	Use:   "flowerpower",
	Short: "FlowerPower job queue and scheduler",
	Long: `flowerpower runs and inspects the FlowerPower job queue: worker
pools, the schedule loop, and the jobs and schedules they manage.

Configuration comes from the environment (FLOWERPOWER_*) and the
optional <base_dir>/conf/project.yml.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("flowerpower %s (%s)\n", Version, Commit))

	rootCmd.AddCommand(startWorkerCmd)
	rootCmd.AddCommand(startSchedulerCmd)
	rootCmd.AddCommand(cancelJobCmd)
	rootCmd.AddCommand(deleteJobCmd)
	rootCmd.AddCommand(showJobsCmd)
	rootCmd.AddCommand(showJobIDsCmd)
	rootCmd.AddCommand(pauseScheduleCmd)
	rootCmd.AddCommand(resumeScheduleCmd)
	rootCmd.AddCommand(showSchedulesCmd)
	rootCmd.AddCommand(showScheduleIDsCmd)
}
