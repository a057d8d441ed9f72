package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	workerQueues     []string
	workerCount      int
	workerBackground bool
	schedBackground  bool
)

var startWorkerCmd = &cobra.Command{
	Use:   "start-worker",
	Short: "Run a worker pool until interrupted",
	Long: `start-worker polls the configured queues and executes jobs in this
process. It runs until SIGINT or SIGTERM, then stops cooperatively and
abandons still-running jobs to lease expiry.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.close()

		stopServer := rt.serveObservability()
		defer stopServer()

		n := workerCount
		if n <= 0 {
			n = rt.cfg.WorkerCount
		}

		if !workerBackground {
			return rt.manager.StartWorkerPool(ctx, n, false, workerQueues...)
		}
		if err := rt.manager.StartWorkerPool(ctx, n, true, workerQueues...); err != nil {
			return err
		}
		rt.logger.Info("worker ready", "workers", n, "queues", workerQueues)
		<-ctx.Done()
		stop()
		return rt.manager.StopWorkerPool(context.Background())
	},
}

var startSchedulerCmd = &cobra.Command{
	Use:   "start-scheduler",
	Short: "Run the schedule loop and sweeper until interrupted",
	Long: `start-scheduler materializes due schedules into jobs and reclaims
expired leases and TTLs. Run exactly one per backend; extra replicas are
safe but see every fire deduplicated.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.close()

		stopServer := rt.serveObservability()
		defer stopServer()

		if !schedBackground {
			return rt.manager.StartScheduler(ctx, false)
		}
		if err := rt.manager.StartScheduler(ctx, true); err != nil {
			return err
		}
		rt.logger.Info("scheduler ready")
		<-ctx.Done()
		stop()
		return rt.manager.StopScheduler(context.Background())
	},
}

func init() {
	startWorkerCmd.Flags().StringSliceVar(&workerQueues, "queue", nil,
		"queue to poll (repeatable; default all configured queues)")
	startWorkerCmd.Flags().IntVar(&workerCount, "workers", 0,
		"pool size (0 = WORKER_COUNT, then the CPU count)")
	startWorkerCmd.Flags().BoolVar(&workerBackground, "background", false,
		"report ready once the pool is up instead of blocking in the start call")

	startSchedulerCmd.Flags().BoolVar(&schedBackground, "background", false,
		"report ready once the loop is up instead of blocking in the start call")
}
