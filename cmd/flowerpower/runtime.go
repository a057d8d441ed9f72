package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowerpower-dev/flowerpower/config"
	"github.com/flowerpower-dev/flowerpower/internal/backend"
	"github.com/flowerpower-dev/flowerpower/internal/health"
	"github.com/flowerpower-dev/flowerpower/internal/jobqueue"
	"github.com/flowerpower-dev/flowerpower/internal/log"
	"github.com/flowerpower-dev/flowerpower/internal/metrics"
	"github.com/flowerpower-dev/flowerpower/internal/worker"
)

// runtime is everything a command needs once configuration is resolved:
// the process config, the project file, and a connected queue manager.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	manager *jobqueue.Manager
	checker *health.Checker
}

func newRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := log.New(cfg.Env, cfg.SlogLevel())

	project, err := config.LoadProject(config.OSFileSystem{}, cfg.BaseDir, cfg.StorageOptions)
	if err != nil {
		return nil, err
	}
	desc, err := project.Descriptor()
	if err != nil {
		return nil, err
	}
	defaults, err := project.ScheduleDefaults()
	if err != nil {
		return nil, err
	}

	metrics.Register()

	mgr, err := jobqueue.New(ctx, roleFor(desc.Kind), desc, logger,
		jobqueue.WithScheduleDefaults(defaults),
		jobqueue.WithWorkerOptions(worker.WithPollInterval(cfg.PollInterval())),
	)
	if err != nil {
		return nil, err
	}
	if err := mgr.Store().Ping(ctx); err != nil {
		_ = mgr.Close()
		return nil, err
	}

	checker := health.NewChecker(logger, prometheus.DefaultRegisterer)
	checker.Watch("store", mgr.Store())

	return &runtime{cfg: cfg, logger: logger, manager: mgr, checker: checker}, nil
}

// roleFor picks the manager role a backend kind naturally serves. Kinds
// no role accepts are rejected by the manager itself.
func roleFor(kind backend.Kind) jobqueue.Role {
	switch kind {
	case backend.Redis:
		return jobqueue.RoleRedisQueue
	case backend.Memory:
		return jobqueue.RoleInProcess
	default:
		return jobqueue.RoleSchedulerStore
	}
}

func (r *runtime) close() {
	if err := r.manager.Close(); err != nil {
		r.logger.Error("manager close", "error", err)
	}
}

// serveObservability runs the metrics and health endpoints and returns
// the shutdown function.
func (r *runtime) serveObservability() func() {
	srv := metrics.NewServer(":"+r.cfg.MetricsPort, r.checker)
	go func() {
		r.logger.Info("metrics server started", "port", r.cfg.MetricsPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("metrics server", "error", err)
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics server shutdown", "error", err)
		}
	}
}
