package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Pinger is satisfied by every backend store and broker.
type Pinger interface {
	Ping(ctx context.Context) error
}

const (
	StatusUp   = "up"
	StatusDown = "down"
)

// CheckResult represents the health of a single dependency.
type CheckResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthResult is the top-level health response.
type HealthResult struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Checker verifies that all watched dependencies are reachable.
type Checker struct {
	logger *slog.Logger
	gauge  *prometheus.GaugeVec

	mu   sync.Mutex
	deps []dependency
}

type dependency struct {
	name string
	ping Pinger
}

// NewChecker creates a health checker and registers its Prometheus gauge.
func NewChecker(logger *slog.Logger, reg prometheus.Registerer) *Checker {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "flowerpower",
		Name:      "health_check_up",
		Help:      "Whether a dependency is reachable. 1 = up, 0 = down.",
	}, []string{"dependency"})
	reg.MustRegister(gauge)

	return &Checker{
		logger: logger.With("component", "health"),
		gauge:  gauge,
	}
}

// Watch adds a named dependency to the readiness probe.
func (c *Checker) Watch(name string, p Pinger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deps = append(c.deps, dependency{name: name, ping: p})
}

// Liveness returns a simple "up" response if the process is running.
func (c *Checker) Liveness(_ context.Context) HealthResult {
	return HealthResult{Status: StatusUp}
}

// Readiness pings every dependency and reports per-check status.
func (c *Checker) Readiness(ctx context.Context) HealthResult {
	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	c.mu.Lock()
	deps := make([]dependency, len(c.deps))
	copy(deps, c.deps)
	c.mu.Unlock()

	result := HealthResult{
		Status: StatusUp,
		Checks: make(map[string]CheckResult),
	}

	for _, d := range deps {
		if err := d.ping.Ping(checkCtx); err != nil {
			c.logger.Warn("health check failed", "dependency", d.name, "error", err)
			result.Status = StatusDown
			result.Checks[d.name] = CheckResult{Status: StatusDown, Error: err.Error()}
			c.gauge.WithLabelValues(d.name).Set(0)
		} else {
			result.Checks[d.name] = CheckResult{Status: StatusUp}
			c.gauge.WithLabelValues(d.name).Set(1)
		}
	}

	return result
}
