package health_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/flowerpower-dev/flowerpower/internal/health"
)

type mockPinger struct {
	err error
}

func (m *mockPinger) Ping(_ context.Context) error { return m.err }

func newTestChecker(p health.Pinger) (*health.Checker, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	logger := slog.Default()
	c := health.NewChecker(logger, reg)
	c.Watch("store", p)
	return c, reg
}

func TestLiveness_AlwaysUp(t *testing.T) {
	c, _ := newTestChecker(&mockPinger{err: errors.New("store down")})

	result := c.Liveness(context.Background())
	if result.Status != "up" {
		t.Fatalf("expected status up, got %s", result.Status)
	}
	if result.Checks != nil {
		t.Fatalf("expected no checks, got %v", result.Checks)
	}
}

func TestReadiness_StoreUp(t *testing.T) {
	c, reg := newTestChecker(&mockPinger{})

	result := c.Readiness(context.Background())
	if result.Status != "up" {
		t.Fatalf("expected status up, got %s", result.Status)
	}
	st, ok := result.Checks["store"]
	if !ok {
		t.Fatal("missing store check")
	}
	if st.Status != "up" {
		t.Fatalf("expected store up, got %s", st.Status)
	}

	gauge := testGauge(t, reg, "flowerpower_health_check_up", "store")
	if gauge != 1 {
		t.Fatalf("expected gauge 1, got %f", gauge)
	}
}

func TestReadiness_StoreDown(t *testing.T) {
	c, reg := newTestChecker(&mockPinger{err: errors.New("connection refused")})

	result := c.Readiness(context.Background())
	if result.Status != "down" {
		t.Fatalf("expected status down, got %s", result.Status)
	}
	st := result.Checks["store"]
	if st.Status != "down" {
		t.Fatalf("expected store down, got %s", st.Status)
	}
	if st.Error == "" {
		t.Fatal("expected error message")
	}

	gauge := testGauge(t, reg, "flowerpower_health_check_up", "store")
	if gauge != 0 {
		t.Fatalf("expected gauge 0, got %f", gauge)
	}
}

func TestReadiness_MixedDependencies(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := health.NewChecker(slog.Default(), reg)
	c.Watch("store", &mockPinger{})
	c.Watch("broker", &mockPinger{err: errors.New("broker unreachable")})

	result := c.Readiness(context.Background())
	if result.Status != "down" {
		t.Fatalf("expected status down, got %s", result.Status)
	}
	if result.Checks["store"].Status != "up" {
		t.Fatalf("expected store up, got %s", result.Checks["store"].Status)
	}
	if result.Checks["broker"].Status != "down" {
		t.Fatalf("expected broker down, got %s", result.Checks["broker"].Status)
	}
}

func testGauge(t *testing.T, reg *prometheus.Registry, name, depLabel string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "dependency" && lp.GetValue() == depLabel {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s{dependency=%q} not found", name, depLabel)
	return 0
}

// Silence the unused import lint for testutil if we only use Gather above.
var _ = testutil.ToFloat64
