package fleet

import (
	"context"

	"github.com/rcrowley/go-metrics"
	"go.opentelemetry.io/otel/metric"
)

// Metrics exposes the controller state.
// Gauges live in go-metrics, event counters in OpenTelemetry.
type Metrics struct {
	backlog metrics.Gauge
	roster  metrics.Gauge
	desired metrics.Gauge

	scaleUps      metric.Int64Counter
	scaleDowns    metric.Int64Counter
	spawnFailures metric.Int64Counter
	exits         metric.Int64Counter
}

// NewMetrics registers the controller metrics.
func NewMetrics(registry metrics.Registry, meter metric.Meter) (*Metrics, error) {
	m := &Metrics{
		backlog: metrics.GetOrRegisterGauge("fleet_backlog", registry),
		roster:  metrics.GetOrRegisterGauge("fleet_workers", registry),
		desired: metrics.GetOrRegisterGauge("fleet_desired_workers", registry),
	}
	var err error
	if m.scaleUps, err = meter.NewInt64Counter("fleet_scale_ups"); err != nil {
		return nil, err
	}
	if m.scaleDowns, err = meter.NewInt64Counter("fleet_scale_downs"); err != nil {
		return nil, err
	}
	if m.spawnFailures, err = meter.NewInt64Counter("fleet_spawn_failures"); err != nil {
		return nil, err
	}
	if m.exits, err = meter.NewInt64Counter("fleet_worker_exits"); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) observe(backlog int64, desired int) {
	if m == nil {
		return
	}
	m.backlog.Update(backlog)
	m.desired.Update(int64(desired))
}

func (m *Metrics) size(n int) {
	if m != nil {
		m.roster.Update(int64(n))
	}
}

func (m *Metrics) scaledUp(ctx context.Context) {
	if m != nil {
		m.scaleUps.Add(ctx, 1)
	}
}

func (m *Metrics) scaledDown(ctx context.Context) {
	if m != nil {
		m.scaleDowns.Add(ctx, 1)
	}
}

func (m *Metrics) spawnFailed(ctx context.Context) {
	if m != nil {
		m.spawnFailures.Add(ctx, 1)
	}
}

func (m *Metrics) exited(ctx context.Context, n int) {
	if m != nil && n > 0 {
		m.exits.Add(ctx, int64(n))
	}
}
