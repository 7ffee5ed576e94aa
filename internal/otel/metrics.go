package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the scheduler and run instruments.
type Metrics struct {
	SchedulerTicks   metric.Int64Counter
	RunsCreated      metric.Int64Counter
	RunsFinished     metric.Int64Counter
	RunDuration      metric.Float64Histogram
	ActiveRuns       metric.Int64UpDownCounter
	ClaimsLost       metric.Int64Counter
	ActionsGated     metric.Int64Counter
	GoalsOverdue     metric.Int64Counter
	LearningRecorded metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.SchedulerTicks, err = meter.Int64Counter("agentcore.scheduler.ticks",
		metric.WithDescription("Scheduler ticks executed"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsCreated, err = meter.Int64Counter("agentcore.runs.created",
		metric.WithDescription("Runs created, by trigger type"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsFinished, err = meter.Int64Counter("agentcore.runs.finished",
		metric.WithDescription("Runs reaching a terminal status, by status"),
	)
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("agentcore.run.duration",
		metric.WithDescription("Run wall time from start to terminal status"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveRuns, err = meter.Int64UpDownCounter("agentcore.runs.active",
		metric.WithDescription("Runs currently executing"),
	)
	if err != nil {
		return nil, err
	}

	m.ClaimsLost, err = meter.Int64Counter("agentcore.claims.lost",
		metric.WithDescription("Due bindings claimed by another scheduler first"),
	)
	if err != nil {
		return nil, err
	}

	m.ActionsGated, err = meter.Int64Counter("agentcore.actions.gated",
		metric.WithDescription("Proposed actions passed through the permission gate, by decision"),
	)
	if err != nil {
		return nil, err
	}

	m.GoalsOverdue, err = meter.Int64Counter("agentcore.goals.overdue_failed",
		metric.WithDescription("Goals failed by the overdue sweep"),
	)
	if err != nil {
		return nil, err
	}

	m.LearningRecorded, err = meter.Int64Counter("agentcore.learning.recorded",
		metric.WithDescription("Learning rows recorded"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments that record nothing, for components built
// without a configured provider.
func NoopMetrics() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	if err != nil {
		// The noop meter never fails to create instruments.
		panic(err)
	}
	return m
}
