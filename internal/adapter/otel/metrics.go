package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "teamforge"

// Metrics holds all TeamForge metric instruments.
type Metrics struct {
	RunsStarted    metric.Int64Counter
	RunsFinished   metric.Int64Counter // attribute "status"
	StepAttempts   metric.Int64Counter
	StepsFinished  metric.Int64Counter // attributes "status", "error_kind"
	RunDuration    metric.Float64Histogram
	StepDuration   metric.Float64Histogram
	HubDropped     metric.Int64Counter
	ChecksumFaults metric.Int64Counter
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.RunsStarted, err = meter.Int64Counter("teamforge.runs.started",
		metric.WithDescription("Number of runs started"))
	if err != nil {
		return nil, err
	}

	m.RunsFinished, err = meter.Int64Counter("teamforge.runs.finished",
		metric.WithDescription("Number of runs reaching a terminal status"))
	if err != nil {
		return nil, err
	}

	m.StepAttempts, err = meter.Int64Counter("teamforge.steps.attempts",
		metric.WithDescription("Number of agent invocation attempts"))
	if err != nil {
		return nil, err
	}

	m.StepsFinished, err = meter.Int64Counter("teamforge.steps.finished",
		metric.WithDescription("Number of steps reaching a terminal status"))
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("teamforge.run.duration_seconds",
		metric.WithDescription("Run duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.StepDuration, err = meter.Float64Histogram("teamforge.step.duration_seconds",
		metric.WithDescription("Step duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.HubDropped, err = meter.Int64Counter("teamforge.hub.dropped",
		metric.WithDescription("Events dropped for slow WebSocket subscribers"))
	if err != nil {
		return nil, err
	}

	m.ChecksumFaults, err = meter.Int64Counter("teamforge.registry.checksum_faults",
		metric.WithDescription("Agent manifests quarantined after a checksum mismatch"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
