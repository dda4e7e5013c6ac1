package telemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	traceNoop "go.opentelemetry.io/otel/trace/noop"
)

const scopeName = "github.com/techmoksha/alpakka-kafka"

// Telemetry holds the OpenTelemetry instruments for the connector.
// When no providers are configured, all instruments are noops with zero overhead
type Telemetry struct {
	Tracer trace.Tracer

	RecordsConsumed  metric.Int64Counter
	RecordsProduced  metric.Int64Counter
	CommittedBatches metric.Int64Counter
	Rebalances       metric.Int64Counter

	PollDuration   metric.Float64Histogram
	CommitDuration metric.Float64Histogram
}

// NewTelemetry creates a Telemetry instance from the given providers.
// all providers are optional and defaulted to noops if nil
func NewTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) (*Telemetry, error) {
	if tp == nil {
		tp = traceNoop.NewTracerProvider()
	}
	if mp == nil {
		mp = noop.NewMeterProvider()
	}

	tracer := tp.Tracer(scopeName)
	meter := mp.Meter(scopeName)

	recordsConsumed, err := meter.Int64Counter(
		"messaging.consumer.records",
		metric.WithDescription("Records delivered downstream"),
	)
	if err != nil {
		return nil, err
	}

	recordsProduced, err := meter.Int64Counter(
		"messaging.producer.records",
		metric.WithDescription("Records acknowledged by the broker"),
	)
	if err != nil {
		return nil, err
	}

	committedBatches, err := meter.Int64Counter(
		"messaging.consumer.commits",
		metric.WithDescription("Offset commit requests sent"),
	)
	if err != nil {
		return nil, err
	}

	rebalances, err := meter.Int64Counter(
		"messaging.consumer.rebalances",
		metric.WithDescription("Rebalance rounds observed"),
	)
	if err != nil {
		return nil, err
	}

	pollDuration, err := meter.Float64Histogram(
		"stream.poll.duration",
		metric.WithDescription("Time per Poll() call"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	commitDuration, err := meter.Float64Histogram(
		"stream.commit.duration",
		metric.WithDescription("Time per commit call"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Tracer:           tracer,
		RecordsConsumed:  recordsConsumed,
		RecordsProduced:  recordsProduced,
		CommittedBatches: committedBatches,
		Rebalances:       rebalances,
		PollDuration:     pollDuration,
		CommitDuration:   commitDuration,
	}, nil
}

// Noop returns a Telemetry with all instruments disabled.
func Noop() *Telemetry {
	t, _ := NewTelemetry(nil, nil)
	return t
}
