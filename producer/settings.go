package producer

import (
	"github.com/techmoksha/alpakka-kafka/kafka"
	"github.com/techmoksha/alpakka-kafka/logger"
	"github.com/techmoksha/alpakka-kafka/telemetry"
)

// ClientFactory builds the physical client for a flow or sink. Swapped out
// in tests for an in-memory client.
type ClientFactory func(settings *Settings) (kafka.Client, error)

type Settings struct {
	BootstrapServers []string
	ClientID         string
	// Parallelism bounds the number of unacknowledged sends in flight.
	Parallelism   int
	Properties    map[string]string
	Logger        logger.Logger
	Telemetry     *telemetry.Telemetry
	ClientFactory ClientFactory
}

type Option func(*Settings)

func WithClientID(id string) Option {
	return func(s *Settings) {
		s.ClientID = id
	}
}

func WithParallelism(n int) Option {
	return func(s *Settings) {
		s.Parallelism = n
	}
}

func WithProperty(key, value string) Option {
	return func(s *Settings) {
		s.Properties[key] = value
	}
}

func WithLogger(l logger.Logger) Option {
	return func(s *Settings) {
		s.Logger = l
	}
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(s *Settings) {
		s.Telemetry = t
	}
}

func WithClientFactory(f ClientFactory) Option {
	return func(s *Settings) {
		s.ClientFactory = f
	}
}

func NewSettings(bootstrapServers []string, opts ...Option) *Settings {
	s := &Settings{
		BootstrapServers: bootstrapServers,
		Parallelism:      100,
		Properties:       make(map[string]string),
		Logger:           logger.NewNoopLogger(),
		Telemetry:        telemetry.Noop(),
		ClientFactory:    DefaultClientFactory,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func DefaultClientFactory(settings *Settings) (kafka.Client, error) {
	return kafka.NewKgoClient(
		kafka.WithBootstrapServers(settings.BootstrapServers),
		kafka.WithClientID(settings.ClientID),
		kafka.WithProperties(settings.Properties),
		kafka.WithLogger(settings.Logger),
	)
}
