package consumer

import (
	"time"

	"github.com/hugolhafner/dskit/backoff"

	"github.com/techmoksha/alpakka-kafka/kafka"
	"github.com/techmoksha/alpakka-kafka/logger"
	"github.com/techmoksha/alpakka-kafka/telemetry"
)

// ClientFactory builds the physical broker client for a source. The default
// builds a franz-go client from the settings; tests inject a mock here.
type ClientFactory func(s *Settings) (kafka.Client, error)

type Settings struct {
	BootstrapServers []string
	GroupID          string

	// PollInterval is the idle wait between polls that returned nothing.
	PollInterval time.Duration
	// PollTimeout bounds a single poll call against the broker.
	PollTimeout    time.Duration
	MaxPollRecords int

	// BufferSize is the capacity of the delivery channel; it is the demand
	// window. No poll is issued while the buffer is full.
	BufferSize int
	// PartitionBufferSize is the per-partition buffer for partitioned sources.
	PartitionBufferSize int

	CommitTimeout time.Duration
	// FlushTimeoutOnRevoke bounds the wait for pending commits when
	// partitions are revoked. On timeout the partitions are released anyway.
	FlushTimeoutOnRevoke time.Duration
	// WaitClosePartition bounds the wait for a revoked sub-source's buffer
	// to drain before it is force-completed.
	WaitClosePartition time.Duration
	// ResolveTimeout bounds manual-offset resolver callbacks.
	ResolveTimeout time.Duration

	// AutoCommit enables the client's own periodic commit. Only the plain
	// source honors this; committable sources always commit explicitly.
	AutoCommit         bool
	AutoCommitInterval time.Duration

	Properties map[string]string

	PollErrorBackoff backoff.Backoff
	Logger           logger.Logger
	Telemetry        *telemetry.Telemetry
	ClientFactory    ClientFactory
}

type Option func(*Settings)

func NewSettings(bootstrapServers []string, groupID string, opts ...Option) *Settings {
	l := logger.NewNoopLogger()
	s := &Settings{
		BootstrapServers:     bootstrapServers,
		GroupID:              groupID,
		PollInterval:         50 * time.Millisecond,
		PollTimeout:          3 * time.Second,
		MaxPollRecords:       500,
		BufferSize:           128,
		PartitionBufferSize:  32,
		CommitTimeout:        15 * time.Second,
		FlushTimeoutOnRevoke: 10 * time.Second,
		WaitClosePartition:   500 * time.Millisecond,
		ResolveTimeout:       10 * time.Second,
		AutoCommitInterval:   5 * time.Second,
		PollErrorBackoff:     backoff.NewFixed(time.Second),
		Logger:               l,
		Telemetry:            telemetry.Noop(),
		ClientFactory:        DefaultClientFactory,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// DefaultClientFactory builds a franz-go client from the settings.
func DefaultClientFactory(s *Settings) (kafka.Client, error) {
	opts := []kafka.KgoOption{
		kafka.WithBootstrapServers(s.BootstrapServers),
		kafka.WithGroupID(s.GroupID),
		kafka.WithPollTimeout(s.PollTimeout),
		kafka.WithProperties(s.Properties),
		kafka.WithLogger(s.Logger),
	}

	if s.AutoCommit {
		opts = append(opts, kafka.WithAutoCommit(s.AutoCommitInterval))
	}

	return kafka.NewKgoClient(opts...)
}

func WithPollInterval(d time.Duration) Option {
	return func(s *Settings) {
		s.PollInterval = d
	}
}

func WithPollTimeout(d time.Duration) Option {
	return func(s *Settings) {
		s.PollTimeout = d
	}
}

func WithMaxPollRecords(n int) Option {
	return func(s *Settings) {
		if n > 0 {
			s.MaxPollRecords = n
		}
	}
}

func WithBufferSize(n int) Option {
	return func(s *Settings) {
		if n > 0 {
			s.BufferSize = n
		}
	}
}

func WithPartitionBufferSize(n int) Option {
	return func(s *Settings) {
		if n > 0 {
			s.PartitionBufferSize = n
		}
	}
}

func WithCommitTimeout(d time.Duration) Option {
	return func(s *Settings) {
		s.CommitTimeout = d
	}
}

func WithFlushTimeoutOnRevoke(d time.Duration) Option {
	return func(s *Settings) {
		s.FlushTimeoutOnRevoke = d
	}
}

func WithWaitClosePartition(d time.Duration) Option {
	return func(s *Settings) {
		s.WaitClosePartition = d
	}
}

func WithResolveTimeout(d time.Duration) Option {
	return func(s *Settings) {
		s.ResolveTimeout = d
	}
}

func WithAutoCommit(interval time.Duration) Option {
	return func(s *Settings) {
		s.AutoCommit = true
		s.AutoCommitInterval = interval
	}
}

func WithProperty(key, value string) Option {
	return func(s *Settings) {
		if s.Properties == nil {
			s.Properties = make(map[string]string)
		}
		s.Properties[key] = value
	}
}

func WithProperties(props map[string]string) Option {
	return func(s *Settings) {
		s.Properties = props
	}
}

func WithPollErrorBackoff(b backoff.Backoff) Option {
	return func(s *Settings) {
		if b != nil {
			s.PollErrorBackoff = b
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(s *Settings) {
		s.Logger = l
	}
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(s *Settings) {
		if t != nil {
			s.Telemetry = t
		}
	}
}

func WithClientFactory(f ClientFactory) Option {
	return func(s *Settings) {
		if f != nil {
			s.ClientFactory = f
		}
	}
}
