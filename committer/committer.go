// Package committer batches committable offsets and commits them when the
// batch size or a time interval trips, amortizing broker round-trips for
// at-least-once pipelines.
package committer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/techmoksha/alpakka-kafka/consumer"
	"github.com/techmoksha/alpakka-kafka/kafka"
	"github.com/techmoksha/alpakka-kafka/logger"
)

type Settings struct {
	// MaxBatch commits once this many offsets have been aggregated.
	MaxBatch int
	// MaxInterval commits whatever has accumulated after this long,
	// bounding replay on crash during quiet periods.
	MaxInterval time.Duration
	Logger      logger.Logger
}

type Option func(*Settings)

func WithMaxBatch(n int) Option {
	return func(s *Settings) {
		s.MaxBatch = n
	}
}

func WithMaxInterval(d time.Duration) Option {
	return func(s *Settings) {
		s.MaxInterval = d
	}
}

func WithLogger(l logger.Logger) Option {
	return func(s *Settings) {
		s.Logger = l
	}
}

func NewSettings(opts ...Option) *Settings {
	s := &Settings{
		MaxBatch:    1000,
		MaxInterval: 10 * time.Second,
		Logger:      logger.NewNoopLogger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// accumulator guards the building batch against the revoke flusher, which
// runs on the source's polling goroutine while the sink loop owns this one.
type accumulator struct {
	mu    sync.Mutex
	batch *consumer.CommittableOffsetBatch
	// count is the number of committables merged since the last take; the
	// batch itself collapses to one entry per partition, so its size cannot
	// drive the flush trigger
	count int
}

func (a *accumulator) add(c consumer.Committable) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.batch.Updated(c); err != nil {
		return 0, err
	}

	a.count++
	return a.count, nil
}

// take swaps the building batch for a fresh one and returns the old one,
// or nil when nothing has accumulated.
func (a *accumulator) take() *consumer.CommittableOffsetBatch {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.batch.IsEmpty() {
		return nil
	}

	taken := a.batch
	a.batch = consumer.NewBatch()
	a.count = 0
	return taken
}

// flushOnRevoke commits the pending batch through the in-callback commit
// function while the revoked partitions are still owned.
func (a *accumulator) flushOnRevoke(log logger.Logger) consumer.RevokeFlush {
	return func(ctx context.Context, revoked []kafka.TopicPartition, commit consumer.CommitFunc) {
		taken := a.take()
		if taken == nil {
			return
		}

		if err := commit(ctx, taken.Offsets()); err != nil {
			log.Warn("Failed to flush offsets on revoke", "error", err)
		}
	}
}

// Sink consumes committables and commits them in batches until in closes
// or ctx is cancelled. It registers a revoke flusher on control so pending
// offsets land before a rebalance hands their partitions away.
func Sink(ctx context.Context, settings *Settings, control *consumer.Control, in <-chan consumer.Committable) error {
	return run(ctx, settings, control, in, nil)
}

// Flow is Sink with the committed batches emitted downstream. The returned
// error channel receives at most one error and closes with the batch
// channel when the flow terminates.
func Flow(ctx context.Context, settings *Settings, control *consumer.Control, in <-chan consumer.Committable) (<-chan *consumer.CommittableOffsetBatch, <-chan error) {
	out := make(chan *consumer.CommittableOffsetBatch)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		emit := func(b *consumer.CommittableOffsetBatch) error {
			select {
			case out <- b:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := run(ctx, settings, control, in, emit); err != nil {
			errc <- err
		}
	}()

	return out, errc
}

func run(ctx context.Context, settings *Settings, control *consumer.Control, in <-chan consumer.Committable, emit func(*consumer.CommittableOffsetBatch) error) error {
	acc := &accumulator{batch: consumer.NewBatch()}
	control.RegisterRevokeFlush(acc.flushOnRevoke(settings.Logger))

	flush := func() error {
		taken := acc.take()
		if taken == nil {
			return nil
		}

		if err := taken.Commit(ctx); err != nil {
			return fmt.Errorf("committing offset batch: %w", err)
		}

		if emit != nil {
			return emit(taken)
		}
		return nil
	}

	ticker := time.NewTicker(settings.MaxInterval)
	defer ticker.Stop()

	for {
		select {
		case c, ok := <-in:
			if !ok {
				return flush()
			}

			size, err := acc.add(c)
			if err != nil {
				return err
			}

			if size >= settings.MaxBatch {
				if err := flush(); err != nil {
					return err
				}
				ticker.Reset(settings.MaxInterval)
			}
		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
