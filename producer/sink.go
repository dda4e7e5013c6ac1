package producer

import (
	"context"
	"errors"

	"github.com/techmoksha/alpakka-kafka/committer"
	"github.com/techmoksha/alpakka-kafka/consumer"
)

// Sink produces every envelope from in and discards the results. It
// returns when in closes and all sends are acknowledged, or on the first
// send failure.
func Sink[T any](ctx context.Context, settings *Settings, in <-chan Envelope[T]) error {
	flow, err := NewFlow[T](settings)
	if err != nil {
		return err
	}

	go feed(ctx, flow, in)

	for range flow.Out() {
	}

	if err := flow.Err(); err != nil {
		return err
	}
	return ctx.Err()
}

// CommittableSink produces envelopes whose pass-through is a committable
// offset and commits each offset only after its record is acknowledged,
// batched through the committer. This is the produce side of an
// at-least-once consume-transform-produce pipeline.
func CommittableSink(ctx context.Context, settings *Settings, commitSettings *committer.Settings, control *consumer.Control, in <-chan Envelope[consumer.Committable]) error {
	flow, err := NewFlow[consumer.Committable](settings)
	if err != nil {
		return err
	}

	go feed(ctx, flow, in)

	offsets := make(chan consumer.Committable)
	commitErr := make(chan error, 1)

	go func() {
		commitErr <- committer.Sink(ctx, commitSettings, control, offsets)
	}()

	for res := range flow.Out() {
		select {
		case offsets <- res.PassThrough:
		case <-ctx.Done():
		}
	}
	close(offsets)

	cerr := <-commitErr

	if err := flow.Err(); err != nil {
		return err
	}
	if cerr != nil && !errors.Is(cerr, context.Canceled) {
		return cerr
	}
	return ctx.Err()
}

func feed[T any](ctx context.Context, flow *Flow[T], in <-chan Envelope[T]) {
	defer flow.Close()

	for {
		select {
		case env, ok := <-in:
			if !ok {
				return
			}

			select {
			case flow.In() <- env:
			case <-flow.Done():
				return
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		case <-flow.Done():
			return
		}
	}
}
