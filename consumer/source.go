package consumer

import (
	"context"

	"github.com/techmoksha/alpakka-kafka/kafka"
)

// Stream is a channel-backed source of messages with an attached Control.
// The message channel closes on drain completion or shutdown; consult Err
// afterwards to distinguish the two.
type Stream[T any] struct {
	messages <-chan T
	control  *Control
}

func (s *Stream[T]) Messages() <-chan T {
	return s.messages
}

func (s *Stream[T]) Control() *Control {
	return s.control
}

func (s *Stream[T]) Err() error {
	return s.control.Err()
}

// streamDeliverer pushes converted records onto a single bounded channel.
// Demand is channel headroom; the owner goroutine is the only sender, so
// len observed there cannot race with another send.
type streamDeliverer[T any] struct {
	out       chan T
	convert   func(ctx context.Context, o *ClientOwner, rec kafka.ConsumerRecord) (T, bool, error)
	completed bool
}

func newStreamDeliverer[T any](size int, convert func(ctx context.Context, o *ClientOwner, rec kafka.ConsumerRecord) (T, bool, error)) *streamDeliverer[T] {
	return &streamDeliverer[T]{
		out:     make(chan T, size),
		convert: convert,
	}
}

func (d *streamDeliverer[T]) hasDemand() bool {
	return len(d.out) < cap(d.out)
}

func (d *streamDeliverer[T]) deliver(ctx context.Context, o *ClientOwner, records []kafka.ConsumerRecord) error {
	for _, rec := range records {
		msg, ok, err := d.convert(ctx, o, rec)
		if err != nil {
			o.fail(err)
			return err
		}
		if !ok {
			continue
		}

		// a full channel blocks here, but queued operations keep being
		// served so commits make progress against a slow consumer
		for sent := false; !sent; {
			select {
			case d.out <- msg:
				sent = true
			case op := <-o.ops:
				op(ctx)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return nil
}

func (d *streamDeliverer[T]) partitionsAssigned(context.Context, *ClientOwner, []kafka.TopicPartition) {
}

func (d *streamDeliverer[T]) partitionsRevoked(context.Context, *ClientOwner, []kafka.TopicPartition) {
}

func (d *streamDeliverer[T]) maintain(*ClientOwner) {}

func (d *streamDeliverer[T]) complete() {
	if !d.completed {
		d.completed = true
		close(d.out)
	}
}

var _ deliverer = (*streamDeliverer[kafka.ConsumerRecord])(nil)

func plainConvert(_ context.Context, _ *ClientOwner, rec kafka.ConsumerRecord) (kafka.ConsumerRecord, bool, error) {
	return rec, true, nil
}

func committableConvert(disp *commitDispatcher) func(context.Context, *ClientOwner, kafka.ConsumerRecord) (CommittableMessage, bool, error) {
	return func(_ context.Context, _ *ClientOwner, rec kafka.ConsumerRecord) (CommittableMessage, bool, error) {
		return CommittableMessage{
			Record: rec,
			Offset: newCommittableOffset(disp, rec),
		}, true, nil
	}
}

// atMostOnceConvert commits the record's position before it is emitted, so
// a crash after emission cannot replay it. Records whose partition was lost
// between poll and commit are dropped rather than emitted uncommitted.
func atMostOnceConvert(ctx context.Context, o *ClientOwner, rec kafka.ConsumerRecord) (kafka.ConsumerRecord, bool, error) {
	err := o.commitGuarded(ctx, map[kafka.TopicPartition]kafka.Offset{
		rec.TopicPartition(): {LeaderEpoch: rec.LeaderEpoch, Offset: rec.Offset + 1},
	})
	if err != nil {
		if _, ok := kafka.AsStaleCommitError(err); ok {
			return kafka.ConsumerRecord{}, false, nil
		}
		return kafka.ConsumerRecord{}, false, err
	}

	return rec, true, nil
}

func materialize[T any](sub Subscription, d *streamDeliverer[T], o *ClientOwner, cfg coordinatorConfig) (*Stream[T], error) {
	if err := o.attach(sub, d, cfg); err != nil {
		o.release(err)
		return nil, err
	}

	return &Stream[T]{
		messages: d.out,
		control:  &Control{o: o},
	}, nil
}

// PlainSource emits raw records without committable offsets. Pair it with
// auto-commit (WithAutoCommit) or external offset storage.
func PlainSource(settings *Settings, sub Subscription) (*Stream[kafka.ConsumerRecord], error) {
	o, err := newOwnerFromSettings(settings)
	if err != nil {
		return nil, err
	}

	d := newStreamDeliverer(settings.BufferSize, plainConvert)

	return materialize(sub, d, o, coordinatorConfig{})
}

// CommittableSource emits records paired with committable offsets for
// at-least-once processing.
func CommittableSource(settings *Settings, sub Subscription) (*Stream[CommittableMessage], error) {
	o, err := newOwnerFromSettings(settings)
	if err != nil {
		return nil, err
	}

	disp := &commitDispatcher{o: o}
	d := newStreamDeliverer(settings.BufferSize, committableConvert(disp))

	return materialize(sub, d, o, coordinatorConfig{})
}

// AtMostOnceSource commits each record before emitting it.
func AtMostOnceSource(settings *Settings, sub Subscription) (*Stream[kafka.ConsumerRecord], error) {
	o, err := newOwnerFromSettings(settings)
	if err != nil {
		return nil, err
	}

	d := newStreamDeliverer(settings.BufferSize, atMostOnceConvert)

	return materialize(sub, d, o, coordinatorConfig{})
}

// PlainManualOffsetSource consults getOffsets for starting positions on
// every assignment instead of committed offsets, for offsets kept outside
// Kafka. onRevoke, when non-nil, observes revocations so external storage
// can fence writes.
func PlainManualOffsetSource(settings *Settings, sub Subscription, getOffsets GetOffsetsOnAssign, onRevoke RevokeHook) (*Stream[kafka.ConsumerRecord], error) {
	o, err := newOwnerFromSettings(settings)
	if err != nil {
		return nil, err
	}

	d := newStreamDeliverer(settings.BufferSize, plainConvert)

	return materialize(sub, d, o, coordinatorConfig{resolver: getOffsets, revokeHook: onRevoke})
}

// PlainExternalSource consumes through an owner created by the caller with
// NewClientOwner, sharing its physical client. Shutting the stream down
// releases only this source's reference; the creator's reference keeps the
// client open.
func PlainExternalSource(owner *ClientOwner, sub Subscription) (*Stream[kafka.ConsumerRecord], error) {
	owner.retain()

	d := newStreamDeliverer(owner.settings.BufferSize, plainConvert)

	return materialize(sub, d, owner, coordinatorConfig{})
}
