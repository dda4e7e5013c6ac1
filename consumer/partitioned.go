package consumer

import (
	"context"
	"time"

	"github.com/techmoksha/alpakka-kafka/kafka"
)

// PartitionStream is the per-partition sub-stream emitted by partitioned
// sources. Its message channel closes when the partition is revoked or the
// source completes.
type PartitionStream[T any] struct {
	tp       kafka.TopicPartition
	messages chan T
	closed   bool
}

func (p *PartitionStream[T]) TopicPartition() kafka.TopicPartition {
	return p.tp
}

func (p *PartitionStream[T]) Messages() <-chan T {
	return p.messages
}

// partitionedDeliverer fans records out to per-partition channels. A full
// sub-channel pauses its partition and rewinds the fetch position to the
// undelivered record, so backpressure is pushed to the broker instead of
// buffering unboundedly.
type partitionedDeliverer[T any] struct {
	top       chan *PartitionStream[T]
	subs      map[kafka.TopicPartition]*PartitionStream[T]
	paused    map[kafka.TopicPartition]bool
	subSize   int
	convert   func(ctx context.Context, o *ClientOwner, rec kafka.ConsumerRecord) (T, bool, error)
	completed bool
}

func newPartitionedDeliverer[T any](topSize, subSize int, convert func(ctx context.Context, o *ClientOwner, rec kafka.ConsumerRecord) (T, bool, error)) *partitionedDeliverer[T] {
	return &partitionedDeliverer[T]{
		top:     make(chan *PartitionStream[T], topSize),
		subs:    make(map[kafka.TopicPartition]*PartitionStream[T]),
		paused:  make(map[kafka.TopicPartition]bool),
		subSize: subSize,
		convert: convert,
	}
}

func (d *partitionedDeliverer[T]) hasDemand() bool {
	if len(d.subs) == 0 {
		// polling drives the group protocol, keep it alive until the
		// first assignment arrives
		return true
	}

	for tp, ps := range d.subs {
		if !d.paused[tp] && len(ps.messages) < cap(ps.messages) {
			return true
		}
	}

	return false
}

func (d *partitionedDeliverer[T]) deliver(ctx context.Context, o *ClientOwner, records []kafka.ConsumerRecord) error {
	skip := make(map[kafka.TopicPartition]bool)

	for _, rec := range records {
		tp := rec.TopicPartition()
		if skip[tp] {
			continue
		}

		ps, ok := d.subs[tp]
		if !ok {
			// revoked between poll and delivery
			continue
		}

		msg, emit, err := d.convert(ctx, o, rec)
		if err != nil {
			o.fail(err)
			return err
		}
		if !emit {
			continue
		}

		select {
		case ps.messages <- msg:
		default:
			// no room downstream: pause the partition and rewind to this
			// record so nothing polled is dropped
			o.client.PausePartitions(tp)
			o.client.Seek(tp, rec.Offset)
			d.paused[tp] = true
			skip[tp] = true
		}
	}

	return nil
}

func (d *partitionedDeliverer[T]) partitionsAssigned(ctx context.Context, o *ClientOwner, partitions []kafka.TopicPartition) {
	for _, tp := range partitions {
		if _, ok := d.subs[tp]; ok {
			continue
		}

		ps := &PartitionStream[T]{
			tp:       tp,
			messages: make(chan T, d.subSize),
		}
		d.subs[tp] = ps

		for sent := false; !sent; {
			select {
			case d.top <- ps:
				sent = true
			case op := <-o.ops:
				op(ctx)
			case <-ctx.Done():
				return
			}
		}
	}
}

func (d *partitionedDeliverer[T]) partitionsRevoked(ctx context.Context, o *ClientOwner, partitions []kafka.TopicPartition) {
	deadline := time.Now().Add(o.settings.WaitClosePartition)

	for _, tp := range partitions {
		ps, ok := d.subs[tp]
		if !ok {
			continue
		}

		// give the sub-stream consumer a short window to drain buffered
		// records before the channel closes under it
		for len(ps.messages) > 0 && time.Now().Before(deadline) && ctx.Err() == nil {
			select {
			case op := <-o.ops:
				op(ctx)
			case <-time.After(5 * time.Millisecond):
			case <-ctx.Done():
			}
		}

		d.closeSub(ps)
		delete(d.subs, tp)
		delete(d.paused, tp)
	}
}

func (d *partitionedDeliverer[T]) maintain(o *ClientOwner) {
	var resume []kafka.TopicPartition
	for tp := range d.paused {
		if ps, ok := d.subs[tp]; ok && len(ps.messages) < cap(ps.messages) {
			resume = append(resume, tp)
		}
	}

	if len(resume) == 0 {
		return
	}

	o.client.ResumePartitions(resume...)
	for _, tp := range resume {
		delete(d.paused, tp)
	}
}

func (d *partitionedDeliverer[T]) complete() {
	if d.completed {
		return
	}
	d.completed = true

	for _, ps := range d.subs {
		d.closeSub(ps)
	}
	close(d.top)
}

func (d *partitionedDeliverer[T]) closeSub(ps *PartitionStream[T]) {
	if !ps.closed {
		ps.closed = true
		close(ps.messages)
	}
}

var _ deliverer = (*partitionedDeliverer[kafka.ConsumerRecord])(nil)

func materializePartitioned[T any](sub Subscription, d *partitionedDeliverer[T], o *ClientOwner) (*Stream[*PartitionStream[T]], error) {
	if err := o.attach(sub, d, coordinatorConfig{}); err != nil {
		o.release(err)
		return nil, err
	}

	return &Stream[*PartitionStream[T]]{
		messages: d.top,
		control:  &Control{o: o},
	}, nil
}

// PlainPartitionedSource emits one sub-stream per assigned partition.
// Revoking a partition completes its sub-stream after a bounded drain.
func PlainPartitionedSource(settings *Settings, sub Subscription) (*Stream[*PartitionStream[kafka.ConsumerRecord]], error) {
	o, err := newOwnerFromSettings(settings)
	if err != nil {
		return nil, err
	}

	d := newPartitionedDeliverer(settings.BufferSize, settings.PartitionBufferSize, plainConvert)

	return materializePartitioned(sub, d, o)
}

// CommittablePartitionedSource is PlainPartitionedSource with committable
// offsets on each record.
func CommittablePartitionedSource(settings *Settings, sub Subscription) (*Stream[*PartitionStream[CommittableMessage]], error) {
	o, err := newOwnerFromSettings(settings)
	if err != nil {
		return nil, err
	}

	disp := &commitDispatcher{o: o}
	d := newPartitionedDeliverer(settings.BufferSize, settings.PartitionBufferSize, committableConvert(disp))

	return materializePartitioned(sub, d, o)
}
