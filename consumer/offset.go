package consumer

import (
	"context"
	"errors"
	"sync"

	"github.com/techmoksha/alpakka-kafka/kafka"
)

var (
	// ErrBatchSealed is returned when updating or re-committing a batch that
	// has already been committed.
	ErrBatchSealed = errors.New("offset batch already committed")

	// ErrMixedSources is returned when offsets from different sources are
	// merged into one batch.
	ErrMixedSources = errors.New("offset batch cannot mix offsets from different sources")
)

// Committable is consumption progress that can be durably recorded:
// a single CommittableOffset or a CommittableOffsetBatch.
type Committable interface {
	// Commit records the progress. Committing at or below an already
	// committed position is a no-op.
	Commit(ctx context.Context) error

	// Offsets returns the next-to-read positions this committable covers.
	Offsets() map[kafka.TopicPartition]kafka.Offset

	source() *commitDispatcher
}

var _ Committable = CommittableOffset{}
var _ Committable = (*CommittableOffsetBatch)(nil)

// CommittableOffset is the commit handle for one consumed record. It holds
// the next offset to read for its partition. Values are immutable and safe
// to share.
type CommittableOffset struct {
	partition   kafka.TopicPartition
	offset      int64
	leaderEpoch int32
	metadata    string
	disp        *commitDispatcher
}

func newCommittableOffset(disp *commitDispatcher, rec kafka.ConsumerRecord) CommittableOffset {
	return CommittableOffset{
		partition:   rec.TopicPartition(),
		offset:      rec.Offset + 1,
		leaderEpoch: rec.LeaderEpoch,
		disp:        disp,
	}
}

func (o CommittableOffset) Partition() kafka.TopicPartition {
	return o.partition
}

// Offset is the next offset to read, one past the consumed record.
func (o CommittableOffset) Offset() int64 {
	return o.offset
}

func (o CommittableOffset) Metadata() string {
	return o.metadata
}

func (o CommittableOffset) Offsets() map[kafka.TopicPartition]kafka.Offset {
	return map[kafka.TopicPartition]kafka.Offset{
		o.partition: {Offset: o.offset, LeaderEpoch: o.leaderEpoch},
	}
}

func (o CommittableOffset) Commit(ctx context.Context) error {
	return o.disp.commit(ctx, o.Offsets())
}

func (o CommittableOffset) source() *commitDispatcher {
	return o.disp
}

// CommittableMessage pairs a consumed record with its commit handle.
type CommittableMessage struct {
	Record kafka.ConsumerRecord
	Offset CommittableOffset
}

// CommittableOffsetBatch merges committables across partitions, keeping the
// highest offset per partition. Merging is commutative, associative and
// idempotent. A batch is consumed by Commit exactly once; afterwards it is
// sealed and further updates fail with ErrBatchSealed.
type CommittableOffsetBatch struct {
	mu      sync.Mutex
	offsets map[kafka.TopicPartition]kafka.Offset
	disp    *commitDispatcher
	sealed  bool
}

func NewBatch() *CommittableOffsetBatch {
	return &CommittableOffsetBatch{
		offsets: make(map[kafka.TopicPartition]kafka.Offset),
	}
}

// BatchOf returns a batch seeded with one committable.
func BatchOf(c Committable) *CommittableOffsetBatch {
	b := NewBatch()
	_ = b.Updated(c)
	return b
}

// Updated merges a committable into the batch.
func (b *CommittableOffsetBatch) Updated(c Committable) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sealed {
		return ErrBatchSealed
	}

	if b.disp == nil {
		b.disp = c.source()
	} else if c.source() != nil && c.source() != b.disp {
		return ErrMixedSources
	}

	for tp, offset := range c.Offsets() {
		if current, ok := b.offsets[tp]; !ok || offset.Offset > current.Offset {
			b.offsets[tp] = offset
		}
	}

	return nil
}

// Merge folds another batch into this one.
func (b *CommittableOffsetBatch) Merge(other *CommittableOffsetBatch) error {
	return b.Updated(other)
}

func (b *CommittableOffsetBatch) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.offsets)
}

func (b *CommittableOffsetBatch) IsEmpty() bool {
	return b.Size() == 0
}

func (b *CommittableOffsetBatch) Offsets() map[kafka.TopicPartition]kafka.Offset {
	b.mu.Lock()
	defer b.mu.Unlock()

	offsets := make(map[kafka.TopicPartition]kafka.Offset, len(b.offsets))
	for tp, offset := range b.offsets {
		offsets[tp] = offset
	}
	return offsets
}

// Commit sends the batch as a single commit request and seals the batch.
func (b *CommittableOffsetBatch) Commit(ctx context.Context) error {
	b.mu.Lock()
	if b.sealed {
		b.mu.Unlock()
		return ErrBatchSealed
	}
	b.sealed = true
	offsets := make(map[kafka.TopicPartition]kafka.Offset, len(b.offsets))
	for tp, offset := range b.offsets {
		offsets[tp] = offset
	}
	disp := b.disp
	b.mu.Unlock()

	if len(offsets) == 0 {
		return nil
	}

	return disp.commit(ctx, offsets)
}

func (b *CommittableOffsetBatch) source() *commitDispatcher {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.disp
}
