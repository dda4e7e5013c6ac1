//go:build unit

package consumer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/techmoksha/alpakka-kafka/kafka"
)

func testOffset(disp *commitDispatcher, topic string, partition int32, offset int64) CommittableOffset {
	return CommittableOffset{
		partition: kafka.TopicPartition{Topic: topic, Partition: partition},
		offset:    offset,
		disp:      disp,
	}
}

func TestBatchKeepsHighestOffsetPerPartition(t *testing.T) {
	disp := &commitDispatcher{}
	batch := NewBatch()

	require.NoError(t, batch.Updated(testOffset(disp, "orders", 0, 5)))
	require.NoError(t, batch.Updated(testOffset(disp, "orders", 0, 3)))
	require.NoError(t, batch.Updated(testOffset(disp, "orders", 1, 7)))

	offsets := batch.Offsets()
	require.Len(t, offsets, 2)
	require.Equal(t, int64(5), offsets[kafka.TopicPartition{Topic: "orders", Partition: 0}].Offset)
	require.Equal(t, int64(7), offsets[kafka.TopicPartition{Topic: "orders", Partition: 1}].Offset)
}

func TestBatchMergeIsIdempotent(t *testing.T) {
	disp := &commitDispatcher{}
	a := BatchOf(testOffset(disp, "orders", 0, 5))
	b := BatchOf(testOffset(disp, "orders", 0, 5))

	require.NoError(t, a.Merge(b))
	require.NoError(t, a.Merge(b))

	require.Equal(t, 1, a.Size())
	require.Equal(t, int64(5), a.Offsets()[kafka.TopicPartition{Topic: "orders", Partition: 0}].Offset)
}

func TestBatchRejectsMixedSources(t *testing.T) {
	batch := NewBatch()

	require.NoError(t, batch.Updated(testOffset(&commitDispatcher{}, "orders", 0, 1)))

	err := batch.Updated(testOffset(&commitDispatcher{}, "orders", 1, 1))
	require.ErrorIs(t, err, ErrMixedSources)
}

func TestBatchSealedAfterCommit(t *testing.T) {
	disp := &commitDispatcher{}
	batch := NewBatch()

	// an empty batch commit is a no-op and needs no live client
	require.NoError(t, batch.Commit(context.Background()))

	require.ErrorIs(t, batch.Updated(testOffset(disp, "orders", 0, 1)), ErrBatchSealed)
	require.ErrorIs(t, batch.Commit(context.Background()), ErrBatchSealed)
}

func TestBatchOfSeedsBatch(t *testing.T) {
	disp := &commitDispatcher{}
	batch := BatchOf(testOffset(disp, "orders", 2, 9))

	require.Equal(t, 1, batch.Size())
	require.False(t, batch.IsEmpty())
	require.Equal(t, int64(9), batch.Offsets()[kafka.TopicPartition{Topic: "orders", Partition: 2}].Offset)
}
