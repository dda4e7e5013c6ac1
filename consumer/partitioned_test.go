//go:build unit

package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/techmoksha/alpakka-kafka/kafka"
	mockkafka "github.com/techmoksha/alpakka-kafka/kafka/mock"
)

func TestPartitionedSourceRoutesPerPartition(t *testing.T) {
	mc := mockkafka.NewClient()
	mc.AddRecords("events", 0, mockkafka.NumberedRecords(0, 4)...)
	mc.AddRecords("events", 1, mockkafka.NumberedRecords(0, 4)...)

	stream, err := PlainPartitionedSource(newTestSettings(mc), Topics("events"))
	require.NoError(t, err)

	seen := make(map[int32]bool)
	for i := 0; i < 2; i++ {
		ps := receive(t, stream.Messages())
		tp := ps.TopicPartition()
		require.False(t, seen[tp.Partition], "each partition surfaces exactly one sub-stream")
		seen[tp.Partition] = true

		for offset := 0; offset < 5; offset++ {
			rec := receive(t, ps.Messages())
			require.Equal(t, tp, rec.TopicPartition())
			require.Equal(t, int64(offset), rec.Offset)
		}
	}

	require.NoError(t, stream.Control().Shutdown(context.Background()))
}

func TestPartitionedBackpressurePausesAndResumes(t *testing.T) {
	mc := mockkafka.NewClient()
	mc.AddRecords("events", 0, mockkafka.NumberedRecords(0, 9)...)

	stream, err := PlainPartitionedSource(
		newTestSettings(mc, WithPartitionBufferSize(2)),
		Topics("events"),
	)
	require.NoError(t, err)

	ps := receive(t, stream.Messages())
	tp := ps.TopicPartition()

	// with nobody draining the sub-stream the partition gets paused
	require.Eventually(t, func() bool {
		paused := mc.PausedPartitions()
		return len(paused) == 1 && paused[0] == tp
	}, 5*time.Second, 5*time.Millisecond)

	// draining resumes it; every record arrives exactly once, in order
	for i := 0; i < 10; i++ {
		rec := receive(t, ps.Messages())
		require.Equal(t, int64(i), rec.Offset)
	}

	require.Eventually(t, func() bool {
		return len(mc.PausedPartitions()) == 0
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, stream.Control().Shutdown(context.Background()))
}

func TestPartitionedRevokeCompletesSubStream(t *testing.T) {
	mc := mockkafka.NewClient()
	mc.AddRecords("events", 0, mockkafka.NumberedRecords(0, 2)...)

	stream, err := PlainPartitionedSource(newTestSettings(mc), Topics("events"))
	require.NoError(t, err)

	ps := receive(t, stream.Messages())

	for i := 0; i < 3; i++ {
		receive(t, ps.Messages())
	}

	mc.TriggerRevoke(ps.TopicPartition())
	expectClosed(t, ps.Messages())

	require.NoError(t, stream.Control().Shutdown(context.Background()))
}

func TestPartitionedRebalanceSurfacesNewSubStream(t *testing.T) {
	mc := mockkafka.NewClient()
	mc.AddRecords("events", 0, mockkafka.NumberedRecords(0, 2)...)

	stream, err := PlainPartitionedSource(newTestSettings(mc), Topics("events"))
	require.NoError(t, err)

	first := receive(t, stream.Messages())
	require.Equal(t, int32(0), first.TopicPartition().Partition)

	p1 := kafka.TopicPartition{Topic: "events", Partition: 1}
	mc.AddRecords(p1.Topic, p1.Partition, mockkafka.NumberedRecords(0, 2)...)

	second := receive(t, stream.Messages())
	require.Equal(t, p1, second.TopicPartition())

	for i := 0; i < 3; i++ {
		rec := receive(t, second.Messages())
		require.Equal(t, int64(i), rec.Offset)
	}

	require.NoError(t, stream.Control().Shutdown(context.Background()))
}

func TestPartitionedShutdownCompletesEverything(t *testing.T) {
	mc := mockkafka.NewClient()
	mc.AddRecords("events", 0, mockkafka.NumberedRecords(0, 2)...)

	stream, err := PlainPartitionedSource(newTestSettings(mc), Topics("events"))
	require.NoError(t, err)

	ps := receive(t, stream.Messages())

	require.NoError(t, stream.Control().Shutdown(context.Background()))

	expectClosed(t, ps.Messages())
	expectClosed(t, stream.Messages())
	require.True(t, mc.IsClosed())
}

func TestCommittablePartitionedSourceCommits(t *testing.T) {
	mc := mockkafka.NewClient()
	mc.AddRecords("events", 0, mockkafka.NumberedRecords(0, 4)...)

	stream, err := CommittablePartitionedSource(newTestSettings(mc), Topics("events"))
	require.NoError(t, err)

	ps := receive(t, stream.Messages())

	var last CommittableMessage
	for i := 0; i < 5; i++ {
		last = receive(t, ps.Messages())
	}

	require.NoError(t, last.Offset.Commit(context.Background()))
	mc.AssertCommitted(t, ps.TopicPartition(), 5)

	require.NoError(t, stream.Control().Shutdown(context.Background()))
}
