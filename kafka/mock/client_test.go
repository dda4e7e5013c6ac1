//go:build unit

package mockkafka

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/techmoksha/alpakka-kafka/kafka"
)

type callbackRecorder struct {
	events []string
}

func (r *callbackRecorder) OnAssigned(_ context.Context, partitions []kafka.TopicPartition) {
	for _, tp := range partitions {
		r.events = append(r.events, "assign "+tp.String())
	}
}

func (r *callbackRecorder) OnRevoked(_ context.Context, partitions []kafka.TopicPartition) {
	for _, tp := range partitions {
		r.events = append(r.events, "revoke "+tp.String())
	}
}

func TestRebalanceEventsDeliverOnPoll(t *testing.T) {
	c := NewClient()
	c.AddRecords("orders", 0, NumberedRecords(0, 2)...)

	recorder := &callbackRecorder{}
	require.NoError(t, c.Subscribe([]string{"orders"}, recorder))

	// nothing fires until the next poll
	require.Empty(t, recorder.events)

	records, err := c.Poll(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 3)

	p0 := kafka.TopicPartition{Topic: "orders", Partition: 0}
	require.Equal(t, []string{"assign " + p0.String()}, recorder.events)

	p1 := kafka.TopicPartition{Topic: "orders", Partition: 1}
	c.TriggerRebalance([]kafka.TopicPartition{p0}, []kafka.TopicPartition{p1})

	_, err = c.Poll(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, []string{
		"assign " + p0.String(),
		"revoke " + p0.String(),
		"assign " + p1.String(),
	}, recorder.events)
}

func TestAssignedPartitionResumesFromCommitted(t *testing.T) {
	c := NewClient()
	c.AddRecords("orders", 0, NumberedRecords(0, 4)...)

	tp := kafka.TopicPartition{Topic: "orders", Partition: 0}
	require.NoError(t, c.CommitOffsets(context.Background(), map[kafka.TopicPartition]kafka.Offset{
		tp: {Offset: 3},
	}))

	require.NoError(t, c.Subscribe([]string{"orders"}, nil))

	records, err := c.Poll(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, int64(3), records[0].Offset)
}

func TestPausedPartitionsAreSkipped(t *testing.T) {
	c := NewClient()
	c.AddRecords("orders", 0, NumberedRecords(0, 4)...)

	tp := kafka.TopicPartition{Topic: "orders", Partition: 0}
	require.NoError(t, c.Assign([]kafka.TopicPartition{tp}))

	c.PausePartitions(tp)
	records, err := c.Poll(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, records)

	c.ResumePartitions(tp)
	records, err = c.Poll(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 5)
}
