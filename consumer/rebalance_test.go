//go:build unit

package consumer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/techmoksha/alpakka-kafka/kafka"
	mockkafka "github.com/techmoksha/alpakka-kafka/kafka/mock"
)

type recordingListener struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingListener) OnRevoke(partitions []kafka.TopicPartition) {
	r.record("revoke", partitions)
}

func (r *recordingListener) OnAssign(partitions []kafka.TopicPartition) {
	r.record("assign", partitions)
}

func (r *recordingListener) record(kind string, partitions []kafka.TopicPartition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, tp := range partitions {
		r.events = append(r.events, kind+" "+tp.String())
	}
}

func (r *recordingListener) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.events...)
}

func TestListenerSeesRevokeBeforeAssign(t *testing.T) {
	mc := mockkafka.NewClient()
	mc.AddRecords("orders", 0, mockkafka.NumberedRecords(0, 4)...)

	listener := &recordingListener{}
	stream, err := CommittableSource(
		newTestSettings(mc),
		Topics("orders").WithRebalanceListener(listener),
	)
	require.NoError(t, err)

	receive(t, stream.Messages())

	p0 := kafka.TopicPartition{Topic: "orders", Partition: 0}
	p1 := kafka.TopicPartition{Topic: "orders", Partition: 1}
	mc.TriggerRebalance([]kafka.TopicPartition{p0}, []kafka.TopicPartition{p1})

	require.Eventually(t, func() bool {
		return len(listener.snapshot()) == 3
	}, 5*time.Second, 5*time.Millisecond)

	require.Equal(t, []string{
		"assign " + p0.String(),
		"revoke " + p0.String(),
		"assign " + p1.String(),
	}, listener.snapshot())

	require.NoError(t, stream.Control().Shutdown(context.Background()))
}

func TestRevokeFlushCommitsWhilePartitionStillOwned(t *testing.T) {
	mc := mockkafka.NewClient()
	mc.AddRecords("orders", 0, mockkafka.NumberedRecords(0, 4)...)

	stream, err := CommittableSource(newTestSettings(mc), Topics("orders"))
	require.NoError(t, err)

	msg := receive(t, stream.Messages())
	tp := msg.Record.TopicPartition()

	type flushResult struct {
		revoked []kafka.TopicPartition
		err     error
	}

	flushed := make(chan flushResult, 1)
	stream.Control().RegisterRevokeFlush(func(ctx context.Context, revoked []kafka.TopicPartition, commit CommitFunc) {
		flushed <- flushResult{revoked: revoked, err: commit(ctx, msg.Offset.Offsets())}
	})

	mc.TriggerRevoke(tp)

	// the flushed commit lands before ownership is released
	result := receive(t, flushed)
	require.Equal(t, []kafka.TopicPartition{tp}, result.revoked)
	require.NoError(t, result.err)
	mc.AssertCommitted(t, tp, 1)

	// while a commit attempted after the revoke is rejected as stale
	err = msg.Offset.Commit(context.Background())
	_, ok := kafka.AsStaleCommitError(err)
	require.True(t, ok)

	require.NoError(t, stream.Control().Shutdown(context.Background()))
}

func TestWatermarkSurvivesRevokeReassign(t *testing.T) {
	mc := mockkafka.NewClient()
	mc.AddRecords("orders", 0, mockkafka.NumberedRecords(0, 9)...)

	listener := &recordingListener{}
	stream, err := CommittableSource(
		newTestSettings(mc),
		Topics("orders").WithRebalanceListener(listener),
	)
	require.NoError(t, err)

	var msgs []CommittableMessage
	for i := 0; i < 5; i++ {
		msgs = append(msgs, receive(t, stream.Messages()))
	}

	tp := kafka.TopicPartition{Topic: "orders", Partition: 0}
	require.NoError(t, msgs[4].Offset.Commit(context.Background()))
	mc.AssertCommitted(t, tp, 5)

	// the group takes the partition away and hands it straight back
	mc.TriggerRebalance([]kafka.TopicPartition{tp}, []kafka.TopicPartition{tp})
	require.Eventually(t, func() bool {
		return len(listener.snapshot()) == 3
	}, 5*time.Second, 5*time.Millisecond)

	// a straggler commit from before the rebalance must not move the
	// broker-visible position backwards
	require.NoError(t, msgs[1].Offset.Commit(context.Background()))
	require.Len(t, mc.CommitCalls(), 1)
	mc.AssertCommitted(t, tp, 5)
	mc.AssertNonRegressiveCommits(t, tp)

	require.NoError(t, stream.Control().Shutdown(context.Background()))
}

func TestQueuedCommitsFlushedDuringRevoke(t *testing.T) {
	mc := mockkafka.NewClient()
	mc.AddRecords("orders", 0, mockkafka.NumberedRecords(0, 4)...)

	// slow the poll loop down so a queued commit is still pending when the
	// revoke is processed
	stream, err := CommittableSource(newTestSettings(mc, WithPollInterval(20*time.Millisecond)), Topics("orders"))
	require.NoError(t, err)

	msg := receive(t, stream.Messages())
	tp := msg.Record.TopicPartition()

	commitErr := make(chan error, 1)
	go func() {
		commitErr <- msg.Offset.Commit(context.Background())
	}()

	mc.TriggerRevoke(tp)

	require.NoError(t, receive(t, commitErr))
	mc.AssertCommitted(t, tp, 1)

	require.NoError(t, stream.Control().Shutdown(context.Background()))
}

func TestControlMetricsAndAssignment(t *testing.T) {
	mc := mockkafka.NewClient()
	mc.AddRecords("orders", 0, mockkafka.NumberedRecords(0, 4)...)

	stream, err := CommittableSource(newTestSettings(mc), Topics("orders"))
	require.NoError(t, err)

	receive(t, stream.Messages())

	tp := kafka.TopicPartition{Topic: "orders", Partition: 0}
	require.Eventually(t, func() bool {
		assignment, err := stream.Control().Assignment(context.Background())
		return err == nil && len(assignment) == 1 && assignment[0] == tp
	}, 5*time.Second, 5*time.Millisecond)

	metrics, err := stream.Control().Metrics(context.Background())
	require.NoError(t, err)
	require.Greater(t, metrics["poll-count"], int64(0))

	require.NoError(t, stream.Control().Shutdown(context.Background()))
}
