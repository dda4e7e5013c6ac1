package consumer

import (
	"context"

	"github.com/techmoksha/alpakka-kafka/kafka"
)

// RebalanceListener receives partition set changes for a subscription.
// Callbacks run on the polling goroutine; revoke notifications for a
// rebalance round always precede the round's assign notification.
type RebalanceListener interface {
	OnRevoke(partitions []kafka.TopicPartition)
	OnAssign(partitions []kafka.TopicPartition)
}

// GetOffsetsOnAssign resolves starting offsets for newly assigned
// partitions. Invoked exactly once per assignment round. Partitions absent
// from the returned map resume from the last committed offset.
type GetOffsetsOnAssign func(ctx context.Context, partitions []kafka.TopicPartition) (map[kafka.TopicPartition]int64, error)

// RevokeHook is notified once per revoke round, fire-and-forget.
type RevokeHook func(partitions []kafka.TopicPartition)

// Subscription is either a topic set (broker assigns partitions via the
// group protocol) or an explicit partition assignment. Immutable; the With
// methods return copies.
type Subscription struct {
	topics     []string
	partitions []kafka.TopicPartition
	listener   RebalanceListener
}

// Topics subscribes to the given topics with group-managed partitions.
func Topics(topics ...string) Subscription {
	return Subscription{topics: topics}
}

// Assignment consumes an explicit partition set with no rebalancing.
func Assignment(partitions ...kafka.TopicPartition) Subscription {
	return Subscription{partitions: partitions}
}

func (s Subscription) WithRebalanceListener(l RebalanceListener) Subscription {
	s.listener = l
	return s
}

func (s Subscription) IsAssignment() bool {
	return len(s.partitions) > 0
}

func (s Subscription) TopicNames() []string {
	return s.topics
}

func (s Subscription) Partitions() []kafka.TopicPartition {
	return s.partitions
}

func (s Subscription) Listener() RebalanceListener {
	return s.listener
}
