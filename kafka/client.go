package kafka

import (
	"context"
)

// Client is a single physical broker connection. Implementations are NOT
// safe for concurrent use; callers must serialize access (see
// consumer.ClientOwner).
type Client interface {
	Producer
	Consumer

	Ping(ctx context.Context) error
	Metrics(ctx context.Context) (map[string]int64, error)
	Close()
}

type Producer interface {
	Send(ctx context.Context, record ProducerRecord) (RecordMetadata, error)
	SendAsync(ctx context.Context, record ProducerRecord, promise func(RecordMetadata, error))
	Flush(ctx context.Context) error
	Close()
}

type Consumer interface {
	// Subscribe joins the consumer group for the given topics. The rebalance
	// callback is invoked on the goroutine calling Poll, see RebalanceCallback.
	Subscribe(topics []string, rebalanceCb RebalanceCallback) error

	// Assign consumes an explicit partition set, bypassing group rebalancing.
	Assign(partitions []TopicPartition) error

	Poll(ctx context.Context, maxRecords int) ([]ConsumerRecord, error)

	// CommitOffsets durably records the given positions. Offsets hold the
	// next offset to read. The call does not guard against regression; that
	// is the caller's job.
	CommitOffsets(ctx context.Context, offsets map[TopicPartition]Offset) error

	// Committed fetches the group's committed positions for the partitions.
	Committed(ctx context.Context, partitions []TopicPartition) (map[TopicPartition]Offset, error)

	// Seek moves the fetch position for an assigned partition.
	Seek(partition TopicPartition, offset int64)

	PausePartitions(partitions ...TopicPartition)
	ResumePartitions(partitions ...TopicPartition)

	// BeginningOffsets and EndOffsets query the log boundaries.
	BeginningOffsets(ctx context.Context, partitions []TopicPartition) (map[TopicPartition]int64, error)
	EndOffsets(ctx context.Context, partitions []TopicPartition) (map[TopicPartition]int64, error)

	Close()
}

// RebalanceCallback receives group rebalance notifications. Implementations
// of Client invoke these on the goroutine that called Poll, from inside the
// Poll call itself, never concurrently with any other client operation. For
// a rebalance round the revoked callback always precedes the assigned
// callback.
type RebalanceCallback interface {
	OnAssigned(ctx context.Context, partitions []TopicPartition)
	OnRevoked(ctx context.Context, partitions []TopicPartition)
}
