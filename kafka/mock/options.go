package mockkafka

import (
	"time"

	"github.com/techmoksha/alpakka-kafka/kafka"
)

// Option is a functional option for configuring a mock Client.
type Option func(*Client)

// WithPollDelay adds an artificial delay to Poll calls.
func WithPollDelay(d time.Duration) Option {
	return func(c *Client) {
		c.pollDelay = d
	}
}

// WithLoopback routes produced records into the consumable record queues,
// so a consumer subscribed to the target topic sees them.
func WithLoopback() Option {
	return func(c *Client) {
		c.loopback = true
	}
}

// WithCommittedOffsets seeds the group's committed positions, as if a
// previous consumer incarnation had committed them. Assigned partitions
// resume from these offsets.
func WithCommittedOffsets(offsets map[kafka.TopicPartition]kafka.Offset) Option {
	return func(c *Client) {
		for tp, offset := range offsets {
			c.committedOffsets[tp] = offset
		}
	}
}

// WithHeldAcks holds SendAsync promises until ReleaseAcks is called.
func WithHeldAcks() Option {
	return func(c *Client) {
		c.holdAcks = true
	}
}

// WithSendError configures an error to be returned by all sends.
func WithSendError(err error) Option {
	return func(c *Client) {
		c.sendErr = func(kafka.ProducerRecord) error { return err }
	}
}

// WithPollError configures an error to be returned by all Poll calls.
func WithPollError(err error) Option {
	return func(c *Client) {
		c.pollErr = func() error { return err }
	}
}

// WithCommitError configures an error to be returned by all commit calls.
func WithCommitError(err error) Option {
	return func(c *Client) {
		c.commitErr = func() error { return err }
	}
}

// WithPingError configures an error to be returned by Ping.
func WithPingError(err error) Option {
	return func(c *Client) {
		c.pingErr = err
	}
}
