package mockkafka

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/techmoksha/alpakka-kafka/kafka"
)

// AssertProducedCount verifies that exactly n records were produced.
func (c *Client) AssertProducedCount(tb testing.TB, expected int) {
	tb.Helper()

	actual := len(c.ProducedRecords())
	require.Equal(tb, expected, actual, "expected %d records, got %d", expected, actual)
}

// AssertProducedCountForTopic verifies that exactly n records were produced to a topic.
func (c *Client) AssertProducedCountForTopic(tb testing.TB, topic string, expected int) {
	tb.Helper()

	actual := len(c.ProducedRecordsForTopic(topic))
	require.Equal(tb, expected, actual, "expected %d records produced to topic %q, got %d", expected, topic, actual)
}

// AssertProduced verifies that a record with the given key and value was produced to the topic.
func (c *Client) AssertProduced(tb testing.TB, topic string, key, value []byte) {
	tb.Helper()

	records := c.ProducedRecordsForTopic(topic)
	for _, r := range records {
		if bytes.Equal(r.Key, key) && bytes.Equal(r.Value, value) {
			return
		}
	}

	tb.Errorf(
		"expected record with key=%q value=%q to be produced to topic %q, but it was not found",
		string(key), string(value), topic,
	)
}

// AssertProducedString is a convenience method for string keys and values.
func (c *Client) AssertProducedString(tb testing.TB, topic, key, value string) {
	tb.Helper()
	c.AssertProduced(tb, topic, []byte(key), []byte(value))
}

// AssertNotProduced verifies that no record with the given key was produced to the topic.
func (c *Client) AssertNotProduced(tb testing.TB, topic string, key []byte) {
	tb.Helper()

	records := c.ProducedRecordsForTopic(topic)
	for _, r := range records {
		if bytes.Equal(r.Key, key) {
			tb.Errorf(
				"expected no record with key=%q to be produced to topic %q, but found value=%q",
				string(key), topic, string(r.Value),
			)
			return
		}
	}
}

// AssertCommitted verifies the committed next-to-read offset for a partition.
func (c *Client) AssertCommitted(tb testing.TB, tp kafka.TopicPartition, offset int64) {
	tb.Helper()

	committed, ok := c.CommittedOffset(tp)
	require.True(tb, ok, "expected a committed offset for %s", tp)
	require.Equal(tb, offset, committed.Offset, "committed offset for %s", tp)
}

// AssertNothingCommitted verifies that no offset was committed for a partition.
func (c *Client) AssertNothingCommitted(tb testing.TB, tp kafka.TopicPartition) {
	tb.Helper()

	committed, ok := c.CommittedOffset(tp)
	if ok {
		tb.Errorf("expected no committed offset for %s, found %d", tp, committed.Offset)
	}
}

// AssertNonRegressiveCommits verifies commits for a partition never moved
// the committed offset backwards.
func (c *Client) AssertNonRegressiveCommits(tb testing.TB, tp kafka.TopicPartition) {
	tb.Helper()

	last := int64(-1)
	for i, call := range c.CommitCalls() {
		offset, ok := call[tp]
		if !ok {
			continue
		}
		if offset.Offset < last {
			tb.Errorf("commit %d regressed offset for %s: %d after %d", i, tp, offset.Offset, last)
			return
		}
		last = offset.Offset
	}
}
