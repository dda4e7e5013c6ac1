package mockkafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/techmoksha/alpakka-kafka/kafka"
)

var _ kafka.Client = (*Client)(nil)

// ProducedRecord represents a record that was sent via the mock producer.
type ProducedRecord struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   []kafka.Header
}

type rebalanceEvent struct {
	revoked    []kafka.TopicPartition
	assigned   []kafka.TopicPartition
	hasRevoked bool
}

// Client is an in-memory kafka.Client for tests. Rebalance events queued via
// TriggerAssign/TriggerRevoke/TriggerRebalance are delivered at the start of
// the next Poll, on the polling goroutine, mirroring the real client's
// callback contract.
type Client struct {
	mu sync.Mutex

	recordQueues   map[kafka.TopicPartition][]kafka.ConsumerRecord
	queuePositions map[kafka.TopicPartition]int

	producedRecords  []ProducedRecord
	producedOffsets  map[string]int64
	committedOffsets map[kafka.TopicPartition]kafka.Offset
	commitCalls      []map[kafka.TopicPartition]kafka.Offset

	subscriptions []string
	rebalanceCb   kafka.RebalanceCallback
	assigned      map[kafka.TopicPartition]struct{}
	paused        map[kafka.TopicPartition]struct{}
	pendingEvents []rebalanceEvent

	pollDelay time.Duration
	loopback  bool

	holdAcks    bool
	pendingAcks []func()

	sendErr   func(record kafka.ProducerRecord) error
	pollErr   func() error
	commitErr func() error
	pingErr   error

	pollCount  int
	closeCount int
	subscribed bool
	closed     bool
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		recordQueues:     make(map[kafka.TopicPartition][]kafka.ConsumerRecord),
		queuePositions:   make(map[kafka.TopicPartition]int),
		producedOffsets:  make(map[string]int64),
		committedOffsets: make(map[kafka.TopicPartition]kafka.Offset),
		assigned:         make(map[kafka.TopicPartition]struct{}),
		paused:           make(map[kafka.TopicPartition]struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Client) Subscribe(topics []string, rebalanceCb kafka.RebalanceCallback) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.subscribed {
		return fmt.Errorf("already subscribed")
	}

	c.subscriptions = topics
	c.rebalanceCb = rebalanceCb
	c.subscribed = true

	// queue an assignment of every known partition for the subscribed
	// topics, delivered on the first Poll
	var partitions []kafka.TopicPartition
	for tp := range c.recordQueues {
		for _, topic := range topics {
			if tp.Topic == topic {
				partitions = append(partitions, tp)
				break
			}
		}
	}

	if len(partitions) > 0 {
		c.pendingEvents = append(c.pendingEvents, rebalanceEvent{assigned: partitions})
	}

	return nil
}

func (c *Client) Assign(partitions []kafka.TopicPartition) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.subscribed {
		return fmt.Errorf("already subscribed")
	}

	c.subscribed = true
	for _, tp := range partitions {
		c.assigned[tp] = struct{}{}
	}

	return nil
}

// deliverEvents invokes queued rebalance callbacks. Called from Poll with
// the mutex released so callbacks can use the client.
func (c *Client) deliverEvents(ctx context.Context) {
	for {
		c.mu.Lock()
		if len(c.pendingEvents) == 0 {
			c.mu.Unlock()
			return
		}

		event := c.pendingEvents[0]
		c.pendingEvents = c.pendingEvents[1:]
		cb := c.rebalanceCb
		c.mu.Unlock()

		if event.hasRevoked {
			if cb != nil {
				cb.OnRevoked(ctx, event.revoked)
			}

			c.mu.Lock()
			for _, tp := range event.revoked {
				delete(c.assigned, tp)
			}
			c.mu.Unlock()
		}

		if len(event.assigned) > 0 {
			c.mu.Lock()
			for _, tp := range event.assigned {
				c.assigned[tp] = struct{}{}
				// resume from the group's committed position
				if committed, ok := c.committedOffsets[tp]; ok {
					c.seekLocked(tp, committed.Offset)
				}
			}
			c.mu.Unlock()

			if cb != nil {
				cb.OnAssigned(ctx, event.assigned)
			}
		}
	}
}

func (c *Client) Poll(ctx context.Context, maxRecords int) ([]kafka.ConsumerRecord, error) {
	c.deliverEvents(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.pollCount++

	if c.pollDelay > 0 {
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			c.mu.Lock()
			return nil, ctx.Err()
		case <-time.After(c.pollDelay):
		}
		c.mu.Lock()
	}

	if c.pollErr != nil {
		if err := c.pollErr(); err != nil {
			return nil, err
		}
	}

	if maxRecords <= 0 {
		maxRecords = 10
	}

	var records []kafka.ConsumerRecord

	// round robin across assigned partitions
	for len(records) < maxRecords {
		progress := false

		for tp := range c.assigned {
			if _, isPaused := c.paused[tp]; isPaused {
				continue
			}

			queue, exists := c.recordQueues[tp]
			if !exists {
				continue
			}

			pos := c.queuePositions[tp]
			if pos >= len(queue) {
				continue
			}

			records = append(records, queue[pos])
			c.queuePositions[tp]++
			progress = true

			if len(records) >= maxRecords {
				break
			}
		}

		if !progress {
			break
		}
	}

	return records, nil
}

func (c *Client) CommitOffsets(ctx context.Context, offsets map[kafka.TopicPartition]kafka.Offset) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if c.commitErr != nil {
		if err := c.commitErr(); err != nil {
			return err
		}
	}

	call := make(map[kafka.TopicPartition]kafka.Offset, len(offsets))
	for tp, offset := range offsets {
		c.committedOffsets[tp] = offset
		call[tp] = offset
	}
	c.commitCalls = append(c.commitCalls, call)

	return nil
}

func (c *Client) Committed(
	ctx context.Context, partitions []kafka.TopicPartition,
) (map[kafka.TopicPartition]kafka.Offset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	committed := make(map[kafka.TopicPartition]kafka.Offset)
	for _, tp := range partitions {
		if offset, ok := c.committedOffsets[tp]; ok {
			committed[tp] = offset
		}
	}

	return committed, nil
}

func (c *Client) seekLocked(tp kafka.TopicPartition, offset int64) {
	queue := c.recordQueues[tp]
	pos := len(queue)
	for i, record := range queue {
		if record.Offset >= offset {
			pos = i
			break
		}
	}
	c.queuePositions[tp] = pos
}

func (c *Client) Seek(tp kafka.TopicPartition, offset int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seekLocked(tp, offset)
}

func (c *Client) PausePartitions(partitions ...kafka.TopicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, tp := range partitions {
		c.paused[tp] = struct{}{}
	}
}

func (c *Client) ResumePartitions(partitions ...kafka.TopicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, tp := range partitions {
		delete(c.paused, tp)
	}
}

func (c *Client) BeginningOffsets(
	ctx context.Context, partitions []kafka.TopicPartition,
) (map[kafka.TopicPartition]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	offsets := make(map[kafka.TopicPartition]int64)
	for _, tp := range partitions {
		queue := c.recordQueues[tp]
		if len(queue) > 0 {
			offsets[tp] = queue[0].Offset
		} else {
			offsets[tp] = 0
		}
	}

	return offsets, nil
}

func (c *Client) EndOffsets(
	ctx context.Context, partitions []kafka.TopicPartition,
) (map[kafka.TopicPartition]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	offsets := make(map[kafka.TopicPartition]int64)
	for _, tp := range partitions {
		queue := c.recordQueues[tp]
		if len(queue) > 0 {
			offsets[tp] = queue[len(queue)-1].Offset + 1
		} else {
			offsets[tp] = 0
		}
	}

	return offsets, nil
}

func (c *Client) Send(ctx context.Context, record kafka.ProducerRecord) (kafka.RecordMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sendLocked(record)
}

func (c *Client) sendLocked(record kafka.ProducerRecord) (kafka.RecordMetadata, error) {
	if c.sendErr != nil {
		if err := c.sendErr(record); err != nil {
			return kafka.RecordMetadata{}, kafka.NewProduceError(record, err)
		}
	}

	partition := record.Partition
	if partition < 0 {
		partition = 0
	}

	offset := c.producedOffsets[record.Topic]
	c.producedOffsets[record.Topic] = offset + 1

	produced := ProducedRecord{
		Topic:     record.Topic,
		Partition: partition,
		Offset:    offset,
		Key:       append([]byte{}, record.Key...),
		Value:     append([]byte{}, record.Value...),
		Headers:   copyHeaders(record.Headers),
	}
	c.producedRecords = append(c.producedRecords, produced)

	if c.loopback {
		tp := kafka.TopicPartition{Topic: record.Topic, Partition: partition}
		c.recordQueues[tp] = append(
			c.recordQueues[tp], kafka.ConsumerRecord{
				Topic:     record.Topic,
				Partition: partition,
				Offset:    int64(len(c.recordQueues[tp])),
				Key:       produced.Key,
				Value:     produced.Value,
				Headers:   produced.Headers,
				Timestamp: time.Now(),
			},
		)
	}

	return kafka.RecordMetadata{
		Topic:     record.Topic,
		Partition: partition,
		Offset:    offset,
		Timestamp: time.Now(),
	}, nil
}

func (c *Client) SendAsync(ctx context.Context, record kafka.ProducerRecord, promise func(kafka.RecordMetadata, error)) {
	c.mu.Lock()

	meta, err := c.sendLocked(record)
	complete := func() { promise(meta, err) }

	if c.holdAcks {
		c.pendingAcks = append(c.pendingAcks, complete)
		c.mu.Unlock()
		return
	}

	c.mu.Unlock()
	complete()
}

// ReleaseAcks completes up to n held SendAsync promises in send order.
// Use with WithHeldAcks to control when pass-through values are released.
func (c *Client) ReleaseAcks(n int) {
	c.mu.Lock()
	release := c.pendingAcks
	if n < len(release) {
		release = release[:n]
		c.pendingAcks = c.pendingAcks[n:]
	} else {
		c.pendingAcks = nil
	}
	c.mu.Unlock()

	for _, complete := range release {
		complete()
	}
}

func (c *Client) PendingAcks() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pendingAcks)
}

func (c *Client) Flush(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.pingErr
}

func (c *Client) Metrics(ctx context.Context) (map[string]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return map[string]int64{
		"poll-count":       int64(c.pollCount),
		"commit-count":     int64(len(c.commitCalls)),
		"produced-records": int64(len(c.producedRecords)),
	}, nil
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.closeCount++
}

// TriggerAssign queues a partition assignment event, delivered during the
// next Poll.
func (c *Client) TriggerAssign(partitions ...kafka.TopicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pendingEvents = append(c.pendingEvents, rebalanceEvent{assigned: partitions})
}

// TriggerRevoke queues a partition revocation event, delivered during the
// next Poll.
func (c *Client) TriggerRevoke(partitions ...kafka.TopicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pendingEvents = append(c.pendingEvents, rebalanceEvent{revoked: partitions, hasRevoked: true})
}

// TriggerRebalance queues a full rebalance round: revoked partitions are
// released first, then the new assignment is delivered, all within one Poll.
func (c *Client) TriggerRebalance(revoked, newlyAssigned []kafka.TopicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pendingEvents = append(
		c.pendingEvents,
		rebalanceEvent{revoked: revoked, assigned: newlyAssigned, hasRevoked: true},
	)
}

// AddRecords adds records to be returned by Poll for a topic-partition.
// Offsets are assigned sequentially when unset.
func (c *Client) AddRecords(topic string, partition int32, records ...kafka.ConsumerRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tp := kafka.TopicPartition{Topic: topic, Partition: partition}

	for i := range records {
		if records[i].Topic == "" {
			records[i].Topic = topic
		}
		if records[i].Partition == 0 {
			records[i].Partition = partition
		}
		if records[i].Offset == 0 {
			records[i].Offset = int64(len(c.recordQueues[tp]) + i)
		}
	}

	c.recordQueues[tp] = append(c.recordQueues[tp], records...)

	// a live subscription sees new partitions as an assignment
	if c.subscribed && c.rebalanceCb != nil {
		if _, isAssigned := c.assigned[tp]; !isAssigned {
			for _, topicName := range c.subscriptions {
				if topicName == topic {
					c.pendingEvents = append(c.pendingEvents, rebalanceEvent{assigned: []kafka.TopicPartition{tp}})
					break
				}
			}
		}
	}
}

func (c *Client) SetSendError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		c.sendErr = nil
	} else {
		c.sendErr = func(kafka.ProducerRecord) error { return err }
	}
}

func (c *Client) SetSendErrorFunc(fn func(record kafka.ProducerRecord) error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sendErr = fn
}

func (c *Client) SetPollError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		c.pollErr = nil
	} else {
		c.pollErr = func() error { return err }
	}
}

func (c *Client) SetPollErrorFunc(fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pollErr = fn
}

func (c *Client) SetCommitError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		c.commitErr = nil
	} else {
		c.commitErr = func() error { return err }
	}
}

func (c *Client) SetCommitErrorFunc(fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.commitErr = fn
}

func (c *Client) SetPingError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pingErr = err
}

func (c *Client) ProducedRecords() []ProducedRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make([]ProducedRecord, len(c.producedRecords))
	copy(result, c.producedRecords)
	return result
}

func (c *Client) ProducedRecordsForTopic(topic string) []ProducedRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	var result []ProducedRecord
	for _, r := range c.producedRecords {
		if r.Topic == topic {
			result = append(result, r)
		}
	}
	return result
}

func (c *Client) CommittedOffsets() map[kafka.TopicPartition]kafka.Offset {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make(map[kafka.TopicPartition]kafka.Offset, len(c.committedOffsets))
	for k, v := range c.committedOffsets {
		result[k] = v
	}
	return result
}

func (c *Client) CommittedOffset(tp kafka.TopicPartition) (kafka.Offset, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	offset, ok := c.committedOffsets[tp]
	return offset, ok
}

// CommitCalls returns every CommitOffsets invocation in order.
func (c *Client) CommitCalls() []map[kafka.TopicPartition]kafka.Offset {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make([]map[kafka.TopicPartition]kafka.Offset, len(c.commitCalls))
	copy(result, c.commitCalls)
	return result
}

func (c *Client) PollCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.pollCount
}

func (c *Client) AssignedPartitions() []kafka.TopicPartition {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make([]kafka.TopicPartition, 0, len(c.assigned))
	for tp := range c.assigned {
		result = append(result, tp)
	}
	return result
}

func (c *Client) PausedPartitions() []kafka.TopicPartition {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make([]kafka.TopicPartition, 0, len(c.paused))
	for tp := range c.paused {
		result = append(result, tp)
	}
	return result
}

func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

// CloseCount returns how many times Close was called, for leak and
// double-close assertions.
func (c *Client) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeCount
}

func copyHeaders(headers []kafka.Header) []kafka.Header {
	copied := make([]kafka.Header, len(headers))
	for i, h := range headers {
		value := make([]byte, len(h.Value))
		copy(value, h.Value)
		copied[i] = kafka.Header{Key: h.Key, Value: value}
	}
	return copied
}
