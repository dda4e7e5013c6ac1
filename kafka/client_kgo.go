package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/techmoksha/alpakka-kafka/logger"
)

var _ Client = (*KgoClient)(nil)

type KgoClientConfig struct {
	BootstrapServers   []string
	GroupID            string
	ClientID           string
	SessionTimeout     time.Duration
	HeartbeatInterval  time.Duration
	EnableAutoCommit   bool
	AutoCommitInterval time.Duration
	PollTimeout        time.Duration
	Properties         map[string]string

	Logger logger.Logger
}

func defaultConfig() KgoClientConfig {
	return KgoClientConfig{
		BootstrapServers:   []string{"localhost:9092"},
		GroupID:            "default-group",
		SessionTimeout:     45 * time.Second,
		HeartbeatInterval:  3 * time.Second,
		PollTimeout:        3 * time.Second,
		AutoCommitInterval: 5 * time.Second,
		Logger:             logger.NewNoopLogger(),
	}
}

type KgoOption func(*KgoClientConfig)

func WithBootstrapServers(servers []string) KgoOption {
	return func(cfg *KgoClientConfig) {
		cfg.BootstrapServers = servers
	}
}

func WithGroupID(id string) KgoOption {
	return func(cfg *KgoClientConfig) {
		cfg.GroupID = id
	}
}

func WithClientID(id string) KgoOption {
	return func(cfg *KgoClientConfig) {
		cfg.ClientID = id
	}
}

func WithSessionTimeout(d time.Duration) KgoOption {
	return func(cfg *KgoClientConfig) {
		cfg.SessionTimeout = d
	}
}

func WithPollTimeout(d time.Duration) KgoOption {
	return func(cfg *KgoClientConfig) {
		cfg.PollTimeout = d
	}
}

func WithAutoCommit(interval time.Duration) KgoOption {
	return func(cfg *KgoClientConfig) {
		cfg.EnableAutoCommit = true
		cfg.AutoCommitInterval = interval
	}
}

func WithProperties(props map[string]string) KgoOption {
	return func(cfg *KgoClientConfig) {
		cfg.Properties = props
	}
}

func WithLogger(l logger.Logger) KgoOption {
	return func(cfg *KgoClientConfig) {
		cfg.Logger = l.
			With("client", "kgo")
	}
}

type clientMode int

const (
	modeNone clientMode = iota
	modeBase
	modeGroup
	modeDirect
)

// KgoClient implements Client on top of franz-go. The underlying kgo.Client
// is created lazily: Subscribe builds a group consumer, Assign builds a
// direct consumer, and any other first operation builds a bare client for
// produce and metadata use.
//
// KgoClient is not safe for concurrent use.
type KgoClient struct {
	client *kgo.Client
	config KgoClientConfig
	mode   clientMode

	rebalanceCb RebalanceCallback
	topics      []string

	logger logger.Logger
}

func NewKgoClient(opts ...KgoOption) (*KgoClient, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &KgoClient{config: cfg, logger: cfg.Logger}, nil
}

func (k *KgoClient) baseOpts() []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(k.config.BootstrapServers...),
		kgo.WithLogger(newKgoLogger(k.logger)),
	}

	if k.config.ClientID != "" {
		opts = append(opts, kgo.ClientID(k.config.ClientID))
	}

	for key, value := range k.config.Properties {
		switch key {
		case "client.id":
			opts = append(opts, kgo.ClientID(value))
		case "fetch.max.bytes":
			if n, err := strconv.Atoi(value); err == nil {
				opts = append(opts, kgo.FetchMaxBytes(int32(n)))
			}
		case "max.partition.fetch.bytes":
			if n, err := strconv.Atoi(value); err == nil {
				opts = append(opts, kgo.FetchMaxPartitionBytes(int32(n)))
			}
		case "request.timeout.ms":
			if n, err := strconv.Atoi(value); err == nil {
				opts = append(opts, kgo.RequestTimeoutOverhead(time.Duration(n)*time.Millisecond))
			}
		}
	}

	return opts
}

func (k *KgoClient) init(mode clientMode, extra ...kgo.Opt) error {
	if k.mode != modeNone {
		if mode != modeBase && k.mode != mode {
			return fmt.Errorf("kgo client already initialized in another mode")
		}
		return nil
	}

	client, err := kgo.NewClient(append(k.baseOpts(), extra...)...)
	if err != nil {
		return fmt.Errorf("create kgo client: %w", err)
	}

	k.client = client
	k.mode = mode

	return nil
}

func (k *KgoClient) onAssigned(ctx context.Context, _ *kgo.Client, assigned map[string][]int32) {
	if k.rebalanceCb == nil {
		return
	}

	k.rebalanceCb.OnAssigned(ctx, mapToTopicPartitions(assigned))
}

func (k *KgoClient) onRevoked(ctx context.Context, _ *kgo.Client, revoked map[string][]int32) {
	if k.rebalanceCb == nil {
		return
	}

	k.rebalanceCb.OnRevoked(ctx, mapToTopicPartitions(revoked))
}

func (k *KgoClient) Subscribe(topics []string, rebalanceCb RebalanceCallback) error {
	if k.mode != modeNone {
		return fmt.Errorf("already subscribed")
	}

	k.rebalanceCb = rebalanceCb
	k.topics = topics

	opts := []kgo.Opt{
		kgo.ConsumerGroup(k.config.GroupID),
		kgo.ConsumeTopics(topics...),
		kgo.OnPartitionsAssigned(k.onAssigned),
		kgo.OnPartitionsRevoked(k.onRevoked),
		kgo.OnPartitionsLost(k.onRevoked),
		kgo.SessionTimeout(k.config.SessionTimeout),
		kgo.HeartbeatInterval(k.config.HeartbeatInterval),
		// serializes rebalance callbacks with Poll, so the owner goroutine
		// is the only place client state changes
		kgo.BlockRebalanceOnPoll(),
	}

	if k.config.EnableAutoCommit {
		opts = append(opts, kgo.AutoCommitInterval(k.config.AutoCommitInterval))
	} else {
		opts = append(opts, kgo.DisableAutoCommit())
	}

	return k.init(modeGroup, opts...)
}

func (k *KgoClient) Assign(partitions []TopicPartition) error {
	if k.mode != modeNone {
		return fmt.Errorf("already subscribed")
	}

	assignments := make(map[string]map[int32]kgo.Offset)
	for _, tp := range partitions {
		if assignments[tp.Topic] == nil {
			assignments[tp.Topic] = make(map[int32]kgo.Offset)
		}
		assignments[tp.Topic][tp.Partition] = kgo.NewOffset().AtStart()
	}

	// direct consumers have no group session; starting positions are the
	// log start until the caller seeks
	return k.init(modeDirect, kgo.ConsumePartitions(assignments))
}

func (k *KgoClient) Poll(ctx context.Context, maxRecords int) ([]ConsumerRecord, error) {
	if k.client == nil {
		return nil, fmt.Errorf("poll before subscribe")
	}

	ctx, cancel := context.WithTimeout(ctx, k.config.PollTimeout)
	defer cancel()

	// rebalance stays blocked between polls; lifting it only here means
	// callbacks can run solely while this goroutine is parked in
	// PollRecords, upholding the RebalanceCallback contract
	if k.mode == modeGroup {
		k.client.AllowRebalance()
	}

	fetches := k.client.PollRecords(ctx, maxRecords)

	if errs := fetches.Errors(); len(errs) > 0 {
		for _, err := range errs {
			if errors.Is(err.Err, context.DeadlineExceeded) || errors.Is(err.Err, context.Canceled) {
				continue
			}
			return nil, classify(fmt.Errorf("poll: %w", err.Err))
		}
	}

	return convertRecords(fetches.Records()), nil
}

func (k *KgoClient) CommitOffsets(ctx context.Context, offsets map[TopicPartition]Offset) error {
	if k.client == nil {
		return fmt.Errorf("commit before subscribe")
	}

	var commitErr error
	k.client.CommitOffsetsSync(
		ctx, toKgoOffsets(offsets),
		func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) {
			if err != nil {
				commitErr = err
				return
			}

			for _, topic := range resp.Topics {
				for _, partition := range topic.Partitions {
					if err := kerr.ErrorForCode(partition.ErrorCode); err != nil {
						commitErr = err
						return
					}
				}
			}
		},
	)

	if commitErr != nil {
		return NewCommitError(classify(commitErr))
	}

	return nil
}

func (k *KgoClient) Committed(ctx context.Context, partitions []TopicPartition) (map[TopicPartition]Offset, error) {
	if err := k.init(modeBase); err != nil {
		return nil, err
	}

	req := kmsg.NewPtrOffsetFetchRequest()
	req.Group = k.config.GroupID

	group := kmsg.NewOffsetFetchRequestGroup()
	group.Group = k.config.GroupID

	for topic, parts := range topicPartitionsToMap(partitions) {
		reqTopic := kmsg.NewOffsetFetchRequestTopic()
		reqTopic.Topic = topic
		reqTopic.Partitions = parts
		req.Topics = append(req.Topics, reqTopic)

		groupTopic := kmsg.NewOffsetFetchRequestGroupTopic()
		groupTopic.Topic = topic
		groupTopic.Partitions = parts
		group.Topics = append(group.Topics, groupTopic)
	}

	req.Groups = append(req.Groups, group)

	resp, err := req.RequestWith(ctx, k.client)
	if err != nil {
		return nil, fmt.Errorf("offset fetch: %w", err)
	}

	committed := make(map[TopicPartition]Offset)
	record := func(topic string, partition int32, errorCode int16, offset int64, epoch int32) error {
		if err := kerr.ErrorForCode(errorCode); err != nil {
			return fmt.Errorf("offset fetch for %s-%d: %w", topic, partition, err)
		}
		if offset < 0 {
			return nil
		}

		committed[TopicPartition{Topic: topic, Partition: partition}] = Offset{
			Offset:      offset,
			LeaderEpoch: epoch,
		}
		return nil
	}

	// brokers on OffsetFetch v8+ answer in the per-group shape
	if len(resp.Groups) > 0 {
		for _, topic := range resp.Groups[0].Topics {
			for _, p := range topic.Partitions {
				if err := record(topic.Topic, p.Partition, p.ErrorCode, p.Offset, p.LeaderEpoch); err != nil {
					return nil, err
				}
			}
		}
		return committed, nil
	}

	for _, topic := range resp.Topics {
		for _, p := range topic.Partitions {
			if err := record(topic.Topic, p.Partition, p.ErrorCode, p.Offset, p.LeaderEpoch); err != nil {
				return nil, err
			}
		}
	}

	return committed, nil
}

func (k *KgoClient) Seek(partition TopicPartition, offset int64) {
	if k.client == nil {
		return
	}

	k.client.SetOffsets(
		map[string]map[int32]kgo.EpochOffset{
			partition.Topic: {
				partition.Partition: {Offset: offset, Epoch: -1},
			},
		},
	)
}

func (k *KgoClient) PausePartitions(partitions ...TopicPartition) {
	if k.client == nil {
		return
	}

	k.client.PauseFetchPartitions(topicPartitionsToMap(partitions))
}

func (k *KgoClient) ResumePartitions(partitions ...TopicPartition) {
	if k.client == nil {
		return
	}

	k.client.ResumeFetchPartitions(topicPartitionsToMap(partitions))
}

func (k *KgoClient) BeginningOffsets(ctx context.Context, partitions []TopicPartition) (map[TopicPartition]int64, error) {
	return k.listOffsets(ctx, partitions, -2)
}

func (k *KgoClient) EndOffsets(ctx context.Context, partitions []TopicPartition) (map[TopicPartition]int64, error) {
	return k.listOffsets(ctx, partitions, -1)
}

func (k *KgoClient) listOffsets(
	ctx context.Context, partitions []TopicPartition, timestamp int64,
) (map[TopicPartition]int64, error) {
	if err := k.init(modeBase); err != nil {
		return nil, err
	}

	req := kmsg.NewPtrListOffsetsRequest()
	req.ReplicaID = -1

	for topic, parts := range topicPartitionsToMap(partitions) {
		reqTopic := kmsg.NewListOffsetsRequestTopic()
		reqTopic.Topic = topic
		for _, partition := range parts {
			reqPartition := kmsg.NewListOffsetsRequestTopicPartition()
			reqPartition.Partition = partition
			reqPartition.Timestamp = timestamp
			reqTopic.Partitions = append(reqTopic.Partitions, reqPartition)
		}
		req.Topics = append(req.Topics, reqTopic)
	}

	resp, err := req.RequestWith(ctx, k.client)
	if err != nil {
		return nil, fmt.Errorf("list offsets: %w", err)
	}

	offsets := make(map[TopicPartition]int64)
	for _, topic := range resp.Topics {
		for _, partition := range topic.Partitions {
			if err := kerr.ErrorForCode(partition.ErrorCode); err != nil {
				return nil, fmt.Errorf("list offsets for %s-%d: %w", topic.Topic, partition.Partition, err)
			}

			offsets[TopicPartition{Topic: topic.Topic, Partition: partition.Partition}] = partition.Offset
		}
	}

	return offsets, nil
}

func (k *KgoClient) Send(ctx context.Context, record ProducerRecord) (RecordMetadata, error) {
	if err := k.init(modeBase); err != nil {
		return RecordMetadata{}, err
	}

	sent, err := k.client.ProduceSync(ctx, toKgoRecord(record)).First()
	if err != nil {
		return RecordMetadata{}, NewProduceError(record, classify(err))
	}

	return metadataOf(sent), nil
}

func (k *KgoClient) SendAsync(ctx context.Context, record ProducerRecord, promise func(RecordMetadata, error)) {
	if err := k.init(modeBase); err != nil {
		promise(RecordMetadata{}, err)
		return
	}

	k.client.Produce(
		ctx, toKgoRecord(record), func(sent *kgo.Record, err error) {
			if err != nil {
				promise(RecordMetadata{}, NewProduceError(record, classify(err)))
				return
			}

			promise(metadataOf(sent), nil)
		},
	)
}

func (k *KgoClient) Flush(ctx context.Context) error {
	if k.client == nil {
		return nil
	}

	return k.client.Flush(ctx)
}

func (k *KgoClient) Ping(ctx context.Context) error {
	if err := k.init(modeBase); err != nil {
		return err
	}

	return k.client.Ping(ctx)
}

func (k *KgoClient) Metrics(ctx context.Context) (map[string]int64, error) {
	if err := k.init(modeBase); err != nil {
		return nil, err
	}

	metrics := map[string]int64{
		"buffered-produce-records": k.client.BufferedProduceRecords(),
		"buffered-fetch-records":   k.client.BufferedFetchRecords(),
	}

	req := kmsg.NewPtrMetadataRequest()
	resp, err := req.RequestWith(ctx, k.client)
	if err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}

	metrics["broker-count"] = int64(len(resp.Brokers))
	metrics["topic-count"] = int64(len(resp.Topics))

	return metrics, nil
}

func (k *KgoClient) Close() {
	if k.client == nil {
		return
	}

	if k.mode == modeGroup {
		k.client.CloseAllowingRebalance()
	} else {
		k.client.Close()
	}

	k.client = nil
}

// classify wraps unrecoverable broker errors in FatalError so the owner can
// tear down instead of retrying.
func classify(err error) error {
	if errors.Is(err, kgo.ErrClientClosed) ||
		errors.Is(err, kerr.SaslAuthenticationFailed) ||
		errors.Is(err, kerr.ClusterAuthorizationFailed) ||
		errors.Is(err, kerr.GroupAuthorizationFailed) ||
		errors.Is(err, kerr.TopicAuthorizationFailed) ||
		errors.Is(err, kerr.InvalidGroupID) ||
		errors.Is(err, kerr.UnsupportedSaslMechanism) {
		return NewFatalError(err)
	}

	return err
}

func metadataOf(r *kgo.Record) RecordMetadata {
	return RecordMetadata{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Timestamp: r.Timestamp,
	}
}

func toKgoRecord(r ProducerRecord) *kgo.Record {
	return &kgo.Record{
		Topic:     r.Topic,
		Partition: r.Partition,
		Key:       r.Key,
		Value:     r.Value,
		Headers:   convertToKgoHeaders(r.Headers),
	}
}

func toKgoOffsets(offsets map[TopicPartition]Offset) map[string]map[int32]kgo.EpochOffset {
	m := make(map[string]map[int32]kgo.EpochOffset)
	for tp, offset := range offsets {
		if m[tp.Topic] == nil {
			m[tp.Topic] = make(map[int32]kgo.EpochOffset)
		}
		m[tp.Topic][tp.Partition] = kgo.EpochOffset{Offset: offset.Offset, Epoch: offset.LeaderEpoch}
	}
	return m
}

func convertRecords(records []*kgo.Record) []ConsumerRecord {
	converted := make([]ConsumerRecord, len(records))
	for i, r := range records {
		converted[i] = ConsumerRecord{
			Topic:       r.Topic,
			Partition:   r.Partition,
			Offset:      r.Offset,
			Key:         r.Key,
			Value:       r.Value,
			Headers:     convertFromKgoHeaders(r.Headers),
			Timestamp:   r.Timestamp,
			LeaderEpoch: r.LeaderEpoch,
		}
	}

	return converted
}

func convertFromKgoHeaders(headers []kgo.RecordHeader) []Header {
	converted := make([]Header, len(headers))
	for i, h := range headers {
		converted[i] = Header{Key: h.Key, Value: h.Value}
	}
	return converted
}

func convertToKgoHeaders(headers []Header) []kgo.RecordHeader {
	kgoHeaders := make([]kgo.RecordHeader, len(headers))
	for i, h := range headers {
		kgoHeaders[i] = kgo.RecordHeader{Key: h.Key, Value: h.Value}
	}
	return kgoHeaders
}

func topicPartitionsToMap(tps []TopicPartition) map[string][]int32 {
	m := make(map[string][]int32)
	for _, tp := range tps {
		m[tp.Topic] = append(m[tp.Topic], tp.Partition)
	}
	return m
}

func mapToTopicPartitions(m map[string][]int32) []TopicPartition {
	var tps []TopicPartition
	for topic, partitions := range m {
		for _, partition := range partitions {
			tps = append(
				tps, TopicPartition{
					Topic:     topic,
					Partition: partition,
				},
			)
		}
	}

	return tps
}
