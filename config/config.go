// Package config loads connector settings from a YAML file merged with
// environment variables (prefix ALPAKKA__, delimiter __). File values lose
// to environment values; unset values fall back to the package defaults.
package config

import (
	"errors"
	"io/fs"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/techmoksha/alpakka-kafka/committer"
	"github.com/techmoksha/alpakka-kafka/consumer"
	"github.com/techmoksha/alpakka-kafka/producer"
)

type ConsumerConfig struct {
	Brokers             []string          `koanf:"brokers"`
	GroupID             string            `koanf:"group_id"`
	PollInterval        time.Duration     `koanf:"poll_interval"`
	PollTimeout         time.Duration     `koanf:"poll_timeout"`
	MaxPollRecords      int               `koanf:"max_poll_records"`
	BufferSize          int               `koanf:"buffer_size"`
	PartitionBufferSize int               `koanf:"partition_buffer_size"`
	CommitTimeout       time.Duration     `koanf:"commit_timeout"`
	FlushTimeoutRevoke  time.Duration     `koanf:"flush_timeout_on_revoke"`
	WaitClosePartition  time.Duration     `koanf:"wait_close_partition"`
	AutoCommitInterval  time.Duration     `koanf:"auto_commit_interval"`
	Properties          map[string]string `koanf:"properties"`
}

type ProducerConfig struct {
	Brokers     []string          `koanf:"brokers"`
	ClientID    string            `koanf:"client_id"`
	Parallelism int               `koanf:"parallelism"`
	Properties  map[string]string `koanf:"properties"`
}

type CommitterConfig struct {
	MaxBatch    int           `koanf:"max_batch"`
	MaxInterval time.Duration `koanf:"max_interval"`
}

type Config struct {
	Consumer  ConsumerConfig  `koanf:"consumer"`
	Producer  ProducerConfig  `koanf:"producer"`
	Committer CommitterConfig `koanf:"committer"`
}

// Load reads path (optional, missing files are ignored) then overlays
// environment variables, e.g. ALPAKKA__CONSUMER__GROUP_ID.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}

	_ = k.Load(env.Provider("ALPAKKA__", "__", nil), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// ConsumerSettings converts the loaded values into consumer settings,
// applying extra options last so code-level choices win over file values.
func (c ConsumerConfig) ConsumerSettings(opts ...consumer.Option) *consumer.Settings {
	var all []consumer.Option

	if c.PollInterval > 0 {
		all = append(all, consumer.WithPollInterval(c.PollInterval))
	}
	if c.PollTimeout > 0 {
		all = append(all, consumer.WithPollTimeout(c.PollTimeout))
	}
	if c.MaxPollRecords > 0 {
		all = append(all, consumer.WithMaxPollRecords(c.MaxPollRecords))
	}
	if c.BufferSize > 0 {
		all = append(all, consumer.WithBufferSize(c.BufferSize))
	}
	if c.PartitionBufferSize > 0 {
		all = append(all, consumer.WithPartitionBufferSize(c.PartitionBufferSize))
	}
	if c.CommitTimeout > 0 {
		all = append(all, consumer.WithCommitTimeout(c.CommitTimeout))
	}
	if c.FlushTimeoutRevoke > 0 {
		all = append(all, consumer.WithFlushTimeoutOnRevoke(c.FlushTimeoutRevoke))
	}
	if c.WaitClosePartition > 0 {
		all = append(all, consumer.WithWaitClosePartition(c.WaitClosePartition))
	}
	if c.AutoCommitInterval > 0 {
		all = append(all, consumer.WithAutoCommit(c.AutoCommitInterval))
	}
	if len(c.Properties) > 0 {
		all = append(all, consumer.WithProperties(c.Properties))
	}

	all = append(all, opts...)

	return consumer.NewSettings(c.Brokers, c.GroupID, all...)
}

func (p ProducerConfig) ProducerSettings(opts ...producer.Option) *producer.Settings {
	var all []producer.Option

	if p.ClientID != "" {
		all = append(all, producer.WithClientID(p.ClientID))
	}
	if p.Parallelism > 0 {
		all = append(all, producer.WithParallelism(p.Parallelism))
	}
	for key, value := range p.Properties {
		all = append(all, producer.WithProperty(key, value))
	}

	all = append(all, opts...)

	return producer.NewSettings(p.Brokers, all...)
}

func (c CommitterConfig) CommitterSettings(opts ...committer.Option) *committer.Settings {
	var all []committer.Option

	if c.MaxBatch > 0 {
		all = append(all, committer.WithMaxBatch(c.MaxBatch))
	}
	if c.MaxInterval > 0 {
		all = append(all, committer.WithMaxInterval(c.MaxInterval))
	}

	all = append(all, opts...)

	return committer.NewSettings(all...)
}
