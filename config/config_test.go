//go:build unit

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testYAML = `
consumer:
  brokers:
    - broker-1:9092
    - broker-2:9092
  group_id: file-group
  poll_interval: 25ms
  max_poll_records: 200
  buffer_size: 64
  auto_commit_interval: 2s
  properties:
    fetch.max.bytes: "1048576"
producer:
  brokers:
    - broker-1:9092
  client_id: file-producer
  parallelism: 10
committer:
  max_batch: 50
  max_interval: 3s
`

func writeConfig(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "alpakka.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testYAML), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t))
	require.NoError(t, err)

	require.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.Consumer.Brokers)
	require.Equal(t, "file-group", cfg.Consumer.GroupID)
	require.Equal(t, 25*time.Millisecond, cfg.Consumer.PollInterval)
	require.Equal(t, 200, cfg.Consumer.MaxPollRecords)
	require.Equal(t, "1048576", cfg.Consumer.Properties["fetch.max.bytes"])

	require.Equal(t, "file-producer", cfg.Producer.ClientID)
	require.Equal(t, 10, cfg.Producer.Parallelism)

	require.Equal(t, 50, cfg.Committer.MaxBatch)
	require.Equal(t, 3*time.Second, cfg.Committer.MaxInterval)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("ALPAKKA__CONSUMER__GROUP_ID", "env-group")
	t.Setenv("ALPAKKA__PRODUCER__CLIENT_ID", "env-producer")

	cfg, err := Load(writeConfig(t))
	require.NoError(t, err)

	require.Equal(t, "env-group", cfg.Consumer.GroupID)
	require.Equal(t, "env-producer", cfg.Producer.ClientID)
	// untouched keys keep their file values
	require.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.Consumer.Brokers)
}

func TestMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Empty(t, cfg.Consumer.Brokers)
}

func TestSettingsConversion(t *testing.T) {
	cfg, err := Load(writeConfig(t))
	require.NoError(t, err)

	cs := cfg.Consumer.ConsumerSettings()
	require.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cs.BootstrapServers)
	require.Equal(t, "file-group", cs.GroupID)
	require.Equal(t, 25*time.Millisecond, cs.PollInterval)
	require.Equal(t, 200, cs.MaxPollRecords)
	require.Equal(t, 64, cs.BufferSize)
	require.True(t, cs.AutoCommit)
	require.Equal(t, 2*time.Second, cs.AutoCommitInterval)
	// values absent from the file keep their defaults
	require.Equal(t, 15*time.Second, cs.CommitTimeout)

	ps := cfg.Producer.ProducerSettings()
	require.Equal(t, "file-producer", ps.ClientID)
	require.Equal(t, 10, ps.Parallelism)

	commits := cfg.Committer.CommitterSettings()
	require.Equal(t, 50, commits.MaxBatch)
	require.Equal(t, 3*time.Second, commits.MaxInterval)
}
