//go:build unit

package kafka

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFatalErrorDetectedThroughWrapping(t *testing.T) {
	cause := errors.New("sasl authentication failed")
	err := fmt.Errorf("during poll: %w", NewFatalError(cause))

	require.True(t, IsFatal(err))
	require.ErrorIs(t, err, cause)
}

func TestNonFatalErrorsAreNotFatal(t *testing.T) {
	require.False(t, IsFatal(errors.New("request timed out")))
	require.False(t, IsFatal(NewCommitError(errors.New("rebalance in progress"))))
	require.False(t, IsFatal(nil))
}

func TestStaleCommitErrorCarriesPartition(t *testing.T) {
	tp := TopicPartition{Topic: "orders", Partition: 3}
	err := NewStaleCommitError(tp)

	stale, ok := AsStaleCommitError(err)
	require.True(t, ok)
	require.Equal(t, tp, stale.Partition)
}

func TestProduceErrorUnwraps(t *testing.T) {
	cause := errors.New("record too large")
	rec := ProducerRecord{Topic: "out", Key: []byte("k")}
	err := NewProduceError(rec, cause)

	require.ErrorIs(t, err, cause)

	produce, ok := AsProduceError(err)
	require.True(t, ok)
	require.Equal(t, "out", produce.Record.Topic)
}

func TestCallbackErrorNamesHook(t *testing.T) {
	err := NewCallbackError("offset resolver", errors.New("store down"))
	require.Contains(t, err.Error(), "offset resolver")

	cb, ok := AsCallbackError(err)
	require.True(t, ok)
	require.Equal(t, "offset resolver", cb.Hook)
}
