//go:build unit

package producer

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/techmoksha/alpakka-kafka/kafka"
	mockkafka "github.com/techmoksha/alpakka-kafka/kafka/mock"
)

func newTestSettings(mc *mockkafka.Client, opts ...Option) *Settings {
	base := []Option{
		WithClientFactory(func(*Settings) (kafka.Client, error) { return mc, nil }),
	}

	return NewSettings([]string{"localhost:9092"}, append(base, opts...)...)
}

func envelope(topic, key, value string, passThrough int) Envelope[int] {
	return Envelope[int]{
		Record: kafka.ProducerRecord{
			Topic: topic,
			Key:   []byte(key),
			Value: []byte(value),
		},
		PassThrough: passThrough,
	}
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()

	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed while a message was expected")
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a message")
		panic("unreachable")
	}
}

func waitDone(t *testing.T, ch <-chan struct{}) {
	t.Helper()

	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the flow to finish")
	}
}

func TestFlowProducesAndEmitsResults(t *testing.T) {
	mc := mockkafka.NewClient()

	flow, err := NewFlow[int](newTestSettings(mc))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		flow.In() <- envelope("out", strconv.Itoa(i), strconv.Itoa(i), i)
	}
	flow.Close()

	for i := 0; i < 3; i++ {
		res := receive(t, flow.Out())
		require.Equal(t, i, res.PassThrough)
		require.Equal(t, int64(i), res.Metadata.Offset)
		require.Equal(t, "out", res.Metadata.Topic)
	}

	_, open := <-flow.Out()
	require.False(t, open)

	waitDone(t, flow.Done())
	require.NoError(t, flow.Err())

	mc.AssertProducedCount(t, 3)
	mc.AssertProducedString(t, "out", "2", "2")
	require.True(t, mc.IsClosed())
}

func TestFlowHoldsPassThroughUntilAck(t *testing.T) {
	mc := mockkafka.NewClient(mockkafka.WithHeldAcks())

	flow, err := NewFlow[int](newTestSettings(mc))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		flow.In() <- envelope("out", strconv.Itoa(i), strconv.Itoa(i), i)
	}

	require.Eventually(t, func() bool {
		return mc.PendingAcks() == 3
	}, 5*time.Second, 5*time.Millisecond)

	// nothing may be emitted before the broker acknowledges
	select {
	case res := <-flow.Out():
		t.Fatalf("result %v emitted before its ack", res.PassThrough)
	case <-time.After(50 * time.Millisecond):
	}

	mc.ReleaseAcks(1)
	require.Equal(t, 0, receive(t, flow.Out()).PassThrough)

	mc.ReleaseAcks(2)
	require.Equal(t, 1, receive(t, flow.Out()).PassThrough)
	require.Equal(t, 2, receive(t, flow.Out()).PassThrough)

	flow.Close()
	waitDone(t, flow.Done())
	require.NoError(t, flow.Err())
}

func TestFlowBoundsInFlightSends(t *testing.T) {
	mc := mockkafka.NewClient(mockkafka.WithHeldAcks())

	flow, err := NewFlow[int](newTestSettings(mc, WithParallelism(2)))
	require.NoError(t, err)

	go func() {
		for i := 0; i < 5; i++ {
			flow.In() <- envelope("out", strconv.Itoa(i), strconv.Itoa(i), i)
		}
		flow.Close()
	}()

	require.Eventually(t, func() bool {
		return mc.PendingAcks() == 2
	}, 5*time.Second, 5*time.Millisecond)

	// the third send waits for an in-flight slot
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 2, mc.PendingAcks())

	for released := 0; released < 5; released++ {
		mc.ReleaseAcks(1)
		require.Equal(t, released, receive(t, flow.Out()).PassThrough)
	}

	waitDone(t, flow.Done())
	require.NoError(t, flow.Err())
	mc.AssertProducedCount(t, 5)
}

func TestFlowFailsFastOnSendError(t *testing.T) {
	mc := mockkafka.NewClient()

	cause := errors.New("message too large")
	mc.SetSendErrorFunc(func(record kafka.ProducerRecord) error {
		if string(record.Key) == "1" {
			return cause
		}
		return nil
	})

	flow, err := NewFlow[int](newTestSettings(mc))
	require.NoError(t, err)

	go func() {
		for i := 0; i < 3; i++ {
			select {
			case flow.In() <- envelope("out", strconv.Itoa(i), strconv.Itoa(i), i):
			case <-flow.Done():
				return
			}
		}
		flow.Close()
	}()

	var results []int
	for res := range flow.Out() {
		results = append(results, res.PassThrough)
	}

	// the result before the failure is emitted, the failure's never is
	require.Equal(t, []int{0}, results)

	waitDone(t, flow.Done())
	require.Error(t, flow.Err())
	require.ErrorIs(t, flow.Err(), cause)

	var produceErr *kafka.ProduceError
	require.ErrorAs(t, flow.Err(), &produceErr)
	require.Equal(t, "1", string(produceErr.Record.Key))
}

func TestSinkProducesEverything(t *testing.T) {
	mc := mockkafka.NewClient()

	in := make(chan Envelope[int], 3)
	for i := 0; i < 3; i++ {
		in <- envelope("out", strconv.Itoa(i), strconv.Itoa(i), i)
	}
	close(in)

	require.NoError(t, Sink(context.Background(), newTestSettings(mc), in))

	mc.AssertProducedCount(t, 3)
	require.True(t, mc.IsClosed())
}

func TestSinkPropagatesSendError(t *testing.T) {
	mc := mockkafka.NewClient(mockkafka.WithSendError(errors.New("not leader for partition")))

	in := make(chan Envelope[int], 1)
	in <- envelope("out", "k", "v", 0)
	close(in)

	err := Sink(context.Background(), newTestSettings(mc), in)
	require.Error(t, err)

	var produceErr *kafka.ProduceError
	require.ErrorAs(t, err, &produceErr)
}
