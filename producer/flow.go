package producer

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/techmoksha/alpakka-kafka/kafka"
)

// Envelope carries a record to produce together with an opaque pass-through
// value, typically the committable offset of the record it was derived
// from. The pass-through is never sent to Kafka.
type Envelope[T any] struct {
	Record      kafka.ProducerRecord
	PassThrough T
}

// Result pairs the broker acknowledgement with the envelope's pass-through.
// A Result is only ever emitted after the broker acked the record, so
// committing the pass-through here preserves at-least-once.
type Result[T any] struct {
	Metadata    kafka.RecordMetadata
	PassThrough T
}

type ack[T any] struct {
	metadata    kafka.RecordMetadata
	passThrough T
	err         error
}

// Flow produces envelopes with bounded in-flight parallelism and emits
// results in envelope submission order, regardless of broker ack order.
// The first failed send fails the flow: its result is never emitted and no
// further envelopes are sent.
type Flow[T any] struct {
	in       chan Envelope[T]
	out      chan Result[T]
	client   kafka.Client
	sem      chan struct{}
	queue    chan chan ack[T]
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	inOnce   sync.Once
	errMu    sync.Mutex
	err      error
	settings *Settings
}

// NewFlow builds a flow and starts its pipeline. The caller feeds In,
// reads Out until it closes, then checks Err.
func NewFlow[T any](settings *Settings) (*Flow[T], error) {
	client, err := settings.ClientFactory(settings)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	f := &Flow[T]{
		in:       make(chan Envelope[T]),
		out:      make(chan Result[T]),
		client:   client,
		sem:      make(chan struct{}, settings.Parallelism),
		queue:    make(chan chan ack[T], settings.Parallelism),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		settings: settings,
	}

	go f.send()
	go f.emit()

	return f, nil
}

// In accepts envelopes until Close. Sending on a closed flow panics, as
// with any closed channel.
func (f *Flow[T]) In() chan<- Envelope[T] {
	return f.in
}

// Out emits results in submission order and closes when the flow
// terminates.
func (f *Flow[T]) Out() <-chan Result[T] {
	return f.out
}

// Close signals that no more envelopes will be sent. Pending sends still
// complete and emit their results. Idempotent.
func (f *Flow[T]) Close() {
	f.inOnce.Do(func() {
		close(f.in)
	})
}

// Done is closed once the flow has fully terminated and released its
// client.
func (f *Flow[T]) Done() <-chan struct{} {
	return f.done
}

// Err reports the failure that terminated the flow, or nil after a clean
// completion.
func (f *Flow[T]) Err() error {
	f.errMu.Lock()
	defer f.errMu.Unlock()

	return f.err
}

func (f *Flow[T]) fail(err error) {
	f.errMu.Lock()
	if f.err == nil {
		f.err = err
	}
	f.errMu.Unlock()

	f.cancel()
}

func (f *Flow[T]) send() {
	defer close(f.queue)

	for {
		var env Envelope[T]
		var ok bool

		select {
		case env, ok = <-f.in:
			if !ok {
				return
			}
		case <-f.ctx.Done():
			return
		}

		select {
		case f.sem <- struct{}{}:
		case <-f.ctx.Done():
			return
		}

		slot := make(chan ack[T], 1)

		select {
		case f.queue <- slot:
		case <-f.ctx.Done():
			return
		}

		sendCtx, span := f.settings.Telemetry.Tracer.Start(f.ctx, "send", trace.WithSpanKind(trace.SpanKindProducer))
		passThrough := env.PassThrough
		f.client.SendAsync(sendCtx, env.Record, func(md kafka.RecordMetadata, err error) {
			if err != nil {
				span.RecordError(err)
			}
			span.End()

			slot <- ack[T]{metadata: md, passThrough: passThrough, err: err}
		})
	}
}

// emit drains ack slots in submission order, so results come out FIFO even
// when the broker acknowledges out of order.
func (f *Flow[T]) emit() {
	defer func() {
		f.cancel()
		f.client.Close()
		close(f.out)
		close(f.done)
	}()

	for slot := range f.queue {
		var a ack[T]

		select {
		case a = <-slot:
		case <-f.ctx.Done():
			// the in-flight send may still complete but its result is
			// discarded along with everything queued behind it
			return
		}

		<-f.sem

		if a.err != nil {
			f.settings.Logger.Error("Send failed, terminating flow", "error", a.err)
			f.fail(a.err)
			return
		}

		f.settings.Telemetry.RecordsProduced.Add(f.ctx, 1)

		select {
		case f.out <- Result[T]{Metadata: a.metadata, PassThrough: a.passThrough}:
		case <-f.ctx.Done():
			return
		}
	}
}
