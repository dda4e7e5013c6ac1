package consumer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/techmoksha/alpakka-kafka/kafka"
	"github.com/techmoksha/alpakka-kafka/logger"
)

// ErrShutDown is returned for operations on a source whose Control has been
// shut down, including commits on offsets that outlived their stream.
var ErrShutDown = errors.New("consumer control has been shut down")

type ownerOp func(ctx context.Context)

// deliverer routes polled records into a source's output. All methods run
// on the owner goroutine.
type deliverer interface {
	hasDemand() bool
	deliver(ctx context.Context, o *ClientOwner, records []kafka.ConsumerRecord) error
	partitionsAssigned(ctx context.Context, o *ClientOwner, partitions []kafka.TopicPartition)
	partitionsRevoked(ctx context.Context, o *ClientOwner, partitions []kafka.TopicPartition)
	maintain(o *ClientOwner)
	complete()
}

// ClientOwner serializes every access to a non-thread-safe kafka.Client on
// a single goroutine. External callers interact with it only by enqueueing
// operations; operations execute strictly in submission order.
//
// An owner is usually created internally by a source constructor. Create one
// directly with NewClientOwner to share a single physical client between a
// source and metadata queries (see PlainExternalSource).
type ClientOwner struct {
	client   kafka.Client
	settings *Settings
	logger   logger.Logger

	ops    chan ownerOp
	runCtx context.Context
	cancel context.CancelFunc

	// state below is touched only on the owner goroutine, except for the
	// attach/flusher ops that mutate it from within enqueued closures
	deliverer        deliverer
	coord            *rebalanceCoordinator
	polling          bool
	groupMode        bool
	assigned         map[kafka.TopicPartition]struct{}
	highWater        map[kafka.TopicPartition]int64
	flushers         []RevokeFlush
	pollAttempts     uint
	pollBackoffUntil time.Time

	state        atomic.Int32
	refs         atomic.Int32
	stopOnce     sync.Once
	shutdownOnce sync.Once
	stoppedOnce  sync.Once
	stopped      chan struct{}
	done         chan struct{}

	errMu sync.Mutex
	err   error
}

// NewClientOwner wraps an already-constructed client. The caller keeps one
// reference and must call Close to release it; the client itself is closed
// exactly once, when the last reference is released.
func NewClientOwner(client kafka.Client, settings *Settings) *ClientOwner {
	runCtx, cancel := context.WithCancel(context.Background())

	o := &ClientOwner{
		client:    client,
		settings:  settings,
		logger:    settings.Logger.With("component", "client-owner"),
		ops:       make(chan ownerOp, 64),
		runCtx:    runCtx,
		cancel:    cancel,
		assigned:  make(map[kafka.TopicPartition]struct{}),
		highWater: make(map[kafka.TopicPartition]int64),
		stopped:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	o.refs.Store(1)
	o.state.Store(int32(StateRunning))

	go o.run()

	return o
}

func newOwnerFromSettings(settings *Settings) (*ClientOwner, error) {
	client, err := settings.ClientFactory(settings)
	if err != nil {
		return nil, err
	}

	return NewClientOwner(client, settings), nil
}

// Close releases the caller's reference. The last release shuts the owner
// down and closes the client; Close then waits for the release to finish.
func (o *ClientOwner) Close(ctx context.Context) error {
	o.release(nil)

	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the physical client has been released.
func (o *ClientOwner) Done() <-chan struct{} {
	return o.done
}

// WithClient runs fn on the owner goroutine with exclusive client access.
// Use this to share the physical client for metadata queries.
func (o *ClientOwner) WithClient(ctx context.Context, fn func(client kafka.Client) error) error {
	done := make(chan error, 1)
	op := func(context.Context) {
		done <- fn(o.client)
	}

	if err := o.enqueue(op); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return ErrShutDown
	}
}

func (o *ClientOwner) retain() {
	o.refs.Add(1)
}

// release drops one reference and reports whether it was the last. The
// last release triggers teardown.
func (o *ClientOwner) release(cause error) bool {
	if cause != nil {
		o.setErr(cause)
	}

	if o.refs.Add(-1) <= 0 {
		o.requestShutdown(nil)
		return true
	}
	return false
}

func (o *ClientOwner) enqueue(op ownerOp) error {
	select {
	case o.ops <- op:
		return nil
	case <-o.done:
		return ErrShutDown
	}
}

func (o *ClientOwner) setErr(err error) {
	o.errMu.Lock()
	defer o.errMu.Unlock()

	if o.err == nil {
		o.err = err
	}
}

func (o *ClientOwner) getErr() error {
	o.errMu.Lock()
	defer o.errMu.Unlock()

	return o.err
}

// fail tears down the owner with a cause; every stage sharing the client
// observes the failure.
func (o *ClientOwner) fail(err error) {
	o.setErr(err)
	o.requestShutdown(nil)
}

func (o *ClientOwner) requestStop() {
	o.stopOnce.Do(func() {
		_ = o.enqueue(func(context.Context) {
			if o.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
				o.logger.Info("Stop requested, draining in-flight records")
			}
		})
	})
}

func (o *ClientOwner) requestShutdown(cause error) {
	o.shutdownOnce.Do(func() {
		if cause != nil {
			o.setErr(cause)
		}
		o.cancel()
	})
}

func (o *ClientOwner) run() {
	ctx := o.runCtx
	defer o.teardown()

	for {
		if ctx.Err() != nil {
			return
		}

		if o.deliverer != nil {
			o.deliverer.maintain(o)
		}

		if o.state.Load() == int32(StateStopping) {
			o.finishStop()
		}

		if o.polling && o.state.Load() == int32(StateRunning) {
			if wait := time.Until(o.pollBackoffUntil); wait > 0 {
				o.idle(ctx, wait)
				continue
			}

			if o.deliverer.hasDemand() {
				// queued operations run ahead of the next poll so commits
				// are never starved by a busy fetch loop
				select {
				case op := <-o.ops:
					op(ctx)
					continue
				default:
				}

				o.pollOnce(ctx)
				continue
			}
		}

		o.idle(ctx, o.settings.PollInterval)
	}
}

func (o *ClientOwner) idle(ctx context.Context, d time.Duration) {
	select {
	case op := <-o.ops:
		op(ctx)
	case <-time.After(d):
	case <-ctx.Done():
	}
}

func (o *ClientOwner) pollOnce(ctx context.Context) {
	tel := o.settings.Telemetry

	pollStart := time.Now()
	spanCtx, span := tel.Tracer.Start(ctx, "receive", trace.WithSpanKind(trace.SpanKindConsumer))
	records, err := o.client.Poll(spanCtx, o.settings.MaxPollRecords)
	tel.PollDuration.Record(ctx, time.Since(pollStart).Seconds())

	if err != nil {
		span.RecordError(err)
		span.End()

		if kafka.IsFatal(err) {
			o.logger.Error("Fatal client error during poll, shutting down", "error", err)
			o.fail(err)
			return
		}

		wait := o.settings.PollErrorBackoff.Next(o.pollAttempts)
		o.pollAttempts++
		o.pollBackoffUntil = time.Now().Add(wait)
		o.logger.Warn("Poll failed, backing off", "error", err, "backoff", wait)
		return
	}

	span.End()
	o.pollAttempts = 0

	if len(records) == 0 {
		// nothing buffered broker-side, wait a tick instead of spinning
		o.pollBackoffUntil = time.Now().Add(o.settings.PollInterval)
		return
	}

	tel.RecordsConsumed.Add(ctx, int64(len(records)))

	if err := o.deliverer.deliver(ctx, o, records); err != nil {
		o.logger.Debug("Delivery interrupted", "error", err)
	}
}

// finishStop completes the drain phase: in-flight records were already
// delivered by the time this runs between loop iterations.
func (o *ClientOwner) finishStop() {
	o.polling = false
	o.state.Store(int32(StateStopped))

	if o.deliverer != nil {
		o.deliverer.complete()
	}

	o.stoppedOnce.Do(func() {
		close(o.stopped)
	})

	o.logger.Info("Source stopped, downstream completed")
}

func (o *ClientOwner) teardown() {
	o.state.Store(int32(StateShutDown))
	o.polling = false

	if o.deliverer != nil {
		o.deliverer.complete()
	}

	o.stoppedOnce.Do(func() {
		close(o.stopped)
	})

	o.client.Close()
	close(o.done)

	o.logger.Info("Client released")
}

// serveQueuedOps executes queued operations until the queue is empty or the
// deadline passes. Used during revoke handling to flush pending commits.
func (o *ClientOwner) serveQueuedOps(ctx context.Context, deadline time.Time) {
	for {
		select {
		case op := <-o.ops:
			op(ctx)
			if time.Now().After(deadline) {
				o.logger.Warn("Timed out flushing queued operations on revoke")
				return
			}
		default:
			return
		}
	}
}

type coordinatorConfig struct {
	resolver   GetOffsetsOnAssign
	revokeHook RevokeHook
}

func (o *ClientOwner) attach(sub Subscription, d deliverer, cfg coordinatorConfig) error {
	done := make(chan error, 1)
	op := func(ctx context.Context) {
		done <- o.attachOnOwner(ctx, sub, d, cfg)
	}

	if err := o.enqueue(op); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-o.done:
		return ErrShutDown
	}
}

func (o *ClientOwner) attachOnOwner(ctx context.Context, sub Subscription, d deliverer, cfg coordinatorConfig) error {
	if o.deliverer != nil {
		return errors.New("owner already has an attached source")
	}

	o.coord = &rebalanceCoordinator{
		o:          o,
		listener:   sub.Listener(),
		resolver:   cfg.resolver,
		revokeHook: cfg.revokeHook,
	}

	if sub.IsAssignment() {
		if err := o.client.Assign(sub.Partitions()); err != nil {
			return err
		}

		o.groupMode = false
		for _, tp := range sub.Partitions() {
			o.assigned[tp] = struct{}{}
		}

		if cfg.resolver != nil {
			if err := o.coord.resolveAndSeek(ctx, sub.Partitions()); err != nil {
				return err
			}
		}
	} else {
		if err := o.client.Subscribe(sub.TopicNames(), o.coord); err != nil {
			return err
		}
		o.groupMode = true
	}

	o.deliverer = d
	o.polling = true

	return nil
}

// commitDispatcher is the non-owning back-reference held by committable
// offsets. Commits go through the owner's operation queue.
type commitDispatcher struct {
	o *ClientOwner
}

func (d *commitDispatcher) commit(ctx context.Context, offsets map[kafka.TopicPartition]kafka.Offset) error {
	if d == nil || d.o == nil {
		return ErrShutDown
	}
	o := d.o

	done := make(chan error, 1)
	op := func(opCtx context.Context) {
		done <- o.commitGuarded(opCtx, offsets)
	}

	if err := o.enqueue(op); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// the in-flight commit still completes on the owner; only the
		// result is discarded
		return ctx.Err()
	case <-o.done:
		return ErrShutDown
	}
}

// commitGuarded commits on the owner goroutine, filtering regressive
// offsets and rejecting partitions this consumer no longer owns.
func (o *ClientOwner) commitGuarded(ctx context.Context, offsets map[kafka.TopicPartition]kafka.Offset) error {
	if o.state.Load() == int32(StateShutDown) {
		return ErrShutDown
	}

	filtered := make(map[kafka.TopicPartition]kafka.Offset, len(offsets))
	for tp, offset := range offsets {
		if o.groupMode {
			if _, ok := o.assigned[tp]; !ok {
				return kafka.NewStaleCommitError(tp)
			}
		}

		if hw, ok := o.highWater[tp]; ok && offset.Offset <= hw {
			// the broker-visible offset never regresses
			continue
		}

		filtered[tp] = offset
	}

	if len(filtered) == 0 {
		return nil
	}

	cctx, cancel := context.WithTimeout(ctx, o.settings.CommitTimeout)
	defer cancel()

	start := time.Now()
	err := o.client.CommitOffsets(cctx, filtered)
	o.settings.Telemetry.CommitDuration.Record(ctx, time.Since(start).Seconds())

	if err != nil {
		if kafka.IsFatal(err) {
			o.logger.Error("Fatal client error during commit, shutting down", "error", err)
			o.fail(err)
		}
		return err
	}

	o.settings.Telemetry.CommittedBatches.Add(ctx, 1)

	for tp, offset := range filtered {
		o.highWater[tp] = offset.Offset
	}

	return nil
}

func (o *ClientOwner) currentAssignment() []kafka.TopicPartition {
	assignment := make([]kafka.TopicPartition, 0, len(o.assigned))
	for tp := range o.assigned {
		assignment = append(assignment, tp)
	}
	return assignment
}
