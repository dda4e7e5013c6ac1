package consumer

import (
	"context"
	"time"

	"github.com/techmoksha/alpakka-kafka/kafka"
)

// CommitFunc commits offsets synchronously on the owner goroutine. It is
// handed to revoke flushers so they can land pending commits before the
// revoked partitions change hands.
type CommitFunc func(ctx context.Context, offsets map[kafka.TopicPartition]kafka.Offset) error

// RevokeFlush is called during partition revocation, before ownership is
// released. Implementations flush whatever offsets they have accumulated
// for the revoked partitions through commit.
type RevokeFlush func(ctx context.Context, revoked []kafka.TopicPartition, commit CommitFunc)

// rebalanceCoordinator translates client rebalance callbacks into the
// source-facing lifecycle. The client invokes callbacks on the goroutine
// calling Poll, which is the owner goroutine, so the coordinator may use
// the client directly.
type rebalanceCoordinator struct {
	o          *ClientOwner
	listener   RebalanceListener
	resolver   GetOffsetsOnAssign
	revokeHook RevokeHook
	round      int
}

var _ kafka.RebalanceCallback = (*rebalanceCoordinator)(nil)

func (c *rebalanceCoordinator) OnRevoked(ctx context.Context, partitions []kafka.TopicPartition) {
	o := c.o
	c.round++

	o.logger.Info("Partitions revoked", "round", c.round, "partitions", len(partitions))
	o.settings.Telemetry.Rebalances.Add(ctx, 1)

	if c.listener != nil {
		c.listener.OnRevoke(partitions)
	}
	if c.revokeHook != nil {
		c.revokeHook(partitions)
	}

	deadline := time.Now().Add(o.settings.FlushTimeoutOnRevoke)
	fctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	for _, flush := range o.flushers {
		flush(fctx, partitions, o.commitGuarded)
	}

	// commits already queued by concurrent committers get one bounded
	// chance to land while the partitions are still owned
	o.serveQueuedOps(ctx, deadline)

	for _, tp := range partitions {
		delete(o.assigned, tp)
		delete(o.highWater, tp)
	}

	if o.deliverer != nil {
		o.deliverer.partitionsRevoked(ctx, o, partitions)
	}
}

func (c *rebalanceCoordinator) OnAssigned(ctx context.Context, partitions []kafka.TopicPartition) {
	o := c.o

	o.logger.Info("Partitions assigned", "round", c.round, "partitions", len(partitions))

	for _, tp := range partitions {
		o.assigned[tp] = struct{}{}
	}

	c.seedWatermarks(ctx, partitions)

	if c.resolver != nil {
		if err := c.resolveAndSeek(ctx, partitions); err != nil {
			o.logger.Error("Offset resolution failed, shutting down", "error", err)
			o.fail(kafka.NewCallbackError("offset resolver", err))
			return
		}
	}

	if o.deliverer != nil {
		o.deliverer.partitionsAssigned(ctx, o, partitions)
	}

	if c.listener != nil {
		c.listener.OnAssign(partitions)
	}
}

// seedWatermarks restarts the regression guard from the group's committed
// positions. A partition regained after a revoke may have been advanced by
// an interim owner; without re-seeding, a straggler commit of an old offset
// would move the broker-visible position backwards.
func (c *rebalanceCoordinator) seedWatermarks(ctx context.Context, partitions []kafka.TopicPartition) {
	o := c.o

	fctx, cancel := context.WithTimeout(ctx, o.settings.CommitTimeout)
	defer cancel()

	committed, err := o.client.Committed(fctx, partitions)
	if err != nil {
		o.logger.Warn("Could not fetch committed offsets on assign", "error", err)
		return
	}

	for tp, offset := range committed {
		if hw, ok := o.highWater[tp]; !ok || offset.Offset > hw {
			o.highWater[tp] = offset.Offset
		}
	}
}

// resolveAndSeek asks the external resolver for starting positions and
// seeks the client there. Called exactly once per assignment round.
func (c *rebalanceCoordinator) resolveAndSeek(ctx context.Context, partitions []kafka.TopicPartition) error {
	o := c.o

	rctx, cancel := context.WithTimeout(ctx, o.settings.ResolveTimeout)
	defer cancel()

	offsets, err := c.resolver(rctx, partitions)
	if err != nil {
		return err
	}

	for tp, offset := range offsets {
		o.client.Seek(tp, offset)
	}

	return nil
}
