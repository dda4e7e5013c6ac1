package consumer

import (
	"context"
	"sync"

	"github.com/techmoksha/alpakka-kafka/kafka"
)

// ControlState is the lifecycle phase of a source.
type ControlState int32

const (
	// StateRunning polls and delivers records.
	StateRunning ControlState = iota
	// StateStopping delivers in-flight records but starts no new polls.
	StateStopping
	// StateStopped has completed downstream; the client stays open for
	// commits until Shutdown.
	StateStopped
	// StateShutDown has released the client.
	StateShutDown
)

func (s ControlState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateShutDown:
		return "shut-down"
	default:
		return "unknown"
	}
}

// Control is the handle every source materializes. It decouples stopping
// record delivery from releasing the underlying client so that offsets for
// already-delivered records can still be committed in between.
type Control struct {
	o *ClientOwner

	// a Control holds exactly one reference on the owner; repeated Shutdown
	// calls must not release references other holders still count on
	releaseOnce sync.Once
}

// State reports the current lifecycle phase.
func (c *Control) State() ControlState {
	return ControlState(c.o.state.Load())
}

// Stop drains the source: no new records are polled, in-flight records are
// delivered, then the message channel closes. The client stays usable for
// commits. Stop is idempotent and returns once the drain completes.
func (c *Control) Stop(ctx context.Context) error {
	c.o.requestStop()

	select {
	case <-c.o.stopped:
		return nil
	case <-c.o.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown releases this source's reference on the client. When this was
// the last reference the client is closed and commits attempted afterwards
// fail with ErrShutDown; on a shared owner (PlainExternalSource) the
// client stays open for the remaining holders and Shutdown returns once
// this source has completed. Shutdown is idempotent.
func (c *Control) Shutdown(ctx context.Context) error {
	c.o.requestStop()

	var last bool
	c.releaseOnce.Do(func() {
		last = c.o.release(nil)
	})

	wait := c.o.stopped
	if last {
		wait = c.o.done
	}

	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DrainAndShutdown stops the source, waits for the drain, then shuts down.
// The caller must keep consuming the message channel or the drain cannot
// finish.
func (c *Control) DrainAndShutdown(ctx context.Context) error {
	if err := c.Stop(ctx); err != nil {
		return err
	}

	return c.Shutdown(ctx)
}

// Done is closed once the source has fully shut down.
func (c *Control) Done() <-chan struct{} {
	return c.o.done
}

// Err returns the failure cause after an abnormal shutdown, or nil after a
// clean one.
func (c *Control) Err() error {
	return c.o.getErr()
}

// Metrics snapshots client-level counters by name.
func (c *Control) Metrics(ctx context.Context) (map[string]int64, error) {
	var out map[string]int64
	err := c.o.WithClient(ctx, func(client kafka.Client) error {
		var err error
		out, err = client.Metrics(ctx)
		return err
	})
	return out, err
}

// Assignment reports the partitions currently owned by this consumer.
func (c *Control) Assignment(ctx context.Context) ([]kafka.TopicPartition, error) {
	var out []kafka.TopicPartition
	err := c.o.WithClient(ctx, func(kafka.Client) error {
		out = c.o.currentAssignment()
		return nil
	})
	return out, err
}

// RegisterRevokeFlush registers a flusher consulted during partition
// revocation, before ownership is released. Committer sinks use this to
// land accumulated offsets ahead of a rebalance.
func (c *Control) RegisterRevokeFlush(f RevokeFlush) {
	_ = c.o.enqueue(func(context.Context) {
		c.o.flushers = append(c.o.flushers, f)
	})
}
