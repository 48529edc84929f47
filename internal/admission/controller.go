// Package admission bounds the number of evaluations that may run
// concurrently, admitting callers FIFO and holding the slot through the
// full sandbox-run-plus-callback lifetime.
package admission

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
)

// ErrShuttingDown is returned by Acquire once Shutdown has been called.
// The evaluator logs it and drops the evaluation; the HTTP 503 for new
// requests during shutdown comes from the ingress server's own drain flag.
var ErrShuttingDown = errors.New("admission: controller is shutting down")

// Controller is a counting semaphore implemented as a buffered channel —
// sends block once the channel is full, which gives FIFO-ish admission
// under Go's runtime scheduling, and Release always succeeds.
type Controller struct {
	slots    chan struct{}
	shutdown atomic.Bool
	maxSlots int
	logger   *slog.Logger
}

// New creates a controller admitting at most maxConcurrent evaluations at once.
func New(maxConcurrent int) *Controller {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Controller{
		slots:    make(chan struct{}, maxConcurrent),
		maxSlots: maxConcurrent,
		logger:   slog.Default().With("component", "admission"),
	}
}

// Acquire blocks until a slot is free, the context is cancelled, or the
// controller is shutting down.
func (c *Controller) Acquire(ctx context.Context) error {
	if c.shutdown.Load() {
		return ErrShuttingDown
	}

	select {
	case c.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot. Safe to call exactly once per successful Acquire.
func (c *Controller) Release() {
	select {
	case <-c.slots:
	default:
		c.logger.Warn("release called with no held slot")
	}
}

// Shutdown stops admitting new evaluations. In-flight evaluations already
// holding a slot are unaffected; the caller is responsible for draining them.
func (c *Controller) Shutdown() {
	c.shutdown.Store(true)
}

// InFlight returns the number of currently held slots, for metrics/health.
func (c *Controller) InFlight() int {
	return len(c.slots)
}

// Capacity returns the configured maximum concurrency.
func (c *Controller) Capacity() int {
	return c.maxSlots
}
