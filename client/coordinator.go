package client

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// RefreshState is the coordinator's position in its refresh cycle.
type RefreshState int32

const (
	// StateIdle: no refresh has happened yet.
	StateIdle RefreshState = iota
	// StateRefreshing: one refresh is in flight and new callers join it.
	StateRefreshing
	// StateSettled: the last refresh finished; the next caller starts a new epoch.
	StateSettled
)

func (s RefreshState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRefreshing:
		return "refreshing"
	case StateSettled:
		return "settled"
	}
	return fmt.Sprintf("RefreshState(%d)", int32(s))
}

// Refreshed is the outcome of a successful epoch, identical for every waiter.
type Refreshed struct {
	Credential string
	Epoch      uint64
}

// flight is the shared future of one refresh epoch.
type flight struct {
	epoch   uint64
	done    chan struct{}
	waiters int
	// rejected is set once a caller joined after the backend refused its
	// credential. Only such epochs sign out on failure.
	rejected bool
	result   Refreshed
	err      error
}

// RefreshCoordinator keeps at most one refresh in flight per session.
//
// The first caller of an epoch starts the refresh; everyone arriving while it
// runs gets the same flight. The flight is detached from the coordinator
// before its result is published, so a caller arriving after settlement
// always starts a new epoch.
type RefreshCoordinator struct {
	refresh   func(ctx context.Context) (string, error)
	teardown  *Teardown
	timeout   time.Duration
	logger    *slog.Logger
	telemetry *telemetry

	mu       sync.Mutex
	state    RefreshState
	epoch    uint64
	calls    uint64
	inflight *flight
}

func newRefreshCoordinator(refresh func(ctx context.Context) (string, error), teardown *Teardown, timeout time.Duration, logger *slog.Logger, tel *telemetry) *RefreshCoordinator {
	return &RefreshCoordinator{
		refresh:   refresh,
		teardown:  teardown,
		timeout:   timeout,
		logger:    logger,
		telemetry: tel,
	}
}

// Obtain returns the credential produced by the current refresh epoch,
// starting one if none is in flight. Callers use it after the backend
// rejected their credential, so a failed epoch signs the session out.
// When ctx ends first the caller stops waiting with ctx.Err(); the refresh
// itself keeps running for the others.
func (c *RefreshCoordinator) Obtain(ctx context.Context) (Refreshed, error) {
	return c.join(ctx, true)
}

// Prefetch joins or starts an epoch like Obtain, for a credential that is
// about to expire but has not been rejected. A failed epoch only signs out
// if some Obtain caller joined it too.
func (c *RefreshCoordinator) Prefetch(ctx context.Context) (Refreshed, error) {
	return c.join(ctx, false)
}

func (c *RefreshCoordinator) join(ctx context.Context, rejected bool) (Refreshed, error) {
	c.mu.Lock()
	f := c.inflight
	if f == nil {
		c.epoch++
		c.calls++
		f = &flight{epoch: c.epoch, done: make(chan struct{})}
		c.inflight = f
		c.state = StateRefreshing
		go c.run(context.WithoutCancel(ctx), f)
	}
	f.waiters++
	if rejected {
		f.rejected = true
	}
	c.mu.Unlock()

	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return Refreshed{}, ctx.Err()
	}
}

func (c *RefreshCoordinator) run(ctx context.Context, f *flight) {
	c.logger.Debug("refreshing credential", "epoch", f.epoch)
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	token, err := c.invoke(ctx)
	if err == nil && strings.TrimSpace(token) == "" {
		err = ErrEmptyCredential
	}

	// Detach first: nobody can join this epoch after its waiter set is read.
	c.mu.Lock()
	c.inflight = nil
	c.state = StateSettled
	rejected := f.rejected
	c.mu.Unlock()

	if err != nil {
		f.err = &RefreshError{Epoch: f.epoch, Err: err}
		c.logger.Warn("credential refresh failed", "epoch", f.epoch, "err", err, "rejected", rejected)
		c.telemetry.refreshed(ctx, false)
		// A failed refresh is final for this epoch: sign out before any waiter sees the error.
		if rejected {
			c.teardown.Trigger(ctx, f.epoch, f.err)
		}
	} else {
		f.result = Refreshed{Credential: token, Epoch: f.epoch}
		c.logger.Debug("credential refreshed", "epoch", f.epoch)
		c.telemetry.refreshed(ctx, true)
	}
	close(f.done)
}

// invoke calls the refresh primitive, turning a panic into an error so the
// waiters of this epoch are never left hanging.
func (c *RefreshCoordinator) invoke(ctx context.Context) (token string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("refresh panicked: %v", r)
		}
	}()
	return c.refresh(ctx)
}

// State returns the current state.
func (c *RefreshCoordinator) State() RefreshState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Epoch returns the number of the most recently started epoch (0 before any).
func (c *RefreshCoordinator) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Waiters returns how many callers have joined the in-flight epoch, or 0
// when no refresh is running.
func (c *RefreshCoordinator) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight == nil {
		return 0
	}
	return c.inflight.waiters
}

// Calls returns how many times the refresh primitive has been invoked.
func (c *RefreshCoordinator) Calls() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}
