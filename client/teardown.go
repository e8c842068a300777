package client

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

const teardownKey = "signout"

// Teardown invokes the source's SignOut at most once per failure epoch, no
// matter how many concurrent requests decide the session is unrecoverable.
//
// Two gates apply. While a sign-out is in flight, further triggers join it.
// Once it settles the gate reopens, except for triggers that carry a refresh
// epoch that has already been torn down.
type Teardown struct {
	signOut   func(ctx context.Context) error
	timeout   time.Duration
	logger    *slog.Logger
	telemetry *telemetry

	group singleflight.Group
	wg    sync.WaitGroup

	mu        sync.Mutex
	lastEpoch uint64

	invocations atomic.Uint64
}

func newTeardown(signOut func(ctx context.Context) error, timeout time.Duration, logger *slog.Logger, tel *telemetry) *Teardown {
	return &Teardown{
		signOut:   signOut,
		timeout:   timeout,
		logger:    logger,
		telemetry: tel,
	}
}

// Trigger requests a sign-out and returns immediately.
// epoch is the refresh epoch that failed, or 0 when unknown.
func (t *Teardown) Trigger(ctx context.Context, epoch uint64, reason error) {
	if epoch != 0 {
		t.mu.Lock()
		if epoch <= t.lastEpoch {
			t.mu.Unlock()
			t.logger.Debug("teardown already done for epoch", "epoch", epoch)
			return
		}
		t.lastEpoch = epoch
		t.mu.Unlock()
	}

	// Detached: the requester is about to return and must not cancel the sign-out.
	sctx := context.WithoutCancel(ctx)
	t.wg.Add(1)
	ch := t.group.DoChan(teardownKey, func() (any, error) {
		t.run(sctx, epoch, reason)
		return nil, nil
	})
	go func() {
		<-ch
		t.wg.Done()
	}()
}

func (t *Teardown) run(ctx context.Context, epoch uint64, reason error) {
	t.invocations.Add(1)
	t.telemetry.tornDown(ctx)
	t.logger.Warn("tearing down session", "epoch", epoch, "reason", reason)

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("sign-out panicked", "epoch", epoch, "panic", r)
		}
	}()
	if err := t.signOut(ctx); err != nil {
		t.logger.Warn("sign-out failed", "epoch", epoch, "err", err)
	}
}

// Invocations returns how many times SignOut has actually been called.
func (t *Teardown) Invocations() uint64 {
	return t.invocations.Load()
}

// Wait blocks until the in-flight sign-out, if any, has settled.
func (t *Teardown) Wait() {
	t.wg.Wait()
}
