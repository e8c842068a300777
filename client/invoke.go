package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Attempt is one send of a request.
type Attempt struct {
	// Number is 0 for the first send and 1 for the replay.
	Number int
	// Credential is the bearer credential this send must carry.
	Credential string
	// RequestID is shared by the first send and its replay.
	RequestID string
}

// SendFunc performs one attempt over some transport. unauthenticated reports
// that the backend rejected the credential (HTTP 401, gRPC Unauthenticated).
// Any other outcome, success or failure, is returned as-is by Invoke.
type SendFunc[T any] func(ctx context.Context, a Attempt) (res T, unauthenticated bool, err error)

// Invoke runs one request through the session: it takes the current
// credential, sends, and on rejection obtains the epoch's refreshed
// credential and replays exactly once. A rejected replay, or a failed
// refresh, tears the session down and fails the call.
func Invoke[T any](ctx context.Context, s *Session, send SendFunc[T]) (res T, err error) {
	var zero T

	ctx, span := s.telemetry.tracer.Start(ctx, "authfetch.invoke")
	attempts := 0
	defer func() {
		span.SetAttributes(attribute.Int("attempts", attempts))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.SetAttributes(attribute.String("outcome", "error"))
		} else {
			span.SetAttributes(attribute.String("outcome", "ok"))
		}
		span.End()
	}()

	token, err := s.source.GetToken(ctx)
	if err != nil {
		if errors.Is(err, ErrRefreshFailed) || errors.Is(err, ErrAuthenticationRequired) {
			return zero, err
		}
		return zero, fmt.Errorf("get token: %w", err)
	}
	if token == "" {
		return zero, ErrAuthenticationRequired
	}

	a := Attempt{Credential: token, RequestID: uuid.NewString()}
	if IsRetried(ctx) {
		a.Number = 1
	}

	attempts++
	res, unauthenticated, err := send(ctx, a)
	if err != nil || !unauthenticated {
		return res, err
	}

	if a.Number > 0 {
		// Already a replay by the caller's own doing: never refresh twice for one attempt.
		s.logger.Warn("credential rejected on replayed attempt", "request_id", a.RequestID)
		s.teardown.Trigger(ctx, 0, ErrUnauthorizedAfterRefresh)
		return zero, ErrUnauthorizedAfterRefresh
	}

	s.logger.Debug("credential rejected, refreshing", "request_id", a.RequestID)
	refreshed, err := s.coordinator.Obtain(ctx)
	if err != nil {
		// On RefreshError the coordinator has already triggered teardown.
		return zero, err
	}

	s.telemetry.retried(ctx)
	a = Attempt{Number: 1, Credential: refreshed.Credential, RequestID: a.RequestID}
	attempts++
	res, unauthenticated, err = send(ContextWithRetried(ctx), a)
	if err != nil {
		return res, err
	}
	if unauthenticated {
		s.logger.Warn("credential rejected after refresh", "request_id", a.RequestID, "epoch", refreshed.Epoch)
		s.teardown.Trigger(ctx, refreshed.Epoch, ErrUnauthorizedAfterRefresh)
		return zero, fmt.Errorf("%w (epoch %d)", ErrUnauthorizedAfterRefresh, refreshed.Epoch)
	}
	return res, nil
}
