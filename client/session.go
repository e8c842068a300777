package client

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Default timeouts for the detached refresh and sign-out operations.
const (
	DefaultRefreshTimeout = 30 * time.Second
	DefaultSignOutTimeout = 10 * time.Second
)

// Session ties one CredentialSource to its refresh coordinator and teardown
// trigger. Independent sessions never share refresh or teardown state.
type Session struct {
	source    CredentialSource
	compose   HeaderComposer
	logger    *slog.Logger
	telemetry *telemetry

	refreshTimeout time.Duration
	signOutTimeout time.Duration
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	coordinator *RefreshCoordinator
	teardown    *Teardown
}

// Option configures a Session
type Option func(*Session)

// WithHeaderComposer replaces BearerHeaders.
func WithHeaderComposer(compose HeaderComposer) Option {
	return func(s *Session) {
		if compose != nil {
			s.compose = compose
		}
	}
}

// WithLogger sets the structured logger (defaults to slog.Default()).
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRefreshTimeout bounds the shared refresh operation. Zero disables the bound.
func WithRefreshTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.refreshTimeout = d
	}
}

// WithSignOutTimeout bounds the detached sign-out. Zero disables the bound.
func WithSignOutTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.signOutTimeout = d
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider (defaults to the global one).
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Session) {
		s.meterProvider = mp
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider (defaults to the global one).
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Session) {
		s.tracerProvider = tp
	}
}

// NewSession creates a session around source.
func NewSession(source CredentialSource, opts ...Option) *Session {
	s := &Session{
		source:         source,
		compose:        BearerHeaders,
		logger:         slog.Default(),
		refreshTimeout: DefaultRefreshTimeout,
		signOutTimeout: DefaultSignOutTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.telemetry = newTelemetry(s.meterProvider, s.tracerProvider, s.logger)
	s.teardown = newTeardown(source.SignOut, s.signOutTimeout, s.logger, s.telemetry)
	s.coordinator = newRefreshCoordinator(source.RefreshToken, s.teardown, s.refreshTimeout, s.logger, s.telemetry)
	return s
}

// Coordinator returns the session's refresh coordinator.
func (s *Session) Coordinator() *RefreshCoordinator {
	return s.coordinator
}

// Teardown returns the session's teardown trigger.
func (s *Session) Teardown() *Teardown {
	return s.teardown
}

// Source returns the credential source.
func (s *Session) Source() CredentialSource {
	return s.source
}

// Headers composes the headers for credential.
func (s *Session) Headers(credential string) http.Header {
	return s.compose(credential)
}

// Logger returns the session logger.
func (s *Session) Logger() *slog.Logger {
	return s.logger
}

type retriedKey struct{}

// ContextWithRetried marks ctx as carrying an attempt that has already been
// replayed once. A rejection on such an attempt is terminal.
func ContextWithRetried(ctx context.Context) context.Context {
	return context.WithValue(ctx, retriedKey{}, true)
}

// IsRetried reports whether ctx was marked by ContextWithRetried.
func IsRetried(ctx context.Context) bool {
	v, ok := ctx.Value(retriedKey{}).(bool)
	return ok && v
}
