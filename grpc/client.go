package grpc

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/panyam/authfetch/client"
)

// outgoing attaches the attempt's credential and request ID to ctx.
func outgoing(ctx context.Context, session *client.Session, config *Config, a client.Attempt) context.Context {
	var kv []string
	for k, vs := range session.Headers(a.Credential) {
		key := strings.ToLower(k)
		if key == "authorization" {
			key = config.MetadataKeyAuthorization
		}
		for _, v := range vs {
			kv = append(kv, key, v)
		}
	}
	if a.RequestID != "" {
		kv = append(kv, config.MetadataKeyRequestID, a.RequestID)
	}
	return metadata.AppendToOutgoingContext(ctx, kv...)
}

// UnaryClientInterceptor runs every unary call through session. A call that
// fails with codes.Unauthenticated is retried once after the session's
// refresh; errors from the session itself (client.ErrAuthenticationRequired,
// refresh failures) are returned unchanged so errors.Is keeps working.
func UnaryClientInterceptor(session *client.Session, config *Config) grpc.UnaryClientInterceptor {
	if config == nil {
		config = DefaultConfig()
	}
	config.EnsureDefaults()

	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		_, err := client.Invoke[struct{}](ctx, session, func(ctx context.Context, a client.Attempt) (struct{}, bool, error) {
			err := invoker(outgoing(ctx, session, config, a), method, req, reply, cc, opts...)
			if status.Code(err) == codes.Unauthenticated {
				return struct{}{}, true, nil
			}
			return struct{}{}, false, err
		})
		return err
	}
}

// StreamClientInterceptor attaches the session credential to new streams.
// Only a rejection while opening the stream is recovered; one that arrives
// later on RecvMsg is returned to the caller as is.
func StreamClientInterceptor(session *client.Session, config *Config) grpc.StreamClientInterceptor {
	if config == nil {
		config = DefaultConfig()
	}
	config.EnsureDefaults()

	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		return client.Invoke[grpc.ClientStream](ctx, session, func(ctx context.Context, a client.Attempt) (grpc.ClientStream, bool, error) {
			cs, err := streamer(outgoing(ctx, session, config, a), desc, cc, method, opts...)
			if status.Code(err) == codes.Unauthenticated {
				return nil, true, nil
			}
			return cs, false, err
		})
	}
}

// BearerCredentials is a PerRPCCredentials that sends the source's current
// token. It never refreshes; use the interceptors for that.
type BearerCredentials struct {
	Source client.CredentialSource

	// AllowInsecure permits sending the token over plaintext connections.
	AllowInsecure bool
}

func (b BearerCredentials) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	token, err := b.Source.GetToken(ctx)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, client.ErrAuthenticationRequired
	}
	return map[string]string{DefaultMetadataKeyAuthorization: "Bearer " + token}, nil
}

func (b BearerCredentials) RequireTransportSecurity() bool {
	return !b.AllowInsecure
}
