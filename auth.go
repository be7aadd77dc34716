package grpcfallback

import (
	"context"

	"google.golang.org/grpc/credentials"
)

// AuthProvider supplies the authentication headers attached to every call.
// It is consulted once per call, asynchronously.
type AuthProvider interface {
	RequestHeaders(ctx context.Context) (map[string]string, error)
}

// AuthFunc adapts a function to the AuthProvider interface.
type AuthFunc func(ctx context.Context) (map[string]string, error)

func (fn AuthFunc) RequestHeaders(ctx context.Context) (map[string]string, error) {
	return fn(ctx)
}

// StaticHeaders is an AuthProvider that always returns the same headers.
type StaticHeaders map[string]string

func (h StaticHeaders) RequestHeaders(context.Context) (map[string]string, error) {
	hdrs := make(map[string]string, len(h))
	for k, v := range h {
		hdrs[k] = v
	}
	return hdrs, nil
}

// BearerToken returns an AuthProvider that sends the given token in an
// Authorization header.
func BearerToken(token string) AuthProvider {
	return StaticHeaders{"Authorization": "Bearer " + token}
}

// PerRPCCredentials adapts gRPC per-RPC credentials, so the same credentials
// used with a real gRPC channel can authenticate fallback calls. The uri is
// passed to GetRequestMetadata and is typically the service's base URL.
func PerRPCCredentials(creds credentials.PerRPCCredentials, uri ...string) AuthProvider {
	return AuthFunc(func(ctx context.Context) (map[string]string, error) {
		return creds.GetRequestMetadata(ctx, uri...)
	})
}

func authHeaders(ctx context.Context, p AuthProvider) (map[string]string, error) {
	if p == nil {
		return nil, nil
	}
	return p.RequestHeaders(ctx)
}
