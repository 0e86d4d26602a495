// Package grpcmw provides gRPC server interceptors for the admission engine.
//
// Separated from the middleware package so that importing the HTTP middleware
// does not pull in google.golang.org/grpc.
//
// Denials map to gRPC status codes: rate limit and quota rejections become
// codes.ResourceExhausted, an open circuit becomes codes.Unavailable. The
// X-RateLimit-* headers are sent as response metadata.
//
// Usage:
//
//	limiter, _ := gateguard.New(s, gateguard.WithRules(rules...))
//	server := grpc.NewServer(
//	    grpc.ChainUnaryInterceptor(grpcmw.UnaryServerInterceptor(limiter)),
//	    grpc.ChainStreamInterceptor(grpcmw.StreamServerInterceptor(limiter)),
//	)
package grpcmw

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/krishna-kudari/gateguard"
	"github.com/krishna-kudari/gateguard/middleware"
)

// ContextFunc builds the admission RequestContext for an RPC. fullMethod is
// the full method name, e.g. "/pkg.Service/Method".
type ContextFunc func(ctx context.Context, fullMethod string) *gateguard.RequestContext

// DeniedHandler produces the gRPC error returned when an RPC is denied.
type DeniedHandler func(ctx context.Context, res *gateguard.Result) error

// Config holds full configuration for the admission interceptors.
type Config struct {
	// Engine is the admission engine (required).
	Engine middleware.Engine

	// ContextFunc builds the RequestContext. Default: ContextFromRPC.
	ContextFunc ContextFunc

	// DeniedHandler produces the error returned on denial. Default maps
	// the result's status code onto gRPC codes.
	DeniedHandler DeniedHandler

	// ExcludeMethods are full method names that bypass admission.
	ExcludeMethods map[string]bool

	// Headers controls whether rate limit metadata is sent in response
	// headers. Default: true.
	Headers *bool
}

// UnaryServerInterceptor creates a unary interceptor with default settings.
func UnaryServerInterceptor(engine middleware.Engine) grpc.UnaryServerInterceptor {
	return UnaryServerInterceptorWithConfig(Config{Engine: engine})
}

// UnaryServerInterceptorWithConfig creates a unary interceptor with full
// configuration control.
func UnaryServerInterceptorWithConfig(cfg Config) grpc.UnaryServerInterceptor {
	cfg.withDefaults()
	sendHeaders := cfg.Headers == nil || *cfg.Headers

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if cfg.ExcludeMethods != nil && cfg.ExcludeMethods[info.FullMethod] {
			return handler(ctx, req)
		}

		res, err := cfg.Engine.Consume(ctx, cfg.ContextFunc(ctx, info.FullMethod))
		if err != nil && res == nil {
			return nil, status.Error(codes.Internal, "admission check failed")
		}

		if sendHeaders {
			setMetadata(ctx, res)
		}
		if !res.Allowed {
			return nil, cfg.DeniedHandler(ctx, res)
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor creates a stream interceptor with default settings.
func StreamServerInterceptor(engine middleware.Engine) grpc.StreamServerInterceptor {
	return StreamServerInterceptorWithConfig(Config{Engine: engine})
}

// StreamServerInterceptorWithConfig creates a stream interceptor with full
// configuration control.
func StreamServerInterceptorWithConfig(cfg Config) grpc.StreamServerInterceptor {
	cfg.withDefaults()
	sendHeaders := cfg.Headers == nil || *cfg.Headers

	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()
		if cfg.ExcludeMethods != nil && cfg.ExcludeMethods[info.FullMethod] {
			return handler(srv, ss)
		}

		res, err := cfg.Engine.Consume(ctx, cfg.ContextFunc(ctx, info.FullMethod))
		if err != nil && res == nil {
			return status.Error(codes.Internal, "admission check failed")
		}

		if sendHeaders {
			setMetadata(ctx, res)
		}
		if !res.Allowed {
			return cfg.DeniedHandler(ctx, res)
		}
		return handler(srv, ss)
	}
}

func (cfg *Config) withDefaults() {
	if cfg.Engine == nil {
		panic("grpcmw: Engine is required")
	}
	if cfg.ContextFunc == nil {
		cfg.ContextFunc = ContextFromRPC
	}
	if cfg.DeniedHandler == nil {
		cfg.DeniedHandler = defaultDeniedHandler
	}
}

// ContextFromRPC is the default ContextFunc. The client IP comes from the
// peer address, identity attributes from the conventional metadata keys, and
// the full method name doubles as the request path for endpoint-scoped rules.
func ContextFromRPC(ctx context.Context, fullMethod string) *gateguard.RequestContext {
	headers := make(map[string]string)
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		for key, vals := range md {
			if len(vals) > 0 {
				headers[key] = vals[0]
			}
		}
	}
	return &gateguard.RequestContext{
		IP:       peerAddr(ctx),
		APIKey:   headers["x-api-key"],
		UserID:   headers["x-user-id"],
		TenantID: headers["x-tenant-id"],
		Tier:     headers["x-tier"],
		Role:     headers["x-role"],
		Method:   "POST",
		Path:     fullMethod,
		Headers:  headers,
	}
}

func peerAddr(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if ok && p.Addr != nil {
		return p.Addr.String()
	}
	return "unknown"
}

func setMetadata(ctx context.Context, res *gateguard.Result) {
	pairs := make([]string, 0, 10)
	for name, value := range res.Headers() {
		pairs = append(pairs, name, value)
	}
	if len(pairs) == 0 {
		return
	}
	_ = grpc.SetHeader(ctx, metadata.Pairs(pairs...))
}

func defaultDeniedHandler(_ context.Context, res *gateguard.Result) error {
	if res.StatusCode == 503 {
		return status.Errorf(codes.Unavailable, "%s, retry after %v", res.Message, res.RetryAfter)
	}
	if res.QuotaName != "" {
		return status.Errorf(codes.ResourceExhausted, "quota %s exceeded", res.QuotaName)
	}
	return status.Errorf(codes.ResourceExhausted, "rate limit exceeded, retry after %v", res.RetryAfter)
}
