package grpcmw_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/krishna-kudari/gateguard"
	"github.com/krishna-kudari/gateguard/middleware/grpcmw"
)

type fakeEngine struct {
	res  *gateguard.Result
	last *gateguard.RequestContext
}

func (f *fakeEngine) Consume(_ context.Context, rc *gateguard.RequestContext) (*gateguard.Result, error) {
	f.last = rc
	return f.res, nil
}

type fakeStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *fakeStream) Context() context.Context { return s.ctx }

func unaryInfo(method string) *grpc.UnaryServerInfo {
	return &grpc.UnaryServerInfo{FullMethod: method}
}

func okHandler(_ context.Context, _ any) (any, error) { return "reply", nil }

func TestUnaryInterceptor_Allowed(t *testing.T) {
	engine := &fakeEngine{res: &gateguard.Result{Allowed: true, Limit: 10, Remaining: 9, RuleID: "r"}}
	intercept := grpcmw.UnaryServerInterceptor(engine)

	reply, err := intercept(context.Background(), "req", unaryInfo("/svc.Api/Do"), okHandler)
	require.NoError(t, err)
	assert.Equal(t, "reply", reply)
	require.NotNil(t, engine.last)
	assert.Equal(t, "/svc.Api/Do", engine.last.Path, "full method doubles as the path")
	assert.Equal(t, "POST", engine.last.Method)
}

func TestUnaryInterceptor_RateLimited(t *testing.T) {
	engine := &fakeEngine{res: &gateguard.Result{
		Allowed: false, StatusCode: 429, RetryAfter: 2 * time.Second, RuleID: "r",
	}}
	intercept := grpcmw.UnaryServerInterceptor(engine)

	_, err := intercept(context.Background(), "req", unaryInfo("/svc.Api/Do"), okHandler)
	require.Error(t, err)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestUnaryInterceptor_CircuitOpen(t *testing.T) {
	engine := &fakeEngine{res: &gateguard.Result{
		Allowed: false, StatusCode: 503, RetryAfter: 3 * time.Second,
		Message: "service temporarily unavailable",
	}}
	intercept := grpcmw.UnaryServerInterceptor(engine)

	_, err := intercept(context.Background(), "req", unaryInfo("/svc.Api/Do"), okHandler)
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestUnaryInterceptor_QuotaExceeded(t *testing.T) {
	engine := &fakeEngine{res: &gateguard.Result{
		Allowed: false, StatusCode: 429, QuotaName: "ai-requests",
	}}
	intercept := grpcmw.UnaryServerInterceptor(engine)

	_, err := intercept(context.Background(), "req", unaryInfo("/svc.Api/Do"), okHandler)
	require.Error(t, err)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "ai-requests")
}

func TestUnaryInterceptor_ExcludeMethods(t *testing.T) {
	engine := &fakeEngine{res: &gateguard.Result{Allowed: false, StatusCode: 429}}
	intercept := grpcmw.UnaryServerInterceptorWithConfig(grpcmw.Config{
		Engine:         engine,
		ExcludeMethods: map[string]bool{"/grpc.health.v1.Health/Check": true},
	})

	_, err := intercept(context.Background(), "req",
		unaryInfo("/grpc.health.v1.Health/Check"), okHandler)
	require.NoError(t, err)
	assert.Nil(t, engine.last)
}

func TestStreamInterceptor(t *testing.T) {
	engine := &fakeEngine{res: &gateguard.Result{
		Allowed: false, StatusCode: 429, RetryAfter: time.Second,
	}}
	intercept := grpcmw.StreamServerInterceptor(engine)

	called := false
	err := intercept(nil, &fakeStream{ctx: context.Background()},
		&grpc.StreamServerInfo{FullMethod: "/svc.Api/Watch"},
		func(any, grpc.ServerStream) error { called = true; return nil })

	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
	assert.False(t, called)

	engine.res = &gateguard.Result{Allowed: true, Limit: 10, Remaining: 9}
	err = intercept(nil, &fakeStream{ctx: context.Background()},
		&grpc.StreamServerInfo{FullMethod: "/svc.Api/Watch"},
		func(any, grpc.ServerStream) error { called = true; return nil })
	require.NoError(t, err)
	assert.True(t, called)
}

func TestContextFromRPC(t *testing.T) {
	md := metadata.Pairs(
		"x-api-key", "sk-1",
		"x-user-id", "u1",
		"x-tenant-id", "t1",
		"x-tier", "pro",
	)
	ctx := metadata.NewIncomingContext(context.Background(), md)
	ctx = peer.NewContext(ctx, &peer.Peer{
		Addr: &net.TCPAddr{IP: net.ParseIP("192.0.2.4"), Port: 4567},
	})

	rc := grpcmw.ContextFromRPC(ctx, "/svc.Api/Do")
	assert.Equal(t, "192.0.2.4:4567", rc.IP)
	assert.Equal(t, "sk-1", rc.APIKey)
	assert.Equal(t, "u1", rc.UserID)
	assert.Equal(t, "t1", rc.TenantID)
	assert.Equal(t, "pro", rc.Tier)
	assert.Equal(t, "/svc.Api/Do", rc.Path)

	rc = grpcmw.ContextFromRPC(context.Background(), "/svc.Api/Do")
	assert.Equal(t, "unknown", rc.IP, "no peer info falls back to a sentinel")
}
