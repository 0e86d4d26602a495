// Package middleware provides admission middleware for net/http servers.
//
// Framework-specific adapters live in subpackages so that importing the HTTP
// middleware does not pull in their dependencies: ginmw (Gin), echomw (Echo),
// fibermw (Fiber), and grpcmw (gRPC interceptors).
//
// Usage:
//
//	limiter, _ := gateguard.New(s, gateguard.WithRules(rules...))
//	mux.Handle("/api/", middleware.Admission(limiter)(handler))
package middleware

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/krishna-kudari/gateguard"
)

// Engine is the subset of *gateguard.Limiter the middleware needs.
type Engine interface {
	Consume(ctx context.Context, rc *gateguard.RequestContext) (*gateguard.Result, error)
}

// ConcurrencyGate limits in-flight requests per tier. *gateguard.Limiter
// satisfies it; wire it via Config.Concurrency when tiers set a
// ConcurrentRequests cap.
type ConcurrencyGate interface {
	EnterConcurrent(ctx context.Context, rc *gateguard.RequestContext) (release func(), res *gateguard.Result, err error)
}

// ContextFunc builds the admission RequestContext from an HTTP request.
type ContextFunc func(r *http.Request) *gateguard.RequestContext

// ErrorHandler is called when the limiter returns an error alongside a
// decision it could not make. Default behavior: 500 Internal Server Error.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

// DeniedHandler is called when a request is denied. Default behavior: the
// result's status code with the standard JSON rejection body.
type DeniedHandler func(w http.ResponseWriter, r *http.Request, res *gateguard.Result)

// Config holds the admission middleware configuration.
type Config struct {
	// Engine is the admission engine (required).
	Engine Engine

	// Concurrency, when set, gates in-flight requests per tier after the
	// rate decision. The slot is held for the duration of the handler.
	Concurrency ConcurrencyGate

	// ContextFunc builds the RequestContext. Default: ContextFromRequest.
	ContextFunc ContextFunc

	// ErrorHandler is called when Consume itself fails. Default: 500.
	ErrorHandler ErrorHandler

	// DeniedHandler is called on denial. Default: JSON rejection body.
	DeniedHandler DeniedHandler

	// ExcludePaths are request paths that bypass admission entirely
	// (e.g. health checks and the admin surface).
	ExcludePaths map[string]bool

	// Headers controls whether X-RateLimit-* headers are set on responses.
	// Default: true.
	Headers *bool
}

// Admission creates HTTP middleware with default settings.
func Admission(engine Engine) func(http.Handler) http.Handler {
	return AdmissionWithConfig(Config{Engine: engine})
}

// AdmissionWithConfig creates HTTP middleware with full configuration control.
func AdmissionWithConfig(cfg Config) func(http.Handler) http.Handler {
	if cfg.Engine == nil {
		panic("gateguard/middleware: Engine is required")
	}
	if cfg.ContextFunc == nil {
		cfg.ContextFunc = ContextFromRequest
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = defaultErrorHandler
	}
	if cfg.DeniedHandler == nil {
		cfg.DeniedHandler = defaultDeniedHandler
	}
	sendHeaders := cfg.Headers == nil || *cfg.Headers

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.ExcludePaths != nil && cfg.ExcludePaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			rc := cfg.ContextFunc(r)
			res, err := cfg.Engine.Consume(r.Context(), rc)
			if err != nil && res == nil {
				cfg.ErrorHandler(w, r, err)
				return
			}

			if sendHeaders {
				for name, value := range res.Headers() {
					w.Header().Set(name, value)
				}
			}
			if res.Degraded {
				w.Header().Set("X-Degraded", "true")
			}

			if !res.Allowed {
				cfg.DeniedHandler(w, r, res)
				return
			}

			if cfg.Concurrency != nil {
				release, cres, err := cfg.Concurrency.EnterConcurrent(r.Context(), rc)
				if err != nil && cres == nil {
					cfg.ErrorHandler(w, r, err)
					return
				}
				if !cres.Allowed {
					cfg.DeniedHandler(w, r, cres)
					return
				}
				defer release()
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ContextFromRequest is the default ContextFunc. The client IP is resolved
// through X-Forwarded-For and X-Real-IP before falling back to RemoteAddr;
// identity attributes come from the conventional headers an upstream auth
// layer sets (X-API-Key, X-User-ID, X-Tenant-ID, X-Tier, X-Role).
func ContextFromRequest(r *http.Request) *gateguard.RequestContext {
	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[strings.ToLower(name)] = values[0]
		}
	}
	return &gateguard.RequestContext{
		IP:       ClientIP(r),
		APIKey:   r.Header.Get("X-API-Key"),
		UserID:   r.Header.Get("X-User-ID"),
		TenantID: r.Header.Get("X-Tenant-ID"),
		Tier:     r.Header.Get("X-Tier"),
		Role:     r.Header.Get("X-Role"),
		Method:   r.Method,
		Path:     r.URL.Path,
		Headers:  headers,
	}
}

// ClientIP extracts the client address from a request. It checks
// X-Forwarded-For, then X-Real-IP, then falls back to RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0]); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func defaultErrorHandler(w http.ResponseWriter, _ *http.Request, _ error) {
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

func defaultDeniedHandler(w http.ResponseWriter, _ *http.Request, res *gateguard.Result) {
	status := res.StatusCode
	if status == 0 {
		status = http.StatusTooManyRequests
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(res.Body())
}
