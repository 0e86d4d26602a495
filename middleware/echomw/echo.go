// Package echomw provides Echo middleware for the admission engine.
//
// Separated from the middleware package so that importing the HTTP middleware
// does not pull in github.com/labstack/echo.
//
// Usage:
//
//	limiter, _ := gateguard.New(s, gateguard.WithRules(rules...))
//	e := echo.New()
//	e.Use(echomw.Admission(limiter))
package echomw

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/krishna-kudari/gateguard"
	"github.com/krishna-kudari/gateguard/middleware"
)

// ContextFunc builds the admission RequestContext from an Echo context.
type ContextFunc func(c echo.Context) *gateguard.RequestContext

// DeniedHandler is called when a request is denied.
type DeniedHandler func(c echo.Context, res *gateguard.Result) error

// ErrorHandler is called when the limiter returns an error.
type ErrorHandler func(c echo.Context, err error) error

// Config holds the admission middleware configuration.
type Config struct {
	// Engine is the admission engine (required).
	Engine middleware.Engine

	// ContextFunc builds the RequestContext. Default uses Echo's RealIP
	// and the conventional identity headers.
	ContextFunc ContextFunc

	// DeniedHandler is called on denial. Default: JSON rejection body.
	DeniedHandler DeniedHandler

	// ErrorHandler is called on engine error. Default: 500.
	ErrorHandler ErrorHandler

	// ExcludePaths are request paths that bypass admission.
	ExcludePaths map[string]bool

	// Headers controls whether X-RateLimit-* headers are set.
	// Default: true.
	Headers *bool
}

// Admission creates Echo middleware with default settings.
func Admission(engine middleware.Engine) echo.MiddlewareFunc {
	return AdmissionWithConfig(Config{Engine: engine})
}

// AdmissionWithConfig creates Echo middleware with full configuration control.
func AdmissionWithConfig(cfg Config) echo.MiddlewareFunc {
	if cfg.Engine == nil {
		panic("echomw: Engine is required")
	}
	if cfg.ContextFunc == nil {
		cfg.ContextFunc = contextFromEcho
	}
	if cfg.DeniedHandler == nil {
		cfg.DeniedHandler = defaultDeniedHandler
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = defaultErrorHandler
	}
	sendHeaders := cfg.Headers == nil || *cfg.Headers

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.ExcludePaths != nil && cfg.ExcludePaths[c.Request().URL.Path] {
				return next(c)
			}

			res, err := cfg.Engine.Consume(c.Request().Context(), cfg.ContextFunc(c))
			if err != nil && res == nil {
				return cfg.ErrorHandler(c, err)
			}

			if sendHeaders {
				h := c.Response().Header()
				for name, value := range res.Headers() {
					h.Set(name, value)
				}
			}
			if res.Degraded {
				c.Response().Header().Set("X-Degraded", "true")
			}

			if !res.Allowed {
				return cfg.DeniedHandler(c, res)
			}
			return next(c)
		}
	}
}

func contextFromEcho(c echo.Context) *gateguard.RequestContext {
	r := c.Request()
	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[strings.ToLower(name)] = values[0]
		}
	}
	return &gateguard.RequestContext{
		IP:       c.RealIP(),
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

func defaultDeniedHandler(c echo.Context, res *gateguard.Result) error {
	status := res.StatusCode
	if status == 0 {
		status = http.StatusTooManyRequests
	}
	return c.JSON(status, res.Body())
}

func defaultErrorHandler(c echo.Context, _ error) error {
	return c.JSON(http.StatusInternalServerError,
		map[string]any{"statusCode": 500, "error": "Internal Server Error"})
}
