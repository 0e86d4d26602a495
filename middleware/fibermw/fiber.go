// Package fibermw provides Fiber middleware for the admission engine.
//
// Separated from the middleware package so that importing the HTTP middleware
// does not pull in github.com/gofiber/fiber. Fiber uses fasthttp (not
// net/http), so a dedicated adapter is required.
//
// Usage:
//
//	limiter, _ := gateguard.New(s, gateguard.WithRules(rules...))
//	app := fiber.New()
//	app.Use(fibermw.Admission(limiter))
package fibermw

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/krishna-kudari/gateguard"
	"github.com/krishna-kudari/gateguard/middleware"
)

// ContextFunc builds the admission RequestContext from a Fiber context.
type ContextFunc func(c *fiber.Ctx) *gateguard.RequestContext

// DeniedHandler is called when a request is denied.
type DeniedHandler func(c *fiber.Ctx, res *gateguard.Result) error

// ErrorHandler is called when the limiter returns an error.
type ErrorHandler func(c *fiber.Ctx, err error) error

// Config holds the admission middleware configuration.
type Config struct {
	// Engine is the admission engine (required).
	Engine middleware.Engine

	// ContextFunc builds the RequestContext. Default uses Fiber's IP()
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

// Admission creates Fiber middleware with default settings.
func Admission(engine middleware.Engine) fiber.Handler {
	return AdmissionWithConfig(Config{Engine: engine})
}

// AdmissionWithConfig creates Fiber middleware with full configuration control.
func AdmissionWithConfig(cfg Config) fiber.Handler {
	if cfg.Engine == nil {
		panic("fibermw: Engine is required")
	}
	if cfg.ContextFunc == nil {
		cfg.ContextFunc = contextFromFiber
	}
	if cfg.DeniedHandler == nil {
		cfg.DeniedHandler = defaultDeniedHandler
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = defaultErrorHandler
	}
	sendHeaders := cfg.Headers == nil || *cfg.Headers

	return func(c *fiber.Ctx) error {
		if cfg.ExcludePaths != nil && cfg.ExcludePaths[c.Path()] {
			return c.Next()
		}

		res, err := cfg.Engine.Consume(c.UserContext(), cfg.ContextFunc(c))
		if err != nil && res == nil {
			return cfg.ErrorHandler(c, err)
		}

		if sendHeaders {
			for name, value := range res.Headers() {
				c.Set(name, value)
			}
		}
		if res.Degraded {
			c.Set("X-Degraded", "true")
		}

		if !res.Allowed {
			return cfg.DeniedHandler(c, res)
		}
		return c.Next()
	}
}

func contextFromFiber(c *fiber.Ctx) *gateguard.RequestContext {
	headers := make(map[string]string)
	c.Request().Header.VisitAll(func(key, value []byte) {
		headers[strings.ToLower(string(key))] = string(value)
	})
	return &gateguard.RequestContext{
		IP:       c.IP(),
		APIKey:   c.Get("X-API-Key"),
		UserID:   c.Get("X-User-ID"),
		TenantID: c.Get("X-Tenant-ID"),
		Tier:     c.Get("X-Tier"),
		Role:     c.Get("X-Role"),
		Method:   c.Method(),
		Path:     c.Path(),
		Headers:  headers,
	}
}

func defaultDeniedHandler(c *fiber.Ctx, res *gateguard.Result) error {
	status := res.StatusCode
	if status == 0 {
		status = fiber.StatusTooManyRequests
	}
	return c.Status(status).JSON(res.Body())
}

func defaultErrorHandler(c *fiber.Ctx, _ error) error {
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"statusCode": 500, "error": "Internal Server Error"})
}
