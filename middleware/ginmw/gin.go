// Package ginmw provides Gin middleware for the admission engine.
//
// Separated from the middleware package so that importing the HTTP middleware
// does not pull in github.com/gin-gonic/gin.
//
// Usage:
//
//	limiter, _ := gateguard.New(s, gateguard.WithRules(rules...))
//	r := gin.Default()
//	r.Use(ginmw.Admission(limiter))
package ginmw

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/krishna-kudari/gateguard"
	"github.com/krishna-kudari/gateguard/middleware"
)

// ContextFunc builds the admission RequestContext from a Gin context.
type ContextFunc func(c *gin.Context) *gateguard.RequestContext

// DeniedHandler is called when a request is denied.
type DeniedHandler func(c *gin.Context, res *gateguard.Result)

// ErrorHandler is called when the limiter returns an error.
type ErrorHandler func(c *gin.Context, err error)

// Config holds the admission middleware configuration.
type Config struct {
	// Engine is the admission engine (required).
	Engine middleware.Engine

	// ContextFunc builds the RequestContext. Default uses Gin's ClientIP
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

// Admission creates Gin middleware with default settings.
func Admission(engine middleware.Engine) gin.HandlerFunc {
	return AdmissionWithConfig(Config{Engine: engine})
}

// AdmissionWithConfig creates Gin middleware with full configuration control.
func AdmissionWithConfig(cfg Config) gin.HandlerFunc {
	if cfg.Engine == nil {
		panic("ginmw: Engine is required")
	}
	if cfg.ContextFunc == nil {
		cfg.ContextFunc = contextFromGin
	}
	if cfg.DeniedHandler == nil {
		cfg.DeniedHandler = defaultDeniedHandler
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = defaultErrorHandler
	}
	sendHeaders := cfg.Headers == nil || *cfg.Headers

	return func(c *gin.Context) {
		if cfg.ExcludePaths != nil && cfg.ExcludePaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		res, err := cfg.Engine.Consume(c.Request.Context(), cfg.ContextFunc(c))
		if err != nil && res == nil {
			cfg.ErrorHandler(c, err)
			return
		}

		if sendHeaders {
			for name, value := range res.Headers() {
				c.Header(name, value)
			}
		}
		if res.Degraded {
			c.Header("X-Degraded", "true")
		}

		if !res.Allowed {
			cfg.DeniedHandler(c, res)
			return
		}
		c.Next()
	}
}

func contextFromGin(c *gin.Context) *gateguard.RequestContext {
	headers := make(map[string]string, len(c.Request.Header))
	for name, values := range c.Request.Header {
		if len(values) > 0 {
			headers[strings.ToLower(name)] = values[0]
		}
	}
	return &gateguard.RequestContext{
		IP:       c.ClientIP(),
		APIKey:   c.GetHeader("X-API-Key"),
		UserID:   c.GetHeader("X-User-ID"),
		TenantID: c.GetHeader("X-Tenant-ID"),
		Tier:     c.GetHeader("X-Tier"),
		Role:     c.GetHeader("X-Role"),
		Method:   c.Request.Method,
		Path:     c.Request.URL.Path,
		Headers:  headers,
	}
}

func defaultDeniedHandler(c *gin.Context, res *gateguard.Result) {
	status := res.StatusCode
	if status == 0 {
		status = 429
	}
	c.AbortWithStatusJSON(status, res.Body())
}

func defaultErrorHandler(c *gin.Context, _ error) {
	c.AbortWithStatusJSON(500, gin.H{"statusCode": 500, "error": "Internal Server Error"})
}
