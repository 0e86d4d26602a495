package gateguard

import (
	"strings"
	"time"
)

// RequestContext describes one incoming request to the admission engine.
// It is immutable for the duration of the check; the middleware subpackages
// build one from the transport request, but callers can construct their own.
type RequestContext struct {
	// IP is the client address, already resolved through any proxy headers.
	IP string

	// Identity attributes extracted by the gateway's auth layer.
	// Empty values mean "unknown" and cause scope-dependent rules to be
	// skipped rather than matched.
	UserID   string
	TenantID string
	APIKey   string
	Tier     string
	Role     string

	Method string
	Path   string

	// Headers holds request headers with lowercased names.
	Headers map[string]string

	// ArrivedAt is the wall-clock arrival time. Zero means "now".
	ArrivedAt time.Time

	// Internal marks trusted internal traffic that bypasses all limits.
	Internal bool
}

// Header returns the named header value; lookup is case-insensitive.
func (rc *RequestContext) Header(name string) string {
	if rc.Headers == nil {
		return ""
	}
	return rc.Headers[strings.ToLower(name)]
}

// subject returns the most specific stable identity available, used for
// tier counters and quota accounting.
func (rc *RequestContext) subject() string {
	switch {
	case rc.APIKey != "":
		return "key:" + rc.APIKey
	case rc.UserID != "":
		return "user:" + rc.UserID
	case rc.TenantID != "":
		return "tenant:" + rc.TenantID
	default:
		return "ip:" + rc.IP
	}
}
