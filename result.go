package gateguard

import (
	"math"
	"strconv"
	"time"
)

// Result is the outcome of a Consume or Peek call.
type Result struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetAt   time.Time
	// RetryAfter is set only on denial.
	RetryAfter time.Duration

	// RuleID and Action identify the policy that produced the decision.
	// Empty when no rule matched or the request was bypassed.
	RuleID string
	Action ActionType
	Tier   string

	// StatusCode is the suggested HTTP status on denial (429 or 503).
	StatusCode int
	Message    string

	// Degraded marks requests admitted by an ActionDegrade rule; the
	// gateway may reduce downstream fanout. Advisory.
	Degraded bool

	// QuotaName names the exhausted quota period's definition when the
	// denial came from quota accounting.
	QuotaName string

	// Bypassed marks internal or allow-listed traffic.
	Bypassed bool

	// Unlimited marks requests no rule applied to; no headers are emitted.
	Unlimited bool
}

// Headers returns the response headers for this result:
// X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset (unix
// seconds), X-RateLimit-Policy, and Retry-After on denial. Unlimited
// results produce no headers; bypassed results only the policy sentinel.
func (r *Result) Headers() map[string]string {
	if r.Bypassed {
		return map[string]string{"X-RateLimit-Policy": "bypass"}
	}
	if r.Unlimited {
		return map[string]string{}
	}
	h := map[string]string{
		"X-RateLimit-Limit":     strconv.FormatInt(r.Limit, 10),
		"X-RateLimit-Remaining": strconv.FormatInt(max64(0, r.Remaining), 10),
	}
	if !r.ResetAt.IsZero() {
		h["X-RateLimit-Reset"] = strconv.FormatInt(r.ResetAt.Unix(), 10)
	}
	if r.RuleID != "" {
		h["X-RateLimit-Policy"] = r.RuleID
	}
	if !r.Allowed {
		h["Retry-After"] = strconv.FormatInt(retryAfterSeconds(r.RetryAfter), 10)
	}
	return h
}

// Body returns the JSON rejection body for a denied result. Quota denials
// use the short form naming the exhausted quota; everything else carries the
// full header mirror so clients behind header-stripping proxies still see the
// limit state.
func (r *Result) Body() map[string]any {
	status := r.StatusCode
	if status == 0 {
		status = 429
	}
	if r.QuotaName != "" {
		return map[string]any{
			"statusCode": status,
			"error":      "Quota Exceeded",
			"quotaName":  r.QuotaName,
			"remaining":  max64(0, r.Remaining),
		}
	}
	errText := "Too Many Requests"
	if status == 503 {
		errText = "Service Unavailable"
	}
	return map[string]any{
		"statusCode": status,
		"error":      errText,
		"message":    r.Message,
		"retryAfter": retryAfterSeconds(r.RetryAfter),
		"limit":      r.Limit,
		"remaining":  max64(0, r.Remaining),
		"reset":      r.ResetAt.Unix(),
		"policy":     r.RuleID,
	}
}

// retryAfterSeconds rounds a retry interval up to whole seconds, never
// below zero.
func retryAfterSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
