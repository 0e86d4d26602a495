// Package gateguard is a multi-tenant admission-control engine for API
// gateways: rule-based rate limiting, circuit breaking, and long-horizon
// quota enforcement with distributed state shared across gateway replicas.
//
// # Overview
//
// Every request is described by a [RequestContext]. The [Limiter] resolves
// the highest-priority matching [Rule], derives a counter key from the rule's
// scope, runs the rule's algorithm against the shared [store.Store], and
// returns a [Result] carrying the decision and the standard X-RateLimit-*
// headers.
//
//	s := memory.New()
//	limiter, err := gateguard.New(s, gateguard.WithRules(gateguard.Rule{
//	    ID:       "api-default",
//	    Priority: 10,
//	    Scope:    "ip",
//	    Limit:    100,
//	    Window:   time.Minute,
//	}))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	res, err := limiter.Consume(ctx, &gateguard.RequestContext{
//	    IP: "10.0.0.1", Method: "GET", Path: "/v1/items",
//	})
//	if !res.Allowed {
//	    // 429 with res.Headers()
//	}
//
// # Algorithms
//
//   - Fixed Window Counter — one atomic counter per window, bursty at edges
//   - Sliding Window Log — precise, stores every timestamp
//   - Token Bucket — steady refill, burst-friendly
//   - Leaky Bucket — constant drain, smooths outflow
//   - Adaptive — fixed window scaled by downstream error rate
//
// # Distributed state
//
// All cross-replica coordination happens through the store's atomic
// primitives; the Limiter itself is stateless apart from its rule and tier
// snapshots. Use store/redis in production and store/memory for tests and
// single-node deployments.
//
// Circuit breaking lives in the breaker package, deferred-request queuing in
// queue, and calendar-aligned daily/weekly/monthly quotas in quota. The
// middleware subpackages provide drop-in adapters for net/http, Gin, Echo,
// Fiber, and gRPC.
package gateguard
