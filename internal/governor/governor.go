// Package governor enforces per-identity token bucket rate limits and the
// per-request deadline. Buckets are keyed "{routeClass}:{userId}:{remoteAddr}"
// so one noisy client cannot starve a user's other devices.
package governor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dompet/backend/internal/core"
	"github.com/dompet/backend/internal/metrics"
)

// DefaultDeadline bounds every inbound request; it propagates to provider
// calls through the context.
const DefaultDeadline = 20 * time.Second

// Decision is a limiter verdict. RetryAfter is only meaningful when the
// request was rejected.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter is a swappable token bucket table. The in-memory implementation
// is process-local; the Redis one coordinates across replicas.
type Limiter interface {
	Allow(ctx context.Context, key string, perMinute int) (Decision, error)
}

// DefaultLimits are the per-route-class requests-per-minute budgets.
func DefaultLimits() map[string]int {
	return map[string]int{
		"chat":             10,
		"insights.compute": 6,
		"simulate":         5,
		"upload-csv":       3,
		"preferences":      10,
	}
}

// Governor applies route-class limits through a Limiter.
type Governor struct {
	limiter Limiter
	limits  map[string]int
	log     zerolog.Logger
}

// New builds a Governor. A nil limits map takes the defaults.
func New(limiter Limiter, limits map[string]int, log zerolog.Logger) *Governor {
	if limits == nil {
		limits = DefaultLimits()
	}
	return &Governor{
		limiter: limiter,
		limits:  limits,
		log:     log.With().Str("component", "governor").Logger(),
	}
}

// BucketKey builds the canonical bucket identifier.
func BucketKey(routeClass, userID, remoteAddr string) string {
	return fmt.Sprintf("%s:%s:%s", routeClass, userID, remoteAddr)
}

// Check admits or rejects one request. Route classes without a configured
// budget pass through. A limiter infrastructure failure fails open: losing
// rate limiting briefly beats refusing all traffic.
func (g *Governor) Check(ctx context.Context, routeClass, userID, remoteAddr string) error {
	perMinute, ok := g.limits[routeClass]
	if !ok || perMinute <= 0 {
		return nil
	}

	decision, err := g.limiter.Allow(ctx, BucketKey(routeClass, userID, remoteAddr), perMinute)
	if err != nil {
		g.log.Warn().Err(err).Str("route", routeClass).Msg("limiter unavailable, admitting request")
		return nil
	}
	if decision.Allowed {
		return nil
	}

	metrics.RateLimitRejections.WithLabelValues(routeClass).Inc()
	retryAfter := int(decision.RetryAfter.Round(time.Second).Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	return core.E(core.CodeRateLimit, "rate limit exceeded for %s", routeClass).
		WithDetails(map[string]interface{}{"retryAfter": retryAfter})
}
