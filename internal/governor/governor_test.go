package governor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dompet/backend/internal/core"
)

func TestMemoryLimiter_BudgetThenReject(t *testing.T) {
	limiter := NewMemoryLimiter()
	key := BucketKey("chat", "user-1", "203.0.113.7")

	for i := 0; i < 10; i++ {
		decision, err := limiter.Allow(context.Background(), key, 10)
		require.NoError(t, err)
		assert.True(t, decision.Allowed, "request %d should fit the budget", i+1)
	}

	decision, err := limiter.Allow(context.Background(), key, 10)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Greater(t, decision.RetryAfter, time.Duration(0))
}

func TestMemoryLimiter_KeysAreIndependent(t *testing.T) {
	limiter := NewMemoryLimiter()

	exhausted := BucketKey("upload-csv", "user-1", "203.0.113.7")
	for i := 0; i < 3; i++ {
		decision, err := limiter.Allow(context.Background(), exhausted, 3)
		require.NoError(t, err)
		require.True(t, decision.Allowed)
	}
	decision, err := limiter.Allow(context.Background(), exhausted, 3)
	require.NoError(t, err)
	require.False(t, decision.Allowed)

	// Same user, different route class and different address both still pass.
	for _, other := range []string{
		BucketKey("chat", "user-1", "203.0.113.7"),
		BucketKey("upload-csv", "user-1", "198.51.100.9"),
		BucketKey("upload-csv", "user-2", "203.0.113.7"),
	} {
		decision, err := limiter.Allow(context.Background(), other, 3)
		require.NoError(t, err)
		assert.True(t, decision.Allowed, other)
	}
}

func TestMemoryLimiter_RefillsOverTime(t *testing.T) {
	limiter := NewMemoryLimiter()
	current := time.Date(2024, 5, 11, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return current }

	key := BucketKey("simulate", "user-1", "203.0.113.7")
	for i := 0; i < 5; i++ {
		decision, _ := limiter.Allow(context.Background(), key, 5)
		require.True(t, decision.Allowed)
	}
	decision, _ := limiter.Allow(context.Background(), key, 5)
	require.False(t, decision.Allowed)

	current = current.Add(time.Minute)
	decision, _ = limiter.Allow(context.Background(), key, 5)
	assert.True(t, decision.Allowed)
}

func TestCheck_RejectionCarriesRetryAfter(t *testing.T) {
	g := New(NewMemoryLimiter(), map[string]int{"chat": 1}, zerolog.Nop())

	require.NoError(t, g.Check(context.Background(), "chat", "user-1", "203.0.113.7"))

	err := g.Check(context.Background(), "chat", "user-1", "203.0.113.7")
	require.Error(t, err)
	typed := core.AsError(err)
	assert.Equal(t, core.CodeRateLimit, typed.Code)
	retryAfter, ok := typed.Details["retryAfter"].(int)
	require.True(t, ok)
	assert.GreaterOrEqual(t, retryAfter, 1)
}

func TestCheck_UnconfiguredRouteClassPassesThrough(t *testing.T) {
	g := New(NewMemoryLimiter(), DefaultLimits(), zerolog.Nop())
	for i := 0; i < 50; i++ {
		require.NoError(t, g.Check(context.Background(), "healthz", "user-1", "203.0.113.7"))
	}
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string, int) (Decision, error) {
	return Decision{}, errors.New("redis connection refused")
}

func TestCheck_FailsOpenOnLimiterError(t *testing.T) {
	g := New(brokenLimiter{}, DefaultLimits(), zerolog.Nop())
	assert.NoError(t, g.Check(context.Background(), "chat", "user-1", "203.0.113.7"))
}
