package governor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// bucketIdleTTL is how long an untouched bucket survives before the sweep
// drops it.
const bucketIdleTTL = 10 * time.Minute

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter is the process-local token bucket table.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// NewMemoryLimiter builds a MemoryLimiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow consumes one token from the key's bucket, creating it on first use
// with the full budget available.
func (m *MemoryLimiter) Allow(_ context.Context, key string, perMinute int) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)}
		m.buckets[key] = b
	}
	b.lastSeen = now

	if len(m.buckets)%512 == 0 {
		m.sweepLocked(now)
	}

	reservation := b.limiter.ReserveN(now, 1)
	delay := reservation.DelayFrom(now)
	if delay > 0 {
		reservation.CancelAt(now)
		return Decision{Allowed: false, RetryAfter: delay}, nil
	}
	return Decision{Allowed: true}, nil
}

func (m *MemoryLimiter) sweepLocked(now time.Time) {
	for key, b := range m.buckets {
		if now.Sub(b.lastSeen) > bucketIdleTTL {
			delete(m.buckets, key)
		}
	}
}
