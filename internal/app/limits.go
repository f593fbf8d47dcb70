package app

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	autoResolveEvery  = 30 * time.Second
	autoResolveBurst  = 2
	multipartOverhead = 1 << 20
	limiterIdleTTL    = 10 * time.Minute
)

// actorLimiter hands out one token bucket per actor. Buckets idle for
// longer than limiterIdleTTL are dropped on the next call.
type actorLimiter struct {
	mu      sync.Mutex
	every   time.Duration
	burst   int
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newActorLimiter(every time.Duration, burst int) *actorLimiter {
	return &actorLimiter{
		every:   every,
		burst:   burst,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (l *actorLimiter) Allow(actorID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for id, b := range l.buckets {
		if now.Sub(b.lastSeen) > limiterIdleTTL {
			delete(l.buckets, id)
		}
	}
	b, ok := l.buckets[actorID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Every(l.every), l.burst)}
		l.buckets[actorID] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}
