package httpx

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucketCounter smooths bursts: each key refills limit tokens per window
// and may burst up to limit.
type TokenBucketCounter struct {
	mu      sync.Mutex
	entries map[string]*bucketEntry
	idleTTL time.Duration
}

type bucketEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func NewTokenBucketCounter(idleTTL time.Duration) *TokenBucketCounter {
	if idleTTL <= 0 {
		idleTTL = 15 * time.Minute
	}
	return &TokenBucketCounter{entries: map[string]*bucketEntry{}, idleTTL: idleTTL}
}

func (c *TokenBucketCounter) Take(_ context.Context, key string, limit int, window time.Duration) (Hit, error) {
	lim := c.limiter(key, limit, window)

	r := lim.Reserve()
	if !r.OK() {
		return Hit{Allowed: false, RetryAfter: window}, nil
	}
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return Hit{Allowed: false, RetryAfter: delay}, nil
	}
	return Hit{Allowed: true}, nil
}

func (c *TokenBucketCounter) limiter(key string, limit int, window time.Duration) *rate.Limiter {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.entries[key]; ok {
		ent.lastSeen = now
		return ent.lim
	}
	every := window / time.Duration(max(limit, 1))
	lim := rate.NewLimiter(rate.Every(every), max(limit, 1))
	c.entries[key] = &bucketEntry{lim: lim, lastSeen: now}
	return lim
}

// Cleanup drops buckets idle for longer than idleTTL.
func (c *TokenBucketCounter) Cleanup() {
	cutoff := time.Now().Add(-c.idleTTL)

	c.mu.Lock()
	defer c.mu.Unlock()

	for k, ent := range c.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(c.entries, k)
		}
	}
}
