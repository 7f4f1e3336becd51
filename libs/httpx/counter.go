package httpx

import (
	"context"
	"sync"
	"time"
)

// Hit is the outcome of recording one request against a keyed budget.
type Hit struct {
	Allowed    bool
	Count      int64
	RetryAfter time.Duration
}

// Counter records hits per key within a window of the given size. Implementations
// must be safe for concurrent use and must not lose increments.
type Counter interface {
	Take(ctx context.Context, key string, limit int, window time.Duration) (Hit, error)
}

// FixedWindowCounter is an in-process fixed-window counter. It is exact for a
// single instance; use RedisCounter when several instances share a budget.
type FixedWindowCounter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	now      func() time.Time
}

type visitor struct {
	count     int64
	resetTime time.Time
}

func NewFixedWindowCounter() *FixedWindowCounter {
	return &FixedWindowCounter{
		visitors: map[string]*visitor{},
		now:      time.Now,
	}
}

func (c *FixedWindowCounter) Take(_ context.Context, key string, limit int, window time.Duration) (Hit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	v := c.visitors[key]
	if v == nil || !now.Before(v.resetTime) {
		v = &visitor{resetTime: now.Add(window)}
		c.visitors[key] = v
	}
	v.count++
	if v.count > int64(limit) {
		return Hit{Allowed: false, Count: v.count, RetryAfter: v.resetTime.Sub(now)}, nil
	}
	return Hit{Allowed: true, Count: v.count}, nil
}

// Cleanup drops windows that have already expired.
func (c *FixedWindowCounter) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, v := range c.visitors {
		if !now.Before(v.resetTime) {
			delete(c.visitors, k)
		}
	}
}

// StartJanitor runs Cleanup every interval until ctx is done.
func (c *FixedWindowCounter) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				c.Cleanup()
			}
		}
	}()
}
