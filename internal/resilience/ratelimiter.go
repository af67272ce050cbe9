package resilience

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
)

// RateLimiter combines a token bucket (smooth steady-state throughput)
// with a fixed-window cap (a hard ceiling per interval, independent of
// how bursty the token refill has made the bucket look). pkg/supervisor
// places one per backend ahead of its dispatch semaphore so a backend
// with a low external rate limit (a cloud batch API, a shared cluster
// scheduler) sheds load before it ever reaches the network call.
type RateLimiter struct {
	mu           sync.Mutex
	capacity     int64
	fillRate     float64 // tokens per second
	available    float64
	lastRefill   time.Time
	windowStart  time.Time
	windowDur    time.Duration
	windowCount  int64
	maxPerWindow int64
}

// NewRateLimiter builds a limiter with token bucket (capacity, fillRate)
// plus a fixed window capping at maxPerWindow requests per windowDur;
// the window restarts at the first request after windowDur has elapsed.
// maxPerWindow <= 0 disables the window cap, leaving only the bucket.
func NewRateLimiter(capacity int64, fillRate float64, windowDur time.Duration, maxPerWindow int64) *RateLimiter {
	now := time.Now()
	return &RateLimiter{
		capacity:     capacity,
		fillRate:     fillRate,
		available:    float64(capacity),
		lastRefill:   now,
		windowStart:  now,
		windowDur:    windowDur,
		maxPerWindow: maxPerWindow,
	}
}

// Allow reports whether a single dispatch may proceed now.
func (r *RateLimiter) Allow() bool { return r.AllowN(1) }

// AllowN reports whether n dispatches may proceed now, consuming n
// tokens and counting against the window cap if it allows.
func (r *RateLimiter) AllowN(n int64) bool {
	if n <= 0 {
		return true
	}
	now := time.Now()
	meter := otel.GetMeterProvider().Meter("wfengine-resilience")

	r.mu.Lock()
	defer r.mu.Unlock()

	r.refillLocked(now)

	if now.Sub(r.windowStart) >= r.windowDur {
		r.windowStart = now
		r.windowCount = 0
	}

	if r.maxPerWindow > 0 && r.windowCount+n > r.maxPerWindow {
		counter, _ := meter.Int64Counter("wfengine_ratelimiter_window_drops_total")
		counter.Add(context.Background(), 1)
		return false
	}

	if float64(n) > r.available {
		counter, _ := meter.Int64Counter("wfengine_ratelimiter_token_drops_total")
		counter.Add(context.Background(), 1)
		return false
	}
	r.available -= float64(n)
	r.windowCount += n
	return true
}

// ReserveAfter returns how long the caller must wait for n tokens to be
// available, ignoring the window cap (used by callers that only need an
// approximate backoff hint, not a hard admission decision).
func (r *RateLimiter) ReserveAfter(n int64) time.Duration {
	if n <= 0 {
		return 0
	}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.refillLocked(now)

	if r.available >= float64(n) {
		return 0
	}
	shortfall := float64(n) - r.available
	return time.Duration(shortfall / r.fillRate * float64(time.Second))
}

func (r *RateLimiter) refillLocked(now time.Time) {
	elapsed := now.Sub(r.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	if refill := elapsed * r.fillRate; refill > 0 {
		r.available = minFloat(float64(r.capacity), r.available+refill)
		r.lastRefill = now
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
