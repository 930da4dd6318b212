package platform

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// AdaptiveLimiter wraps a rate.Limiter that speeds up while the platform is
// answering and backs off when it starts throttling.
// On success the rate grows 20% (up to 2x initial); on 429 it halves (down
// to initial/4).
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	host        string
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive limiter for host.
func NewAdaptiveLimiter(host string, initialRate rate.Limit, burst int) *AdaptiveLimiter {
	if burst < 1 {
		burst = 1
	}
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		host:        host,
		maxRate:     initialRate * 2,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows a request.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess raises the rate by 20%.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setLocked(min(a.currentRate*1.2, a.maxRate))
}

// OnRateLimit halves the rate.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setLocked(max(a.currentRate*0.5, a.minRate))
	zap.L().Warn("platform: throttled, reducing request rate",
		zap.String("host", a.host),
		zap.Float64("new_rate", float64(a.currentRate)),
	)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

func (a *AdaptiveLimiter) setLocked(r rate.Limit) {
	a.currentRate = r
	a.limiter.SetLimit(r)
}

// limiterSet hands out one adaptive limiter per host.
type limiterSet struct {
	mu       sync.Mutex
	rate     rate.Limit
	limiters map[string]*AdaptiveLimiter
}

func newLimiterSet(r rate.Limit) *limiterSet {
	return &limiterSet{rate: r, limiters: make(map[string]*AdaptiveLimiter)}
}

func (s *limiterSet) get(host string) *AdaptiveLimiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.limiters[host]; ok {
		return l
	}
	l := NewAdaptiveLimiter(host, s.rate, max(int(s.rate), 1))
	s.limiters[host] = l
	return l
}
