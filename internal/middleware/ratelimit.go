package middleware

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxAttemptsPerMinute is the failed-attempt budget per client IP.
	DefaultMaxAttemptsPerMinute = 10

	// DefaultMaxTrackedIPs caps how many failing clients are remembered.
	DefaultMaxTrackedIPs = 10000

	sweepInterval = time.Minute
	idleAfter     = 5 * time.Minute
)

// failureBudget is one client's token bucket. Tokens are only spent by
// failed attempts.
type failureBudget struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithMaxTrackedIPs bounds the number of clients held in memory. The least
// recently seen client is dropped to make room.
func WithMaxTrackedIPs(n int) RateLimiterOption {
	return func(rl *RateLimiter) {
		if n > 0 {
			rl.maxTracked = n
		}
	}
}

// RateLimiter throttles clients that keep failing authentication. Every
// failure spends a token from a per-IP bucket refilled at perMinute tokens a
// minute; a client with an empty bucket is refused until it refills.
type RateLimiter struct {
	mu         sync.Mutex
	budgets    map[string]*failureBudget
	perMinute  int
	maxTracked int
	now        func() time.Time
	stop       context.CancelFunc
}

// NewRateLimiter returns a limiter that sweeps idle clients until ctx ends or
// Stop is called. perMinute <= 0 selects DefaultMaxAttemptsPerMinute.
func NewRateLimiter(ctx context.Context, perMinute int, opts ...RateLimiterOption) *RateLimiter {
	if perMinute <= 0 {
		perMinute = DefaultMaxAttemptsPerMinute
	}
	ctx, stop := context.WithCancel(ctx)
	rl := &RateLimiter{
		budgets:    make(map[string]*failureBudget),
		perMinute:  perMinute,
		maxTracked: DefaultMaxTrackedIPs,
		now:        time.Now,
		stop:       stop,
	}
	for _, opt := range opts {
		opt(rl)
	}
	go rl.sweep(ctx)
	return rl
}

// Allow reports whether ip may make another attempt. It spends nothing.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	budget, ok := rl.budgets[ip]
	if !ok {
		return true
	}
	now := rl.now()
	budget.lastSeen = now
	return budget.bucket.TokensAt(now) >= 1
}

// Fail spends one token of ip's budget and reports whether the attempt was
// still within it.
func (rl *RateLimiter) Fail(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	budget, ok := rl.budgets[ip]
	if !ok {
		if len(rl.budgets) >= rl.maxTracked {
			rl.dropLeastRecentLocked()
		}
		budget = &failureBudget{
			bucket: rate.NewLimiter(rate.Every(time.Minute/time.Duration(rl.perMinute)), rl.perMinute),
		}
		rl.budgets[ip] = budget
	}
	budget.lastSeen = now
	return budget.bucket.AllowN(now, 1)
}

// Forget clears ip's failure history.
func (rl *RateLimiter) Forget(ip string) {
	rl.mu.Lock()
	delete(rl.budgets, ip)
	rl.mu.Unlock()
}

// Tracked returns how many clients currently have a failure history.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.budgets)
}

// Stop ends the background sweep.
func (rl *RateLimiter) Stop() {
	rl.stop()
}

func (rl *RateLimiter) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.dropIdle()
		}
	}
}

func (rl *RateLimiter) dropIdle() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-idleAfter)
	for ip, budget := range rl.budgets {
		if budget.lastSeen.Before(cutoff) {
			delete(rl.budgets, ip)
		}
	}
}

func (rl *RateLimiter) dropLeastRecentLocked() {
	var (
		victim string
		seen   time.Time
	)
	for ip, budget := range rl.budgets {
		if victim == "" || budget.lastSeen.Before(seen) {
			victim, seen = ip, budget.lastSeen
		}
	}
	delete(rl.budgets, victim)
}

// ExtractIP returns the host part of an http.Request RemoteAddr.
func ExtractIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
