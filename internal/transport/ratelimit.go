package transport

import (
	"sync"
	"time"

	"github.com/maumercado/pueued/internal/logger"
)

// RateLimiter is a token bucket guarding how fast a single connection may
// submit commands to the Dispatcher.
type RateLimiter struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
}

// NewRateLimiter creates a rate limiter admitting up to cps commands per
// second, bursting up to cps in one go.
func NewRateLimiter(cps int) *RateLimiter {
	if cps <= 0 {
		cps = 100 // default
	}
	return &RateLimiter{
		tokens:     float64(cps),
		maxTokens:  float64(cps),
		refillRate: float64(cps),
		lastRefill: time.Now(),
	}
}

// Allow reports whether a command may be admitted right now, consuming a
// token if so.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(rl.lastRefill).Seconds()
	rl.tokens += elapsed * rl.refillRate
	if rl.tokens > rl.maxTokens {
		rl.tokens = rl.maxTokens
	}
	rl.lastRefill = now

	if rl.tokens >= 1 {
		rl.tokens--
		return true
	}
	return false
}

// ConnRateLimiter maintains one RateLimiter per connection id, so a single
// misbehaving client cannot starve others sharing the same mTLS listener.
type ConnRateLimiter struct {
	limiters map[string]*RateLimiter
	cps      int
	cleanup  time.Duration
	mu       sync.RWMutex
	done     chan struct{}
}

// NewConnRateLimiter creates a per-connection rate limiter admitting up to
// cps commands per second per connection.
func NewConnRateLimiter(cps int) *ConnRateLimiter {
	crl := &ConnRateLimiter{
		limiters: make(map[string]*RateLimiter),
		cps:      cps,
		cleanup:  5 * time.Minute,
		done:     make(chan struct{}),
	}
	go crl.cleanupLoop()
	return crl
}

func (crl *ConnRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(crl.cleanup)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			crl.mu.Lock()
			crl.limiters = make(map[string]*RateLimiter)
			crl.mu.Unlock()
		case <-crl.done:
			return
		}
	}
}

// Close stops the background cleanup goroutine.
func (crl *ConnRateLimiter) Close() {
	close(crl.done)
}

// Forget drops the limiter for connID, called when a connection closes.
func (crl *ConnRateLimiter) Forget(connID string) {
	crl.mu.Lock()
	delete(crl.limiters, connID)
	crl.mu.Unlock()
}

func (crl *ConnRateLimiter) limiterFor(connID string) *RateLimiter {
	crl.mu.RLock()
	limiter, exists := crl.limiters[connID]
	crl.mu.RUnlock()
	if exists {
		return limiter
	}

	crl.mu.Lock()
	defer crl.mu.Unlock()
	if limiter, exists = crl.limiters[connID]; exists {
		return limiter
	}
	limiter = NewRateLimiter(crl.cps)
	crl.limiters[connID] = limiter
	return limiter
}

// Allow reports whether connID may submit another command right now.
func (crl *ConnRateLimiter) Allow(connID string) bool {
	allowed := crl.limiterFor(connID).Allow()
	if !allowed {
		logger.Warn().Str("conn", connID).Msg("connection rate limit exceeded")
	}
	return allowed
}
