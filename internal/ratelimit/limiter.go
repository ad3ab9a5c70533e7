// Package ratelimit throttles new session requests per client.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per client key
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*entry
	rate    rate.Limit
	burst   int
	perHour int
}

// NewLimiter allows requestsPerHour per client with bursts of up to burst.
// A non-positive requestsPerHour disables limiting.
func NewLimiter(requestsPerHour int, burst int) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		clients: make(map[string]*entry),
		rate:    rate.Limit(float64(requestsPerHour) / 3600.0),
		burst:   burst,
		perHour: requestsPerHour,
	}
}

// Enabled reports whether requests are limited at all
func (l *Limiter) Enabled() bool {
	return l != nil && l.perHour > 0
}

// PerHour is the configured hourly allowance
func (l *Limiter) PerHour() int {
	return l.perHour
}

func (l *Limiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.clients[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.clients[key] = e
	}
	e.lastSeen = time.Now()
	return e.limiter
}

// Allow consumes a token for key if one is available
func (l *Limiter) Allow(key string) bool {
	if !l.Enabled() {
		return true
	}
	return l.get(key).Allow()
}

// Tokens returns the tokens currently available to key
func (l *Limiter) Tokens(key string) float64 {
	if !l.Enabled() {
		return 0
	}
	return l.get(key).Tokens()
}

// Prune forgets clients not seen since before cutoff
func (l *Limiter) Prune(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for key, e := range l.clients {
		if e.lastSeen.Before(cutoff) {
			delete(l.clients, key)
			n++
		}
	}
	return n
}

// Run prunes clients idle for more than an hour until ctx is done
func (l *Limiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			l.Prune(now.Add(-time.Hour))
		}
	}
}
