package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a token bucket. Each websocket connection owns one, sized for
// the inbound event stream (typing indicators arrive per keystroke).
type Limiter struct {
	mu     sync.Mutex
	rate   float64 // tokens refilled per second
	burst  float64
	tokens float64
	last   time.Time
}

func NewLimiter(rate float64, burst int) *Limiter {
	return &Limiter{
		rate:   rate,
		burst:  float64(burst),
		tokens: float64(burst),
		last:   time.Now(),
	}
}

// Allow reports whether one more event fits the budget.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.tokens += now.Sub(l.last).Seconds() * l.rate
	l.last = now
	if l.tokens > l.burst {
		l.tokens = l.burst
	}

	if l.tokens < 1 {
		return false
	}
	l.tokens--
	return true
}
