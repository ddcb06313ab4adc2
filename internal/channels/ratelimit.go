package channels

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

const maxTrackedChats = 512

// RateLimiter throttles outbound sends per chat so a chatty background
// loop cannot trip a platform's flood control.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewRateLimiter allows rpm messages per minute per chat.
func NewRateLimiter(rpm int) *RateLimiter {
	if rpm <= 0 {
		rpm = 20
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(rpm) / 60.0),
		burst:    5,
	}
}

// Wait blocks until the chat may send again or the context ends.
func (r *RateLimiter) Wait(ctx context.Context, chatID string) error {
	return r.limiterFor(chatID).Wait(ctx)
}

func (r *RateLimiter) limiterFor(chatID string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[chatID]; ok {
		return l
	}
	// Bounded map: drop everything when full rather than track forever.
	// Fresh limiters start with a full burst, so the reset is harmless.
	if len(r.limiters) >= maxTrackedChats {
		r.limiters = make(map[string]*rate.Limiter)
	}
	l := rate.NewLimiter(r.limit, r.burst)
	r.limiters[chatID] = l
	return l
}
