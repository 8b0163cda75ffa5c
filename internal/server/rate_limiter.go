package server

import (
	"time"

	"golang.org/x/time/rate"
)

// newRateLimiter returns a token bucket holding capacity messages that refills
// completely once per interval.
func newRateLimiter(capacity int, interval time.Duration) *rate.Limiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	perSecond := float64(capacity) / interval.Seconds()
	return rate.NewLimiter(rate.Limit(perSecond), capacity)
}
