package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// Middleware rejects requests with 429 once the shared token bucket is empty.
// A nil limiter disables limiting.
func Middleware(limiter *rate.Limiter) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				retry := time.Second
				if lim := limiter.Limit(); lim > 0 && lim < 1 {
					retry = time.Duration(float64(time.Second) / float64(lim))
				}
				w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())))
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// New returns a limiter allowing perSecond requests with the given burst, or
// nil when perSecond <= 0.
func New(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(perSecond) + 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}
