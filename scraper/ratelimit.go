package scraper

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultRetryAfter = time.Minute
	// maxBackoffWait is the longest a caller waits out a back-off; longer ones
	// fail fast with rate_limited so the item is retried next cycle.
	maxBackoffWait = 5 * time.Second
)

// HostLimiter paces requests per upstream host and records 429 back-offs.
type HostLimiter struct {
	mu       sync.Mutex
	every    time.Duration
	burst    int
	limiters map[string]*rate.Limiter
	backoff  map[string]time.Time
	now      func() time.Time
}

func NewHostLimiter(every time.Duration, burst int) *HostLimiter {
	if burst < 1 {
		burst = 1
	}
	return &HostLimiter{
		every:    every,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
		backoff:  make(map[string]time.Time),
		now:      time.Now,
	}
}

func (l *HostLimiter) limiter(host string) *rate.Limiter {
	lim, ok := l.limiters[host]
	if !ok {
		limit := rate.Inf
		if l.every > 0 {
			limit = rate.Every(l.every)
		}
		lim = rate.NewLimiter(limit, l.burst)
		l.limiters[host] = lim
	}
	return lim
}

// Wait blocks until a request to host may be sent.
func (l *HostLimiter) Wait(ctx context.Context, host string) error {
	l.mu.Lock()
	lim := l.limiter(host)
	until := l.backoff[host]
	now := l.now()
	l.mu.Unlock()

	if remaining := until.Sub(now); remaining > 0 {
		if remaining > maxBackoffWait {
			return fetchErr(ErrRateLimited,
				fmt.Sprintf("%s asked to back off for %s", host, remaining.Round(time.Second)), nil)
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lim.Wait(ctx)
}

// Backoff blocks host until now+d, never shortening an existing back-off.
func (l *HostLimiter) Backoff(host string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	until := l.now().Add(d)
	if until.After(l.backoff[host]) {
		l.backoff[host] = until
	}
}

func retryAfter(h http.Header, now time.Time) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return defaultRetryAfter
}
