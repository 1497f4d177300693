package api

import (
	"sync"

	"golang.org/x/time/rate"
)

// perAccountLimiter hands out one rate.Limiter per consumer account, so a
// burst of zero-balance requests from a single caller cannot starve the
// selection algorithm for everyone else — a second, independent guard in
// front of the Dispatcher's own balance pre-check (SPEC_FULL's Domain
// Stack, Rate shaping).
type perAccountLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newPerAccountLimiter(rps float64, burst int) *perAccountLimiter {
	return &perAccountLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (l *perAccountLimiter) allow(accountID string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[accountID]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[accountID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
