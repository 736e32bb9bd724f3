package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/citebase/citebase/internal/fault"
)

// evictAfter removes per-tenant limiter state not seen for this long.
const evictAfter = 10 * time.Minute

// Limiter enforces two continuously refilling token buckets per tenant:
// requests per minute and model tokens per minute. Token reservations are
// estimates reconciled after the call; unused reservation becomes credit
// against the tenant's next reservation.
type Limiter struct {
	rpm int
	tpm int

	mu      sync.Mutex
	tenants map[string]*tenantBuckets
}

type tenantBuckets struct {
	requests *rate.Limiter
	tokens   *rate.Limiter
	credit   float64 // unused token reservation returned post-call
	lastSeen time.Time
}

// New creates a Limiter with per-minute budgets. Burst equals the full
// minute budget so an idle tenant can spend it at once.
func New(rpm, tpm int) *Limiter {
	return &Limiter{rpm: rpm, tpm: tpm, tenants: make(map[string]*tenantBuckets)}
}

func (l *Limiter) buckets(tenantID string) *tenantBuckets {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.tenants[tenantID]
	if !ok {
		b = &tenantBuckets{
			requests: rate.NewLimiter(rate.Limit(float64(l.rpm)/60.0), l.rpm),
			tokens:   rate.NewLimiter(rate.Limit(float64(l.tpm)/60.0), l.tpm),
		}
		l.tenants[tenantID] = b
	}
	b.lastSeen = time.Now()
	return b
}

// AllowRequest consumes one request slot, denying with a retry hint when
// the bucket is empty.
func (l *Limiter) AllowRequest(tenantID string) error {
	b := l.buckets(tenantID)

	l.mu.Lock()
	defer l.mu.Unlock()
	res := b.requests.Reserve()
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return fault.Retryable(fault.KindRateLimited, delay, "request rate limit exceeded")
	}
	return nil
}

// ReserveTokens consumes an estimated token count ahead of a model call.
// Accumulated credit from earlier over-reservations is applied first.
func (l *Limiter) ReserveTokens(tenantID string, estimate int) error {
	if estimate <= 0 {
		return nil
	}
	b := l.buckets(tenantID)

	l.mu.Lock()
	defer l.mu.Unlock()

	cost := float64(estimate)
	if b.credit > 0 {
		applied := math.Min(b.credit, cost)
		b.credit -= applied
		cost -= applied
	}
	n := int(math.Ceil(cost))
	if n == 0 {
		return nil
	}
	if n > b.tokens.Burst() {
		// A request larger than the whole budget can never pass.
		return fault.Retryable(fault.KindRateLimited, time.Minute, "request exceeds token rate budget")
	}
	res := b.tokens.ReserveN(time.Now(), n)
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		b.credit += float64(estimate) - cost // restore applied credit
		return fault.Retryable(fault.KindRateLimited, delay, "token rate limit exceeded")
	}
	return nil
}

// Reconcile settles the actual token usage against the estimate. Unused
// reservation becomes credit; an overshoot draws down the bucket without
// blocking the completed call.
func (l *Limiter) Reconcile(tenantID string, estimate, actual int) {
	b := l.buckets(tenantID)

	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case actual < estimate:
		b.credit += float64(estimate - actual)
		if max := float64(b.tokens.Burst()); b.credit > max {
			b.credit = max
		}
	case actual > estimate:
		over := actual - estimate
		if over > b.tokens.Burst() {
			over = b.tokens.Burst()
		}
		// Best-effort draw-down; the call already happened.
		b.tokens.ReserveN(time.Now(), over)
	}
}

// Run evicts idle tenant buckets every minute until done is closed.
func (l *Limiter) Run(done <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			l.evict()
		}
	}
}

func (l *Limiter) evict() {
	cutoff := time.Now().Add(-evictAfter)
	l.mu.Lock()
	for id, b := range l.tenants {
		if b.lastSeen.Before(cutoff) {
			delete(l.tenants, id)
		}
	}
	l.mu.Unlock()
}
