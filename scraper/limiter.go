package scraper

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-cards/config"
	"github.com/aluiziolira/go-scrape-cards/models"
	"golang.org/x/time/rate"
)

// DomainLimiter enforces a token bucket and a minimum request spacing per
// domain. One instance is shared by every fetch of a run.
type DomainLimiter struct {
	limit   rate.Limit
	burst   int
	spacing time.Duration

	mu      sync.Mutex
	domains map[string]*domainState
}

type domainState struct {
	limiter     *rate.Limiter
	nextSlot    time.Time
	lastRequest time.Time
}

// NewDomainLimiter creates a limiter. A zero rate disables the token bucket and
// a zero spacing disables the spacing check.
func NewDomainLimiter(cfg config.RateLimitConfig) *DomainLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &DomainLimiter{
		limit:   rate.Limit(cfg.RequestsPerSecond),
		burst:   burst,
		spacing: cfg.MinSpacing.Duration,
		domains: make(map[string]*domainState),
	}
}

// Acquire blocks until a request to domain is permitted or ctx is done.
func (d *DomainLimiter) Acquire(ctx context.Context, domain string) error {
	if d == nil || domain == "" {
		return nil
	}
	domain = strings.ToLower(domain)

	now := time.Now()
	var (
		wait     time.Duration
		slot     time.Time
		reserved time.Time
	)

	d.mu.Lock()
	state := d.ensureLocked(domain)
	if d.spacing > 0 {
		slot = now
		if state.nextSlot.After(now) {
			slot = state.nextSlot
		}
		reserved = slot.Add(d.spacing)
		state.nextSlot = reserved
		wait = slot.Sub(now)
	}
	limiter := state.limiter
	d.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			d.release(state, slot, reserved)
			return ctx.Err()
		}
	}

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
	}

	d.mu.Lock()
	state.lastRequest = time.Now()
	d.mu.Unlock()
	return nil
}

// release hands an abandoned spacing slot back when no later caller has
// reserved one behind it.
func (d *DomainLimiter) release(state *domainState, slot, reserved time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if state.nextSlot.Equal(reserved) {
		state.nextSlot = slot
	}
}

func (d *DomainLimiter) ensureLocked(domain string) *domainState {
	state, ok := d.domains[domain]
	if ok {
		return state
	}
	state = &domainState{}
	if d.limit > 0 {
		state.limiter = rate.NewLimiter(d.limit, d.burst)
	}
	d.domains[domain] = state
	return state
}

// Budget returns a snapshot of the limiter state for domain. Unknown domains
// report a full bucket.
func (d *DomainLimiter) Budget(domain string) models.DomainBudget {
	domain = strings.ToLower(domain)
	now := time.Now()
	budget := models.DomainBudget{Domain: domain, Tokens: float64(d.burst), LastRefillAt: now}

	d.mu.Lock()
	defer d.mu.Unlock()
	state, ok := d.domains[domain]
	if !ok {
		return budget
	}
	if state.limiter != nil {
		budget.Tokens = state.limiter.TokensAt(now)
	}
	budget.LastRequestAt = state.lastRequest
	return budget
}

// Reset forgets all state for domain.
func (d *DomainLimiter) Reset(domain string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.domains, strings.ToLower(domain))
}

// ResetAll forgets every domain.
func (d *DomainLimiter) ResetAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.domains = make(map[string]*domainState)
}
