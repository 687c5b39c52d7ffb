// Package identity tracks the authenticated accounts the harvester rotates between.
package identity

import (
	"sync"
	"time"

	"list_harvester/internal/domain"
)

// Identity is one authenticated account with its cooldown bookkeeping. Cooldown state lives
// only in memory and resets on restart.
type Identity struct {
	Name        string
	AuthToken   string
	CSRFToken   string
	Transports  []string
	Fingerprint domain.Fingerprint

	rateLimitedUntil  time.Time
	lastUsedAt        time.Time
	lastSuccessAt     time.Time
	consecutiveErrors int
}

type Pool struct {
	mu         sync.Mutex
	identities []*Identity
	byName     map[string]*Identity
	now        func() time.Time
}

func NewPool(identities []*Identity) *Pool {
	p := &Pool{
		identities: identities,
		byName:     make(map[string]*Identity, len(identities)),
		now:        time.Now,
	}
	for _, id := range identities {
		p.byName[id.Name] = id
	}
	return p
}

// WithClock replaces the pool's time source.
func (p *Pool) WithClock(now func() time.Time) *Pool {
	p.now = now
	return p
}

func (p *Pool) Len() int {
	return len(p.identities)
}

func (p *Pool) Get(name string) *Identity {
	return p.byName[name]
}

// SelectBest returns the least recently used identity that is not cooling down, or nil.
func (p *Pool) SelectBest(exclude ...string) *Identity {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var best *Identity
	for _, id := range p.identities {
		if contains(exclude, id.Name) || id.rateLimitedUntil.After(now) {
			continue
		}
		if best == nil || id.lastUsedAt.Before(best.lastUsedAt) {
			best = id
		}
	}
	return best
}

// Soonest returns the identity whose cooldown expires first.
func (p *Pool) Soonest() *Identity {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *Identity
	for _, id := range p.identities {
		if best == nil || id.rateLimitedUntil.Before(best.rateLimitedUntil) {
			best = id
		}
	}
	return best
}

func (p *Pool) CoolingDown(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, ok := p.byName[name]
	return ok && id.rateLimitedUntil.After(p.now())
}

// CooldownRemaining returns how long the identity stays unavailable.
func (p *Pool) CooldownRemaining(name string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, ok := p.byName[name]
	if !ok {
		return 0
	}
	if d := id.rateLimitedUntil.Sub(p.now()); d > 0 {
		return d
	}
	return 0
}

func (p *Pool) MarkRateLimited(name string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id, ok := p.byName[name]; ok {
		until := p.now().Add(d)
		if until.After(id.rateLimitedUntil) {
			id.rateLimitedUntil = until
		}
	}
}

// MarkError bumps the identity's consecutive error counter and returns the new value.
func (p *Pool) MarkError(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, ok := p.byName[name]
	if !ok {
		return 0
	}
	id.consecutiveErrors++
	return id.consecutiveErrors
}

func (p *Pool) MarkSuccess(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id, ok := p.byName[name]; ok {
		id.consecutiveErrors = 0
		id.rateLimitedUntil = time.Time{}
		id.lastSuccessAt = p.now()
	}
}

func (p *Pool) MarkUsed(name string, t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id, ok := p.byName[name]; ok {
		id.lastUsedAt = t
	}
}

func (p *Pool) ConsecutiveErrors(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id, ok := p.byName[name]; ok {
		return id.consecutiveErrors
	}
	return 0
}

// SinceLastSuccess returns the time elapsed since the identity last succeeded, or zero when
// it never has.
func (p *Pool) SinceLastSuccess(name string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, ok := p.byName[name]
	if !ok || id.lastSuccessAt.IsZero() {
		return 0
	}
	return p.now().Sub(id.lastSuccessAt)
}

func (p *Pool) Snapshot() []domain.IdentityStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	out := make([]domain.IdentityStatus, 0, len(p.identities))
	for _, id := range p.identities {
		st := domain.IdentityStatus{
			Name:              id.Name,
			Transports:        append([]string(nil), id.Transports...),
			ConsecutiveErrors: id.consecutiveErrors,
			CoolingDown:       id.rateLimitedUntil.After(now),
			RateLimitedUntil:  timePtr(id.rateLimitedUntil),
			LastUsedAt:        timePtr(id.lastUsedAt),
			LastSuccessAt:     timePtr(id.lastSuccessAt),
		}
		out = append(out, st)
	}
	return out
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
