// Package transport manages the egress routes (direct or proxied) used by fetch cycles.
package transport

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"list_harvester/internal/domain"
)

const DirectName = "direct"

// DefaultRetryAfter is how long a failed endpoint is ordered last before it is tried again.
const DefaultRetryAfter = 5 * time.Minute

type Kind string

const (
	KindDirect Kind = "direct"
	KindHTTP   Kind = "http"
	KindHTTPS  Kind = "https"
	KindSOCKS5 Kind = "socks5"
)

// Endpoint is one egress route. A nil ProxyURL means direct.
type Endpoint struct {
	Name     string
	Kind     Kind
	ProxyURL *url.URL

	healthy      bool
	lastIP       string
	lastChecked  time.Time
	failureCount int
}

// ParseEndpoint builds an endpoint from a configured proxy URL. An empty URL is direct.
func ParseEndpoint(name, rawURL string) (*Endpoint, error) {
	ep := &Endpoint{Name: name, Kind: KindDirect, healthy: true}
	if strings.TrimSpace(rawURL) == "" || rawURL == DirectName {
		return ep, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url for %s: %w", name, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		ep.Kind = KindHTTP
	case "https":
		ep.Kind = KindHTTPS
	case "socks5", "socks5h":
		ep.Kind = KindSOCKS5
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q for %s", u.Scheme, name)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("proxy url for %s has no host", name)
	}
	ep.ProxyURL = u
	return ep, nil
}

// Redacted returns the proxy URL without credentials, suitable for logs.
func (e *Endpoint) Redacted() string {
	if e.ProxyURL == nil {
		return DirectName
	}
	return e.ProxyURL.Redacted()
}

// Pool holds endpoints by name. Health is the only mutable state and is guarded because the
// background prober updates it concurrently with fetch cycles.
type Pool struct {
	mu         sync.RWMutex
	endpoints  []*Endpoint
	byName     map[string]*Endpoint
	now        func() time.Time
	retryAfter time.Duration
}

// NewPool always includes a direct endpoint.
func NewPool(endpoints []*Endpoint) *Pool {
	p := &Pool{byName: make(map[string]*Endpoint), now: time.Now, retryAfter: DefaultRetryAfter}
	for _, ep := range endpoints {
		p.add(ep)
	}
	if _, ok := p.byName[DirectName]; !ok {
		p.add(&Endpoint{Name: DirectName, Kind: KindDirect, healthy: true})
	}
	return p
}

// WithClock replaces the pool's time source.
func (p *Pool) WithClock(now func() time.Time) *Pool {
	p.now = now
	return p
}

// WithRetryAfter sets how long a failed endpoint stays demoted. Zero keeps it demoted until
// it is marked up.
func (p *Pool) WithRetryAfter(d time.Duration) *Pool {
	p.retryAfter = d
	return p
}

func (p *Pool) add(ep *Endpoint) {
	p.endpoints = append(p.endpoints, ep)
	p.byName[ep.Name] = ep
}

func (p *Pool) Get(name string) (*Endpoint, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ep, ok := p.byName[name]
	return ep, ok
}

func (p *Pool) All() []*Endpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return append([]*Endpoint(nil), p.endpoints...)
}

// Candidates resolves names to endpoints, healthy ones first, each group in configured order.
// Unhealthy endpoints are still returned so an identity always has somewhere to go, and regain
// their configured position once the retry window since the failure has passed. An empty name
// list means direct.
func (p *Pool) Candidates(names []string) []*Endpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(names) == 0 {
		names = []string{DirectName}
	}

	now := p.now()
	var healthy, down []*Endpoint
	for _, n := range names {
		ep, ok := p.byName[n]
		if !ok {
			continue
		}
		if ep.healthy || p.retryDue(ep, now) {
			healthy = append(healthy, ep)
		} else {
			down = append(down, ep)
		}
	}
	return append(healthy, down...)
}

func (p *Pool) retryDue(ep *Endpoint, now time.Time) bool {
	return p.retryAfter > 0 && now.Sub(ep.lastChecked) >= p.retryAfter
}

func (p *Pool) MarkDown(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ep, ok := p.byName[name]; ok {
		ep.healthy = false
		ep.failureCount++
		ep.lastChecked = p.now()
	}
}

// MarkUp records a healthy endpoint. ip may be empty when it is unknown.
func (p *Pool) MarkUp(name, ip string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ep, ok := p.byName[name]; ok {
		ep.healthy = true
		ep.failureCount = 0
		ep.lastChecked = p.now()
		if ip != "" {
			ep.lastIP = ip
		}
	}
}

func (p *Pool) Healthy(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ep, ok := p.byName[name]
	return ok && ep.healthy
}

func (p *Pool) Snapshot() []domain.EndpointStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]domain.EndpointStatus, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		out = append(out, domain.EndpointStatus{
			Name:         ep.Name,
			Kind:         string(ep.Kind),
			Healthy:      ep.healthy,
			LastIP:       ep.lastIP,
			LastChecked:  ep.lastChecked,
			FailureCount: ep.failureCount,
		})
	}
	return out
}
