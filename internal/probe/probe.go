// Package probe implements cheap unauthenticated checks of a list that run while the main
// fetch path is backing off.
package probe

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"list_harvester/internal/domain"
)

const (
	KindSyndication = "syndication"
	KindRSS         = "rss"
)

// Result is what one probe saw. Fragments counts every post-like entry, including ones that
// could not be turned into items.
type Result struct {
	Items     []domain.Item
	Fragments int
}

type Prober interface {
	Probe(ctx context.Context, listID string) (Result, error)
}

type Config struct {
	Kind      string
	URL       string
	Timeout   time.Duration
	UserAgent string
}

// New returns the prober for cfg.Kind.
func New(cfg Config) (Prober, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := &http.Client{Timeout: cfg.Timeout}

	switch cfg.Kind {
	case KindSyndication, "":
		return &Syndication{client: client, urlTemplate: cfg.URL, userAgent: cfg.UserAgent}, nil
	case KindRSS:
		return &RSS{client: client, urlTemplate: cfg.URL, userAgent: cfg.UserAgent}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported probe kind %q", domain.ErrConfiguration, cfg.Kind)
	}
}

func expand(template, listID string) string {
	return strings.ReplaceAll(template, "{list_id}", listID)
}
