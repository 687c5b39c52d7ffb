// Package xlist fetches list timelines over the source's GraphQL endpoint.
package xlist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/net/publicsuffix"

	"list_harvester/internal/crawl"
	"list_harvester/internal/domain"
	"list_harvester/internal/session"
	"list_harvester/internal/transport"
)

const SourceID = "xlist"

// Config holds list source configuration.
type Config struct {
	TimelineURL    string
	BearerToken    string
	PageSize       int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// CaptureDir, when set, receives a copy of every payload.
	CaptureDir string
}

// Fetcher implements crawl.PageFetcher for list timelines.
type Fetcher struct {
	cfg          Config
	timelineURL  *url.URL
	newTransport func(*transport.Endpoint) (*http.Transport, error)
	logger       *slog.Logger
}

// New creates a new list fetcher.
func New(cfg Config, logger *slog.Logger) (*Fetcher, error) {
	u, err := url.Parse(cfg.TimelineURL)
	if err != nil {
		return nil, fmt.Errorf("parse timeline url: %w", err)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 20
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	return &Fetcher{
		cfg:          cfg,
		timelineURL:  u,
		newTransport: transport.NewHTTPTransport,
		logger:       logger.With("source", SourceID),
	}, nil
}

func (f *Fetcher) Open(_ context.Context, b crawl.Binding) (crawl.Page, error) {
	ep := b.Transport
	if ep == nil {
		ep = &transport.Endpoint{Name: transport.DirectName, Kind: transport.KindDirect}
	}
	tr, err := f.newTransport(ep)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	cookies, err := session.Decode(b.Session)
	if err != nil {
		return nil, err
	}
	jar.SetCookies(f.timelineURL, toHTTPCookies(cookies))

	p := &page{
		fetcher:   f,
		client:    &http.Client{Transport: tr, Jar: jar},
		jar:       jar,
		transport: tr,
		logger:    f.logger.With("transport", ep.Name),
	}
	if b.Identity != nil {
		p.identity = b.Identity.Name
		p.userAgent = b.Identity.Fingerprint.UserAgent
		p.locale = b.Identity.Fingerprint.Locale
		p.csrf = b.Identity.CSRFToken
		p.logger = p.logger.With("identity", b.Identity.Name)
	}
	return p, nil
}

type page struct {
	fetcher   *Fetcher
	client    *http.Client
	jar       http.CookieJar
	transport *http.Transport
	logger    *slog.Logger

	identity  string
	userAgent string
	locale    string
	csrf      string

	listID   string
	cursor   string
	timeout  time.Duration
	last     []byte
	buffer   [][]byte
	captured int
}

func (p *page) Navigate(ctx context.Context, target string, timeout time.Duration) error {
	p.listID = listID(target)
	if _, err := strconv.ParseUint(p.listID, 10, 64); err != nil {
		return fmt.Errorf("invalid list target %q", target)
	}
	p.timeout = timeout
	return p.load(ctx)
}

// WaitForMarker checks that the last payload carries the marker path.
func (p *page) WaitForMarker(_ context.Context, marker string, _ time.Duration) error {
	if marker == "" {
		return nil
	}
	if p.last == nil || !gjson.GetBytes(p.last, marker).Exists() {
		return fmt.Errorf("%w: %s", domain.ErrMarkerTimeout, marker)
	}
	return nil
}

func (p *page) ScrollOrPaginate(ctx context.Context) error {
	next := bottomCursor(p.last)
	if next == "" || next == p.cursor {
		return crawl.ErrExhausted
	}
	p.cursor = next
	return p.load(ctx)
}

func (p *page) Drain() [][]byte {
	out := p.buffer
	p.buffer = nil
	return out
}

func (p *page) SessionState() ([]byte, error) {
	var cookies []session.Cookie
	for _, c := range p.jar.Cookies(p.fetcher.timelineURL) {
		cookies = append(cookies, session.Cookie{Name: c.Name, Value: c.Value, Path: "/"})
	}
	if len(cookies) == 0 {
		return nil, nil
	}
	return session.Encode(cookies)
}

func (p *page) Close(context.Context) error {
	p.transport.CloseIdleConnections()
	return nil
}

func (p *page) load(ctx context.Context) error {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	body, err := p.fetchPage(ctx)
	if err != nil {
		return err
	}
	p.last = body
	p.buffer = append(p.buffer, body)
	p.capture(body)
	return nil
}

func (p *page) fetchPage(ctx context.Context) ([]byte, error) {
	cfg := p.fetcher.cfg

	var body []byte
	var err error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		body, err = p.doRequest(ctx)
		if err == nil || !retryable(err) {
			return body, err
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		backoff := p.fetcher.calculateBackoff(attempt)
		p.logger.Warn("request failed, retrying",
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return nil, p.contextError(ctx)
		case <-time.After(backoff):
		}
	}

	return nil, fmt.Errorf("after %d attempts: %w", cfg.MaxAttempts, err)
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status: %d", e.code)
}

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500
	}
	return errors.Is(err, domain.ErrTransport)
}

func (p *page) doRequest(ctx context.Context) ([]byte, error) {
	vars, err := json.Marshal(Variables{ListID: p.listID, Count: p.fetcher.cfg.PageSize, Cursor: p.cursor})
	if err != nil {
		return nil, fmt.Errorf("encode variables: %w", err)
	}

	u := *p.fetcher.timelineURL
	q := u.Query()
	q.Set("variables", string(vars))
	q.Set("features", features)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}
	if p.locale != "" {
		req.Header.Set("Accept-Language", p.locale)
	}
	if p.fetcher.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.fetcher.cfg.BearerToken)
	}
	if csrf := p.csrfToken(); csrf != "" {
		req.Header.Set("X-Csrf-Token", csrf)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, p.contextError(ctx)
		}
		return nil, fmt.Errorf("%w: execute request: %w", domain.ErrTransport, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: status %d", domain.ErrRateLimited, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, &statusError{code: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, p.contextError(ctx)
		}
		return nil, fmt.Errorf("%w: read response: %w", domain.ErrTransport, err)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("decode response: invalid json")
	}
	if msg := gjson.GetBytes(body, "errors.0.message"); msg.Exists() && !gjson.GetBytes(body, "data").Exists() {
		return nil, fmt.Errorf("graphql error: %s", msg.String())
	}
	return body, nil
}

// contextError maps an expired load timeout to a marker timeout and passes cancellation through.
func (p *page) contextError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: page load timed out after %s", domain.ErrMarkerTimeout, p.timeout)
	}
	return ctx.Err()
}

func (p *page) csrfToken() string {
	for _, c := range p.jar.Cookies(p.fetcher.timelineURL) {
		if c.Name == session.CSRFCookie {
			return c.Value
		}
	}
	return p.csrf
}

func (p *page) capture(body []byte) {
	dir := p.fetcher.cfg.CaptureDir
	if dir == "" {
		return
	}
	p.captured++
	name := fmt.Sprintf("%s-%d-%03d.json", p.identity, time.Now().UnixNano(), p.captured)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		p.logger.Warn("failed to create capture dir", "error", err)
		return
	}
	if err := os.WriteFile(filepath.Join(dir, name), body, 0o644); err != nil {
		p.logger.Warn("failed to capture payload", "error", err)
	}
}

func (f *Fetcher) calculateBackoff(attempt int) time.Duration {
	backoff := f.cfg.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
	}
	if backoff > f.cfg.MaxBackoff {
		backoff = f.cfg.MaxBackoff
	}
	return backoff
}

func toHTTPCookies(cookies []session.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		path := c.Path
		if path == "" {
			path = "/"
		}
		// Domain is dropped so the jar scopes every cookie to the timeline host.
		out = append(out, &http.Cookie{Name: c.Name, Value: c.Value, Path: path, HttpOnly: c.HTTPOnly})
	}
	return out
}
