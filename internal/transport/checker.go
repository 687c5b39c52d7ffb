package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

// CheckResult is the outcome of a liveness check for one endpoint.
type CheckResult struct {
	Endpoint string
	Alive    bool
	IP       string
	DirectIP string
	Latency  time.Duration
	Err      error
}

// Checker verifies that an endpoint works and, for proxies, that it actually changes the
// egress IP.
type Checker struct {
	echoURL string
	timeout time.Duration
}

func NewChecker(echoURL string, timeout time.Duration) *Checker {
	return &Checker{echoURL: echoURL, timeout: timeout}
}

func (c *Checker) Check(ctx context.Context, ep *Endpoint) CheckResult {
	res := CheckResult{Endpoint: ep.Name}

	direct, err := c.fetchIP(ctx, &Endpoint{Name: DirectName, Kind: KindDirect})
	if err != nil && ep.Kind != KindDirect {
		res.Err = fmt.Errorf("fetch direct ip: %w", err)
		return res
	}
	res.DirectIP = direct

	if ep.Kind == KindDirect {
		res.IP = direct
		res.Alive = err == nil
		res.Err = err
		return res
	}

	start := time.Now()
	ip, err := c.fetchIP(ctx, ep)
	res.Latency = time.Since(start)
	if err != nil {
		res.Err = fmt.Errorf("fetch ip through %s: %w", ep.Name, err)
		return res
	}
	res.IP = ip
	if ip == direct {
		res.Err = fmt.Errorf("endpoint %s does not change egress ip (%s)", ep.Name, ip)
		return res
	}
	res.Alive = true
	return res
}

func (c *Checker) fetchIP(ctx context.Context, ep *Endpoint) (string, error) {
	client, err := NewHTTPClient(ep, c.timeout)
	if err != nil {
		return "", err
	}
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.echoURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	// httpbin answers {"origin": "a, b"}; ipify-style services answer {"ip": "a"} or plain text.
	if gjson.ValidBytes(body) {
		for _, key := range []string{"origin", "ip"} {
			if v := gjson.GetBytes(body, key); v.Exists() {
				return strings.TrimSpace(strings.Split(v.String(), ",")[0]), nil
			}
		}
	}
	ip := strings.TrimSpace(string(body))
	if ip == "" {
		return "", fmt.Errorf("empty ip echo response")
	}
	return ip, nil
}

// HealthProber periodically checks every endpoint in the pool and updates its health.
type HealthProber struct {
	pool        *Pool
	checker     *Checker
	interval    time.Duration
	concurrency int
	logger      *slog.Logger
}

func NewHealthProber(pool *Pool, checker *Checker, interval time.Duration, concurrency int, logger *slog.Logger) *HealthProber {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &HealthProber{
		pool:        pool,
		checker:     checker,
		interval:    interval,
		concurrency: concurrency,
		logger:      logger.With("component", "transport_health"),
	}
}

func (h *HealthProber) Run(ctx context.Context) {
	h.logger.Info("health prober started", "interval", h.interval)

	h.CheckAll(ctx)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("health prober stopped")
			return
		case <-ticker.C:
			h.CheckAll(ctx)
		}
	}
}

// CheckAll checks every endpoint in parallel and returns the results in pool order.
func (h *HealthProber) CheckAll(ctx context.Context) []CheckResult {
	endpoints := h.pool.All()
	results := make([]CheckResult, len(endpoints))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(h.concurrency)

	for i, ep := range endpoints {
		i, ep := i, ep
		g.Go(func() error {
			res := h.checker.Check(gCtx, ep)
			results[i] = res
			if res.Alive {
				h.pool.MarkUp(ep.Name, res.IP)
				h.logger.Debug("endpoint healthy", "endpoint", ep.Name, "ip", res.IP, "latency", res.Latency)
			} else {
				h.pool.MarkDown(ep.Name)
				h.logger.Warn("endpoint unhealthy", "endpoint", ep.Name, "error", res.Err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return results
}
