package probe

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"

	"list_harvester/internal/domain"
	"list_harvester/internal/extractor"
)

// Syndication reads the public embed page of a list, which carries its timeline as JSON in
// the __NEXT_DATA__ script.
type Syndication struct {
	client      *http.Client
	urlTemplate string
	userAgent   string
	extractor   *extractor.Extractor
}

func (s *Syndication) Probe(ctx context.Context, listID string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, expand(s.urlTemplate, listID), nil)
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/html")
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return Result{}, fmt.Errorf("%w: syndication status %d", domain.ErrRateLimited, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("parse html: %w", err)
	}

	raw := strings.TrimSpace(doc.Find("script#__NEXT_DATA__").First().Text())
	if raw == "" || !gjson.Valid(raw) {
		return Result{}, fmt.Errorf("syndication page has no timeline data")
	}

	ext := s.extractor
	if ext == nil {
		ext = extractor.New()
	}

	var res Result
	for _, frag := range extractor.Fragments([]byte(raw)) {
		res.Fragments++
		if item, ok := ext.Extract(frag); ok {
			res.Items = append(res.Items, item)
		}
	}
	return res, nil
}
