package xlist

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"list_harvester/internal/crawl"
	"list_harvester/internal/domain"
	"list_harvester/internal/extractor"
	"list_harvester/internal/identity"
	"list_harvester/internal/session"
)

const marker = "data.list.tweets_timeline.timeline.instructions"

func payload(cursor string, ids ...int) string {
	entries := ""
	for _, id := range ids {
		entries += fmt.Sprintf(`{"entryId":"tweet-%d","content":{"itemContent":{"tweet_results":{"result":{"rest_id":"%d","legacy":{"full_text":"t%d"}}}}}},`, id, id, id)
	}
	entries += fmt.Sprintf(`{"entryId":"cursor-bottom-0","content":{"value":%q}}`, cursor)
	return `{"data":{"list":{"tweets_timeline":{"timeline":{"instructions":[{"type":"TimelineAddEntries","entries":[` + entries + `]}]}}}}}`
}

func newFetcher(t *testing.T, srvURL string, mutate func(*Config)) *Fetcher {
	t.Helper()
	cfg := Config{
		TimelineURL:    srvURL + "/graphql/ListLatestTweetsTimeline",
		BearerToken:    "bearer",
		PageSize:       20,
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return f
}

func binding(t *testing.T) crawl.Binding {
	t.Helper()
	id := &identity.Identity{
		Name:        "acct1",
		AuthToken:   "tok",
		CSRFToken:   "csrf-1",
		Fingerprint: domain.Fingerprint{UserAgent: "test-agent", Locale: "en-US"},
	}
	blob, err := session.Seed(id)
	require.NoError(t, err)
	return crawl.Binding{Identity: id, Session: blob}
}

func TestPage_NavigateAndPaginate(t *testing.T) {
	var gotVars []Variables
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer bearer", r.Header.Get("Authorization"))
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		assert.Equal(t, "en-US", r.Header.Get("Accept-Language"))
		assert.Equal(t, "csrf-1", r.Header.Get("X-Csrf-Token"))
		c, err := r.Cookie("auth_token")
		if assert.NoError(t, err) {
			assert.Equal(t, "tok", c.Value)
		}

		var v Variables
		assert.NoError(t, json.Unmarshal([]byte(r.URL.Query().Get("variables")), &v))
		gotVars = append(gotVars, v)

		switch v.Cursor {
		case "":
			_, _ = io.WriteString(w, payload("c1", 105, 104))
		case "c1":
			_, _ = io.WriteString(w, payload("c2", 103))
		default:
			_, _ = io.WriteString(w, payload("c2"))
		}
	}))
	defer srv.Close()

	f := newFetcher(t, srv.URL, nil)
	ctx := context.Background()

	p, err := f.Open(ctx, binding(t))
	require.NoError(t, err)
	defer p.Close(ctx)

	require.NoError(t, p.Navigate(ctx, "https://x.com/i/lists/123", time.Second))
	require.NoError(t, p.WaitForMarker(ctx, marker, time.Second))

	first := p.Drain()
	require.Len(t, first, 1)
	assert.Len(t, extractor.Fragments(first[0]), 2)
	assert.Empty(t, p.Drain())

	require.NoError(t, p.ScrollOrPaginate(ctx))
	second := p.Drain()
	require.Len(t, second, 1)
	assert.Len(t, extractor.Fragments(second[0]), 1)

	require.NoError(t, p.ScrollOrPaginate(ctx))
	assert.ErrorIs(t, p.ScrollOrPaginate(ctx), crawl.ErrExhausted)

	require.Len(t, gotVars, 3)
	assert.Equal(t, "123", gotVars[0].ListID)
	assert.Equal(t, 20, gotVars[0].Count)
	assert.Equal(t, "c1", gotVars[1].Cursor)

	state, err := p.SessionState()
	require.NoError(t, err)
	cookies, err := session.Decode(state)
	require.NoError(t, err)
	assert.NotEmpty(t, cookies)
}

func TestPage_RateLimited(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p, err := newFetcher(t, srv.URL, nil).Open(context.Background(), binding(t))
	require.NoError(t, err)

	err = p.Navigate(context.Background(), "123", time.Second)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, int32(1), calls.Load(), "rate limits are not retried")
}

func TestPage_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, payload("", 1))
	}))
	defer srv.Close()

	p, err := newFetcher(t, srv.URL, nil).Open(context.Background(), binding(t))
	require.NoError(t, err)

	require.NoError(t, p.Navigate(context.Background(), "123", time.Second))
	assert.Equal(t, int32(2), calls.Load())
}

func TestPage_MissingMarker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"data":{"list":{}}}`)
	}))
	defer srv.Close()

	p, err := newFetcher(t, srv.URL, nil).Open(context.Background(), binding(t))
	require.NoError(t, err)

	require.NoError(t, p.Navigate(context.Background(), "123", time.Second))
	assert.ErrorIs(t, p.WaitForMarker(context.Background(), marker, time.Second), domain.ErrMarkerTimeout)
}

func TestPage_LoadTimeoutIsMarkerTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p, err := newFetcher(t, srv.URL, nil).Open(context.Background(), binding(t))
	require.NoError(t, err)

	err = p.Navigate(context.Background(), "123", 50*time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrMarkerTimeout)
}

func TestPage_InvalidTarget(t *testing.T) {
	p, err := newFetcher(t, "http://127.0.0.1:1", nil).Open(context.Background(), binding(t))
	require.NoError(t, err)
	assert.Error(t, p.Navigate(context.Background(), "https://x.com/i/lists/abc", time.Second))
}

func TestPage_CapturesPayloads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, payload("", 7))
	}))
	defer srv.Close()

	dir := t.TempDir()
	p, err := newFetcher(t, srv.URL, func(c *Config) { c.CaptureDir = dir }).Open(context.Background(), binding(t))
	require.NoError(t, err)
	require.NoError(t, p.Navigate(context.Background(), "123", time.Second))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestListID(t *testing.T) {
	assert.Equal(t, "123", listID("https://x.com/i/lists/123"))
	assert.Equal(t, "123", listID("https://x.com/i/lists/123/"))
	assert.Equal(t, "123", listID("https://x.com/i/lists/123?s=20"))
	assert.Equal(t, "456", listID("456"))
}
