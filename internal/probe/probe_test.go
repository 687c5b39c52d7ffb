package probe

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"list_harvester/internal/domain"
)

const syndicationPage = `<!DOCTYPE html><html><head></head><body>
<div id="root"></div>
<script id="__NEXT_DATA__" type="application/json">{"props":{"pageProps":{"timeline":{"entries":[
	{"type":"tweet","content":{"tweet":{"id_str":"205","full_text":"newest","created_at":"Wed Oct 10 20:19:24 +0000 2018","user":{"screen_name":"alice","name":"Alice"}}}},
	{"type":"tweet","content":{"tweet":{"id_str":"204","full_text":"older","user":{"screen_name":"bob","name":"Bob"}}}},
	{"type":"tweet","content":{"tweet":{"id_str":"203"}}}
]}}}}</script>
</body></html>`

const rssFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel>
<title>List</title>
<item>
  <title>first post</title>
  <description><![CDATA[<p>first <b>post</b> body</p>]]></description>
  <link>https://nitter.example/alice/status/301#m</link>
  <guid>https://nitter.example/alice/status/301#m</guid>
  <pubDate>Mon, 02 Mar 2026 10:00:00 GMT</pubDate>
  <category>golang</category>
</item>
<item>
  <title>no id here</title>
  <link>https://nitter.example/about</link>
</item>
</channel></rss>`

func serve(t *testing.T, status int, contentType, body string) (*httptest.Server, *string) {
	t.Helper()
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &path
}

func TestSyndication(t *testing.T) {
	srv, path := serve(t, http.StatusOK, "text/html", syndicationPage)

	p, err := New(Config{Kind: KindSyndication, URL: srv.URL + "/timeline-list/list/{list_id}", Timeout: time.Second})
	require.NoError(t, err)

	res, err := p.Probe(context.Background(), "42")
	require.NoError(t, err)

	assert.Equal(t, "/timeline-list/list/42", *path)
	assert.Equal(t, 3, res.Fragments)
	require.Len(t, res.Items, 2)
	assert.Equal(t, domain.ItemID(205), res.Items[0].ID)
	assert.Equal(t, "alice", res.Items[0].AuthorHandle)
	assert.Equal(t, "older", res.Items[1].Text)
}

func TestSyndication_NoData(t *testing.T) {
	srv, _ := serve(t, http.StatusOK, "text/html", `<html><body>nothing</body></html>`)

	p, err := New(Config{Kind: KindSyndication, URL: srv.URL})
	require.NoError(t, err)

	_, err = p.Probe(context.Background(), "42")
	assert.Error(t, err)
}

func TestSyndication_RateLimited(t *testing.T) {
	srv, _ := serve(t, http.StatusTooManyRequests, "text/html", "")

	p, err := New(Config{Kind: KindSyndication, URL: srv.URL})
	require.NoError(t, err)

	_, err = p.Probe(context.Background(), "42")
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestRSS(t *testing.T) {
	srv, path := serve(t, http.StatusOK, "application/rss+xml", rssFeed)

	p, err := New(Config{Kind: KindRSS, URL: srv.URL + "/i/lists/{list_id}/rss"})
	require.NoError(t, err)

	res, err := p.Probe(context.Background(), "42")
	require.NoError(t, err)

	assert.Equal(t, "/i/lists/42/rss", *path)
	assert.Equal(t, 2, res.Fragments)
	require.Len(t, res.Items, 1)

	it := res.Items[0]
	assert.Equal(t, domain.ItemID(301), it.ID)
	assert.Equal(t, "first post body", it.Text)
	assert.Equal(t, "alice", it.AuthorHandle)
	assert.Equal(t, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), it.CreatedAt)
	assert.Equal(t, []string{"golang"}, it.Entities.Hashtags)
}

func TestNew_UnknownKind(t *testing.T) {
	_, err := New(Config{Kind: "carrier-pigeon"})
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}
