// Package extractor turns raw timeline fragments into normalized items.
//
// Every field is resolved by an ordered list of strategies. A strategy is a pure
// function over one fragment; the first one that yields a usable value wins. Payload
// shapes drift over time, so extraction degrades to later strategies instead of
// failing the whole item.
package extractor

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"list_harvester/internal/domain"
)

type strategy[T any] func(frag gjson.Result) (T, bool)

func firstOf[T any](frag gjson.Result, chain ...strategy[T]) (T, bool) {
	for _, s := range chain {
		if v, ok := s(frag); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

func stringAt(path string) strategy[string] {
	return func(frag gjson.Result) (string, bool) {
		v := frag.Get(path)
		if !v.Exists() || v.Type == gjson.Null {
			return "", false
		}
		s := strings.TrimSpace(v.String())
		return s, s != ""
	}
}

// Author is the resolved author of a fragment.
type Author struct {
	ID     string
	Handle string
	Name   string
}

func authorAt(base, handleKey, nameKey, idPath string) strategy[Author] {
	return func(frag gjson.Result) (Author, bool) {
		node := frag.Get(base)
		if !node.Exists() {
			return Author{}, false
		}
		a := Author{
			Handle: strings.TrimSpace(node.Get(handleKey).String()),
			Name:   strings.TrimSpace(node.Get(nameKey).String()),
		}
		if idPath != "" {
			a.ID = frag.Get(idPath).String()
		}
		return a, a.Handle != ""
	}
}

var (
	handlePattern = regexp.MustCompile(`"screen_name"\s*:\s*"([A-Za-z0-9_]{1,15})"`)
	namePattern   = regexp.MustCompile(`"name"\s*:\s*"([^"\\]{1,50})"`)
	nonHandle     = regexp.MustCompile(`[^a-z0-9_]+`)
)

func scanAuthor(frag gjson.Result) (Author, bool) {
	m := handlePattern.FindStringSubmatch(frag.Raw)
	if m == nil {
		return Author{}, false
	}
	a := Author{Handle: m[1]}
	if n := namePattern.FindStringSubmatch(frag.Raw); n != nil {
		a.Name = n[1]
	}
	return a, true
}

func synthesizeAuthor(frag gjson.Result) (Author, bool) {
	name, ok := firstOf(frag,
		stringAt("core.user_results.result.legacy.name"),
		stringAt("core.user_results.result.core.name"),
		stringAt("user.name"),
	)
	if !ok {
		if n := namePattern.FindStringSubmatch(frag.Raw); n != nil {
			name, ok = n[1], true
		}
	}
	if !ok {
		return Author{}, false
	}
	handle := nonHandle.ReplaceAllString(strings.ToLower(name), "")
	if len(handle) > 15 {
		handle = handle[:15]
	}
	if handle == "" {
		return Author{}, false
	}
	return Author{Handle: handle, Name: name}, true
}

var (
	idChain = []strategy[string]{
		stringAt("rest_id"),
		stringAt("id_str"),
		stringAt("legacy.id_str"),
	}
	textChain = []strategy[string]{
		stringAt("note_tweet.note_tweet_results.result.text"),
		stringAt("legacy.full_text"),
		stringAt("full_text"),
		stringAt("text"),
	}
	authorChain = []strategy[Author]{
		authorAt("core.user_results.result.legacy", "screen_name", "name", "core.user_results.result.rest_id"),
		authorAt("core.user_results.result.core", "screen_name", "name", "core.user_results.result.rest_id"),
		authorAt("core.user_result.result.legacy", "screen_name", "name", "core.user_result.result.rest_id"),
		authorAt("user", "screen_name", "name", "user.id_str"),
		scanAuthor,
		synthesizeAuthor,
	}
	createdChain = []strategy[string]{
		stringAt("legacy.created_at"),
		stringAt("created_at"),
	}
)

// unwrap strips visibility wrappers around the actual post object.
func unwrap(frag gjson.Result) gjson.Result {
	for i := 0; i < 3; i++ {
		inner := frag.Get("tweet")
		if !inner.IsObject() || frag.Get("rest_id").Exists() {
			return frag
		}
		frag = inner
	}
	return frag
}

// FragmentID returns the numeric id of a fragment without extracting the rest of it.
func FragmentID(frag gjson.Result) (domain.ItemID, bool) {
	raw, ok := firstOf(unwrap(frag), idChain...)
	if !ok {
		return 0, false
	}
	return domain.ParseItemID(raw)
}

// Extractor converts fragments into items. Now is used for the created_at fallback and
// the scraped_at stamp.
type Extractor struct {
	Now func() time.Time
}

func New() *Extractor {
	return &Extractor{Now: time.Now}
}

// Extract returns a normalized item, or false when the fragment lacks an id or text.
func (e *Extractor) Extract(frag gjson.Result) (domain.Item, bool) {
	frag = unwrap(frag)

	id, ok := FragmentID(frag)
	if !ok {
		return domain.Item{}, false
	}
	text, ok := firstOf(frag, textChain...)
	if !ok {
		return domain.Item{}, false
	}

	now := e.now()
	item := domain.Item{
		ID:        id,
		Text:      text,
		CreatedAt: e.parseCreated(frag, now),
		ScrapedAt: now,
		Lang:      firstString(frag, "legacy.lang", "lang"),
	}

	if a, ok := firstOf(frag, authorChain...); ok {
		item.AuthorID = a.ID
		item.AuthorHandle = a.Handle
		item.AuthorName = a.Name
	}

	legacy := frag.Get("legacy")
	if !legacy.Exists() {
		legacy = frag
	}

	item.Stats = domain.Stats{
		Retweets:  legacy.Get("retweet_count").Int(),
		Replies:   legacy.Get("reply_count").Int(),
		Likes:     legacy.Get("favorite_count").Int(),
		Quotes:    legacy.Get("quote_count").Int(),
		Bookmarks: legacy.Get("bookmark_count").Int(),
		Views:     viewCount(frag),
	}

	for _, m := range legacy.Get("extended_entities.media").Array() {
		item.Media = append(item.Media, domain.Media{
			Type:        m.Get("type").String(),
			URL:         m.Get("media_url_https").String(),
			ExpandedURL: m.Get("expanded_url").String(),
		})
	}

	entities := legacy.Get("entities")
	for _, m := range entities.Get("user_mentions").Array() {
		item.Entities.Mentions = append(item.Entities.Mentions, domain.Mention{
			Handle: m.Get("screen_name").String(),
			ID:     m.Get("id_str").String(),
		})
	}
	for _, h := range entities.Get("hashtags").Array() {
		if tag := h.Get("text").String(); tag != "" {
			item.Entities.Hashtags = append(item.Entities.Hashtags, tag)
		}
	}
	for _, u := range entities.Get("urls").Array() {
		item.Entities.URLs = append(item.Entities.URLs, domain.Link{
			ExpandedURL: u.Get("expanded_url").String(),
			DisplayURL:  u.Get("display_url").String(),
		})
	}

	return item, true
}

func (e *Extractor) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

func (e *Extractor) parseCreated(frag gjson.Result, fallback time.Time) time.Time {
	raw, ok := firstOf(frag, createdChain...)
	if !ok {
		return fallback
	}
	for _, layout := range []string{time.RubyDate, time.RFC3339, "2006-01-02T15:04:05.000Z"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return fallback
}

func viewCount(frag gjson.Result) int64 {
	v := frag.Get("views.count")
	if !v.Exists() {
		return 0
	}
	if v.Type == gjson.Number {
		return v.Int()
	}
	n, err := strconv.ParseInt(v.String(), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func firstString(frag gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := frag.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}
