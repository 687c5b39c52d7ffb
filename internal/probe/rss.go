package probe

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"list_harvester/internal/domain"
)

var statusIDRe = regexp.MustCompile(`/status(?:es)?/(\d+)`)

// RSS reads a feed mirror of the list.
type RSS struct {
	client      *http.Client
	urlTemplate string
	userAgent   string
}

func (r *RSS) Probe(ctx context.Context, listID string) (Result, error) {
	fp := gofeed.NewParser()
	fp.Client = r.client
	if r.userAgent != "" {
		fp.UserAgent = r.userAgent
	}

	feed, err := fp.ParseURLWithContext(expand(r.urlTemplate, listID), ctx)
	if err != nil {
		return Result{}, fmt.Errorf("fetch feed: %w", err)
	}

	now := time.Now().UTC()
	res := Result{Fragments: len(feed.Items)}
	for _, it := range feed.Items {
		id, ok := feedItemID(it)
		if !ok {
			continue
		}
		text := feedItemText(it)
		if text == "" {
			continue
		}

		item := domain.Item{
			ID:        id,
			Text:      text,
			CreatedAt: feedItemTime(it, now),
			ScrapedAt: now,
		}
		if len(it.Authors) > 0 && it.Authors[0] != nil {
			item.AuthorName = it.Authors[0].Name
			item.AuthorHandle = strings.TrimPrefix(it.Authors[0].Name, "@")
		}
		if handle := handleFromLink(it.Link); handle != "" {
			item.AuthorHandle = handle
		}
		for _, c := range it.Categories {
			item.Entities.Hashtags = append(item.Entities.Hashtags, strings.TrimPrefix(c, "#"))
		}
		res.Items = append(res.Items, item)
	}
	return res, nil
}

func feedItemID(it *gofeed.Item) (domain.ItemID, bool) {
	for _, s := range []string{it.Link, it.GUID} {
		if m := statusIDRe.FindStringSubmatch(s); m != nil {
			return domain.ParseItemID(m[1])
		}
	}
	return domain.ParseItemID(it.GUID)
}

func feedItemTime(it *gofeed.Item, fallback time.Time) time.Time {
	if it.PublishedParsed != nil {
		return it.PublishedParsed.UTC()
	}
	if it.UpdatedParsed != nil {
		return it.UpdatedParsed.UTC()
	}
	return fallback
}

func feedItemText(it *gofeed.Item) string {
	raw := it.Content
	if raw == "" {
		raw = it.Description
	}
	if raw == "" {
		return strings.TrimSpace(it.Title)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return strings.TrimSpace(it.Title)
	}
	return strings.TrimSpace(doc.Text())
}

// handleFromLink returns the account segment of a status link such as /alice/status/1.
func handleFromLink(link string) string {
	i := strings.Index(link, "/status")
	if i <= 0 {
		return ""
	}
	prefix := link[:i]
	return prefix[strings.LastIndex(prefix, "/")+1:]
}
