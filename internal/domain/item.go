package domain

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ItemID is the numeric identifier assigned by the source. Higher values are more recent.
// The zero value means "no id".
type ItemID uint64

func ParseItemID(s string) (ItemID, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return 0, false
	}
	return ItemID(n), true
}

func (id ItemID) String() string {
	if id == 0 {
		return ""
	}
	return strconv.FormatUint(uint64(id), 10)
}

func (id ItemID) IsZero() bool {
	return id == 0
}

// Max returns the greater of the two ids.
func (id ItemID) Max(other ItemID) ItemID {
	if other > id {
		return other
	}
	return id
}

func (id ItemID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ItemID) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*id = 0
		return nil
	}
	parsed, ok := ParseItemID(string(b))
	if !ok {
		return fmt.Errorf("invalid item id %q", string(b))
	}
	*id = parsed
	return nil
}

func (id ItemID) Value() (driver.Value, error) {
	return int64(id), nil
}

func (id *ItemID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*id = 0
	case int64:
		*id = ItemID(v)
	case []byte:
		return id.UnmarshalText(v)
	case string:
		return id.UnmarshalText([]byte(v))
	default:
		return fmt.Errorf("scan item id: unsupported type %T", src)
	}
	return nil
}

type Item struct {
	ID           ItemID    `json:"id"`
	Target       string    `json:"target,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	Text         string    `json:"text"`
	Lang         string    `json:"lang,omitempty"`
	AuthorID     string    `json:"author_id,omitempty"`
	AuthorHandle string    `json:"author_handle"`
	AuthorName   string    `json:"author_name,omitempty"`
	Stats        Stats     `json:"stats"`
	Media        []Media   `json:"media,omitempty"`
	Entities     Entities  `json:"entities"`
	ScrapedBy    string    `json:"scraped_by,omitempty"`
	ScrapedAt    time.Time `json:"scraped_at"`
}

type Stats struct {
	Retweets  int64 `json:"retweet_count"`
	Replies   int64 `json:"reply_count"`
	Likes     int64 `json:"like_count"`
	Quotes    int64 `json:"quote_count"`
	Bookmarks int64 `json:"bookmark_count"`
	Views     int64 `json:"view_count"`
}

type Media struct {
	Type        string `json:"type"`
	URL         string `json:"url"`
	ExpandedURL string `json:"expanded_url,omitempty"`
}

type Mention struct {
	Handle string `json:"screen_name"`
	ID     string `json:"id,omitempty"`
}

type Link struct {
	ExpandedURL string `json:"expanded_url"`
	DisplayURL  string `json:"display_url,omitempty"`
}

type Entities struct {
	Mentions []Mention `json:"mentions,omitempty"`
	Hashtags []string  `json:"hashtags,omitempty"`
	URLs     []Link    `json:"urls,omitempty"`
}
