// Package crawl runs one incremental fetch cycle over a list view.
package crawl

import (
	"context"
	"errors"
	"time"

	"list_harvester/internal/identity"
	"list_harvester/internal/transport"
)

// ErrExhausted is returned by ScrollOrPaginate when the view has nothing more to load.
var ErrExhausted = errors.New("no more pages")

// Binding is the identity and egress a page is opened with. Session is the identity's
// persisted session blob, nil when there is none yet.
type Binding struct {
	Identity  *identity.Identity
	Transport *transport.Endpoint
	Session   []byte
}

// PageFetcher opens network sessions against the source.
type PageFetcher interface {
	Open(ctx context.Context, b Binding) (Page, error)
}

// Page is one open network session. Payloads intercepted while navigating or paginating are
// buffered until Drain is called.
type Page interface {
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	WaitForMarker(ctx context.Context, marker string, timeout time.Duration) error
	ScrollOrPaginate(ctx context.Context) error
	Drain() [][]byte
	SessionState() ([]byte, error)
	Close(ctx context.Context) error
}
