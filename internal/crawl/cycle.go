package crawl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"time"

	"list_harvester/internal/domain"
	"list_harvester/internal/extractor"
)

type Request struct {
	Target      string
	Watermark   domain.ItemID
	MaxItems    int
	MaxPasses   int
	SettleDelay time.Duration
	LoadTimeout time.Duration
	Marker      string
}

type Result struct {
	Items     []domain.Item
	Watermark domain.ItemID
	Outcome   domain.Outcome
	Fragments int
	Stale     int
	Gaps      int
	Passes    int
	Session   []byte
	Err       error
}

type Cycle struct {
	fetcher    PageFetcher
	extractor  *extractor.Extractor
	closeGrace time.Duration
	logger     *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func NewCycle(fetcher PageFetcher, ext *extractor.Extractor, closeGrace time.Duration, logger *slog.Logger) *Cycle {
	return &Cycle{
		fetcher:    fetcher,
		extractor:  ext,
		closeGrace: closeGrace,
		logger:     logger.With("component", "crawl"),
		sleep:      sleepCtx,
	}
}

type collector struct {
	req       Request
	scrapedBy string
	ext       *extractor.Extractor
	seen      map[domain.ItemID]struct{}
	items     []domain.Item
	fragments int
	stale     int
	gaps      int
}

// drain consumes payloads and reports how many new items they contributed.
func (c *collector) drain(payloads [][]byte) int {
	added := 0
	for _, payload := range payloads {
		for _, frag := range extractor.Fragments(payload) {
			c.fragments++

			id, ok := extractor.FragmentID(frag)
			if !ok {
				continue
			}
			if _, dup := c.seen[id]; dup {
				continue
			}
			c.seen[id] = struct{}{}

			if !c.req.Watermark.IsZero() && id <= c.req.Watermark {
				c.stale++
				continue
			}

			item, ok := c.ext.Extract(frag)
			if !ok {
				c.gaps++
				continue
			}
			item.Target = c.req.Target
			item.ScrapedBy = c.scrapedBy
			c.items = append(c.items, item)
			added++

			if c.full() {
				return added
			}
		}
	}
	return added
}

func (c *collector) full() bool {
	return c.req.MaxItems > 0 && len(c.items) >= c.req.MaxItems
}

// Fetch opens a page for the binding, collects items above the watermark and always closes
// the page before returning.
func (c *Cycle) Fetch(ctx context.Context, b Binding, req Request) (res Result) {
	res.Watermark = req.Watermark

	col := &collector{
		req:  req,
		ext:  c.extractor,
		seen: make(map[domain.ItemID]struct{}),
	}
	if b.Identity != nil {
		col.scrapedBy = b.Identity.Name
	}

	defer func() {
		res.Items = col.items
		slices.SortFunc(res.Items, func(x, y domain.Item) int {
			switch {
			case x.ID > y.ID:
				return -1
			case x.ID < y.ID:
				return 1
			default:
				return 0
			}
		})
		for _, it := range res.Items {
			res.Watermark = res.Watermark.Max(it.ID)
		}
		res.Fragments = col.fragments
		res.Stale = col.stale
		res.Gaps = col.gaps

		switch {
		case res.Err != nil:
			res.Outcome = classify(res.Err)
		case col.fragments == 0:
			res.Outcome = domain.OutcomePartialEmpty
		default:
			res.Outcome = domain.OutcomeSuccess
		}
	}()

	page, err := c.fetcher.Open(ctx, b)
	if err != nil {
		res.Err = fmt.Errorf("open page: %w", wrapTransport(err))
		return res
	}
	defer c.closePage(ctx, page, &res)

	if err := page.Navigate(ctx, req.Target, req.LoadTimeout); err != nil {
		res.Err = fmt.Errorf("navigate: %w", wrapTransport(err))
		return res
	}
	if err := page.WaitForMarker(ctx, req.Marker, req.LoadTimeout); err != nil {
		res.Err = fmt.Errorf("wait for marker: %w", wrapTransport(err))
		return res
	}

	res.Passes = 1
	added := col.drain(page.Drain())
	if col.full() {
		return res
	}
	if added == 0 && !req.Watermark.IsZero() {
		c.logger.Debug("first pass had nothing new, skipping scroll", "watermark", req.Watermark.String())
		return res
	}

	for i := 0; i < req.MaxPasses; i++ {
		err := page.ScrollOrPaginate(ctx)
		if errors.Is(err, ErrExhausted) {
			break
		}
		if err != nil {
			res.Err = fmt.Errorf("paginate: %w", wrapTransport(err))
			return res
		}
		if err := c.sleep(ctx, req.SettleDelay); err != nil {
			res.Err = err
			return res
		}

		res.Passes++
		col.drain(page.Drain())
		if col.full() {
			break
		}
	}
	return res
}

func (c *Cycle) closePage(ctx context.Context, page Page, res *Result) {
	if state, err := page.SessionState(); err != nil {
		c.logger.Warn("failed to read session state", "error", err)
	} else {
		res.Session = state
	}

	closeCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		closeCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), c.closeGrace)
		defer cancel()
	}
	if err := page.Close(closeCtx); err != nil {
		c.logger.Warn("failed to close page", "error", err)
	}
}

func classify(err error) domain.Outcome {
	switch {
	case errors.Is(err, domain.ErrMarkerTimeout), errors.Is(err, domain.ErrRateLimited):
		return domain.OutcomeTimeout
	default:
		return domain.OutcomeError
	}
}

func wrapTransport(err error) error {
	if errors.Is(err, domain.ErrTransport) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
