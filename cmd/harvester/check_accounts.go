package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"list_harvester/internal/config"
	"list_harvester/internal/crawl"
	"list_harvester/internal/extractor"
	"list_harvester/internal/identity"
	"list_harvester/internal/service"
	"list_harvester/internal/session"
	"list_harvester/internal/source/xlist"
	"list_harvester/internal/transport"
)

var checkAccountsCmd = &cobra.Command{
	Use:   "check-accounts",
	Short: "Load the list once with every identity and report how each one fares",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		logger := setupLogger(cfg.LogLevel)

		transports, err := buildTransports(cfg)
		if err != nil {
			return err
		}
		pool := buildIdentities(cfg)
		ids := make([]*identity.Identity, 0, len(cfg.Identities))
		for _, ic := range cfg.Identities {
			ids = append(ids, pool.Get(ic.Name))
		}

		fetcher, err := xlist.New(xlist.Config{
			TimelineURL: cfg.Source.TimelineURL,
			BearerToken: cfg.Source.BearerToken,
			PageSize:    cfg.Source.PageSize,
		}, logger)
		if err != nil {
			return err
		}

		checker := &accountChecker{
			fetcher:    crawl.NewCycle(fetcher, extractor.New(), cfg.Monitor.CloseGrace, logger),
			sessions:   session.NewFileProvider(cfg.State.SessionDir()),
			transports: transports,
			timeout:    cfg.Monitor.CycleTimeout,
			logger:     logger,
			req: crawl.Request{
				Target:      cfg.TargetURL(),
				MaxPasses:   0,
				SettleDelay: cfg.Monitor.SettleDelay,
				LoadTimeout: cfg.Monitor.LoadTimeout,
				Marker:      cfg.Monitor.Marker,
			},
		}

		checks := checker.CheckAll(cmd.Context(), ids)
		failed := printAccountChecks(cmd.OutOrStdout(), checks)
		if failed > 0 {
			return fmt.Errorf("%d of %d identities failed", failed, len(checks))
		}
		return nil
	},
}

type accountCheck struct {
	Identity  string
	Transport string
	Result    crawl.Result
}

// accountChecker loads the list once per identity on its preferred transport, without
// scrolling and without a watermark.
type accountChecker struct {
	fetcher    service.Fetcher
	sessions   service.SessionStore
	transports *transport.Pool
	timeout    time.Duration
	logger     *slog.Logger
	req        crawl.Request
}

func (c *accountChecker) CheckAll(ctx context.Context, ids []*identity.Identity) []accountCheck {
	checks := make([]accountCheck, 0, len(ids))
	for _, id := range ids {
		checks = append(checks, c.check(ctx, id))
	}
	return checks
}

func (c *accountChecker) check(ctx context.Context, id *identity.Identity) accountCheck {
	candidates := c.transports.Candidates(id.Transports)
	if len(candidates) == 0 {
		candidates = c.transports.Candidates(nil)
	}
	ep := candidates[0]
	out := accountCheck{Identity: id.Name, Transport: ep.Name}

	blob, err := c.sessions.Resolve(id)
	if err != nil {
		c.logger.Warn("failed to resolve session", "identity", id.Name, "error", err)
	}

	var (
		fetchCtx context.Context
		cancel   context.CancelFunc
	)
	if c.timeout > 0 {
		fetchCtx, cancel = context.WithTimeout(ctx, c.timeout)
	} else {
		fetchCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	out.Result = c.fetcher.Fetch(fetchCtx, crawl.Binding{Identity: id, Transport: ep, Session: blob}, c.req)
	return out
}

func printAccountChecks(w io.Writer, checks []accountCheck) int {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "IDENTITY\tTRANSPORT\tOUTCOME\tFRAGMENTS\tPOSTS\tERROR")

	failed := 0
	for _, c := range checks {
		errText := ""
		if c.Result.Err != nil {
			errText = c.Result.Err.Error()
		}
		if c.Result.Outcome.Hard() {
			failed++
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			c.Identity, c.Transport, c.Result.Outcome, c.Result.Fragments,
			len(c.Result.Items)+c.Result.Stale, errText)
	}
	tw.Flush()
	return failed
}
