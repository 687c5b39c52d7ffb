package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"list_harvester/internal/backoff"
	"list_harvester/internal/config"
	"list_harvester/internal/crawl"
	"list_harvester/internal/extractor"
	"list_harvester/internal/metrics"
	"list_harvester/internal/probe"
	"list_harvester/internal/scheduler"
	"list_harvester/internal/service"
	"list_harvester/internal/session"
	"list_harvester/internal/source/xlist"
	"list_harvester/internal/storage/database"
	"list_harvester/internal/storage/state"
	"list_harvester/internal/transport"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Monitor the list and persist new posts",
	Long: `Monitor the list and persist new posts.

Examples:
  harvester run --config config.yaml
  harvester run --list 1234567890 --interval 2m --limit 20
  harvester run --once --visible`,
	RunE: runMonitor,
}

func init() {
	f := runCmd.Flags()
	f.String("list", "", "target list id or url")
	f.Duration("interval", 0, "base interval between cycles")
	f.Int("limit", 0, "max new items per cycle, 0 for unlimited")
	f.Int("passes", 0, "scroll/pagination passes per cycle")
	f.Int("max-errors", 0, "consecutive errors before switching identity")
	f.Int("max-history", 0, "items kept in the history file")
	f.Bool("visible", false, "capture every payload to the state directory")
	f.Bool("once", false, "run a single cycle and exit")
	f.Bool("relogin", false, "discard persisted sessions and reseed them from configured tokens")
}

// applyRunFlags overrides file values with flags the user actually set.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("list") {
		v, _ := f.GetString("list")
		cfg.SetTarget(v)
	}
	if f.Changed("interval") {
		cfg.Monitor.Interval, _ = f.GetDuration("interval")
	}
	if f.Changed("limit") {
		cfg.Monitor.MaxItems, _ = f.GetInt("limit")
	}
	if f.Changed("passes") {
		cfg.Monitor.MaxPasses, _ = f.GetInt("passes")
	}
	if f.Changed("max-errors") {
		cfg.Backoff.SwitchAfter, _ = f.GetInt("max-errors")
	}
	if f.Changed("max-history") {
		cfg.Monitor.MaxHistory, _ = f.GetInt("max-history")
	}
	if f.Changed("visible") {
		cfg.Monitor.Visible, _ = f.GetBool("visible")
	}
	if f.Changed("once") {
		cfg.Monitor.Once, _ = f.GetBool("once")
	}
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyRunFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := setupLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	identities := buildIdentities(cfg)
	transports, err := buildTransports(cfg)
	if err != nil {
		return err
	}

	sessions := session.NewFileProvider(cfg.State.SessionDir())
	if relogin, _ := cmd.Flags().GetBool("relogin"); relogin {
		for _, ic := range cfg.Identities {
			if err := sessions.Discard(ic.Name); err != nil {
				return err
			}
		}
		logger.Info("discarded persisted sessions", "identities", len(cfg.Identities))
	}

	conn, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	notifier, err := buildNotifier(cfg, logger)
	if err != nil {
		return err
	}
	if notifier != nil {
		defer notifier.Close()
	}

	collector, err := metrics.NewCollector()
	if err != nil {
		return fmt.Errorf("create metrics collector: %w", err)
	}

	captureDir := ""
	if cfg.Monitor.Visible {
		captureDir = cfg.Source.CaptureDir
	}
	fetcher, err := xlist.New(xlist.Config{
		TimelineURL: cfg.Source.TimelineURL,
		BearerToken: cfg.Source.BearerToken,
		PageSize:    cfg.Source.PageSize,
		CaptureDir:  captureDir,
	}, logger)
	if err != nil {
		return err
	}

	controller := backoff.NewController(backoff.Config{
		BaseInterval:          cfg.Monitor.Interval,
		MaxWait:               cfg.Backoff.MaxWait,
		SwitchAfter:           cfg.Backoff.SwitchAfter,
		PartialEmptyThreshold: cfg.Backoff.PartialEmptyThreshold,
		PartialEmptyFactor:    cfg.Backoff.PartialEmptyFactor,
		TimeoutCooldown:       cfg.Backoff.TimeoutCooldown,
		ErrorCooldown:         cfg.Backoff.ErrorCooldown,
		EmptyCooldown:         cfg.Backoff.EmptyCooldown,
	}, identities)

	deps := service.Deps{
		Fetcher:     crawl.NewCycle(fetcher, extractor.New(), cfg.Monitor.CloseGrace, logger),
		Controller:  controller,
		Identities:  identities,
		Transports:  transports,
		Sessions:    sessions,
		History:     state.NewHistoryStore(cfg.State.HistoryPath(), cfg.Monitor.MaxHistory),
		Watermarks:  state.NewWatermarkStore(cfg.State.WatermarkPath()),
		Items:       database.NewItemStore(conn),
		Hashtags:    database.NewHashtagStore(conn),
		SyncState:   database.NewSyncStateStore(conn),
		Events:      database.NewEventStore(conn),
		TxManager:   database.NewTransactionManager(conn),
		Reconnector: conn,
		Metrics:     collector,
	}
	if notifier != nil {
		deps.Notifier = notifier
	}
	if cfg.Probe.Enabled {
		prober, err := probe.New(probe.Config{
			Kind:      cfg.Probe.Kind,
			URL:       cfg.Probe.URL,
			Timeout:   cfg.Probe.Timeout,
			UserAgent: cfg.Identities[0].Fingerprint.UserAgent,
		})
		if err != nil {
			return err
		}
		deps.Prober = prober
	}

	monitor := service.NewMonitor(service.Config{
		ListID:       cfg.Target.ListID,
		TargetURL:    cfg.TargetURL(),
		MaxItems:     cfg.Monitor.MaxItems,
		MaxPasses:    cfg.Monitor.MaxPasses,
		SettleDelay:  cfg.Monitor.SettleDelay,
		LoadTimeout:  cfg.Monitor.LoadTimeout,
		CycleTimeout: cfg.Monitor.CycleTimeout,
		Marker:       cfg.Monitor.Marker,
	}, deps, logger)
	if err := monitor.Init(ctx); err != nil {
		return err
	}

	if cfg.Metrics.Addr != "" {
		router := metrics.NewRouter(collector, monitor.Status)
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr, router, cfg.Monitor.ShutdownGrace, logger); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	if cfg.Health.Enabled && !cfg.Monitor.Once {
		checker := transport.NewChecker(cfg.Health.IPEchoURL, cfg.Health.Timeout)
		prober := transport.NewHealthProber(transports, checker, cfg.Health.Interval, cfg.Health.Concurrency, logger)
		go prober.Run(ctx)
	}

	sched := scheduler.NewScheduler(monitor, scheduler.Config{
		BaseInterval:   cfg.Monitor.Interval,
		SleepChunk:     cfg.Backoff.SleepChunk,
		ProbeEnabled:   cfg.Probe.Enabled,
		ProbeThreshold: cfg.Backoff.ProbeThreshold,
		ProbeEvery:     cfg.Probe.Every,
		Once:           cfg.Monitor.Once,
	}, logger)

	logger.Info("starting list harvester",
		"target", cfg.Target.ListID,
		"identities", identities.Len(),
		"transports", len(transports.All()),
		"interval", cfg.Monitor.Interval,
		"max_items", cfg.Monitor.MaxItems,
		"database", cfg.Database.Driver,
	)

	if err := sched.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("scheduler: %w", err)
	}
	return nil
}
