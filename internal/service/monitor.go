package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"list_harvester/internal/backoff"
	"list_harvester/internal/crawl"
	"list_harvester/internal/domain"
	"list_harvester/internal/identity"
	"list_harvester/internal/storage/database"
	"list_harvester/internal/storage/state"
	"list_harvester/internal/transport"
)

const probeScrapedBy = "probe"

type Config struct {
	ListID       string
	TargetURL    string
	MaxItems     int
	MaxPasses    int
	SettleDelay  time.Duration
	LoadTimeout  time.Duration
	CycleTimeout time.Duration
	Marker       string
}

// Deps groups the collaborators of a Monitor. Notifier, Prober, Events, Reconnector and
// Metrics are optional.
type Deps struct {
	Fetcher     Fetcher
	Controller  *backoff.Controller
	Identities  *identity.Pool
	Transports  *transport.Pool
	Sessions    SessionStore
	History     HistoryStore
	Watermarks  WatermarkStore
	Items       ItemStore
	Hashtags    HashtagStore
	SyncState   SyncStateStore
	Events      EventStore
	TxManager   TransactionManager
	Reconnector Reconnector
	Notifier    Notifier
	Prober      Prober
	Metrics     Metrics
}

// Monitor runs fetch cycles against one list and owns the watermark and history.
type Monitor struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	watermark domain.ItemID
	history   state.History
	last      *domain.CycleSummary
}

func NewMonitor(cfg Config, deps Deps, logger *slog.Logger) *Monitor {
	return &Monitor{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("target", cfg.ListID),
		now:    time.Now,
	}
}

// Init loads the persisted watermark and history. A missing watermark falls back to the newest
// item in the history.
func (m *Monitor) Init(ctx context.Context) error {
	wm, err := m.deps.Watermarks.Load()
	if err != nil {
		return fmt.Errorf("load watermark: %w", err)
	}
	hist, err := m.deps.History.Load()
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	if wm.IsZero() && len(hist.Items) > 0 {
		wm = hist.Items[0].ID
	}

	m.mu.Lock()
	m.watermark = wm
	m.history = hist
	m.mu.Unlock()

	m.logger.Info("monitor initialized",
		"watermark", wm.String(),
		"history", len(hist.Items),
	)
	return nil
}

func (m *Monitor) Watermark() domain.ItemID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watermark
}

// RunCycle performs one fetch cycle with failover across the identity's transports, feeds the
// outcome to the controller and persists whatever new items were found.
func (m *Monitor) RunCycle(ctx context.Context) domain.CycleReport {
	start := m.now()
	report := domain.CycleReport{
		CycleID: uuid.NewString(),
		Target:  m.cfg.ListID,
	}
	logger := m.logger.With("cycle_id", report.CycleID)

	id := m.deps.Controller.Acquire()
	if id == nil {
		report.Outcome = domain.OutcomeError
		report.Err = fmt.Errorf("%w: no identity available", domain.ErrConfiguration)
		report.NextWait = m.deps.Controller.Observe(nil, domain.OutcomeError).Wait
		m.finish(logger, &report, start)
		return report
	}
	report.Identity = id.Name

	blob, err := m.deps.Sessions.Resolve(id)
	if err != nil {
		logger.Warn("failed to resolve session", "identity", id.Name, "error", err)
	}

	req := crawl.Request{
		Target:      m.cfg.TargetURL,
		Watermark:   m.Watermark(),
		MaxItems:    m.cfg.MaxItems,
		MaxPasses:   m.cfg.MaxPasses,
		SettleDelay: m.cfg.SettleDelay,
		LoadTimeout: m.cfg.LoadTimeout,
		Marker:      m.cfg.Marker,
	}

	res := m.fetch(ctx, logger, id, blob, req, &report)
	report.Outcome = res.Outcome
	report.Err = res.Err
	report.Fragments = res.Fragments
	report.Stale = res.Stale
	report.Gaps = res.Gaps
	report.Passes = res.Passes
	report.New = len(res.Items)

	if res.Session != nil {
		if err := m.deps.Sessions.Persist(id.Name, res.Session); err != nil {
			logger.Warn("failed to persist session", "identity", id.Name, "error", err)
		}
	}

	report.Persisted, report.Notified = m.persist(ctx, logger, res.Items)
	report.Watermark = m.Watermark()

	if ctx.Err() != nil {
		// Cancelled cycles are not fed to the controller.
		st, level := m.deps.Controller.Status()
		report.State = st.String()
		report.Level = level
		m.finish(logger, &report, start)
		return report
	}

	decision := m.deps.Controller.Observe(id, res.Outcome)
	report.State = decision.State.String()
	report.Level = decision.Level
	report.Switched = decision.Switched
	report.NextWait = decision.Wait

	if res.Outcome != domain.OutcomeSuccess {
		m.recordEvent(ctx, logger, &report)
	}
	if decision.Switched && decision.Identity != nil {
		logger.Info("switched identity", "from", id.Name, "to", decision.Identity.Name)
	}

	m.finish(logger, &report, start)
	return report
}

func (m *Monitor) fetch(
	ctx context.Context,
	logger *slog.Logger,
	id *identity.Identity,
	blob []byte,
	req crawl.Request,
	report *domain.CycleReport,
) crawl.Result {
	candidates := m.deps.Transports.Candidates(id.Transports)

	var res crawl.Result
	for i, ep := range candidates {
		report.Transport = ep.Name

		cycleCtx, cancel := m.cycleContext(ctx)
		res = m.deps.Fetcher.Fetch(cycleCtx, crawl.Binding{Identity: id, Transport: ep, Session: blob}, req)
		cancel()

		if !errors.Is(res.Err, domain.ErrTransport) {
			if ctx.Err() == nil && !m.deps.Transports.Healthy(ep.Name) {
				m.deps.Transports.MarkUp(ep.Name, "")
				logger.Info("transport recovered", "transport", ep.Name)
			}
			return res
		}
		m.deps.Transports.MarkDown(ep.Name)
		if ctx.Err() != nil || i == len(candidates)-1 {
			return res
		}
		logger.Warn("transport failed, trying next",
			"identity", id.Name,
			"transport", ep.Name,
			"error", res.Err,
		)
		if len(res.Items) > 0 {
			// Partial results from the failed transport.
			m.persist(ctx, logger, res.Items)
			req.Watermark = m.Watermark()
		}
	}
	return res
}

func (m *Monitor) cycleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.CycleTimeout > 0 {
		return context.WithTimeout(ctx, m.cfg.CycleTimeout)
	}
	return context.WithCancel(ctx)
}

// persist merges items into the history, advances the watermark, stores them in the backend
// and notifies about the ones the backend had not seen.
func (m *Monitor) persist(ctx context.Context, logger *slog.Logger, items []domain.Item) (int, int) {
	if len(items) == 0 {
		return 0, 0
	}

	m.mu.Lock()
	hist, err := m.deps.History.MergeAndPersist(m.cfg.ListID, m.history, items)
	if err != nil {
		logger.Error("failed to persist history", "error", err)
	} else {
		m.history = hist
	}

	top := items[0].ID
	for _, it := range items {
		top = top.Max(it.ID)
	}
	wm, err := m.deps.Watermarks.Save(m.watermark, top)
	if err != nil {
		logger.Error("failed to persist watermark", "error", err)
		wm = m.watermark.Max(top)
	}
	m.watermark = wm
	m.mu.Unlock()

	// Persistence outlives a cancelled cycle.
	storeCtx := context.WithoutCancel(ctx)

	inserted := m.store(storeCtx, logger, items)
	m.updateSyncState(storeCtx, logger, len(inserted), wm)

	if len(inserted) == 0 || m.deps.Notifier == nil {
		return len(inserted), 0
	}
	if err := m.deps.Notifier.Notify(storeCtx, m.cfg.ListID, inserted); err != nil {
		logger.Warn("failed to notify", "count", len(inserted), "error", err)
		return len(inserted), 0
	}
	return len(inserted), len(inserted)
}

// store inserts items oldest first. A connection error triggers one reconnect and a retry of
// the remaining items; a second failure leaves them in the history only.
func (m *Monitor) store(ctx context.Context, logger *slog.Logger, items []domain.Item) []domain.Item {
	ordered := slices.Clone(items)
	slices.SortFunc(ordered, func(a, b domain.Item) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})

	inserted, done, err := m.insertAll(ctx, ordered)
	if err == nil {
		return inserted
	}

	if !database.IsConnectionError(err) || m.deps.Reconnector == nil {
		logger.Warn("failed to store items, kept in history only",
			"pending", len(ordered)-done,
			"error", fmt.Errorf("%w: %w", domain.ErrPersistence, err),
		)
		return inserted
	}

	logger.Warn("backend connection lost, reconnecting", "error", err)
	if rerr := m.deps.Reconnector.Reconnect(ctx); rerr != nil {
		logger.Warn("failed to reconnect, kept in history only",
			"pending", len(ordered)-done,
			"error", fmt.Errorf("%w: %w", domain.ErrPersistence, rerr),
		)
		return inserted
	}

	more, retried, err := m.insertAll(ctx, ordered[done:])
	inserted = append(inserted, more...)
	if err != nil {
		logger.Warn("failed to store items after reconnect, kept in history only",
			"pending", len(ordered)-done-retried,
			"error", fmt.Errorf("%w: %w", domain.ErrPersistence, err),
		)
	}
	return inserted
}

// insertAll returns the newly inserted items and how many items were processed before the
// first error.
func (m *Monitor) insertAll(ctx context.Context, items []domain.Item) ([]domain.Item, int, error) {
	var inserted []domain.Item
	for i := range items {
		isNew, err := m.saveItem(ctx, &items[i])
		if err != nil {
			return inserted, i, err
		}
		if isNew {
			inserted = append(inserted, items[i])
		}
	}
	return inserted, len(items), nil
}

func (m *Monitor) saveItem(ctx context.Context, item *domain.Item) (bool, error) {
	var isNew bool
	err := m.deps.TxManager.WithTransaction(ctx, func(txCtx context.Context) error {
		inserted, err := m.deps.Items.InsertIfAbsent(txCtx, item)
		if err != nil {
			return fmt.Errorf("insert item: %w", err)
		}
		isNew = inserted
		if !inserted || len(item.Entities.Hashtags) == 0 {
			return nil
		}

		ids, err := m.deps.Hashtags.UpsertBatch(txCtx, item.Entities.Hashtags)
		if err != nil {
			return fmt.Errorf("upsert hashtags: %w", err)
		}
		tagIDs := make([]int64, 0, len(ids))
		for _, id := range ids {
			tagIDs = append(tagIDs, id)
		}
		slices.Sort(tagIDs)

		if err := m.deps.Hashtags.LinkToItem(txCtx, item.Target, item.ID, tagIDs); err != nil {
			return fmt.Errorf("link hashtags: %w", err)
		}
		return nil
	})
	return isNew, err
}

func (m *Monitor) updateSyncState(ctx context.Context, logger *slog.Logger, inserted int, wm domain.ItemID) {
	st, err := m.deps.SyncState.Get(ctx, m.cfg.ListID)
	if err != nil {
		logger.Warn("failed to read sync state", "error", err)
		return
	}
	st.Target = m.cfg.ListID
	st.LastSyncedAt = m.now()
	st.LastItemID = st.LastItemID.Max(wm)
	st.TotalSynced += int64(inserted)

	if err := m.deps.SyncState.Update(ctx, st); err != nil {
		logger.Warn("failed to update sync state", "error", err)
	}
}

func (m *Monitor) recordEvent(ctx context.Context, logger *slog.Logger, report *domain.CycleReport) {
	if m.deps.Events == nil {
		return
	}
	ev := &domain.RateLimitEvent{
		OccurredAt:          m.now(),
		Target:              m.cfg.ListID,
		Identity:            report.Identity,
		Transport:           report.Transport,
		Kind:                report.Outcome.String(),
		ConsecutiveFailures: m.deps.Identities.ConsecutiveErrors(report.Identity),
		SinceLastSuccess:    m.deps.Identities.SinceLastSuccess(report.Identity).Seconds(),
	}
	if report.Err != nil {
		ev.Message = report.Err.Error()
	}
	if err := m.deps.Events.Record(context.WithoutCancel(ctx), ev); err != nil {
		logger.Warn("failed to record rate limit event", "error", err)
	}
}

// Probe runs the lightweight probe. New probe items go through the normal persistence path;
// the controller lowers its level when the probe saw any post.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.deps.Prober == nil {
		return false
	}

	res, err := m.deps.Prober.Probe(ctx, m.cfg.ListID)
	ok := err == nil && res.Fragments > 0
	if m.deps.Metrics != nil {
		m.deps.Metrics.ObserveProbe(ok)
	}
	if err != nil {
		m.logger.Debug("probe failed", "error", err)
		return false
	}

	wm := m.Watermark()
	now := m.now()
	var fresh []domain.Item
	for _, it := range res.Items {
		if it.ID <= wm {
			continue
		}
		it.Target = m.cfg.ListID
		it.ScrapedBy = probeScrapedBy
		if it.ScrapedAt.IsZero() {
			it.ScrapedAt = now
		}
		fresh = append(fresh, it)
	}
	persisted, _ := m.persist(ctx, m.logger, fresh)

	if ok {
		m.deps.Controller.ProbeSucceeded()
	}
	m.logger.Info("probe completed",
		"ok", ok,
		"fragments", res.Fragments,
		"new", len(fresh),
		"persisted", persisted,
	)
	return ok
}

// BaseInterval is the wait used after a successful cycle.
func (m *Monitor) BaseInterval() time.Duration {
	return m.deps.Controller.BaseInterval()
}

func (m *Monitor) Status() domain.MonitorStatus {
	st, level := m.deps.Controller.Status()
	status := domain.MonitorStatus{
		Target:     m.cfg.ListID,
		State:      st.String(),
		Level:      level,
		Identities: m.deps.Identities.Snapshot(),
		Transports: m.deps.Transports.Snapshot(),
	}
	if cur := m.deps.Controller.Current(); cur != nil {
		status.Current = cur.Name
	}

	m.mu.Lock()
	status.Watermark = m.watermark
	if m.last != nil {
		last := *m.last
		status.LastCycle = &last
	}
	m.mu.Unlock()
	return status
}

func (m *Monitor) finish(logger *slog.Logger, report *domain.CycleReport, start time.Time) {
	report.Duration = m.now().Sub(start)

	m.mu.Lock()
	m.last = &domain.CycleSummary{
		CycleID:   report.CycleID,
		Identity:  report.Identity,
		Transport: report.Transport,
		Outcome:   report.Outcome.String(),
		New:       report.New,
		At:        start,
	}
	m.mu.Unlock()

	if m.deps.Metrics != nil {
		m.deps.Metrics.ObserveCycle(*report)
		m.deps.Metrics.SetCooldowns(m.deps.Identities.Snapshot(), m.now())
	}

	attrs := []any{
		"cycle_id", report.CycleID,
		"identity", report.Identity,
		"transport", report.Transport,
		"outcome", report.Outcome.String(),
		"new", report.New,
		"stale", report.Stale,
		"fragments", report.Fragments,
		"gaps", report.Gaps,
		"passes", report.Passes,
		"persisted", report.Persisted,
		"notified", report.Notified,
		"watermark", report.Watermark.String(),
		"next_wait", report.NextWait,
		"state", report.State,
		"level", report.Level,
		"duration", report.Duration,
	}
	if report.Err != nil {
		logger.Warn("cycle completed", append(attrs, "error", report.Err)...)
		return
	}
	logger.Info("cycle completed", attrs...)
}
