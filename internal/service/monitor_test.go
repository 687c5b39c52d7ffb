package service

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"list_harvester/internal/backoff"
	"list_harvester/internal/crawl"
	"list_harvester/internal/domain"
	"list_harvester/internal/identity"
	"list_harvester/internal/probe"
	"list_harvester/internal/service/mocks"
	"list_harvester/internal/storage/state"
	"list_harvester/internal/transport"
)

type MonitorTestSuite struct {
	suite.Suite
	ctrl *gomock.Controller

	fetcher     *mocks.MockFetcher
	sessions    *mocks.MockSessionStore
	history     *mocks.MockHistoryStore
	watermarks  *mocks.MockWatermarkStore
	items       *mocks.MockItemStore
	hashtags    *mocks.MockHashtagStore
	syncState   *mocks.MockSyncStateStore
	events      *mocks.MockEventStore
	txManager   *mocks.MockTransactionManager
	reconnector *mocks.MockReconnector
	notifier    *mocks.MockNotifier
	prober      *mocks.MockProber
	metrics     *mocks.MockMetrics

	identities *identity.Pool
	transports *transport.Pool
	controller *backoff.Controller

	monitor *Monitor
	logger  *slog.Logger
}

func (s *MonitorTestSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())

	s.fetcher = mocks.NewMockFetcher(s.ctrl)
	s.sessions = mocks.NewMockSessionStore(s.ctrl)
	s.history = mocks.NewMockHistoryStore(s.ctrl)
	s.watermarks = mocks.NewMockWatermarkStore(s.ctrl)
	s.items = mocks.NewMockItemStore(s.ctrl)
	s.hashtags = mocks.NewMockHashtagStore(s.ctrl)
	s.syncState = mocks.NewMockSyncStateStore(s.ctrl)
	s.events = mocks.NewMockEventStore(s.ctrl)
	s.txManager = mocks.NewMockTransactionManager(s.ctrl)
	s.reconnector = mocks.NewMockReconnector(s.ctrl)
	s.notifier = mocks.NewMockNotifier(s.ctrl)
	s.prober = mocks.NewMockProber(s.ctrl)
	s.metrics = mocks.NewMockMetrics(s.ctrl)

	s.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p1, err := transport.ParseEndpoint("p1", "http://127.0.0.1:18081")
	s.Require().NoError(err)
	p2, err := transport.ParseEndpoint("p2", "socks5://127.0.0.1:18082")
	s.Require().NoError(err)
	s.transports = transport.NewPool([]*transport.Endpoint{p1, p2})

	s.identities = identity.NewPool([]*identity.Identity{
		{Name: "acct1", Transports: []string{"p1", "p2"}},
		{Name: "acct2"},
	})
	s.controller = backoff.NewController(backoff.Config{
		BaseInterval:    time.Minute,
		MaxWait:         30 * time.Minute,
		SwitchAfter:     3,
		TimeoutCooldown: 10 * time.Minute,
		ErrorCooldown:   5 * time.Minute,
		EmptyCooldown:   5 * time.Minute,
	}, s.identities)

	s.monitor = NewMonitor(Config{
		ListID:    "list-1",
		TargetURL: "https://x.com/i/lists/list-1",
		MaxItems:  10,
		MaxPasses: 2,
		Marker:    "data.list",
	}, Deps{
		Fetcher:     s.fetcher,
		Controller:  s.controller,
		Identities:  s.identities,
		Transports:  s.transports,
		Sessions:    s.sessions,
		History:     s.history,
		Watermarks:  s.watermarks,
		Items:       s.items,
		Hashtags:    s.hashtags,
		SyncState:   s.syncState,
		Events:      s.events,
		TxManager:   s.txManager,
		Reconnector: s.reconnector,
		Notifier:    s.notifier,
		Prober:      s.prober,
		Metrics:     s.metrics,
	}, s.logger)

	s.sessions.EXPECT().Resolve(gomock.Any()).Return([]byte(`[]`), nil).AnyTimes()
	s.metrics.EXPECT().ObserveCycle(gomock.Any()).AnyTimes()
	s.metrics.EXPECT().SetCooldowns(gomock.Any(), gomock.Any()).AnyTimes()
	s.txManager.EXPECT().WithTransaction(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, fn func(context.Context) error) error {
			return fn(ctx)
		},
	).AnyTimes()

	s.watermarks.EXPECT().Load().Return(domain.ItemID(100), nil)
	s.history.EXPECT().Load().Return(state.History{}, nil)
	s.Require().NoError(s.monitor.Init(context.Background()))
}

func (s *MonitorTestSuite) TearDownTest() {
	s.ctrl.Finish()
}

func TestMonitorTestSuite(t *testing.T) {
	suite.Run(t, new(MonitorTestSuite))
}

func item(id domain.ItemID, hashtags ...string) domain.Item {
	return domain.Item{
		ID:       id,
		Target:   "list-1",
		Text:     fmt.Sprintf("post %d", id),
		Entities: domain.Entities{Hashtags: hashtags},
	}
}

// expectPersist sets up the history, watermark and sync state calls for one persist pass.
func (s *MonitorTestSuite) expectPersist(current, top domain.ItemID, inserted int64) {
	s.history.EXPECT().MergeAndPersist("list-1", gomock.Any(), gomock.Any()).DoAndReturn(
		func(target string, existing state.History, fresh []domain.Item) (state.History, error) {
			return state.History{Items: state.Merge(existing.Items, fresh, 100)}, nil
		},
	)
	s.watermarks.EXPECT().Save(current, top).Return(top, nil)
	s.syncState.EXPECT().Get(gomock.Any(), "list-1").Return(&domain.SyncState{Target: "list-1", TotalSynced: 5}, nil)
	s.syncState.EXPECT().Update(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, st *domain.SyncState) error {
			s.Equal(top, st.LastItemID)
			s.Equal(5+inserted, st.TotalSynced)
			return nil
		},
	)
}

func (s *MonitorTestSuite) TestRunCycle_SuccessPersistsAndNotifies() {
	ctx := context.Background()
	fresh := []domain.Item{item(102, "go"), item(101)}

	s.fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, b crawl.Binding, req crawl.Request) crawl.Result {
			s.Equal("acct1", b.Identity.Name)
			s.Equal("p1", b.Transport.Name)
			s.Equal([]byte(`[]`), b.Session)
			s.Equal(domain.ItemID(100), req.Watermark)
			s.Equal("https://x.com/i/lists/list-1", req.Target)
			return crawl.Result{
				Items:     fresh,
				Watermark: 102,
				Outcome:   domain.OutcomeSuccess,
				Fragments: 4,
				Stale:     2,
				Passes:    1,
				Session:   []byte(`[{"name":"ct0"}]`),
			}
		},
	)
	s.sessions.EXPECT().Persist("acct1", []byte(`[{"name":"ct0"}]`)).Return(nil)
	s.expectPersist(100, 102, 2)

	gomock.InOrder(
		s.items.EXPECT().InsertIfAbsent(gomock.Any(), gomock.Any()).DoAndReturn(
			func(ctx context.Context, it *domain.Item) (bool, error) {
				s.Equal(domain.ItemID(101), it.ID)
				return true, nil
			},
		),
		s.items.EXPECT().InsertIfAbsent(gomock.Any(), gomock.Any()).DoAndReturn(
			func(ctx context.Context, it *domain.Item) (bool, error) {
				s.Equal(domain.ItemID(102), it.ID)
				return true, nil
			},
		),
	)
	s.hashtags.EXPECT().UpsertBatch(gomock.Any(), []string{"go"}).Return(map[string]int64{"go": 7}, nil)
	s.hashtags.EXPECT().LinkToItem(gomock.Any(), "list-1", domain.ItemID(102), []int64{7}).Return(nil)
	s.notifier.EXPECT().Notify(gomock.Any(), "list-1", gomock.Len(2)).Return(nil)

	report := s.monitor.RunCycle(ctx)

	s.NotEmpty(report.CycleID)
	s.Equal("acct1", report.Identity)
	s.Equal("p1", report.Transport)
	s.Equal(domain.OutcomeSuccess, report.Outcome)
	s.Equal(2, report.New)
	s.Equal(2, report.Stale)
	s.Equal(2, report.Persisted)
	s.Equal(2, report.Notified)
	s.Equal(domain.ItemID(102), report.Watermark)
	s.Equal("normal", report.State)
	s.Equal(time.Minute, report.NextWait)
	s.NoError(report.Err)
	s.Equal(domain.ItemID(102), s.monitor.Watermark())

	status := s.monitor.Status()
	s.Equal(domain.ItemID(102), status.Watermark)
	s.Require().NotNil(status.LastCycle)
	s.Equal(report.CycleID, status.LastCycle.CycleID)
	s.Equal("acct1", status.Current)
}

func (s *MonitorTestSuite) TestRunCycle_AlreadyStoredItemsAreNotNotified() {
	ctx := context.Background()

	s.fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).Return(crawl.Result{
		Items:     []domain.Item{item(101)},
		Outcome:   domain.OutcomeSuccess,
		Fragments: 1,
	})
	s.expectPersist(100, 101, 0)
	s.items.EXPECT().InsertIfAbsent(gomock.Any(), gomock.Any()).Return(false, nil)

	report := s.monitor.RunCycle(ctx)

	s.Equal(1, report.New)
	s.Equal(0, report.Persisted)
	s.Equal(0, report.Notified)
}

func (s *MonitorTestSuite) TestRunCycle_TransportFailover() {
	ctx := context.Background()

	gomock.InOrder(
		s.fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
			func(ctx context.Context, b crawl.Binding, req crawl.Request) crawl.Result {
				s.Equal("p1", b.Transport.Name)
				return crawl.Result{
					Outcome: domain.OutcomeError,
					Err:     fmt.Errorf("open page: %w: connection refused", domain.ErrTransport),
				}
			},
		),
		s.fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
			func(ctx context.Context, b crawl.Binding, req crawl.Request) crawl.Result {
				s.Equal("p2", b.Transport.Name)
				return crawl.Result{Outcome: domain.OutcomeSuccess, Fragments: 3, Stale: 3}
			},
		),
	)

	report := s.monitor.RunCycle(ctx)

	s.Equal(domain.OutcomeSuccess, report.Outcome)
	s.Equal("p2", report.Transport)
	s.False(s.transports.Healthy("p1"))
	s.True(s.transports.Healthy("p2"))
	s.Equal(0, s.identities.ConsecutiveErrors("acct1"))
}

func (s *MonitorTestSuite) TestRunCycle_FailedTransportRecoversAfterRetryWindow() {
	ctx := context.Background()
	now := time.Now()
	s.transports.WithClock(func() time.Time { return now }).WithRetryAfter(5 * time.Minute)

	var used []string
	s.fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, b crawl.Binding, req crawl.Request) crawl.Result {
			used = append(used, b.Transport.Name)
			if len(used) == 1 {
				return crawl.Result{
					Outcome: domain.OutcomeError,
					Err:     fmt.Errorf("open page: %w: connection reset", domain.ErrTransport),
				}
			}
			return crawl.Result{Outcome: domain.OutcomeSuccess, Fragments: 2, Stale: 2}
		},
	).Times(4)

	s.monitor.RunCycle(ctx)
	s.False(s.transports.Healthy("p1"))

	report := s.monitor.RunCycle(ctx)
	s.Equal("p2", report.Transport)
	s.False(s.transports.Healthy("p1"))

	now = now.Add(5 * time.Minute)
	report = s.monitor.RunCycle(ctx)

	s.Equal(domain.OutcomeSuccess, report.Outcome)
	s.Equal("p1", report.Transport)
	s.True(s.transports.Healthy("p1"))
	s.Equal([]string{"p1", "p2", "p2", "p1"}, used)

	for _, ep := range s.monitor.Status().Transports {
		s.True(ep.Healthy, ep.Name)
	}
}

func (s *MonitorTestSuite) TestRunCycle_TimeoutRecordsEventAndBacksOff() {
	ctx := context.Background()

	s.fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).Return(crawl.Result{
		Outcome: domain.OutcomeTimeout,
		Err:     fmt.Errorf("navigate: %w", domain.ErrRateLimited),
	})
	s.events.EXPECT().Record(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, ev *domain.RateLimitEvent) error {
			s.Equal("timeout", ev.Kind)
			s.Equal("acct1", ev.Identity)
			s.Equal("p1", ev.Transport)
			s.Equal("list-1", ev.Target)
			s.Equal(1, ev.ConsecutiveFailures)
			s.Contains(ev.Message, "rate limited")
			return nil
		},
	)

	report := s.monitor.RunCycle(ctx)

	s.Equal(domain.OutcomeTimeout, report.Outcome)
	s.Equal("backoff", report.State)
	s.Equal(1, report.Level)
	s.Equal(time.Minute, report.NextWait)
	s.ErrorIs(report.Err, domain.ErrRateLimited)
	s.True(s.identities.CoolingDown("acct1"))
}

func (s *MonitorTestSuite) TestRunCycle_SwitchesIdentityAfterRepeatedErrors() {
	ctx := context.Background()
	errBoom := errors.New("unexpected payload")

	var used []string
	s.fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, b crawl.Binding, req crawl.Request) crawl.Result {
			used = append(used, b.Identity.Name)
			if b.Identity.Name == "acct1" {
				return crawl.Result{Outcome: domain.OutcomeError, Err: errBoom}
			}
			return crawl.Result{Outcome: domain.OutcomeSuccess, Fragments: 1, Stale: 1}
		},
	).Times(4)
	s.events.EXPECT().Record(gomock.Any(), gomock.Any()).Return(nil).Times(3)

	waits := []time.Duration{}
	var last domain.CycleReport
	for i := 0; i < 3; i++ {
		last = s.monitor.RunCycle(ctx)
		waits = append(waits, last.NextWait)
	}

	s.Equal([]time.Duration{time.Minute, 2 * time.Minute, time.Minute}, waits)
	s.True(last.Switched)
	s.Equal("normal", last.State)
	s.True(s.identities.CoolingDown("acct1"))

	report := s.monitor.RunCycle(ctx)
	s.Equal("acct2", report.Identity)
	s.Equal(transport.DirectName, report.Transport)
	s.Equal([]string{"acct1", "acct1", "acct1", "acct2"}, used)
}

func (s *MonitorTestSuite) TestRunCycle_ReconnectsOnConnectionError() {
	ctx := context.Background()

	s.fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).Return(crawl.Result{
		Items:     []domain.Item{item(103)},
		Outcome:   domain.OutcomeSuccess,
		Fragments: 1,
	})
	s.expectPersist(100, 103, 1)

	gomock.InOrder(
		s.items.EXPECT().InsertIfAbsent(gomock.Any(), gomock.Any()).Return(false, fmt.Errorf("insert: %w", driver.ErrBadConn)),
		s.reconnector.EXPECT().Reconnect(gomock.Any()).Return(nil),
		s.items.EXPECT().InsertIfAbsent(gomock.Any(), gomock.Any()).Return(true, nil),
	)
	s.notifier.EXPECT().Notify(gomock.Any(), "list-1", gomock.Len(1)).Return(nil)

	report := s.monitor.RunCycle(ctx)

	s.Equal(1, report.Persisted)
	s.Equal(1, report.Notified)
}

func (s *MonitorTestSuite) TestRunCycle_SecondBackendFailureIsNonFatal() {
	ctx := context.Background()

	s.fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).Return(crawl.Result{
		Items:     []domain.Item{item(103)},
		Outcome:   domain.OutcomeSuccess,
		Fragments: 1,
	})
	s.expectPersist(100, 103, 0)

	gomock.InOrder(
		s.items.EXPECT().InsertIfAbsent(gomock.Any(), gomock.Any()).Return(false, driver.ErrBadConn),
		s.reconnector.EXPECT().Reconnect(gomock.Any()).Return(nil),
		s.items.EXPECT().InsertIfAbsent(gomock.Any(), gomock.Any()).Return(false, driver.ErrBadConn),
	)

	report := s.monitor.RunCycle(ctx)

	s.Equal(domain.OutcomeSuccess, report.Outcome)
	s.Equal(0, report.Persisted)
	s.Equal(0, report.Notified)
	s.Equal(domain.ItemID(103), report.Watermark)
}

func (s *MonitorTestSuite) TestRunCycle_NonConnectionErrorSkipsReconnect() {
	ctx := context.Background()

	s.fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).Return(crawl.Result{
		Items:     []domain.Item{item(103)},
		Outcome:   domain.OutcomeSuccess,
		Fragments: 1,
	})
	s.expectPersist(100, 103, 0)
	s.items.EXPECT().InsertIfAbsent(gomock.Any(), gomock.Any()).Return(false, errors.New("constraint violation"))

	report := s.monitor.RunCycle(ctx)

	s.Equal(0, report.Persisted)
}

func (s *MonitorTestSuite) TestRunCycle_CancelledCycleIsNotObserved() {
	ctx, cancel := context.WithCancel(context.Background())

	s.fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, b crawl.Binding, req crawl.Request) crawl.Result {
			cancel()
			return crawl.Result{Outcome: domain.OutcomeError, Err: context.Canceled}
		},
	)

	report := s.monitor.RunCycle(ctx)

	s.Equal(domain.OutcomeError, report.Outcome)
	s.Equal(0, report.Level)
	s.Equal(0, s.identities.ConsecutiveErrors("acct1"))
}

func (s *MonitorTestSuite) TestProbe_PersistsNewItemsAndLowersLevel() {
	ctx := context.Background()
	id := s.controller.Acquire()
	s.controller.Observe(id, domain.OutcomeError)
	s.controller.Observe(id, domain.OutcomeError)

	s.prober.EXPECT().Probe(gomock.Any(), "list-1").Return(probe.Result{
		Items:     []domain.Item{item(150), item(99)},
		Fragments: 2,
	}, nil)
	s.metrics.EXPECT().ObserveProbe(true)
	s.expectPersist(100, 150, 1)
	s.items.EXPECT().InsertIfAbsent(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, it *domain.Item) (bool, error) {
			s.Equal(domain.ItemID(150), it.ID)
			s.Equal("probe", it.ScrapedBy)
			s.False(it.ScrapedAt.IsZero())
			return true, nil
		},
	)
	s.notifier.EXPECT().Notify(gomock.Any(), "list-1", gomock.Len(1)).Return(nil)

	s.True(s.monitor.Probe(ctx))

	_, level := s.controller.Status()
	s.Equal(1, level)
	s.Equal(domain.ItemID(150), s.monitor.Watermark())
}

func (s *MonitorTestSuite) TestProbe_EmptyResultIsFailure() {
	ctx := context.Background()

	s.prober.EXPECT().Probe(gomock.Any(), "list-1").Return(probe.Result{}, nil)
	s.metrics.EXPECT().ObserveProbe(false)

	s.False(s.monitor.Probe(ctx))
}

func (s *MonitorTestSuite) TestProbe_ErrorIsFailure() {
	ctx := context.Background()

	s.prober.EXPECT().Probe(gomock.Any(), "list-1").Return(probe.Result{}, domain.ErrRateLimited)
	s.metrics.EXPECT().ObserveProbe(false)

	s.False(s.monitor.Probe(ctx))
}
