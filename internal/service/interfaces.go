package service

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"time"

	"list_harvester/internal/crawl"
	"list_harvester/internal/domain"
	"list_harvester/internal/identity"
	"list_harvester/internal/probe"
	"list_harvester/internal/storage/state"
)

type Fetcher interface {
	Fetch(ctx context.Context, b crawl.Binding, req crawl.Request) crawl.Result
}

type HistoryStore interface {
	Load() (state.History, error)
	MergeAndPersist(target string, existing state.History, fresh []domain.Item) (state.History, error)
}

type WatermarkStore interface {
	Load() (domain.ItemID, error)
	Save(current, candidate domain.ItemID) (domain.ItemID, error)
}

type ItemStore interface {
	InsertIfAbsent(ctx context.Context, item *domain.Item) (bool, error)
}

type HashtagStore interface {
	UpsertBatch(ctx context.Context, labels []string) (map[string]int64, error)
	LinkToItem(ctx context.Context, target string, itemID domain.ItemID, hashtagIDs []int64) error
}

type SyncStateStore interface {
	Get(ctx context.Context, target string) (*domain.SyncState, error)
	Update(ctx context.Context, st *domain.SyncState) error
}

type EventStore interface {
	Record(ctx context.Context, ev *domain.RateLimitEvent) error
}

type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type Reconnector interface {
	Reconnect(ctx context.Context) error
}

type Notifier interface {
	Notify(ctx context.Context, target string, items []domain.Item) error
}

type Prober interface {
	Probe(ctx context.Context, listID string) (probe.Result, error)
}

type SessionStore interface {
	Resolve(id *identity.Identity) ([]byte, error)
	Persist(name string, blob []byte) error
}

type Metrics interface {
	ObserveCycle(r domain.CycleReport)
	ObserveProbe(ok bool)
	SetCooldowns(statuses []domain.IdentityStatus, now time.Time)
}
