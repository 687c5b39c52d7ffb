package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"list_harvester/internal/domain"
)

// EventStore keeps failed-cycle events for rate limit analysis.
type EventStore struct {
	conn *Conn
}

func NewEventStore(conn *Conn) *EventStore {
	return &EventStore{conn: conn}
}

func (s *EventStore) Record(ctx context.Context, ev *domain.RateLimitEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}
	ev.OccurredAt = ev.OccurredAt.UTC()

	query := `
		INSERT INTO rate_limit_events (
			id, occurred_at, target, identity, transport, kind, message,
			consecutive_failures, since_last_success
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	db := GetExecutor(ctx, s.conn.DB())
	_, err := db.ExecContext(ctx, db.Rebind(query),
		ev.ID,
		ev.OccurredAt,
		ev.Target,
		ev.Identity,
		ev.Transport,
		ev.Kind,
		ev.Message,
		ev.ConsecutiveFailures,
		ev.SinceLastSuccess,
	)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

func (s *EventStore) List(ctx context.Context, since time.Time) ([]domain.RateLimitEvent, error) {
	query := `
		SELECT id, occurred_at, target, identity, transport, kind, message,
			consecutive_failures, since_last_success
		FROM rate_limit_events
		WHERE occurred_at >= ?
		ORDER BY occurred_at`

	db := GetExecutor(ctx, s.conn.DB())
	var events []domain.RateLimitEvent
	if err := sqlx.SelectContext(ctx, db, &events, db.Rebind(query), since.UTC()); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// Summarize aggregates events since the given time and derives recommendations.
func (s *EventStore) Summarize(ctx context.Context, since time.Time) (domain.EventSummary, error) {
	events, err := s.List(ctx, since)
	if err != nil {
		return domain.EventSummary{}, err
	}
	return Summarize(events), nil
}

// Summarize is the pure aggregation behind EventStore.Summarize.
func Summarize(events []domain.RateLimitEvent) domain.EventSummary {
	sum := domain.EventSummary{
		Total:       len(events),
		ByKind:      make(map[string]int),
		ByIdentity:  make(map[string]int),
		ByTransport: make(map[string]int),
	}
	if len(events) == 0 {
		return sum
	}

	failures := 0
	for _, ev := range events {
		sum.ByKind[ev.Kind]++
		sum.ByIdentity[ev.Identity]++
		sum.ByTransport[ev.Transport]++
		failures += ev.ConsecutiveFailures
	}
	sum.AvgFailures = float64(failures) / float64(len(events))

	if len(sum.ByTransport) == 1 {
		sum.Recommendations = append(sum.Recommendations,
			"all failures came through a single egress: limiting looks IP based, add proxies")
	}
	if sum.ByKind[domain.OutcomeTimeout.String()] > sum.ByKind[domain.OutcomeError.String()] {
		sum.Recommendations = append(sum.Recommendations,
			"more timeouts than explicit errors: the source may be soft limiting, raise the base interval")
	}
	if sum.AvgFailures < 2 {
		sum.Recommendations = append(sum.Recommendations,
			"limits hit on the first attempts: aggressive limiting, lengthen cooldowns")
	} else if sum.AvgFailures >= 5 {
		sum.Recommendations = append(sum.Recommendations,
			"identities fail many times in a row before recovering: add identities or lower max errors")
	}
	if len(sum.ByIdentity) == 1 && len(events) > 1 {
		sum.Recommendations = append(sum.Recommendations,
			"only one identity is affected: rotate to a backup identity")
	}
	return sum
}
