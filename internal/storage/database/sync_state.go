package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"list_harvester/internal/domain"
)

type SyncStateStore struct {
	conn *Conn
}

func NewSyncStateStore(conn *Conn) *SyncStateStore {
	return &SyncStateStore{conn: conn}
}

func (s *SyncStateStore) Get(ctx context.Context, target string) (*domain.SyncState, error) {
	var state domain.SyncState
	query := `
		SELECT id, target, last_synced_at, last_item_id, total_synced
		FROM sync_state
		WHERE target = ?`

	db := GetExecutor(ctx, s.conn.DB())
	err := sqlx.GetContext(ctx, db, &state, db.Rebind(query), target)
	if errors.Is(err, sql.ErrNoRows) {
		// New targets start from an empty state.
		return &domain.SyncState{Target: target}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sync state: %w", err)
	}
	return &state, nil
}

func (s *SyncStateStore) Update(ctx context.Context, state *domain.SyncState) error {
	query := `
		INSERT INTO sync_state (target, last_synced_at, last_item_id, total_synced)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (target) DO UPDATE SET
			last_synced_at = EXCLUDED.last_synced_at,
			last_item_id = EXCLUDED.last_item_id,
			total_synced = EXCLUDED.total_synced`

	db := GetExecutor(ctx, s.conn.DB())
	_, err := db.ExecContext(ctx, db.Rebind(query),
		state.Target,
		state.LastSyncedAt.UTC(),
		state.LastItemID,
		state.TotalSynced,
	)
	if err != nil {
		return fmt.Errorf("update sync state: %w", err)
	}
	return nil
}
