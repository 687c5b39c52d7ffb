package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"list_harvester/internal/domain"
)

type HashtagStore struct {
	conn *Conn
}

func NewHashtagStore(conn *Conn) *HashtagStore {
	return &HashtagStore{conn: conn}
}

type hashtagRow struct {
	ID    int64  `db:"id"`
	Label string `db:"label"`
}

// UpsertBatch makes sure every label exists and returns their ids. Labels are lowercased.
func (s *HashtagStore) UpsertBatch(ctx context.Context, labels []string) (map[string]int64, error) {
	uniq := normalizeLabels(labels)
	if len(uniq) == 0 {
		return map[string]int64{}, nil
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO hashtags (label) VALUES ")
	valueArgs := make([]interface{}, 0, len(uniq))

	for i, label := range uniq {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?)")
		valueArgs = append(valueArgs, label)
	}
	sb.WriteString(" ON CONFLICT (label) DO NOTHING")

	db := GetExecutor(ctx, s.conn.DB())
	if _, err := db.ExecContext(ctx, db.Rebind(sb.String()), valueArgs...); err != nil {
		return nil, fmt.Errorf("upsert hashtags: %w", err)
	}

	query, args, err := sqlx.In(`SELECT id, label FROM hashtags WHERE label IN (?)`, uniq)
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var rows []hashtagRow
	if err := sqlx.SelectContext(ctx, db, &rows, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("select hashtags: %w", err)
	}

	ids := make(map[string]int64, len(rows))
	for _, r := range rows {
		ids[r.Label] = r.ID
	}
	return ids, nil
}

// LinkToItem replaces the item's hashtag links.
func (s *HashtagStore) LinkToItem(ctx context.Context, target string, itemID domain.ItemID, hashtagIDs []int64) error {
	db := GetExecutor(ctx, s.conn.DB())

	_, err := db.ExecContext(ctx,
		db.Rebind("DELETE FROM item_hashtags WHERE target = ? AND item_id = ?"),
		target, itemID,
	)
	if err != nil {
		return fmt.Errorf("clear item hashtags: %w", err)
	}

	if len(hashtagIDs) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO item_hashtags (target, item_id, hashtag_id) VALUES ")
	valueArgs := make([]interface{}, 0, len(hashtagIDs)*3)

	for i, tagID := range hashtagIDs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?)")
		valueArgs = append(valueArgs, target, itemID, tagID)
	}
	sb.WriteString(" ON CONFLICT DO NOTHING")

	if _, err := db.ExecContext(ctx, db.Rebind(sb.String()), valueArgs...); err != nil {
		return fmt.Errorf("link item hashtags: %w", err)
	}
	return nil
}

// ForItem returns the hashtag labels linked to an item.
func (s *HashtagStore) ForItem(ctx context.Context, target string, itemID domain.ItemID) ([]string, error) {
	query := `
		SELECT h.label
		FROM hashtags h
		INNER JOIN item_hashtags ih ON ih.hashtag_id = h.id
		WHERE ih.target = ? AND ih.item_id = ?
		ORDER BY h.label`

	db := GetExecutor(ctx, s.conn.DB())
	var labels []string
	if err := sqlx.SelectContext(ctx, db, &labels, db.Rebind(query), target, itemID); err != nil {
		return nil, fmt.Errorf("select item hashtags: %w", err)
	}
	return labels, nil
}

func normalizeLabels(labels []string) []string {
	seen := make(map[string]struct{}, len(labels))
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		l = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(l, "#")))
		if l == "" {
			continue
		}
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}
