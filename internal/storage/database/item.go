package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"list_harvester/internal/domain"
)

type ItemStore struct {
	conn *Conn
}

func NewItemStore(conn *Conn) *ItemStore {
	return &ItemStore{conn: conn}
}

// InsertIfAbsent stores the item unless (target, id) already exists. It reports whether a
// row was written.
func (s *ItemStore) InsertIfAbsent(ctx context.Context, item *domain.Item) (bool, error) {
	media, err := json.Marshal(item.Media)
	if err != nil {
		return false, fmt.Errorf("encode media: %w", err)
	}
	entities, err := json.Marshal(item.Entities)
	if err != nil {
		return false, fmt.Errorf("encode entities: %w", err)
	}

	query := `
		INSERT INTO items (
			id, target, created_at, text, lang, author_id, author_handle, author_name,
			retweet_count, reply_count, like_count, quote_count, bookmark_count, view_count,
			media, entities, scraped_by, scraped_at
		) VALUES (
			?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		)
		ON CONFLICT (target, id) DO NOTHING`

	db := GetExecutor(ctx, s.conn.DB())
	res, err := db.ExecContext(ctx, db.Rebind(query),
		item.ID,
		item.Target,
		item.CreatedAt.UTC(),
		item.Text,
		item.Lang,
		item.AuthorID,
		item.AuthorHandle,
		item.AuthorName,
		item.Stats.Retweets,
		item.Stats.Replies,
		item.Stats.Likes,
		item.Stats.Quotes,
		item.Stats.Bookmarks,
		item.Stats.Views,
		string(media),
		string(entities),
		item.ScrapedBy,
		item.ScrapedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert item %s: %w", item.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// ExistingIDs returns which of ids are already stored for target.
func (s *ItemStore) ExistingIDs(ctx context.Context, target string, ids []domain.ItemID) (map[domain.ItemID]struct{}, error) {
	result := make(map[domain.ItemID]struct{})
	if len(ids) == 0 {
		return result, nil
	}

	raw := make([]int64, 0, len(ids))
	for _, id := range ids {
		raw = append(raw, int64(id))
	}

	query, args, err := sqlx.In(`SELECT id FROM items WHERE target = ? AND id IN (?)`, target, raw)
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	db := GetExecutor(ctx, s.conn.DB())
	var found []domain.ItemID
	if err := sqlx.SelectContext(ctx, db, &found, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("select existing ids: %w", err)
	}
	for _, id := range found {
		result[id] = struct{}{}
	}
	return result, nil
}

type itemRow struct {
	ID           domain.ItemID `db:"id"`
	Target       string        `db:"target"`
	Text         string        `db:"text"`
	AuthorHandle string        `db:"author_handle"`
	RetweetCount int64         `db:"retweet_count"`
	LikeCount    int64         `db:"like_count"`
	Entities     string        `db:"entities"`
	ScrapedBy    string        `db:"scraped_by"`
}

// Latest returns the newest stored items for target, newest first. Only the columns needed
// for display are loaded.
func (s *ItemStore) Latest(ctx context.Context, target string, limit int) ([]domain.Item, error) {
	query := `
		SELECT id, target, text, author_handle, retweet_count, like_count, entities, scraped_by
		FROM items
		WHERE target = ?
		ORDER BY id DESC
		LIMIT ?`

	db := GetExecutor(ctx, s.conn.DB())
	var rows []itemRow
	if err := sqlx.SelectContext(ctx, db, &rows, db.Rebind(query), target, limit); err != nil {
		return nil, fmt.Errorf("select latest items: %w", err)
	}

	items := make([]domain.Item, 0, len(rows))
	for _, r := range rows {
		it := domain.Item{
			ID:           r.ID,
			Target:       r.Target,
			Text:         r.Text,
			AuthorHandle: r.AuthorHandle,
			Stats:        domain.Stats{Retweets: r.RetweetCount, Likes: r.LikeCount},
			ScrapedBy:    r.ScrapedBy,
		}
		if err := json.Unmarshal([]byte(r.Entities), &it.Entities); err != nil {
			return nil, fmt.Errorf("decode entities of %s: %w", r.ID, err)
		}
		items = append(items, it)
	}
	return items, nil
}
