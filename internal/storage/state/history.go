package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"list_harvester/internal/domain"
)

// Meta describes the persisted history file.
type Meta struct {
	ScrapedAt time.Time `json:"scraped_at"`
	Target    string    `json:"target"`
	Count     int       `json:"count"`
}

// History is the capped, newest-first collection of harvested items.
type History struct {
	Items []domain.Item `json:"items"`
	Meta  Meta          `json:"meta"`
}

// IDs returns the set of item ids in the history.
func (h History) IDs() map[domain.ItemID]struct{} {
	ids := make(map[domain.ItemID]struct{}, len(h.Items))
	for _, it := range h.Items {
		ids[it.ID] = struct{}{}
	}
	return ids
}

// Merge unions existing and fresh items by id, sorts them newest first and keeps at most
// limit entries. An item already present keeps its existing copy. limit <= 0 disables the cap.
func Merge(existing, fresh []domain.Item, limit int) []domain.Item {
	seen := make(map[domain.ItemID]struct{}, len(existing)+len(fresh))
	merged := make([]domain.Item, 0, len(existing)+len(fresh))

	for _, batch := range [][]domain.Item{existing, fresh} {
		for _, it := range batch {
			if it.ID.IsZero() {
				continue
			}
			if _, dup := seen[it.ID]; dup {
				continue
			}
			seen[it.ID] = struct{}{}
			merged = append(merged, it)
		}
	}

	slices.SortFunc(merged, func(a, b domain.Item) int {
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		default:
			return 0
		}
	})

	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

type HistoryStore struct {
	path       string
	maxHistory int
	now        func() time.Time
}

func NewHistoryStore(path string, maxHistory int) *HistoryStore {
	return &HistoryStore{path: path, maxHistory: maxHistory, now: time.Now}
}

// Load reads the history file. A missing file is an empty history. Files holding a bare
// JSON array of items are accepted as well.
func (s *HistoryStore) Load() (History, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return History{}, nil
	}
	if err != nil {
		return History{}, fmt.Errorf("read history: %w", err)
	}
	if len(data) == 0 {
		return History{}, nil
	}

	var h History
	if data[0] == '[' {
		if err := json.Unmarshal(data, &h.Items); err != nil {
			return History{}, fmt.Errorf("decode legacy history: %w", err)
		}
		h.Meta.Count = len(h.Items)
		return h, nil
	}
	if err := json.Unmarshal(data, &h); err != nil {
		return History{}, fmt.Errorf("decode history: %w", err)
	}
	return h, nil
}

// MergeAndPersist merges fresh items into existing and atomically rewrites the history file.
func (s *HistoryStore) MergeAndPersist(target string, existing History, fresh []domain.Item) (History, error) {
	h := History{
		Items: Merge(existing.Items, fresh, s.maxHistory),
	}
	h.Meta = Meta{
		ScrapedAt: s.now().UTC(),
		Target:    target,
		Count:     len(h.Items),
	}

	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return existing, fmt.Errorf("encode history: %w", err)
	}
	if err := WriteFileAtomic(s.path, data, 0o644); err != nil {
		return existing, fmt.Errorf("persist history: %w", err)
	}
	return h, nil
}

// WriteFileAtomic writes data to a temp file next to path, syncs it and renames it over path.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
