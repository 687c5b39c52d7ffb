package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"list_harvester/internal/domain"
)

func items(ids ...domain.ItemID) []domain.Item {
	out := make([]domain.Item, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.Item{ID: id, Text: "item " + id.String()})
	}
	return out
}

func ids(in []domain.Item) []domain.ItemID {
	out := make([]domain.ItemID, 0, len(in))
	for _, it := range in {
		out = append(out, it.ID)
	}
	return out
}

func TestMerge(t *testing.T) {
	existing := items(103, 101, 100)
	existing[1].Text = "original"
	fresh := items(104, 101, 102)
	fresh[1].Text = "refetched"

	merged := Merge(existing, fresh, 0)
	assert.Equal(t, []domain.ItemID{104, 103, 102, 101, 100}, ids(merged))
	assert.Equal(t, "original", merged[3].Text)

	capped := Merge(existing, fresh, 3)
	assert.Equal(t, []domain.ItemID{104, 103, 102}, ids(capped))

	assert.Empty(t, Merge(nil, items(0), 10))
}

func TestHistoryStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.json")
	store := NewHistoryStore(path, 3)
	store.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	empty, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, empty.Items)

	h, err := store.MergeAndPersist("123", empty, items(5, 9, 7, 1))
	require.NoError(t, err)
	assert.Equal(t, []domain.ItemID{9, 7, 5}, ids(h.Items))
	assert.Equal(t, 3, h.Meta.Count)
	assert.Equal(t, "123", h.Meta.Target)

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, []domain.ItemID{9, 7, 5}, ids(loaded.Items))
	assert.Equal(t, h.Meta, loaded.Meta)

	var raw map[string]json.RawMessage
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Contains(t, raw, "items")
	assert.Contains(t, raw, "meta")

	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestHistoryStore_LegacyArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"id":"12","text":"a"},{"id":"11","text":"b"}]`), 0o644))

	h, err := NewHistoryStore(path, 10).Load()
	require.NoError(t, err)
	assert.Equal(t, []domain.ItemID{12, 11}, ids(h.Items))
	assert.Equal(t, 2, h.Meta.Count)
}

func TestHistoryStore_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"items": [`), 0o644))

	_, err := NewHistoryStore(path, 10).Load()
	assert.Error(t, err)
}

func TestWatermarkStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "last_item_id.txt")
	store := NewWatermarkStore(path)

	wm, err := store.Load()
	require.NoError(t, err)
	assert.True(t, wm.IsZero())

	wm, err = store.Save(wm, 101)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemID(101), wm)

	wm, err = store.Save(wm, 99)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemID(101), wm, "watermark never moves backwards")

	wm, err = store.Save(wm, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemID(101), wm)

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, domain.ItemID(101), loaded)
}

func TestWatermarkStore_Garbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "last_item_id.txt")
	require.NoError(t, os.WriteFile(path, []byte("none\n"), 0o644))

	wm, err := NewWatermarkStore(path).Load()
	require.NoError(t, err)
	assert.True(t, wm.IsZero())
}

func TestAdvance(t *testing.T) {
	assert.Equal(t, domain.ItemID(5), Advance(5, 3))
	assert.Equal(t, domain.ItemID(8), Advance(5, 8))
	assert.Equal(t, domain.ItemID(5), Advance(5, 0))
}
