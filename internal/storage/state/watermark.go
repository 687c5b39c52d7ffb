package state

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"list_harvester/internal/domain"
)

// Advance returns the higher of current and candidate. A zero candidate never moves the
// watermark.
func Advance(current, candidate domain.ItemID) domain.ItemID {
	return current.Max(candidate)
}

// WatermarkStore keeps the highest item id confirmed seen in a one-line text file.
type WatermarkStore struct {
	path string
}

func NewWatermarkStore(path string) *WatermarkStore {
	return &WatermarkStore{path: path}
}

// Load returns the stored watermark, or zero when the file is missing or unreadable as an id.
func (s *WatermarkStore) Load() (domain.ItemID, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}
	id, _ := domain.ParseItemID(strings.TrimSpace(string(data)))
	return id, nil
}

// Save persists candidate when it is above current and returns the resulting watermark.
func (s *WatermarkStore) Save(current, candidate domain.ItemID) (domain.ItemID, error) {
	next := Advance(current, candidate)
	if next == current {
		return current, nil
	}
	if err := WriteFileAtomic(s.path, []byte(next.String()+"\n"), 0o644); err != nil {
		return current, fmt.Errorf("persist watermark: %w", err)
	}
	return next, nil
}
