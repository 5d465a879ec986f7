package rollup

import (
	"context"
	"sort"
	"sync"
)

type monthKey struct {
	affiliateID string
	month       string
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[monthKey]MonthlyEarning
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[monthKey]MonthlyEarning)}
}

func (m *MemoryStore) UpsertMonthlyEarning(_ context.Context, e MonthlyEarning) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[monthKey{e.AffiliateID, e.Month}] = e
	return nil
}

func (m *MemoryStore) ListMonthlyEarnings(_ context.Context, affiliateID string) ([]MonthlyEarning, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []MonthlyEarning
	for k, e := range m.entries {
		if k.affiliateID == affiliateID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month < out[j].Month })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
