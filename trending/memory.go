package trending

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu     sync.RWMutex
	scores map[string]Score
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{scores: make(map[string]Score)}
}

func (m *MemoryStore) UpsertTrendingScores(_ context.Context, scores []Score) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range scores {
		m.scores[s.ProductID] = s
	}
	return nil
}

func (m *MemoryStore) ListTrending(_ context.Context, limit int) ([]Score, error) {
	m.mu.RLock()
	out := make([]Score, 0, len(m.scores))
	for _, s := range m.scores {
		out = append(out, s)
	}
	m.mu.RUnlock()

	Rank(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
