package account

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory Store for tests and local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]Account
	emails   map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]Account),
		emails:   make(map[string]string),
	}
}

func (m *MemoryStore) CreateAccount(_ context.Context, a Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.emails[a.Email]; ok {
		return ErrEmailTaken
	}
	m.accounts[a.AffiliateID] = a
	m.emails[a.Email] = a.AffiliateID
	return nil
}

func (m *MemoryStore) GetAccount(_ context.Context, affiliateID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[affiliateID]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (m *MemoryStore) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	m.mu.RLock()
	id, ok := m.emails[email]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return m.GetAccount(ctx, id)
}

func (m *MemoryStore) ListAffiliateIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.accounts))
	for id := range m.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) UpdateCommissionRate(_ context.Context, affiliateID string, rate decimal.Decimal, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[affiliateID]
	if !ok {
		return false, nil
	}
	a.CommissionRate = rate
	a.UpdatedAt = at
	m.accounts[affiliateID] = a
	return true, nil
}

var _ Store = (*MemoryStore)(nil)
