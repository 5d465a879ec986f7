// Package store provides in-process ledger.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pricewise/affiliate-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu     sync.RWMutex
	clicks map[ledger.ClickID]ledger.ClickRecord
}

func NewMemory() *Memory {
	return &Memory{clicks: make(map[ledger.ClickID]ledger.ClickRecord)}
}

func (m *Memory) InsertClick(_ context.Context, c ledger.ClickRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clicks[c.ID] = c
	return nil
}

func (m *Memory) GetClick(_ context.Context, id ledger.ClickID) (*ledger.ClickRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clicks[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *Memory) UpdateDevice(_ context.Context, id ledger.ClickID, meta ledger.DeviceMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clicks[id]
	if !ok {
		return nil
	}
	c.Device = c.Device.Merge(meta)
	if c.State == ledger.StateClicked {
		c.State = ledger.StateTracked
	}
	m.clicks[id] = c
	return nil
}

// ConvertClick applies the conversion under the write lock, so the state
// check and the write are one step.
func (m *Memory) ConvertClick(_ context.Context, id ledger.ClickID, conv ledger.Conversion) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clicks[id]
	if !ok || !c.State.Convertible() || conv.PurchasedAt.After(c.ExpiresAt) {
		return false, nil
	}
	amount, rate, commission, at := conv.PurchaseAmount, conv.CommissionRate, conv.Commission, conv.PurchasedAt
	c.State = ledger.StateConverted
	c.PurchaseAmount = &amount
	c.CommissionRate = &rate
	c.Commission = &commission
	c.PurchasedAt = &at
	m.clicks[id] = c
	return true, nil
}

func (m *Memory) ListByAffiliate(_ context.Context, affiliateID string, f ledger.ClickFilter) ([]ledger.ClickRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.ClickRecord
	for _, c := range m.clicks {
		if c.AffiliateID != affiliateID {
			continue
		}
		if f.Platform != "" && c.Platform != f.Platform {
			continue
		}
		if f.State != "" && c.State != f.State {
			continue
		}
		if !f.From.IsZero() && c.ClickedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !c.ClickedAt.Before(f.To) {
			continue
		}
		result = append(result, c)
	}

	// Newest first, id as tiebreak for a stable order.
	sort.Slice(result, func(i, j int) bool {
		if !result[i].ClickedAt.Equal(result[j].ClickedAt) {
			return result[i].ClickedAt.After(result[j].ClickedAt)
		}
		return result[i].ID < result[j].ID
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *Memory) SummarizeAffiliate(_ context.Context, affiliateID string, since time.Time) (ledger.Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := ledger.Summary{
		AffiliateID:      affiliateID,
		TotalCommission:  decimal.Zero,
		CommissionSince:  decimal.Zero,
		ClicksByPlatform: make(map[ledger.Platform]int),
	}
	for _, c := range m.clicks {
		if c.AffiliateID != affiliateID {
			continue
		}
		s.TotalClicks++
		s.ClicksByPlatform[c.Platform]++
		if !c.Converted() {
			continue
		}
		s.Conversions++
		s.TotalCommission = s.TotalCommission.Add(*c.Commission)
		if !c.PurchasedAt.Before(since) {
			s.CommissionSince = s.CommissionSince.Add(*c.Commission)
		}
	}
	return s, nil
}

func (m *Memory) ListExpiredClicks(_ context.Context, olderThan time.Time, after ledger.ClickID, limit int) ([]ledger.ClickID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []ledger.ClickID
	for id, c := range m.clicks {
		if id > after && !c.Converted() && c.ExpiresAt.Before(olderThan) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// DeleteExpiredClick re-checks the predicate before deleting, so a click
// converted between list and delete survives.
func (m *Memory) DeleteExpiredClick(_ context.Context, id ledger.ClickID, olderThan time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clicks[id]
	if !ok || c.Converted() || !c.ExpiresAt.Before(olderThan) {
		return false, nil
	}
	delete(m.clicks, id)
	return true, nil
}

func (m *Memory) ProductActivity(_ context.Context, from, to time.Time) ([]ledger.ProductActivity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byProduct := make(map[string]*ledger.ProductActivity)
	get := func(productID string) *ledger.ProductActivity {
		a, ok := byProduct[productID]
		if !ok {
			a = &ledger.ProductActivity{ProductID: productID, TotalCommission: decimal.Zero}
			byProduct[productID] = a
		}
		return a
	}
	within := func(t time.Time) bool { return !t.Before(from) && t.Before(to) }

	for _, c := range m.clicks {
		if within(c.ClickedAt) {
			get(c.ProductID).ClickCount++
		}
		if c.Converted() && within(*c.PurchasedAt) {
			a := get(c.ProductID)
			a.PurchaseCount++
			a.TotalCommission = a.TotalCommission.Add(*c.Commission)
		}
	}

	result := make([]ledger.ProductActivity, 0, len(byProduct))
	for _, a := range byProduct {
		result = append(result, *a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ProductID < result[j].ProductID })
	return result, nil
}

func (m *Memory) ConvertedCommission(_ context.Context, affiliateID string, from, to time.Time) (decimal.Decimal, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total, n := decimal.Zero, 0
	for _, c := range m.clicks {
		if c.AffiliateID != affiliateID || !c.Converted() {
			continue
		}
		if c.PurchasedAt.Before(from) || !c.PurchasedAt.Before(to) {
			continue
		}
		total = total.Add(*c.Commission)
		n++
	}
	return total, n, nil
}

var _ ledger.Store = (*Memory)(nil)
