package sqlite

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/pricewise/affiliate-engine/rollup"
)

// =============================================================================
// MONTHLY EARNINGS (rollup.Store interface)
// =============================================================================

func (s *Store) UpsertMonthlyEarning(ctx context.Context, e rollup.MonthlyEarning) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO monthly_earnings (affiliate_id, month, total_commission, conversions, computed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(affiliate_id, month) DO UPDATE SET
			total_commission = excluded.total_commission,
			conversions = excluded.conversions,
			computed_at = excluded.computed_at
	`
	_, err := s.db.ExecContext(ctx, query,
		e.AffiliateID, e.Month, e.TotalCommission.StringFixed(2), e.Conversions, formatTime(e.ComputedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert monthly earning: %w", err)
	}
	return nil
}

func (s *Store) ListMonthlyEarnings(ctx context.Context, affiliateID string) ([]rollup.MonthlyEarning, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT affiliate_id, month, total_commission, conversions, computed_at
		FROM monthly_earnings
		WHERE affiliate_id = ?
		ORDER BY month`, affiliateID)
	if err != nil {
		return nil, fmt.Errorf("failed to list monthly earnings: %w", err)
	}
	defer rows.Close()

	var out []rollup.MonthlyEarning
	for rows.Next() {
		var (
			e                 rollup.MonthlyEarning
			total, computedAt string
		)
		if err := rows.Scan(&e.AffiliateID, &e.Month, &total, &e.Conversions, &computedAt); err != nil {
			return nil, err
		}
		if e.TotalCommission, err = decimal.NewFromString(total); err != nil {
			return nil, err
		}
		if e.ComputedAt, err = parseTime(computedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ rollup.Store = (*Store)(nil)
