package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pricewise/affiliate-engine/ledger"
)

// =============================================================================
// CLICK STORE (ledger.Store interface)
// =============================================================================

const clickColumns = `id, affiliate_id, user_id, product_id, platform, source_url, redirect_url,
	clicked_at, expires_at, state, purchase_amount, commission, commission_rate, purchased_at,
	device, user_agent, ip_address, referer, browser, country`

func (s *Store) InsertClick(ctx context.Context, c ledger.ClickRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `INSERT INTO clicks (` + clickColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.AffiliateID, c.UserID, c.ProductID, c.Platform, c.SourceURL, c.RedirectURL,
		formatTime(c.ClickedAt), formatTime(c.ExpiresAt), c.State,
		nullDecimal(c.PurchaseAmount), nullDecimal(c.Commission), nullDecimal(c.CommissionRate),
		formatNullTime(c.PurchasedAt),
		c.Device.Device, c.Device.UserAgent, c.Device.IPAddress, c.Device.Referer, c.Device.Browser, c.Device.Country,
	)
	if err != nil {
		return fmt.Errorf("failed to insert click: %w", err)
	}
	return nil
}

func (s *Store) GetClick(ctx context.Context, id ledger.ClickID) (*ledger.ClickRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+clickColumns+` FROM clicks WHERE id = ?`, id)
	c, err := scanClick(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) UpdateDevice(ctx context.Context, id ledger.ClickID, meta ledger.DeviceMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Empty fields keep the stored value, so concurrent partial updates merge.
	query := `
		UPDATE clicks SET
			device     = COALESCE(NULLIF(?, ''), device),
			user_agent = COALESCE(NULLIF(?, ''), user_agent),
			ip_address = COALESCE(NULLIF(?, ''), ip_address),
			referer    = COALESCE(NULLIF(?, ''), referer),
			browser    = COALESCE(NULLIF(?, ''), browser),
			country    = COALESCE(NULLIF(?, ''), country),
			state = CASE WHEN state = 'clicked' THEN 'tracked' ELSE state END
		WHERE id = ?
	`
	_, err := s.db.ExecContext(ctx, query,
		meta.Device, meta.UserAgent, meta.IPAddress, meta.Referer, meta.Browser, meta.Country, id)
	if err != nil {
		return fmt.Errorf("failed to update click device: %w", err)
	}
	return nil
}

// ConvertClick is the compare-and-set: it only matches a clicked or tracked
// row whose window is still open at PurchasedAt.
func (s *Store) ConvertClick(ctx context.Context, id ledger.ClickID, conv ledger.Conversion) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE clicks SET
			state = 'converted',
			purchase_amount = ?,
			commission = ?,
			commission_rate = ?,
			purchased_at = ?
		WHERE id = ?
			AND state IN ('clicked', 'tracked')
			AND expires_at >= ?
	`
	at := formatTime(conv.PurchasedAt)
	res, err := s.db.ExecContext(ctx, query,
		conv.PurchaseAmount.String(), conv.Commission.String(), conv.CommissionRate.String(), at,
		id, at,
	)
	if err != nil {
		return false, fmt.Errorf("failed to convert click: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) ListByAffiliate(ctx context.Context, affiliateID string, f ledger.ClickFilter) ([]ledger.ClickRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where := []string{"affiliate_id = ?"}
	args := []any{affiliateID}
	if f.Platform != "" {
		where = append(where, "platform = ?")
		args = append(args, f.Platform)
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, f.State)
	}
	if !f.From.IsZero() {
		where = append(where, "clicked_at >= ?")
		args = append(args, formatTime(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "clicked_at < ?")
		args = append(args, formatTime(f.To))
	}

	query := `SELECT ` + clickColumns + ` FROM clicks WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY clicked_at DESC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list clicks: %w", err)
	}
	defer rows.Close()

	var result []ledger.ClickRecord
	for rows.Next() {
		c, err := scanClick(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (s *Store) SummarizeAffiliate(ctx context.Context, affiliateID string, since time.Time) (ledger.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := ledger.Summary{
		AffiliateID:      affiliateID,
		TotalCommission:  decimal.Zero,
		CommissionSince:  decimal.Zero,
		ClicksByPlatform: make(map[ledger.Platform]int),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT platform, COUNT(*) FROM clicks WHERE affiliate_id = ? GROUP BY platform`, affiliateID)
	if err != nil {
		return sum, fmt.Errorf("failed to count clicks: %w", err)
	}
	for rows.Next() {
		var p string
		var n int
		if err := rows.Scan(&p, &n); err != nil {
			rows.Close()
			return sum, err
		}
		sum.ClicksByPlatform[ledger.Platform(p)] = n
		sum.TotalClicks += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return sum, err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT commission, purchased_at FROM clicks WHERE affiliate_id = ? AND state = 'converted'`, affiliateID)
	if err != nil {
		return sum, fmt.Errorf("failed to load conversions: %w", err)
	}
	defer rows.Close()

	sinceKey := formatTime(since)
	for rows.Next() {
		var commission, purchasedAt string
		if err := rows.Scan(&commission, &purchasedAt); err != nil {
			return sum, err
		}
		c, err := decimal.NewFromString(commission)
		if err != nil {
			return sum, fmt.Errorf("bad stored commission %q: %w", commission, err)
		}
		sum.Conversions++
		sum.TotalCommission = sum.TotalCommission.Add(c)
		if purchasedAt >= sinceKey {
			sum.CommissionSince = sum.CommissionSince.Add(c)
		}
	}
	return sum, rows.Err()
}

func (s *Store) ListExpiredClicks(ctx context.Context, olderThan time.Time, after ledger.ClickID, limit int) ([]ledger.ClickID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id FROM clicks WHERE state != 'converted' AND expires_at < ? AND id > ? ORDER BY id`
	args := []any{formatTime(olderThan), string(after)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired clicks: %w", err)
	}
	defer rows.Close()

	var ids []ledger.ClickID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, ledger.ClickID(id))
	}
	return ids, rows.Err()
}

// DeleteExpiredClick repeats the reaping predicate, so a row converted since
// it was listed is left alone.
func (s *Store) DeleteExpiredClick(ctx context.Context, id ledger.ClickID, olderThan time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM clicks WHERE id = ? AND state != 'converted' AND expires_at < ?`,
		id, formatTime(olderThan))
	if err != nil {
		return false, fmt.Errorf("failed to delete click: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) ProductActivity(ctx context.Context, from, to time.Time) ([]ledger.ProductActivity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lo, hi := formatTime(from), formatTime(to)
	byProduct := make(map[string]*ledger.ProductActivity)
	var order []string
	get := func(id string) *ledger.ProductActivity {
		a, ok := byProduct[id]
		if !ok {
			a = &ledger.ProductActivity{ProductID: id, TotalCommission: decimal.Zero}
			byProduct[id] = a
			order = append(order, id)
		}
		return a
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, COUNT(*) FROM clicks
		WHERE clicked_at >= ? AND clicked_at < ?
		GROUP BY product_id`, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("failed to count product clicks: %w", err)
	}
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			rows.Close()
			return nil, err
		}
		get(id).ClickCount = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT product_id, commission FROM clicks
		WHERE state = 'converted' AND purchased_at >= ? AND purchased_at < ?`, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("failed to load product conversions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, commission string
		if err := rows.Scan(&id, &commission); err != nil {
			return nil, err
		}
		c, err := decimal.NewFromString(commission)
		if err != nil {
			return nil, fmt.Errorf("bad stored commission %q: %w", commission, err)
		}
		a := get(id)
		a.PurchaseCount++
		a.TotalCommission = a.TotalCommission.Add(c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := make([]ledger.ProductActivity, 0, len(order))
	for _, id := range order {
		result = append(result, *byProduct[id])
	}
	return result, nil
}

func (s *Store) ConvertedCommission(ctx context.Context, affiliateID string, from, to time.Time) (decimal.Decimal, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT commission FROM clicks
		WHERE affiliate_id = ? AND state = 'converted' AND purchased_at >= ? AND purchased_at < ?`,
		affiliateID, formatTime(from), formatTime(to))
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("failed to sum commission: %w", err)
	}
	defer rows.Close()

	total, n := decimal.Zero, 0
	for rows.Next() {
		var commission string
		if err := rows.Scan(&commission); err != nil {
			return decimal.Zero, 0, err
		}
		c, err := decimal.NewFromString(commission)
		if err != nil {
			return decimal.Zero, 0, fmt.Errorf("bad stored commission %q: %w", commission, err)
		}
		total = total.Add(c)
		n++
	}
	return total, n, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClick(r rowScanner) (ledger.ClickRecord, error) {
	var (
		c                                   ledger.ClickRecord
		id, platform, state, device         string
		clickedAt, expiresAt                string
		amount, commission, rate, purchased sql.NullString
	)
	err := r.Scan(
		&id, &c.AffiliateID, &c.UserID, &c.ProductID, &platform, &c.SourceURL, &c.RedirectURL,
		&clickedAt, &expiresAt, &state, &amount, &commission, &rate, &purchased,
		&device, &c.Device.UserAgent, &c.Device.IPAddress, &c.Device.Referer, &c.Device.Browser, &c.Device.Country,
	)
	if err != nil {
		return c, err
	}

	c.ID = ledger.ClickID(id)
	c.Platform = ledger.Platform(platform)
	c.State = ledger.ClickState(state)
	c.Device.Device = ledger.DeviceClass(device)

	if c.ClickedAt, err = parseTime(clickedAt); err != nil {
		return c, err
	}
	if c.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return c, err
	}
	if c.PurchaseAmount, err = parseNullDecimal(amount); err != nil {
		return c, err
	}
	if c.Commission, err = parseNullDecimal(commission); err != nil {
		return c, err
	}
	if c.CommissionRate, err = parseNullDecimal(rate); err != nil {
		return c, err
	}
	if c.PurchasedAt, err = parseNullTime(purchased); err != nil {
		return c, err
	}
	return c, nil
}

var _ ledger.Store = (*Store)(nil)
