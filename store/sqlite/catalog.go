package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pricewise/affiliate-engine/alerts"
	"github.com/pricewise/affiliate-engine/ledger"
	"github.com/pricewise/affiliate-engine/trending"
)

// =============================================================================
// CATALOG (alerts.Catalog interface)
// =============================================================================

// SaveProduct inserts or replaces a product and all of its offers.
func (s *Store) SaveProduct(ctx context.Context, p alerts.Product, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO products (id, title, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET title = excluded.title`,
		p.ID, p.Title, formatTime(at))
	if err != nil {
		return fmt.Errorf("failed to save product: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM product_offers WHERE product_id = ?`, p.ID); err != nil {
		return fmt.Errorf("failed to clear offers: %w", err)
	}
	for i, o := range p.Offers {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO product_offers (product_id, platform, position, current_price, url)
			VALUES (?, ?, ?, ?, ?)`,
			p.ID, o.Platform, i, o.CurrentPrice.String(), o.URL)
		if err != nil {
			return fmt.Errorf("failed to save offer %s/%s: %w", p.ID, o.Platform, err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetProduct(ctx context.Context, productID string) (*alerts.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.title, o.platform, o.current_price, o.url
		FROM products p
		LEFT JOIN product_offers o ON o.product_id = p.id
		WHERE p.id = ?
		ORDER BY o.position`, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	defer rows.Close()

	var p *alerts.Product
	for rows.Next() {
		var (
			id, title            string
			platform, price, url *string
		)
		if err := rows.Scan(&id, &title, &platform, &price, &url); err != nil {
			return nil, err
		}
		if p == nil {
			p = &alerts.Product{ID: id, Title: title}
		}
		if platform == nil {
			continue
		}
		d, err := decimal.NewFromString(*price)
		if err != nil {
			return nil, fmt.Errorf("bad stored price %q: %w", *price, err)
		}
		p.Offers = append(p.Offers, alerts.Offer{
			Platform:     ledger.Platform(*platform),
			CurrentPrice: d,
			URL:          *url,
		})
	}
	return p, rows.Err()
}

// =============================================================================
// TRENDING (trending.Store interface)
// =============================================================================

func (s *Store) UpsertTrendingScores(ctx context.Context, scores []trending.Score) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trending_scores
			(product_id, score, click_count, purchase_count, conversion_rate, total_commission, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(product_id) DO UPDATE SET
			score = excluded.score,
			click_count = excluded.click_count,
			purchase_count = excluded.purchase_count,
			conversion_rate = excluded.conversion_rate,
			total_commission = excluded.total_commission,
			computed_at = excluded.computed_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, sc := range scores {
		_, err := stmt.ExecContext(ctx,
			sc.ProductID, sc.Score.String(), sc.ClickCount, sc.PurchaseCount,
			sc.ConversionRate.String(), sc.TotalCommission.String(), formatTime(sc.ComputedAt))
		if err != nil {
			return fmt.Errorf("failed to upsert trending score %s: %w", sc.ProductID, err)
		}
	}
	return tx.Commit()
}

// ListTrending orders by the numeric value of the stored score, then applies
// the exact decimal ranking to the page.
func (s *Store) ListTrending(ctx context.Context, limit int) ([]trending.Score, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT product_id, score, click_count, purchase_count, conversion_rate, total_commission, computed_at
		FROM trending_scores
		ORDER BY CAST(score AS REAL) DESC, CAST(total_commission AS REAL) DESC, product_id
	`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list trending: %w", err)
	}
	defer rows.Close()

	var out []trending.Score
	for rows.Next() {
		var (
			sc                      trending.Score
			score, rate, commission string
			computedAt              string
		)
		if err := rows.Scan(&sc.ProductID, &score, &sc.ClickCount, &sc.PurchaseCount, &rate, &commission, &computedAt); err != nil {
			return nil, err
		}
		if sc.Score, err = decimal.NewFromString(score); err != nil {
			return nil, err
		}
		if sc.ConversionRate, err = decimal.NewFromString(rate); err != nil {
			return nil, err
		}
		if sc.TotalCommission, err = decimal.NewFromString(commission); err != nil {
			return nil, err
		}
		if sc.ComputedAt, err = parseTime(computedAt); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	trending.Rank(out)
	return out, nil
}

var (
	_ alerts.Catalog = (*Store)(nil)
	_ trending.Store = (*Store)(nil)
)
