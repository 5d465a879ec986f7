package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pricewise/affiliate-engine/alerts"
	"github.com/pricewise/affiliate-engine/ledger"
)

// =============================================================================
// WATCH TARGETS (alerts.WatchStore interface)
// =============================================================================

// SaveWatchTarget inserts a watch, or replaces the one the same user holds
// on the same product and platform.
func (s *Store) SaveWatchTarget(ctx context.Context, w alerts.WatchTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO watch_targets
			(id, user_id, recipient, product_id, platform, target_price, current_price,
			 notify_on_drop, alerts_sent, last_alert_at, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, product_id, platform) DO UPDATE SET
			recipient = excluded.recipient,
			target_price = excluded.target_price,
			current_price = excluded.current_price,
			notify_on_drop = excluded.notify_on_drop
	`
	_, err := s.db.ExecContext(ctx, query,
		w.ID, w.UserID, w.Recipient, w.ProductID, w.Platform,
		nullDecimal(w.TargetPrice), w.CurrentPrice.String(),
		w.NotifyOnDrop, w.AlertsSent, formatNullTime(w.LastAlertAt), formatTime(w.AddedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save watch target: %w", err)
	}
	return nil
}

func (s *Store) ListActiveWatchTargets(ctx context.Context) ([]alerts.WatchTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, recipient, product_id, platform, target_price, current_price,
		       notify_on_drop, alerts_sent, last_alert_at, added_at
		FROM watch_targets
		WHERE notify_on_drop = 1
		ORDER BY added_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list watch targets: %w", err)
	}
	defer rows.Close()

	var out []alerts.WatchTarget
	for rows.Next() {
		var (
			w                 alerts.WatchTarget
			platform, current string
			target, lastAlert sql.NullString
			addedAt           string
		)
		err := rows.Scan(&w.ID, &w.UserID, &w.Recipient, &w.ProductID, &platform, &target, &current,
			&w.NotifyOnDrop, &w.AlertsSent, &lastAlert, &addedAt)
		if err != nil {
			return nil, err
		}
		w.Platform = ledger.Platform(platform)
		if w.TargetPrice, err = parseNullDecimal(target); err != nil {
			return nil, err
		}
		if w.CurrentPrice, err = decimal.NewFromString(current); err != nil {
			return nil, fmt.Errorf("bad stored price %q: %w", current, err)
		}
		if w.LastAlertAt, err = parseNullTime(lastAlert); err != nil {
			return nil, err
		}
		if w.AddedAt, err = parseTime(addedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) RecordAlert(ctx context.Context, watchID string, at time.Time, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE watch_targets
		SET alerts_sent = alerts_sent + 1, last_alert_at = ?, current_price = ?
		WHERE id = ?`,
		formatTime(at), price.String(), watchID)
	if err != nil {
		return fmt.Errorf("failed to record alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("watch target %s not found", watchID)
	}
	return nil
}

var _ alerts.WatchStore = (*Store)(nil)
