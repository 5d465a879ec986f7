package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pricewise/affiliate-engine/account"
)

// =============================================================================
// ACCOUNT STORE (account.Store interface)
// =============================================================================

func (s *Store) CreateAccount(ctx context.Context, a account.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO accounts (id, affiliate_id, email, name, password_hash, commission_rate, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		a.ID, a.AffiliateID, a.Email, a.Name, a.PasswordHash, a.CommissionRate.String(),
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return account.ErrEmailTaken
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

const accountColumns = `id, affiliate_id, email, name, password_hash, commission_rate, created_at, updated_at`

func (s *Store) GetAccount(ctx context.Context, affiliateID string) (*account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE affiliate_id = ?`, affiliateID)
	return scanAccount(row)
}

func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = ?`, email)
	return scanAccount(row)
}

func (s *Store) ListAffiliateIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT affiliate_id FROM accounts ORDER BY affiliate_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) UpdateCommissionRate(ctx context.Context, affiliateID string, rate decimal.Decimal, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET commission_rate = ?, updated_at = ? WHERE affiliate_id = ?`,
		rate.String(), formatTime(at), affiliateID)
	if err != nil {
		return false, fmt.Errorf("failed to update commission rate: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func scanAccount(row rowScanner) (*account.Account, error) {
	var (
		a                    account.Account
		rate                 string
		createdAt, updatedAt string
	)
	err := row.Scan(&a.ID, &a.AffiliateID, &a.Email, &a.Name, &a.PasswordHash, &rate, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	if a.CommissionRate, err = decimal.NewFromString(rate); err != nil {
		return nil, fmt.Errorf("bad stored rate %q: %w", rate, err)
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

var _ account.Store = (*Store)(nil)
