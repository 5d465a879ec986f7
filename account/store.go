package account

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store persists accounts. Lookups return (nil, nil) for unknown ids.
type Store interface {
	// CreateAccount returns ErrEmailTaken when the email is already registered.
	CreateAccount(ctx context.Context, a Account) error
	GetAccount(ctx context.Context, affiliateID string) (*Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*Account, error)
	ListAffiliateIDs(ctx context.Context) ([]string, error)
	// UpdateCommissionRate returns false when the account does not exist.
	UpdateCommissionRate(ctx context.Context, affiliateID string, rate decimal.Decimal, at time.Time) (bool, error)
}
