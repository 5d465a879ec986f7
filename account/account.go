/*
Package account owns affiliate accounts: who a click belongs to and the
commission rate applied when one of their clicks converts.

PURPOSE:
  Accounts are built by an explicit factory. Password hashing and affiliate
  id generation happen in New, before the record exists anywhere, so the
  storage layer only ever sees finished accounts.

KEY CONCEPTS:
  - AffiliateID: public handle embedded in links, "aff_<unix-millis>_<9 chars>"
  - CommissionRate: percentage in (0, 100], default 5. Read at conversion
    time as a snapshot; changing it never touches converted clicks.

SEE ALSO:
  - service.go: registration, lookup, rate changes
  - attribution/engine.go: the rate snapshot read
*/
package account

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/pricewise/affiliate-engine/clock"
	"github.com/pricewise/affiliate-engine/ledger"
)

// DefaultCommissionRate is the percentage new accounts earn on converted purchases.
var DefaultCommissionRate = decimal.NewFromInt(5)

const (
	affiliateSuffixLen = 9
	affiliateAlphabet  = "0123456789abcdefghijklmnopqrstuvwxyz"
)

var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

type Account struct {
	ID             string
	AffiliateID    string
	Email          string
	Name           string
	PasswordHash   string
	CommissionRate decimal.Decimal
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CheckPassword reports whether password matches the stored hash.
func (a *Account) CheckPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)) == nil
}

// =============================================================================
// FACTORY
// =============================================================================

type NewAccountInput struct {
	Email          string `validate:"required,email,max=254"`
	Name           string `validate:"required,max=100"`
	Password       string `validate:"required,min=8,max=72"`
	CommissionRate *decimal.Decimal
}

type Factory struct {
	clock       clock.Clock
	validate    *validator.Validate
	defaultRate decimal.Decimal
	cost        int
}

func NewFactory(clk clock.Clock, defaultRate decimal.Decimal) *Factory {
	return &Factory{
		clock:       clk,
		validate:    validator.New(),
		defaultRate: defaultRate,
		cost:        bcrypt.DefaultCost,
	}
}

// New validates the input, hashes the password and assigns both ids.
func (f *Factory) New(in NewAccountInput) (*Account, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if err := f.validate.Struct(in); err != nil {
		return nil, ledger.FromValidatorError(err)
	}

	rate := f.defaultRate
	if in.CommissionRate != nil {
		rate = *in.CommissionRate
	}
	if err := ValidateRate(rate); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), f.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := f.clock.Now()
	affID, err := GenerateAffiliateID(now)
	if err != nil {
		return nil, err
	}

	return &Account{
		ID:             uuid.NewString(),
		AffiliateID:    affID,
		Email:          in.Email,
		Name:           strings.TrimSpace(in.Name),
		PasswordHash:   string(hash),
		CommissionRate: rate,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// GenerateAffiliateID returns "aff_<unix-millis>_<9 random base36 chars>".
func GenerateAffiliateID(now time.Time) (string, error) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("aff_%d_", now.UnixMilli()))
	base := big.NewInt(int64(len(affiliateAlphabet)))
	for range affiliateSuffixLen {
		n, err := rand.Int(rand.Reader, base)
		if err != nil {
			return "", fmt.Errorf("generate affiliate id: %w", err)
		}
		sb.WriteByte(affiliateAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

// ValidateRate accepts account rates in (0, 100].
func ValidateRate(rate decimal.Decimal) error {
	if !rate.IsPositive() || rate.GreaterThan(decimal.NewFromInt(100)) {
		return &ledger.ValidationError{Field: "commissionRate", Message: "must be greater than 0 and at most 100"}
	}
	return nil
}
