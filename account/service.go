package account

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/pricewise/affiliate-engine/clock"
	"github.com/pricewise/affiliate-engine/ledger"
)

// Service is the account API used by the HTTP layer and the jobs.
type Service struct {
	store   Store
	factory *Factory
	clock   clock.Clock
	log     zerolog.Logger
}

func NewService(store Store, factory *Factory, clk clock.Clock, log zerolog.Logger) *Service {
	return &Service{
		store:   store,
		factory: factory,
		clock:   clk,
		log:     log.With().Str("component", "account").Logger(),
	}
}

// Register builds an account through the factory and persists it.
func (s *Service) Register(ctx context.Context, in NewAccountInput) (*Account, error) {
	a, err := s.factory.New(in)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateAccount(ctx, *a); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			return nil, err
		}
		return nil, &ledger.InternalError{Op: "create account", Err: err}
	}
	s.log.Info().Str("affiliate_id", a.AffiliateID).Msg("account registered")
	return a, nil
}

func (s *Service) Get(ctx context.Context, affiliateID string) (*Account, error) {
	a, err := s.store.GetAccount(ctx, affiliateID)
	if err != nil {
		return nil, &ledger.InternalError{Op: "get account", Err: err}
	}
	if a == nil {
		return nil, &ledger.NotFoundError{Kind: "account", ID: affiliateID}
	}
	return a, nil
}

// Authenticate checks an email/password pair. Unknown email and wrong
// password both return ErrInvalidCredentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*Account, error) {
	a, err := s.store.GetAccountByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return nil, &ledger.InternalError{Op: "get account by email", Err: err}
	}
	if a == nil || !a.CheckPassword(password) {
		return nil, ErrInvalidCredentials
	}
	return a, nil
}

// CommissionRate is the snapshot read made at conversion time.
func (s *Service) CommissionRate(ctx context.Context, affiliateID string) (decimal.Decimal, error) {
	a, err := s.Get(ctx, affiliateID)
	if err != nil {
		return decimal.Zero, err
	}
	return a.CommissionRate, nil
}

// SetCommissionRate changes the rate used for future conversions only.
func (s *Service) SetCommissionRate(ctx context.Context, affiliateID string, rate decimal.Decimal) (*Account, error) {
	if err := ValidateRate(rate); err != nil {
		return nil, err
	}
	ok, err := s.store.UpdateCommissionRate(ctx, affiliateID, rate, s.clock.Now())
	if err != nil {
		return nil, &ledger.InternalError{Op: "update commission rate", Err: err}
	}
	if !ok {
		return nil, &ledger.NotFoundError{Kind: "account", ID: affiliateID}
	}
	s.log.Info().Str("affiliate_id", affiliateID).Str("rate", rate.String()).Msg("commission rate changed")
	return s.Get(ctx, affiliateID)
}

func (s *Service) ListAffiliateIDs(ctx context.Context) ([]string, error) {
	ids, err := s.store.ListAffiliateIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list affiliates: %w", err)
	}
	return ids, nil
}
