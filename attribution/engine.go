/*
Package attribution decides whether a purchase can be credited to a click
and at what commission.

ALGORITHM (Attribute):
  1. Load the click. Unknown id -> NotFoundError.
  2. Already converted -> AlreadyConvertedError. Duplicate purchase
     callbacks stop here without touching the record.
  3. now > ExpiresAt -> ExpiredAttributionError, whether or not the reaper
     has removed the click yet.
  4. Snapshot the owning account's commission rate.
  5. ClickLedger.Convert does the compare-and-set write and computes
     commission = amount * rate / 100, rounded half-up to paise.

  Steps 2 and 3 are early exits for the common cases. The compare-and-set
  in step 5 is what actually guarantees one winner under concurrency.
*/
package attribution

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/pricewise/affiliate-engine/clock"
	"github.com/pricewise/affiliate-engine/ledger"
)

// RateSource returns an affiliate's current commission rate.
type RateSource interface {
	CommissionRate(ctx context.Context, affiliateID string) (decimal.Decimal, error)
}

// Engine is the purchase path in front of the ledger.
type Engine struct {
	ledger *ledger.ClickLedger
	rates  RateSource
	clock  clock.Clock
	log    zerolog.Logger
}

func NewEngine(l *ledger.ClickLedger, rates RateSource, clk clock.Clock, log zerolog.Logger) *Engine {
	return &Engine{
		ledger: l,
		rates:  rates,
		clock:  clk,
		log:    log.With().Str("component", "attribution").Logger(),
	}
}

// Attribute credits purchaseAmount to the click and returns the converted record.
func (e *Engine) Attribute(ctx context.Context, clickID ledger.ClickID, purchaseAmount decimal.Decimal) (*ledger.ClickRecord, error) {
	if err := ledger.ValidatePurchaseAmount(purchaseAmount); err != nil {
		return nil, err
	}

	rec, err := e.ledger.Get(ctx, clickID)
	if err != nil {
		return nil, err
	}

	if rec.Converted() {
		e.log.Warn().Str("click_id", string(clickID)).Msg("duplicate purchase callback")
		return nil, &ledger.AlreadyConvertedError{ClickID: clickID, PurchasedAt: rec.PurchasedAt}
	}

	now := e.clock.Now()
	if rec.ExpiredAt(now) {
		return nil, &ledger.ExpiredAttributionError{ClickID: clickID, ExpiresAt: rec.ExpiresAt, At: now}
	}

	rate, err := e.rates.CommissionRate(ctx, rec.AffiliateID)
	if err != nil {
		return nil, err
	}

	return e.ledger.Convert(ctx, clickID, purchaseAmount, rate)
}
