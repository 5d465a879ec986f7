/*
Package alerts runs the daily price scan over shoppers' watch targets.

PURPOSE:
  For every active watch target the scanner looks up the product in the
  catalog, finds the watched platform's current price, and when that price
  is at or below the target it hands an Alert to the Notifier and records
  the alert on the target.

RULES:
  - No target price set: the threshold is 90% of the product's first listed
    platform price.
  - The watched platform is not listed for the product: skipped, counted as
    succeeded, no alert.
  - Unknown product: the item fails and the scan continues.

  This package decides that and what to notify. Delivery belongs to the
  Notifier (see notify/).
*/
package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/pricewise/affiliate-engine/batch"
	"github.com/pricewise/affiliate-engine/clock"
	"github.com/pricewise/affiliate-engine/ledger"
)

// DefaultTargetRatio is applied to the first listed price when a watch has no target.
var DefaultTargetRatio = decimal.RequireFromString("0.9")

// =============================================================================
// COLLABORATORS
// =============================================================================

type Offer struct {
	Platform     ledger.Platform
	CurrentPrice decimal.Decimal
	URL          string
}

type Product struct {
	ID     string
	Title  string
	Offers []Offer // listing order; Offers[0] is the primary listing
}

// Offer returns the listing for platform, if any.
func (p *Product) Offer(platform ledger.Platform) (Offer, bool) {
	for _, o := range p.Offers {
		if o.Platform == platform {
			return o, true
		}
	}
	return Offer{}, false
}

// Catalog is the read side of the product catalog. GetProduct returns
// (nil, nil) for an unknown id.
type Catalog interface {
	GetProduct(ctx context.Context, productID string) (*Product, error)
}

type WatchTarget struct {
	ID           string
	UserID       string
	Recipient    string
	ProductID    string
	Platform     ledger.Platform
	TargetPrice  *decimal.Decimal
	CurrentPrice decimal.Decimal // last price seen for this watch
	NotifyOnDrop bool
	AlertsSent   int
	LastAlertAt  *time.Time
	AddedAt      time.Time
}

type WatchStore interface {
	ListActiveWatchTargets(ctx context.Context) ([]WatchTarget, error)
	// RecordAlert bumps alerts_sent, stamps last_alert_at and stores the
	// price that triggered the alert.
	RecordAlert(ctx context.Context, watchID string, at time.Time, price decimal.Decimal) error
}

// Alert is what the notifier receives.
type Alert struct {
	WatchTargetID string          `json:"watchTargetId"`
	Recipient     string          `json:"recipient"`
	ProductID     string          `json:"productId"`
	ProductTitle  string          `json:"productTitle"`
	Platform      ledger.Platform `json:"platform"`
	OldPrice      decimal.Decimal `json:"oldPrice"`
	NewPrice      decimal.Decimal `json:"newPrice"`
	TargetPrice   decimal.Decimal `json:"targetPrice"`
	URL           string          `json:"url"`
	DetectedAt    time.Time       `json:"detectedAt"`
}

type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// =============================================================================
// SCANNER
// =============================================================================

type Scanner struct {
	watches  WatchStore
	catalog  Catalog
	notifier Notifier
	clock    clock.Clock
	opts     batch.Options
	log      zerolog.Logger
}

func NewScanner(watches WatchStore, catalog Catalog, notifier Notifier, clk clock.Clock, opts batch.Options, log zerolog.Logger) *Scanner {
	return &Scanner{
		watches:  watches,
		catalog:  catalog,
		notifier: notifier,
		clock:    clk,
		opts:     opts,
		log:      log.With().Str("component", "alerts").Logger(),
	}
}

// Scan checks every active watch target once.
func (s *Scanner) Scan(ctx context.Context) (batch.Result, error) {
	targets, err := s.watches.ListActiveWatchTargets(ctx)
	if err != nil {
		return batch.Result{}, fmt.Errorf("list watch targets: %w", err)
	}

	res := batch.Run(ctx, targets, s.opts, s.check, func(w WatchTarget, err error) {
		s.log.Error().Err(err).Str("job", "price_alerts").Str("item", w.ID).
			Str("product_id", w.ProductID).Msg("price check failed")
	})

	s.log.Info().Int("processed", res.Processed).Int("succeeded", res.Succeeded).
		Int("failed", res.Failed).Msg("price alert check completed")
	return res, nil
}

func (s *Scanner) check(ctx context.Context, w WatchTarget) error {
	product, err := s.catalog.GetProduct(ctx, w.ProductID)
	if err != nil {
		return fmt.Errorf("load product: %w", err)
	}
	if product == nil {
		return &ledger.NotFoundError{Kind: "product", ID: w.ProductID}
	}

	offer, ok := product.Offer(w.Platform)
	if !ok {
		return nil
	}

	target := Threshold(w, product)
	if offer.CurrentPrice.GreaterThan(target) {
		return nil
	}

	now := s.clock.Now()
	alert := Alert{
		WatchTargetID: w.ID,
		Recipient:     w.Recipient,
		ProductID:     product.ID,
		ProductTitle:  product.Title,
		Platform:      w.Platform,
		OldPrice:      w.CurrentPrice,
		NewPrice:      offer.CurrentPrice,
		TargetPrice:   target,
		URL:           offer.URL,
		DetectedAt:    now,
	}
	if err := s.notifier.Notify(ctx, alert); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	if err := s.watches.RecordAlert(ctx, w.ID, now, offer.CurrentPrice); err != nil {
		return fmt.Errorf("record alert: %w", err)
	}
	return nil
}

// Threshold is the price at or below which w fires.
func Threshold(w WatchTarget, p *Product) decimal.Decimal {
	if w.TargetPrice != nil && w.TargetPrice.IsPositive() {
		return *w.TargetPrice
	}
	if len(p.Offers) == 0 {
		return decimal.Zero
	}
	return p.Offers[0].CurrentPrice.Mul(DefaultTargetRatio)
}
