/*
Package trending scores products from a trailing window of click activity
and keeps the top of the list in the trending table.

SCORING:
  clickCount      clicks with clicked_at in the window (any state)
  purchaseCount   conversions with purchased_at in the window
  totalCommission commission of those conversions
  conversionRate  purchaseCount / clickCount, 0 when clickCount is 0

  score = clickCount*0.3 + (conversionRate*100)*0.5 + totalCommission*0.001

  All arithmetic is decimal: 100 clicks, 10 conversions, 500 commission
  scores exactly 35.5.

RANKING:
  Score descending, then totalCommission descending, then product id
  ascending. Only the top N are written.

STALENESS:
  A run overwrites rows for the products it computed and leaves every
  other row alone. A product that drops out of the top N keeps its old
  score until a later run writes it again. Readers that need freshness
  look at ComputedAt.
*/
package trending

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/pricewise/affiliate-engine/batch"
	"github.com/pricewise/affiliate-engine/clock"
	"github.com/pricewise/affiliate-engine/ledger"
)

const (
	DefaultWindow = 7 * 24 * time.Hour
	DefaultTopN   = 50
)

var (
	clickWeight      = decimal.RequireFromString("0.3")
	conversionWeight = decimal.RequireFromString("0.5")
	commissionWeight = decimal.RequireFromString("0.001")
	hundred          = decimal.NewFromInt(100)
)

// Score is one row of the trending table.
type Score struct {
	ProductID       string
	Score           decimal.Decimal
	ClickCount      int
	PurchaseCount   int
	ConversionRate  decimal.Decimal
	TotalCommission decimal.Decimal
	ComputedAt      time.Time
}

// Store holds trending scores keyed by product id.
type Store interface {
	// UpsertTrendingScores writes each score, replacing any row for the
	// same product. Rows for other products are not touched.
	UpsertTrendingScores(ctx context.Context, scores []Score) error
	// ListTrending returns stored scores, highest first.
	ListTrending(ctx context.Context, limit int) ([]Score, error)
}

// ActivitySource is the ledger's per-product aggregate.
type ActivitySource interface {
	ProductActivity(ctx context.Context, from, to time.Time) ([]ledger.ProductActivity, error)
}

// ConversionRate returns purchases/clicks, or zero for zero clicks.
func ConversionRate(clickCount, purchaseCount int) decimal.Decimal {
	if clickCount == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(purchaseCount)).Div(decimal.NewFromInt(int64(clickCount)))
}

// Compute applies the scoring formula.
func Compute(clickCount int, conversionRate, totalCommission decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(int64(clickCount)).Mul(clickWeight).
		Add(conversionRate.Mul(hundred).Mul(conversionWeight)).
		Add(totalCommission.Mul(commissionWeight))
}

// FromActivity scores one product's window aggregate.
func FromActivity(a ledger.ProductActivity, at time.Time) Score {
	rate := ConversionRate(a.ClickCount, a.PurchaseCount)
	return Score{
		ProductID:       a.ProductID,
		Score:           Compute(a.ClickCount, rate, a.TotalCommission),
		ClickCount:      a.ClickCount,
		PurchaseCount:   a.PurchaseCount,
		ConversionRate:  rate,
		TotalCommission: a.TotalCommission,
		ComputedAt:      at,
	}
}

// Rank sorts scores in place into trending order.
func Rank(scores []Score) {
	sort.SliceStable(scores, func(i, j int) bool {
		a, b := scores[i], scores[j]
		if c := a.Score.Cmp(b.Score); c != 0 {
			return c > 0
		}
		if c := a.TotalCommission.Cmp(b.TotalCommission); c != 0 {
			return c > 0
		}
		return a.ProductID < b.ProductID
	})
}

// =============================================================================
// AGGREGATOR
// =============================================================================

// Result describes one recompute.
type Result struct {
	From, To   time.Time
	Considered int
	Written    []Score
}

type Aggregator struct {
	activity ActivitySource
	store    Store
	clock    clock.Clock
	window   time.Duration
	topN     int
	log      zerolog.Logger
}

func NewAggregator(activity ActivitySource, store Store, clk clock.Clock, window time.Duration, topN int, log zerolog.Logger) *Aggregator {
	if window <= 0 {
		window = DefaultWindow
	}
	if topN <= 0 {
		topN = DefaultTopN
	}
	return &Aggregator{
		activity: activity,
		store:    store,
		clock:    clk,
		window:   window,
		topN:     topN,
		log:      log.With().Str("component", "trending").Logger(),
	}
}

// Recompute scores the trailing window ending now and writes the top N.
func (a *Aggregator) Recompute(ctx context.Context) (Result, error) {
	to := a.clock.Now()
	from := to.Add(-a.window)

	acts, err := a.activity.ProductActivity(ctx, from, to)
	if err != nil {
		return Result{}, fmt.Errorf("load product activity: %w", err)
	}

	scores := make([]Score, 0, len(acts))
	for _, act := range acts {
		scores = append(scores, FromActivity(act, to))
	}
	Rank(scores)
	if len(scores) > a.topN {
		scores = scores[:a.topN]
	}

	if len(scores) > 0 {
		if err := a.store.UpsertTrendingScores(ctx, scores); err != nil {
			return Result{}, fmt.Errorf("write trending scores: %w", err)
		}
	}

	a.log.Info().Int("considered", len(acts)).Int("written", len(scores)).
		Time("from", from).Time("to", to).Msg("trending recomputed")
	return Result{From: from, To: to, Considered: len(acts), Written: scores}, nil
}

// Run adapts Recompute to the scheduler's job signature. Every product with
// activity in the window counts as one processed item.
func (a *Aggregator) Run(ctx context.Context) (batch.Result, error) {
	res, err := a.Recompute(ctx)
	if err != nil {
		return batch.Result{}, err
	}
	return batch.Result{Processed: res.Considered, Succeeded: res.Considered}, nil
}

// SetScores bulk-writes externally supplied scores, for backfill and recovery.
// productIDs and scores are parallel slices.
func (a *Aggregator) SetScores(ctx context.Context, productIDs []string, scores []decimal.Decimal) (int, error) {
	if len(productIDs) != len(scores) {
		return 0, &ledger.ValidationError{Field: "scores", Message: "must have the same length as productIds"}
	}
	now := a.clock.Now()
	rows := make([]Score, 0, len(productIDs))
	for i, id := range productIDs {
		if id == "" {
			return 0, &ledger.ValidationError{Field: fmt.Sprintf("productIds[%d]", i), Message: "must not be empty"}
		}
		if scores[i].IsNegative() {
			return 0, &ledger.ValidationError{Field: fmt.Sprintf("scores[%d]", i), Message: "must not be negative"}
		}
		rows = append(rows, Score{
			ProductID:       id,
			Score:           scores[i],
			ConversionRate:  decimal.Zero,
			TotalCommission: decimal.Zero,
			ComputedAt:      now,
		})
	}
	if len(rows) == 0 {
		return 0, nil
	}
	if err := a.store.UpsertTrendingScores(ctx, rows); err != nil {
		return 0, &ledger.InternalError{Op: "set trending scores", Err: err}
	}
	return len(rows), nil
}

// Top returns the stored trending list.
func (a *Aggregator) Top(ctx context.Context, limit int) ([]Score, error) {
	scores, err := a.store.ListTrending(ctx, limit)
	if err != nil {
		return nil, &ledger.InternalError{Op: "list trending", Err: err}
	}
	return scores, nil
}
