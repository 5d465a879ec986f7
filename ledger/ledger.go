/*
ledger.go - ClickLedger: click lifecycle over a Store

PURPOSE:
  Every state transition of a click goes through here. The ledger validates
  input, stamps times from the injected clock, and turns storage failures
  into InternalError so callers only ever see the error taxonomy.

CRITICAL INVARIANTS:
  1. ExpiresAt = ClickedAt + window, written once in RecordClick.
  2. Convert is a single compare-and-set in the store. Two concurrent
     conversions of the same click produce exactly one success; the loser
     gets AlreadyConvertedError and the winner's amounts are untouched.
  3. A conversion attempted after ExpiresAt fails with
     ExpiredAttributionError and leaves the record as it was, whether or
     not the reaper has run yet.
  4. ExpireBatch never removes a converted record.

SEE ALSO:
  - store.go: persistence contract (ConvertClick, DeleteExpiredClick)
  - attribution/engine.go: the purchase path that calls Convert
  - retention/reaper.go: the daily job that calls ExpireBatch
*/
package ledger

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/pricewise/affiliate-engine/batch"
	"github.com/pricewise/affiliate-engine/clock"
)

// DefaultAttributionWindow is how long after a click a purchase may be credited to it.
const DefaultAttributionWindow = 30 * 24 * time.Hour

const defaultReapPageSize = 500

// ClickLedger owns the click lifecycle.
type ClickLedger struct {
	store    Store
	clock    clock.Clock
	validate *validator.Validate
	window   time.Duration
	log      zerolog.Logger
	reap     batch.Options
	pageSize int
}

type Option func(*ClickLedger)

// WithAttributionWindow overrides the 30 day window for new clicks.
func WithAttributionWindow(d time.Duration) Option {
	return func(l *ClickLedger) { l.window = d }
}

func WithLogger(log zerolog.Logger) Option {
	return func(l *ClickLedger) { l.log = log.With().Str("component", "ledger").Logger() }
}

// WithReapOptions sets parallelism and per-row timeout for ExpireBatch.
func WithReapOptions(opts batch.Options) Option {
	return func(l *ClickLedger) { l.reap = opts }
}

func New(store Store, clk clock.Clock, opts ...Option) *ClickLedger {
	l := &ClickLedger{
		store:    store,
		clock:    clk,
		validate: NewValidator(),
		window:   DefaultAttributionWindow,
		log:      zerolog.Nop(),
		reap:     batch.Options{Parallelism: 1},
		pageSize: defaultReapPageSize,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Window returns the attribution window applied to new clicks.
func (l *ClickLedger) Window() time.Duration { return l.window }

// =============================================================================
// WRITES
// =============================================================================

// RecordClick creates a click in state clicked with a fixed expiry.
func (l *ClickLedger) RecordClick(ctx context.Context, in ClickInput) (*ClickRecord, error) {
	if err := l.validate.Struct(in); err != nil {
		return nil, FromValidatorError(err)
	}

	now := l.clock.Now()
	rec := ClickRecord{
		ID:          ClickID(uuid.NewString()),
		AffiliateID: in.AffiliateID,
		UserID:      in.UserID,
		ProductID:   in.ProductID,
		Platform:    in.Platform,
		SourceURL:   in.SourceURL,
		RedirectURL: in.RedirectURL,
		ClickedAt:   now,
		ExpiresAt:   now.Add(l.window),
		State:       StateClicked,
	}
	if err := l.store.InsertClick(ctx, rec); err != nil {
		return nil, internal("record click", rec.ID, err)
	}

	l.log.Debug().Str("click_id", string(rec.ID)).Str("affiliate_id", rec.AffiliateID).
		Str("platform", string(rec.Platform)).Msg("click recorded")
	return &rec, nil
}

// Annotate merges device metadata into the click and moves clicked to
// tracked. Tracked and converted records keep their state.
func (l *ClickLedger) Annotate(ctx context.Context, id ClickID, meta DeviceMetadata) (*ClickRecord, error) {
	switch meta.Device {
	case "", DeviceMobile, DeviceTablet, DeviceDesktop:
	default:
		return nil, &ValidationError{Field: "device", Message: "must be mobile, tablet or desktop"}
	}

	if _, err := l.Get(ctx, id); err != nil {
		return nil, err
	}

	// The store merges non-empty fields in a single write.
	if err := l.store.UpdateDevice(ctx, id, meta); err != nil {
		return nil, internal("annotate click", id, err)
	}
	return l.Get(ctx, id)
}

// Convert attributes a purchase to the click at the given commission rate.
// The write is a compare-and-set on state; see the file header.
func (l *ClickLedger) Convert(ctx context.Context, id ClickID, purchaseAmount, commissionRate decimal.Decimal) (*ClickRecord, error) {
	if err := ValidatePurchaseAmount(purchaseAmount); err != nil {
		return nil, err
	}
	if err := ValidateCommissionRate(commissionRate); err != nil {
		return nil, err
	}

	now := l.clock.Now()
	conv := Conversion{
		PurchaseAmount: purchaseAmount,
		CommissionRate: commissionRate,
		Commission:     Commission(purchaseAmount, commissionRate),
		PurchasedAt:    now,
	}

	applied, err := l.store.ConvertClick(ctx, id, conv)
	if err != nil {
		return nil, internal("convert click", id, err)
	}

	rec, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if applied {
		l.log.Info().Str("click_id", string(id)).Str("affiliate_id", rec.AffiliateID).
			Str("purchase_amount", purchaseAmount.String()).Str("commission", conv.Commission.String()).
			Msg("purchase recorded")
		return rec, nil
	}

	// The conditional update matched nothing. Work out why from the row.
	switch {
	case rec.State == StateConverted:
		return nil, &AlreadyConvertedError{ClickID: id, PurchasedAt: rec.PurchasedAt}
	case rec.State == StateExpired || rec.ExpiredAt(now):
		return nil, &ExpiredAttributionError{ClickID: id, ExpiresAt: rec.ExpiresAt, At: now}
	default:
		return nil, internal("convert click", id, errors.New("conditional update matched no row"))
	}
}

// ExpireBatch removes unconverted clicks whose window closed before olderThan
// and reports how many went. Each row is deleted on its own; a failed row is
// logged and counted, and the batch carries on.
func (l *ClickLedger) ExpireBatch(ctx context.Context, olderThan time.Time, unconvertedOnly bool) (ExpireResult, error) {
	if !unconvertedOnly {
		return ExpireResult{}, &ValidationError{Field: "unconvertedOnly", Message: "converted clicks are retained"}
	}

	var (
		result  ExpireResult
		deleted atomic.Int64
		after   ClickID
	)
	for {
		// Keyset paging: rows that fail to delete stay behind the cursor.
		ids, err := l.store.ListExpiredClicks(ctx, olderThan, after, l.pageSize)
		if err != nil {
			return result, internal("list expired clicks", "", err)
		}
		if len(ids) == 0 {
			break
		}
		after = ids[len(ids)-1]

		res := batch.Run(ctx, ids, l.reap, func(ctx context.Context, id ClickID) error {
			ok, err := l.store.DeleteExpiredClick(ctx, id, olderThan)
			if err != nil {
				return err
			}
			if ok {
				deleted.Add(1)
			}
			return nil
		}, func(id ClickID, err error) {
			l.log.Error().Err(err).Str("click_id", string(id)).Msg("failed to delete expired click")
		})

		result.Processed += res.Processed
		result.Failed += res.Failed
		if ctx.Err() != nil {
			break
		}
	}
	result.Deleted = int(deleted.Load())
	return result, nil
}

// =============================================================================
// READS
// =============================================================================

// Get returns the click or NotFoundError.
func (l *ClickLedger) Get(ctx context.Context, id ClickID) (*ClickRecord, error) {
	rec, err := l.store.GetClick(ctx, id)
	if err != nil {
		return nil, internal("get click", id, err)
	}
	if rec == nil {
		return nil, &NotFoundError{Kind: "click", ID: string(id)}
	}
	return rec, nil
}

func (l *ClickLedger) ListByAffiliate(ctx context.Context, affiliateID string, f ClickFilter) ([]ClickRecord, error) {
	if f.Platform != "" && !f.Platform.Valid() {
		return nil, &ValidationError{Field: "platform", Message: "unsupported platform " + string(f.Platform)}
	}
	recs, err := l.store.ListByAffiliate(ctx, affiliateID, f)
	if err != nil {
		return nil, internal("list clicks", "", err)
	}
	return recs, nil
}

// Summarize aggregates an affiliate's clicks; CommissionSince covers
// conversions with purchased_at >= since.
func (l *ClickLedger) Summarize(ctx context.Context, affiliateID string, since time.Time) (Summary, error) {
	s, err := l.store.SummarizeAffiliate(ctx, affiliateID, since)
	if err != nil {
		return Summary{}, internal("summarize affiliate", "", err)
	}
	return s, nil
}

// ProductActivity exposes the per-product window aggregate to trending.
func (l *ClickLedger) ProductActivity(ctx context.Context, from, to time.Time) ([]ProductActivity, error) {
	acts, err := l.store.ProductActivity(ctx, from, to)
	if err != nil {
		return nil, internal("product activity", "", err)
	}
	return acts, nil
}

// ConvertedCommission sums an affiliate's commission over [from, to).
func (l *ClickLedger) ConvertedCommission(ctx context.Context, affiliateID string, from, to time.Time) (decimal.Decimal, int, error) {
	total, n, err := l.store.ConvertedCommission(ctx, affiliateID, from, to)
	if err != nil {
		return decimal.Zero, 0, internal("converted commission", "", err)
	}
	return total, n, nil
}
