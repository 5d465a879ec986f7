/*
Package rollup records each affiliate's converted commission for a closed
calendar month as one durable earnings entry.

PURPOSE:
  On the 1st of every month the scheduler rolls up the previous month. For
  each account the job sums commission of conversions with purchased_at in
  [first moment of month, first moment of next month) and upserts the total
  keyed by (affiliate id, month).

IDEMPOTENCY:
  Re-running a month replaces the entry with a freshly computed total.
  Running twice yields one entry per (affiliate, month), never two and
  never a doubled amount.

MONTH BOUNDARIES:
  Months are evaluated in the scheduler's configured location, so "March"
  for an IST deployment starts at 00:00 IST on March 1st.
*/
package rollup

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/pricewise/affiliate-engine/batch"
	"github.com/pricewise/affiliate-engine/clock"
)

// MonthLayout formats the month key of an earnings entry.
const MonthLayout = "2006-01"

type MonthlyEarning struct {
	AffiliateID     string
	Month           string // "2025-03"
	TotalCommission decimal.Decimal
	Conversions     int
	ComputedAt      time.Time
}

type Store interface {
	// UpsertMonthlyEarning replaces any entry with the same (AffiliateID, Month).
	UpsertMonthlyEarning(ctx context.Context, e MonthlyEarning) error
	ListMonthlyEarnings(ctx context.Context, affiliateID string) ([]MonthlyEarning, error)
}

type Accounts interface {
	ListAffiliateIDs(ctx context.Context) ([]string, error)
}

type CommissionSource interface {
	ConvertedCommission(ctx context.Context, affiliateID string, from, to time.Time) (decimal.Decimal, int, error)
}

// MonthStart returns the first moment of t's month in loc.
func MonthStart(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
}

// PreviousMonth returns [from, to) for the calendar month before now's.
func PreviousMonth(now time.Time, loc *time.Location) (from, to time.Time) {
	to = MonthStart(now, loc)
	from = to.AddDate(0, -1, 0)
	return from, to
}

// =============================================================================
// JOB
// =============================================================================

type Job struct {
	accounts Accounts
	source   CommissionSource
	store    Store
	clock    clock.Clock
	loc      *time.Location
	opts     batch.Options
	log      zerolog.Logger
}

func NewJob(accounts Accounts, source CommissionSource, store Store, clk clock.Clock, loc *time.Location, opts batch.Options, log zerolog.Logger) *Job {
	if loc == nil {
		loc = time.UTC
	}
	return &Job{
		accounts: accounts,
		source:   source,
		store:    store,
		clock:    clk,
		loc:      loc,
		opts:     opts,
		log:      log.With().Str("component", "rollup").Logger(),
	}
}

// Run rolls up the month before the current one.
func (j *Job) Run(ctx context.Context) (batch.Result, error) {
	from, _ := PreviousMonth(j.clock.Now(), j.loc)
	return j.RunMonth(ctx, from)
}

// RunMonth rolls up the calendar month containing month.
func (j *Job) RunMonth(ctx context.Context, month time.Time) (batch.Result, error) {
	from := MonthStart(month, j.loc)
	to := from.AddDate(0, 1, 0)
	key := from.Format(MonthLayout)

	ids, err := j.accounts.ListAffiliateIDs(ctx)
	if err != nil {
		return batch.Result{}, fmt.Errorf("list affiliates: %w", err)
	}

	res := batch.Run(ctx, ids, j.opts, func(ctx context.Context, affiliateID string) error {
		total, n, err := j.source.ConvertedCommission(ctx, affiliateID, from, to)
		if err != nil {
			return fmt.Errorf("sum commission: %w", err)
		}
		return j.store.UpsertMonthlyEarning(ctx, MonthlyEarning{
			AffiliateID:     affiliateID,
			Month:           key,
			TotalCommission: total,
			Conversions:     n,
			ComputedAt:      j.clock.Now(),
		})
	}, func(affiliateID string, err error) {
		j.log.Error().Err(err).Str("job", "monthly_rollup").Str("item", affiliateID).
			Str("month", key).Msg("rollup failed for affiliate")
	})

	j.log.Info().Str("month", key).Int("processed", res.Processed).
		Int("succeeded", res.Succeeded).Int("failed", res.Failed).Msg("monthly rollup finished")
	return res, nil
}
