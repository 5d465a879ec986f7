// Package retention bounds ledger growth by removing clicks whose
// attribution window closed without a purchase. Converted clicks are the
// commission audit trail and are never removed.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pricewise/affiliate-engine/batch"
	"github.com/pricewise/affiliate-engine/clock"
	"github.com/pricewise/affiliate-engine/ledger"
)

// Expirer is the slice of ClickLedger the reaper needs.
type Expirer interface {
	ExpireBatch(ctx context.Context, olderThan time.Time, unconvertedOnly bool) (ledger.ExpireResult, error)
}

type Reaper struct {
	ledger Expirer
	clock  clock.Clock
	log    zerolog.Logger
}

func NewReaper(l Expirer, clk clock.Clock, log zerolog.Logger) *Reaper {
	return &Reaper{ledger: l, clock: clk, log: log.With().Str("component", "retention").Logger()}
}

// Reap deletes every unconverted click with expires_at < now.
func (r *Reaper) Reap(ctx context.Context) (ledger.ExpireResult, error) {
	now := r.clock.Now()
	res, err := r.ledger.ExpireBatch(ctx, now, true)
	if err != nil {
		return res, err
	}
	ev := r.log.Info()
	if res.Failed > 0 {
		ev = r.log.Warn()
	}
	ev.Int("processed", res.Processed).Int("deleted", res.Deleted).Int("failed", res.Failed).
		Time("cutoff", now).Msg("expired clicks reaped")
	return res, nil
}

// Run adapts Reap to the scheduler's job signature. Rows skipped because they
// converted mid-pass count as succeeded.
func (r *Reaper) Run(ctx context.Context) (batch.Result, error) {
	res, err := r.Reap(ctx)
	return batch.Result{
		Processed: res.Processed,
		Succeeded: res.Processed - res.Failed,
		Failed:    res.Failed,
	}, err
}
