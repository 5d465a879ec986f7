/*
store.go - Persistence interface for click records

PURPOSE:
  Defines the boundary between the ClickLedger and the database. Stores are
  dumb: they persist and query rows. Lifecycle rules live in ledger.go, with
  one exception that the store must own: the conversion write is a single
  conditional update (compare-and-set on state), because only the database
  can make it atomic across processes.

CONTRACT:
  - GetClick returns (nil, nil) for an unknown id.
  - ConvertClick applies the conversion only if the row is still clicked or
    tracked and its window has not closed at conv.PurchasedAt. It reports
    whether the row was updated; a false result is not an error.
  - ListExpiredClicks pages by id: it returns ids greater than after, in id
    order, so rows that failed to delete never block the rows behind them.
  - DeleteExpiredClick deletes only if the row is not converted and expired
    before olderThan, and reports whether a row was deleted.
  - UpdateDevice overwrites only the non-empty fields of meta, in one write.

IMPLEMENTATIONS:
  - store/sqlite: production
  - ledger/store: in-memory, for tests and dev

INDEXES (sqlite):
  - (affiliate_id, platform, clicked_at) for stats
  - (expires_at) for reaping
  - (clicked_at), (state, purchased_at) for trending and rollups
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type Store interface {
	InsertClick(ctx context.Context, c ClickRecord) error
	GetClick(ctx context.Context, id ClickID) (*ClickRecord, error)

	// UpdateDevice merges the non-empty fields of meta into the row and moves a
	// clicked record to tracked.
	UpdateDevice(ctx context.Context, id ClickID, meta DeviceMetadata) error

	// ConvertClick is the compare-and-set at the heart of attribution.
	ConvertClick(ctx context.Context, id ClickID, conv Conversion) (bool, error)

	ListByAffiliate(ctx context.Context, affiliateID string, f ClickFilter) ([]ClickRecord, error)
	SummarizeAffiliate(ctx context.Context, affiliateID string, since time.Time) (Summary, error)

	// ListExpiredClicks returns ids of unconverted clicks with expires_at < olderThan
	// and id > after, ordered by id. An empty after starts from the beginning.
	ListExpiredClicks(ctx context.Context, olderThan time.Time, after ClickID, limit int) ([]ClickID, error)
	DeleteExpiredClick(ctx context.Context, id ClickID, olderThan time.Time) (bool, error)

	// ProductActivity aggregates clicks with clicked_at in [from, to) and
	// conversions with purchased_at in [from, to), grouped by product.
	ProductActivity(ctx context.Context, from, to time.Time) ([]ProductActivity, error)

	// ConvertedCommission sums commission of an affiliate's conversions with
	// purchased_at in [from, to) and returns it with the conversion count.
	ConvertedCommission(ctx context.Context, affiliateID string, from, to time.Time) (decimal.Decimal, int, error)
}
