package sqlite

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricewise/affiliate-engine/account"
	"github.com/pricewise/affiliate-engine/alerts"
	"github.com/pricewise/affiliate-engine/batch"
	"github.com/pricewise/affiliate-engine/clock"
	"github.com/pricewise/affiliate-engine/ledger"
	"github.com/pricewise/affiliate-engine/rollup"
	"github.com/pricewise/affiliate-engine/scheduler"
	"github.com/pricewise/affiliate-engine/trending"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func clickInput() ledger.ClickInput {
	return ledger.ClickInput{
		AffiliateID: "aff_1700000000000_abc123xyz",
		UserID:      "user-1",
		ProductID:   "prod-1",
		Platform:    ledger.PlatformAmazon,
		SourceURL:   "https://pricewise.example/deals",
		RedirectURL: "https://www.amazon.in/dp/B0TEST?tag=pw-21",
	}
}

// =============================================================================
// CLICKS
// =============================================================================

func TestClicks_RoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	l := ledger.New(s, clock.NewFake(t0))

	rec, err := l.RecordClick(ctx, clickInput())
	require.NoError(t, err)

	got, err := s.GetClick(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.ClickedAt, got.ClickedAt)
	assert.Equal(t, rec.ExpiresAt, got.ExpiresAt)
	assert.Equal(t, ledger.StateClicked, got.State)
	assert.Nil(t, got.Commission)

	missing, err := s.GetClick(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestClicks_AnnotateMovesToTracked(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	l := ledger.New(s, clock.NewFake(t0))

	rec, err := l.RecordClick(ctx, clickInput())
	require.NoError(t, err)

	_, err = l.Annotate(ctx, rec.ID, ledger.DeviceMetadata{Device: ledger.DeviceMobile, Country: "IN"})
	require.NoError(t, err)

	got, err := s.GetClick(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateTracked, got.State)
	assert.Equal(t, ledger.DeviceMobile, got.Device.Device)
	assert.Equal(t, "IN", got.Device.Country)
}

func TestClicks_PartialDeviceUpdatesMerge(t *testing.T) {
	// GIVEN a click annotated by two writers, each with a different field
	s := newStore(t)
	ctx := context.Background()
	l := ledger.New(s, clock.NewFake(t0))

	rec, err := l.RecordClick(ctx, clickInput())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, meta := range []ledger.DeviceMetadata{
		{UserAgent: "Mozilla/5.0 (Linux; Android 14)"},
		{IPAddress: "203.0.113.7"},
	} {
		wg.Add(1)
		go func(meta ledger.DeviceMetadata) {
			defer wg.Done()
			assert.NoError(t, s.UpdateDevice(ctx, rec.ID, meta))
		}(meta)
	}
	wg.Wait()

	// THEN neither write erased the other
	got, err := s.GetClick(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Mozilla/5.0 (Linux; Android 14)", got.Device.UserAgent)
	assert.Equal(t, "203.0.113.7", got.Device.IPAddress)
	assert.Equal(t, ledger.StateTracked, got.State)

	// AND a later update with only a country keeps both
	require.NoError(t, s.UpdateDevice(ctx, rec.ID, ledger.DeviceMetadata{Country: "IN"}))
	got, err = s.GetClick(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Mozilla/5.0 (Linux; Android 14)", got.Device.UserAgent)
	assert.Equal(t, "203.0.113.7", got.Device.IPAddress)
	assert.Equal(t, "IN", got.Device.Country)
}

func TestClicks_ConcurrentConvertSingleWinner(t *testing.T) {
	// GIVEN one open click
	s := newStore(t)
	ctx := context.Background()
	l := ledger.New(s, clock.NewFake(t0))
	rec, err := l.RecordClick(ctx, clickInput())
	require.NoError(t, err)

	// WHEN many conversions race
	const n = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Convert(ctx, rec.ID, dec("1000"), dec("5")); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// THEN exactly one is recorded
	assert.Equal(t, 1, wins)
	got, err := s.GetClick(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateConverted, got.State)
	assert.True(t, got.Commission.Equal(dec("50.00")), "commission = %s", got.Commission)
}

func TestClicks_ConvertRespectsWindow(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	clk := clock.NewFake(t0)
	l := ledger.New(s, clk)

	rec, err := l.RecordClick(ctx, clickInput())
	require.NoError(t, err)

	clk.Set(rec.ExpiresAt.Add(time.Nanosecond))
	_, err = l.Convert(ctx, rec.ID, dec("100"), dec("5"))
	require.Error(t, err)
	if !errors.Is(err, ledger.ErrExpiredAttribution) {
		t.Fatalf("expected expired attribution, got %v", err)
	}
}

func TestClicks_WindowIsImmutable(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	l := ledger.New(s, clock.NewFake(t0))
	rec, err := l.RecordClick(ctx, clickInput())
	require.NoError(t, err)

	_, err = s.db.ExecContext(ctx, `UPDATE clicks SET expires_at = ? WHERE id = ?`,
		formatTime(rec.ExpiresAt.Add(time.Hour)), rec.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "immutable")
}

func TestClicks_ConversionIsFinal(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	l := ledger.New(s, clock.NewFake(t0))
	rec, err := l.RecordClick(ctx, clickInput())
	require.NoError(t, err)
	_, err = l.Convert(ctx, rec.ID, dec("100"), dec("5"))
	require.NoError(t, err)

	_, err = s.db.ExecContext(ctx, `UPDATE clicks SET commission = '1' WHERE id = ?`, rec.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "final")
}

func TestClicks_ReapKeepsConverted(t *testing.T) {
	// GIVEN two expired clicks, one converted
	s := newStore(t)
	ctx := context.Background()
	clk := clock.NewFake(t0)
	l := ledger.New(s, clk)

	open, err := l.RecordClick(ctx, clickInput())
	require.NoError(t, err)
	converted, err := l.RecordClick(ctx, clickInput())
	require.NoError(t, err)
	_, err = l.Convert(ctx, converted.ID, dec("200"), dec("5"))
	require.NoError(t, err)

	// WHEN the reaper runs after the window
	clk.Advance(31 * 24 * time.Hour)
	res, err := l.ExpireBatch(ctx, clk.Now(), true)
	require.NoError(t, err)

	// THEN only the unconverted click is gone
	assert.Equal(t, 1, res.Deleted)
	gone, err := s.GetClick(ctx, open.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
	kept, err := s.GetClick(ctx, converted.ID)
	require.NoError(t, err)
	require.NotNil(t, kept)
	assert.Equal(t, ledger.StateConverted, kept.State)
}

func TestClicks_ExpiredListPagesByID(t *testing.T) {
	// GIVEN five expired clicks
	s := newStore(t)
	ctx := context.Background()
	clk := clock.NewFake(t0)
	l := ledger.New(s, clk)
	for i := 0; i < 5; i++ {
		_, err := l.RecordClick(ctx, clickInput())
		require.NoError(t, err)
	}
	clk.Advance(31 * 24 * time.Hour)

	all, err := s.ListExpiredClicks(ctx, clk.Now(), "", 0)
	require.NoError(t, err)
	require.Len(t, all, 5)

	// WHEN paging two at a time without deleting anything
	var paged []ledger.ClickID
	var after ledger.ClickID
	for {
		ids, err := s.ListExpiredClicks(ctx, clk.Now(), after, 2)
		require.NoError(t, err)
		if len(ids) == 0 {
			break
		}
		paged = append(paged, ids...)
		after = ids[len(ids)-1]
	}

	// THEN every row is visited once, in id order
	assert.Equal(t, all, paged)
}

func TestClicks_SummaryAndCommission(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	clk := clock.NewFake(t0)
	l := ledger.New(s, clk)

	in := clickInput()
	a, err := l.RecordClick(ctx, in)
	require.NoError(t, err)
	in.Platform = ledger.PlatformFlipkart
	_, err = l.RecordClick(ctx, in)
	require.NoError(t, err)

	clk.Advance(time.Hour)
	_, err = l.Convert(ctx, a.ID, dec("1000"), dec("5"))
	require.NoError(t, err)

	sum, err := l.Summarize(ctx, in.AffiliateID, t0)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.TotalClicks)
	assert.Equal(t, 1, sum.Conversions)
	assert.True(t, sum.TotalCommission.Equal(dec("50")))
	assert.Equal(t, 1, sum.ClicksByPlatform[ledger.PlatformAmazon])
	assert.Equal(t, 1, sum.ClicksByPlatform[ledger.PlatformFlipkart])

	total, count, err := s.ConvertedCommission(ctx, in.AffiliateID, t0, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.True(t, total.Equal(dec("50")))

	list, err := s.ListByAffiliate(ctx, in.AffiliateID, ledger.ClickFilter{Platform: ledger.PlatformFlipkart})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, ledger.PlatformFlipkart, list[0].Platform)
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func TestAccounts_CreateGetUpdate(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	a := account.Account{
		ID:             "acc-1",
		AffiliateID:    "aff_1",
		Email:          "a@example.com",
		Name:           "A",
		PasswordHash:   "hash",
		CommissionRate: dec("5"),
		CreatedAt:      t0,
		UpdatedAt:      t0,
	}
	require.NoError(t, s.CreateAccount(ctx, a))

	dup := a
	dup.ID, dup.AffiliateID = "acc-2", "aff_2"
	assert.ErrorIs(t, s.CreateAccount(ctx, dup), account.ErrEmailTaken)

	ok, err := s.UpdateCommissionRate(ctx, "aff_1", dec("7.5"), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetAccount(ctx, "aff_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.CommissionRate.Equal(dec("7.5")))
	assert.Equal(t, t0.Add(time.Hour), got.UpdatedAt)

	ok, err = s.UpdateCommissionRate(ctx, "aff_missing", dec("7.5"), t0)
	require.NoError(t, err)
	assert.False(t, ok)

	ids, err := s.ListAffiliateIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"aff_1"}, ids)
}

// =============================================================================
// TRENDING
// =============================================================================

func TestTrending_UpsertLeavesStaleRows(t *testing.T) {
	// GIVEN scores for p1 and p2
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertTrendingScores(ctx, []trending.Score{
		trending.FromActivity(ledger.ProductActivity{ProductID: "p1", ClickCount: 10, PurchaseCount: 1, TotalCommission: dec("10")}, t0),
		trending.FromActivity(ledger.ProductActivity{ProductID: "p2", ClickCount: 20, PurchaseCount: 2, TotalCommission: dec("10")}, t0),
	}))

	// WHEN a later pass only touches p1
	later := trending.FromActivity(ledger.ProductActivity{ProductID: "p1", ClickCount: 100, PurchaseCount: 50, TotalCommission: dec("100")}, t0.Add(time.Hour))
	require.NoError(t, s.UpsertTrendingScores(ctx, []trending.Score{later}))

	// THEN p2 survives and p1 now leads
	got, err := s.ListTrending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "p1", got[0].ProductID)
	assert.Equal(t, 100, got[0].ClickCount)
	assert.Equal(t, "p2", got[1].ProductID)

	top, err := s.ListTrending(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, top, 1)
}

// =============================================================================
// CATALOG AND WATCHES
// =============================================================================

func TestCatalog_SaveAndGetProduct(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	p := alerts.Product{ID: "p1", Title: "Phone", Offers: []alerts.Offer{
		{Platform: ledger.PlatformFlipkart, CurrentPrice: dec("999"), URL: "https://www.flipkart.com/p1"},
		{Platform: ledger.PlatformAmazon, CurrentPrice: dec("1099"), URL: "https://www.amazon.in/p1"},
	}}
	require.NoError(t, s.SaveProduct(ctx, p, t0))

	got, err := s.GetProduct(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.Offers, 2)
	assert.Equal(t, ledger.PlatformFlipkart, got.Offers[0].Platform)
	assert.True(t, got.Offers[0].CurrentPrice.Equal(dec("999")))

	// re-saving replaces the offers
	p.Offers = p.Offers[1:]
	require.NoError(t, s.SaveProduct(ctx, p, t0))
	got, err = s.GetProduct(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, got.Offers, 1)

	missing, err := s.GetProduct(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestWatches_RecordAlert(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	target := dec("900")
	require.NoError(t, s.SaveWatchTarget(ctx, alerts.WatchTarget{
		ID: "w1", UserID: "u1", Recipient: "u1@example.com", ProductID: "p1",
		Platform: ledger.PlatformAmazon, TargetPrice: &target, CurrentPrice: dec("1000"),
		NotifyOnDrop: true, AddedAt: t0,
	}))
	require.NoError(t, s.SaveWatchTarget(ctx, alerts.WatchTarget{
		ID: "w2", UserID: "u2", Recipient: "u2@example.com", ProductID: "p1",
		Platform: ledger.PlatformAmazon, CurrentPrice: dec("1000"), AddedAt: t0,
	}))

	active, err := s.ListActiveWatchTargets(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "w1", active[0].ID)
	require.NotNil(t, active[0].TargetPrice)
	assert.True(t, active[0].TargetPrice.Equal(target))

	require.NoError(t, s.RecordAlert(ctx, "w1", t0.Add(time.Hour), dec("850")))
	active, err = s.ListActiveWatchTargets(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, active[0].AlertsSent)
	assert.True(t, active[0].CurrentPrice.Equal(dec("850")))
	require.NotNil(t, active[0].LastAlertAt)
	assert.Equal(t, t0.Add(time.Hour), *active[0].LastAlertAt)

	assert.Error(t, s.RecordAlert(ctx, "missing", t0, dec("1")))
}

// =============================================================================
// EARNINGS AND RUNS
// =============================================================================

func TestEarnings_UpsertIsIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	e := rollup.MonthlyEarning{AffiliateID: "aff_1", Month: "2025-02", TotalCommission: dec("50"), Conversions: 1, ComputedAt: t0}
	require.NoError(t, s.UpsertMonthlyEarning(ctx, e))
	e.TotalCommission, e.Conversions = dec("75.5"), 2
	require.NoError(t, s.UpsertMonthlyEarning(ctx, e))

	got, err := s.ListMonthlyEarnings(ctx, "aff_1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].TotalCommission.Equal(dec("75.50")))
	assert.Equal(t, 2, got[0].Conversions)
}

func TestRuns_SaveTwiceAndList(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	run := scheduler.Run{ID: "r1", Job: "reap", Trigger: scheduler.TriggerManual, Status: scheduler.StateRunning, StartedAt: t0}
	require.NoError(t, s.SaveJobRun(ctx, run))

	finished := t0.Add(time.Second)
	run.Status, run.FinishedAt = scheduler.StateCompleted, &finished
	run.Result = batch.Result{Processed: 3, Succeeded: 2, Failed: 1}
	require.NoError(t, s.SaveJobRun(ctx, run))
	require.NoError(t, s.SaveJobRun(ctx, scheduler.Run{ID: "r2", Job: "alerts", Trigger: scheduler.TriggerSchedule, Status: scheduler.StateRunning, StartedAt: t0.Add(time.Minute)}))

	all, err := s.ListJobRuns(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "r2", all[0].ID)

	reap, err := s.ListJobRuns(ctx, "reap", 10)
	require.NoError(t, err)
	require.Len(t, reap, 1)
	assert.Equal(t, scheduler.StateCompleted, reap[0].Status)
	assert.Equal(t, 2, reap[0].Result.Succeeded)
	require.NotNil(t, reap[0].FinishedAt)
	assert.Equal(t, finished, *reap[0].FinishedAt)
}
