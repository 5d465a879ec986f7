package ledger_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricewise/affiliate-engine/clock"
	"github.com/pricewise/affiliate-engine/ledger"
	"github.com/pricewise/affiliate-engine/ledger/store"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func newLedger(t *testing.T) (*ledger.ClickLedger, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(t0)
	return ledger.New(store.NewMemory(), clk), clk
}

func validClick() ledger.ClickInput {
	return ledger.ClickInput{
		AffiliateID: "aff_1700000000000_abc123xyz",
		UserID:      "user-1",
		ProductID:   "prod-1",
		Platform:    ledger.PlatformAmazon,
		SourceURL:   "https://pricewise.example/deals",
		RedirectURL: "https://www.amazon.in/dp/B0TEST?tag=pw-21",
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// =============================================================================
// RECORD
// =============================================================================

func TestRecordClick_SetsFixedExpiry(t *testing.T) {
	l, _ := newLedger(t)

	rec, err := l.RecordClick(context.Background(), validClick())
	require.NoError(t, err)

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, ledger.StateClicked, rec.State)
	assert.Equal(t, t0, rec.ClickedAt)
	assert.Equal(t, t0.Add(30*24*time.Hour), rec.ExpiresAt)
	assert.Nil(t, rec.Commission)
	assert.Nil(t, rec.PurchaseAmount)
}

func TestRecordClick_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ledger.ClickInput)
		field  string
	}{
		{"unsupported platform", func(in *ledger.ClickInput) { in.Platform = "ebay" }, "Platform"},
		{"malformed affiliate id", func(in *ledger.ClickInput) { in.AffiliateID = "not-an-affiliate" }, "AffiliateID"},
		{"empty user", func(in *ledger.ClickInput) { in.UserID = "" }, "UserID"},
		{"user with space", func(in *ledger.ClickInput) { in.UserID = "a b" }, "UserID"},
		{"user with tab", func(in *ledger.ClickInput) { in.UserID = "a\tb" }, "UserID"},
		{"user too long", func(in *ledger.ClickInput) { in.UserID = strings.Repeat("u", 65) }, "UserID"},
		{"empty product", func(in *ledger.ClickInput) { in.ProductID = "" }, "ProductID"},
		{"redirect not a url", func(in *ledger.ClickInput) { in.RedirectURL = "nope" }, "RedirectURL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := newLedger(t)
			in := validClick()
			tt.mutate(&in)

			_, err := l.RecordClick(context.Background(), in)

			require.ErrorIs(t, err, ledger.ErrValidation)
			var ve *ledger.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestRecordClick_AcceptsUserIDs(t *testing.T) {
	ids := []string{
		"u0",
		"user-2",
		"max",
		"0b7c2e4a-2f10-4d2b-9a20-020c3f5e7d01",
		strings.Repeat("9", 64),
	}
	for _, id := range ids {
		t.Run(id, func(t *testing.T) {
			l, _ := newLedger(t)
			in := validClick()
			in.UserID = id

			rec, err := l.RecordClick(context.Background(), in)

			require.NoError(t, err)
			assert.Equal(t, id, rec.UserID)
		})
	}
}

// =============================================================================
// ANNOTATE
// =============================================================================

func TestAnnotate_TransitionsAndMerges(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	rec, err := l.RecordClick(ctx, validClick())
	require.NoError(t, err)

	// WHEN: annotating twice with partial metadata
	_, err = l.Annotate(ctx, rec.ID, ledger.DeviceMetadata{Device: ledger.DeviceMobile, UserAgent: "UA/1"})
	require.NoError(t, err)
	got, err := l.Annotate(ctx, rec.ID, ledger.DeviceMetadata{IPAddress: "10.0.0.1"})
	require.NoError(t, err)

	// THEN: state is tracked and both annotations survive
	assert.Equal(t, ledger.StateTracked, got.State)
	assert.Equal(t, ledger.DeviceMobile, got.Device.Device)
	assert.Equal(t, "UA/1", got.Device.UserAgent)
	assert.Equal(t, "10.0.0.1", got.Device.IPAddress)
	assert.Equal(t, rec.ExpiresAt, got.ExpiresAt)
}

func TestAnnotate_UnknownClick(t *testing.T) {
	l, _ := newLedger(t)
	_, err := l.Annotate(context.Background(), "missing", ledger.DeviceMetadata{})
	require.ErrorIs(t, err, ledger.ErrNotFound)
	assert.True(t, ledger.IsNotFound(err))
	assert.True(t, ledger.IsClientError(err))
}

func TestAnnotate_ConvertedKeepsState(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	rec, _ := l.RecordClick(ctx, validClick())
	_, err := l.Convert(ctx, rec.ID, dec("100"), dec("5"))
	require.NoError(t, err)

	got, err := l.Annotate(ctx, rec.ID, ledger.DeviceMetadata{Country: "IN"})
	require.NoError(t, err)
	assert.Equal(t, ledger.StateConverted, got.State)
	assert.Equal(t, "IN", got.Device.Country)
}

func TestAnnotate_RejectsUnknownDevice(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	rec, _ := l.RecordClick(ctx, validClick())
	_, err := l.Annotate(ctx, rec.ID, ledger.DeviceMetadata{Device: "fridge"})
	require.ErrorIs(t, err, ledger.ErrValidation)
}

// =============================================================================
// CONVERT
// =============================================================================

func TestConvert_WithinWindow(t *testing.T) {
	ctx := context.Background()
	l, clk := newLedger(t)
	rec, _ := l.RecordClick(ctx, validClick())

	// GIVEN: a purchase of 1000 at 5%, ten days after the click
	clk.Advance(10 * 24 * time.Hour)

	got, err := l.Convert(ctx, rec.ID, dec("1000"), dec("5"))
	require.NoError(t, err)

	// THEN: commission is 50.00 and every outcome field is set together
	assert.Equal(t, ledger.StateConverted, got.State)
	require.NotNil(t, got.Commission)
	assert.True(t, got.Commission.Equal(dec("50.00")), "commission = %s", got.Commission)
	assert.True(t, got.PurchaseAmount.Equal(dec("1000")))
	assert.True(t, got.CommissionRate.Equal(dec("5")))
	assert.Equal(t, t0.Add(10*24*time.Hour), *got.PurchasedAt)
}

func TestConvert_AfterWindowLeavesRecordUntouched(t *testing.T) {
	ctx := context.Background()
	l, clk := newLedger(t)
	rec, _ := l.RecordClick(ctx, validClick())
	_, err := l.Annotate(ctx, rec.ID, ledger.DeviceMetadata{Device: ledger.DeviceDesktop})
	require.NoError(t, err)

	clk.Advance(31 * 24 * time.Hour)

	_, err = l.Convert(ctx, rec.ID, dec("1000"), dec("5"))
	require.ErrorIs(t, err, ledger.ErrExpiredAttribution)

	got, err := l.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateTracked, got.State)
	assert.Nil(t, got.Commission)
	assert.Nil(t, got.PurchasedAt)
}

func TestConvert_ExactlyAtExpiryIsAllowed(t *testing.T) {
	ctx := context.Background()
	l, clk := newLedger(t)
	rec, _ := l.RecordClick(ctx, validClick())

	clk.Set(rec.ExpiresAt)
	_, err := l.Convert(ctx, rec.ID, dec("10"), dec("5"))
	require.NoError(t, err)
}

func TestConvert_Twice(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	rec, _ := l.RecordClick(ctx, validClick())

	_, err := l.Convert(ctx, rec.ID, dec("1000"), dec("5"))
	require.NoError(t, err)

	_, err = l.Convert(ctx, rec.ID, dec("9999"), dec("10"))
	require.ErrorIs(t, err, ledger.ErrAlreadyConverted)

	got, _ := l.Get(ctx, rec.ID)
	assert.True(t, got.Commission.Equal(dec("50")), "second convert must not change commission")
	assert.True(t, got.PurchaseAmount.Equal(dec("1000")))
}

func TestConvert_ConcurrentExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	rec, _ := l.RecordClick(ctx, validClick())

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = l.Convert(ctx, rec.ID, dec("200"), dec("5"))
		}()
	}
	wg.Wait()

	wins, dupes := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ledger.ErrAlreadyConverted):
			dupes++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, dupes)
}

func TestConvert_RoundsHalfUp(t *testing.T) {
	tests := []struct {
		amount, rate, want string
	}{
		{"1000", "5", "50.00"},
		{"10.10", "5", "0.51"},   // 0.505
		{"0.10", "5", "0.01"},    // 0.005
		{"99.99", "2.5", "2.50"}, // 2.49975
		{"123.45", "0", "0.00"},
	}
	for _, tt := range tests {
		got := ledger.Commission(dec(tt.amount), dec(tt.rate))
		if !got.Equal(dec(tt.want)) {
			t.Fatalf("Commission(%s, %s) = %s, want %s", tt.amount, tt.rate, got, tt.want)
		}
	}
}

func TestConvert_InvalidAmount(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	rec, _ := l.RecordClick(ctx, validClick())

	for _, amt := range []string{"0", "-5", "10.001"} {
		_, err := l.Convert(ctx, rec.ID, dec(amt), dec("5"))
		require.ErrorIs(t, err, ledger.ErrValidation, "amount %s", amt)
	}
	_, err := l.Convert(ctx, rec.ID, dec("10"), dec("101"))
	require.ErrorIs(t, err, ledger.ErrValidation)
}

func TestConvert_UnknownClick(t *testing.T) {
	l, _ := newLedger(t)
	_, err := l.Convert(context.Background(), "nope", dec("10"), dec("5"))
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

// =============================================================================
// EXPIRE
// =============================================================================

func TestExpireBatch_KeepsConverted(t *testing.T) {
	ctx := context.Background()
	l, clk := newLedger(t)

	converted, _ := l.RecordClick(ctx, validClick())
	_, err := l.Convert(ctx, converted.ID, dec("100"), dec("5"))
	require.NoError(t, err)
	stale, _ := l.RecordClick(ctx, validClick())
	tracked, _ := l.RecordClick(ctx, validClick())
	_, _ = l.Annotate(ctx, tracked.ID, ledger.DeviceMetadata{Device: ledger.DeviceTablet})

	clk.Advance(5 * 24 * time.Hour)
	fresh, _ := l.RecordClick(ctx, validClick())

	// WHEN: reaping 32 days after the first clicks
	clk.Set(t0.Add(32 * 24 * time.Hour))
	res, err := l.ExpireBatch(ctx, clk.Now(), true)
	require.NoError(t, err)

	// THEN: both expired unconverted clicks are gone, the rest remain
	assert.Equal(t, ledger.ExpireResult{Processed: 2, Deleted: 2}, res)
	for _, id := range []ledger.ClickID{stale.ID, tracked.ID} {
		_, err := l.Get(ctx, id)
		require.ErrorIs(t, err, ledger.ErrNotFound)
	}
	for _, id := range []ledger.ClickID{converted.ID, fresh.ID} {
		_, err := l.Get(ctx, id)
		require.NoError(t, err)
	}
}

func TestExpireBatch_RejectsConvertedReaping(t *testing.T) {
	l, _ := newLedger(t)
	_, err := l.ExpireBatch(context.Background(), t0, false)
	require.ErrorIs(t, err, ledger.ErrValidation)
}

// stuckDeletes fails every delete except the one for healthy.
type stuckDeletes struct {
	*store.Memory
	healthy ledger.ClickID
}

func (s *stuckDeletes) DeleteExpiredClick(ctx context.Context, id ledger.ClickID, olderThan time.Time) (bool, error) {
	if id != s.healthy {
		return false, errors.New("row locked")
	}
	return s.Memory.DeleteExpiredClick(ctx, id, olderThan)
}

func TestExpireBatch_FailedPageDoesNotHideLaterRows(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(t0)
	st := &stuckDeletes{Memory: store.NewMemory()}
	l := ledger.New(st, clk)

	// GIVEN: more expired clicks than one page, only the last id deletable
	var last ledger.ClickID
	for range 600 {
		rec, err := l.RecordClick(ctx, validClick())
		require.NoError(t, err)
		if rec.ID > last {
			last = rec.ID
		}
	}
	st.healthy = last
	clk.Advance(31 * 24 * time.Hour)

	// WHEN
	res, err := l.ExpireBatch(ctx, clk.Now(), true)

	// THEN: every row is attempted and the healthy one is gone
	require.NoError(t, err)
	assert.Equal(t, ledger.ExpireResult{Processed: 600, Deleted: 1, Failed: 599}, res)
	_, err = l.Get(ctx, last)
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

// =============================================================================
// READS
// =============================================================================

func TestSummarize(t *testing.T) {
	ctx := context.Background()
	l, clk := newLedger(t)

	in := validClick()
	a, _ := l.RecordClick(ctx, in)
	in.Platform = ledger.PlatformFlipkart
	b, _ := l.RecordClick(ctx, in)
	_, _ = l.RecordClick(ctx, in)

	_, err := l.Convert(ctx, a.ID, dec("1000"), dec("5"))
	require.NoError(t, err)
	clk.Advance(48 * time.Hour)
	_, err = l.Convert(ctx, b.ID, dec("200"), dec("5"))
	require.NoError(t, err)

	s, err := l.Summarize(ctx, in.AffiliateID, t0.Add(24*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, 3, s.TotalClicks)
	assert.Equal(t, 2, s.Conversions)
	assert.True(t, s.TotalCommission.Equal(dec("60")))
	assert.True(t, s.CommissionSince.Equal(dec("10")))
	assert.Equal(t, map[ledger.Platform]int{ledger.PlatformAmazon: 1, ledger.PlatformFlipkart: 2}, s.ClicksByPlatform)
	assert.Equal(t, "0.667", s.ConversionRate().StringFixed(3))
}

func TestSummarize_NoClicks(t *testing.T) {
	l, _ := newLedger(t)
	s, err := l.Summarize(context.Background(), "aff_nobody", t0)
	require.NoError(t, err)
	assert.True(t, s.ConversionRate().IsZero())
}

func TestListByAffiliate_Filters(t *testing.T) {
	ctx := context.Background()
	l, clk := newLedger(t)

	in := validClick()
	_, _ = l.RecordClick(ctx, in)
	clk.Advance(time.Hour)
	in.Platform = ledger.PlatformMyntra
	m, _ := l.RecordClick(ctx, in)

	all, err := l.ListByAffiliate(ctx, in.AffiliateID, ledger.ClickFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, m.ID, all[0].ID, "newest first")

	onlyMyntra, err := l.ListByAffiliate(ctx, in.AffiliateID, ledger.ClickFilter{Platform: ledger.PlatformMyntra})
	require.NoError(t, err)
	require.Len(t, onlyMyntra, 1)

	_, err = l.ListByAffiliate(ctx, in.AffiliateID, ledger.ClickFilter{Platform: "ebay"})
	require.ErrorIs(t, err, ledger.ErrValidation)
}

// =============================================================================
// STORE FAILURES
// =============================================================================

type failingStore struct {
	ledger.Store
}

func (failingStore) GetClick(context.Context, ledger.ClickID) (*ledger.ClickRecord, error) {
	return nil, errors.New("disk on fire")
}

func TestGet_StoreErrorIsInternal(t *testing.T) {
	l := ledger.New(failingStore{Store: store.NewMemory()}, clock.NewFake(t0))

	_, err := l.Get(context.Background(), "abc")

	require.ErrorIs(t, err, ledger.ErrInternal)
	assert.False(t, ledger.IsClientError(err))
	var ie *ledger.InternalError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, ledger.ClickID("abc"), ie.ClickID)
}
