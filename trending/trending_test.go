package trending

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricewise/affiliate-engine/clock"
	"github.com/pricewise/affiliate-engine/ledger"
	"github.com/pricewise/affiliate-engine/ledger/store"
)

var t0 = time.Date(2025, 4, 7, 2, 0, 0, 0, time.UTC)

type staticActivity []ledger.ProductActivity

func (s staticActivity) ProductActivity(context.Context, time.Time, time.Time) ([]ledger.ProductActivity, error) {
	return s, nil
}

func act(id string, clicks, purchases int, commission string) ledger.ProductActivity {
	return ledger.ProductActivity{
		ProductID:       id,
		ClickCount:      clicks,
		PurchaseCount:   purchases,
		TotalCommission: decimal.RequireFromString(commission),
	}
}

func TestScore_WorkedExample(t *testing.T) {
	// GIVEN: 100 clicks, 10 conversions, 500 commission in the window
	ctx := context.Background()
	clk := clock.NewFake(t0)
	l := ledger.New(store.NewMemory(), clk)

	var ids []ledger.ClickID
	for i := range 100 {
		rec, err := l.RecordClick(ctx, ledger.ClickInput{
			AffiliateID: "aff_1_trend",
			UserID:      fmt.Sprintf("u%d", i),
			ProductID:   "hot-phone",
			Platform:    ledger.PlatformAmazon,
			SourceURL:   "unknown",
			RedirectURL: "https://www.amazon.in/dp/X",
		})
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}
	for _, id := range ids[:10] {
		_, err := l.Convert(ctx, id, decimal.NewFromInt(1000), decimal.NewFromInt(5))
		require.NoError(t, err)
	}

	clk.Advance(24 * time.Hour)
	mem := NewMemoryStore()
	agg := NewAggregator(l, mem, clk, DefaultWindow, DefaultTopN, zerolog.Nop())

	// WHEN
	res, err := agg.Recompute(ctx)
	require.NoError(t, err)

	// THEN: conversionRate 0.10 and score exactly 35.5
	require.Len(t, res.Written, 1)
	s := res.Written[0]
	assert.Equal(t, "0.1", s.ConversionRate.String())
	assert.True(t, s.Score.Equal(decimal.RequireFromString("35.5")), "score = %s", s.Score)
}

func TestConversionRate_ZeroClicks(t *testing.T) {
	assert.True(t, ConversionRate(0, 0).IsZero())
	s := FromActivity(act("p", 0, 0, "0"), t0)
	assert.True(t, s.Score.IsZero())
}

func TestScore_Monotonic(t *testing.T) {
	rate := decimal.RequireFromString("0.2")
	prev := Compute(0, rate, decimal.Zero)
	for clicks := 1; clicks <= 50; clicks++ {
		cur := Compute(clicks, rate, decimal.Zero)
		if cur.LessThan(prev) {
			t.Fatalf("score decreased at clicks=%d: %s < %s", clicks, cur, prev)
		}
		prev = cur
	}

	prev = Compute(10, rate, decimal.Zero)
	for c := int64(1); c <= 50; c++ {
		cur := Compute(10, rate, decimal.NewFromInt(c*7))
		if cur.LessThan(prev) {
			t.Fatalf("score decreased at commission=%d", c*7)
		}
		prev = cur
	}
}

func TestRank_TieBreaks(t *testing.T) {
	// GIVEN: equal scores, differing commission and ids
	scores := []Score{
		{ProductID: "b", Score: decimal.NewFromInt(10), TotalCommission: decimal.NewFromInt(1)},
		{ProductID: "c", Score: decimal.NewFromInt(10), TotalCommission: decimal.NewFromInt(5)},
		{ProductID: "a", Score: decimal.NewFromInt(10), TotalCommission: decimal.NewFromInt(1)},
		{ProductID: "z", Score: decimal.NewFromInt(11), TotalCommission: decimal.Zero},
	}

	Rank(scores)

	var order []string
	for _, s := range scores {
		order = append(order, s.ProductID)
	}
	assert.Equal(t, []string{"z", "c", "a", "b"}, order)
}

func TestRecompute_TopN(t *testing.T) {
	ctx := context.Background()
	src := staticActivity{
		act("p1", 10, 0, "0"),
		act("p2", 30, 0, "0"),
		act("p3", 20, 0, "0"),
	}
	mem := NewMemoryStore()
	agg := NewAggregator(src, mem, clock.NewFake(t0), DefaultWindow, 2, zerolog.Nop())

	res, err := agg.Recompute(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Considered)
	require.Len(t, res.Written, 2)
	assert.Equal(t, "p2", res.Written[0].ProductID)
	assert.Equal(t, "p3", res.Written[1].ProductID)
}

func TestRecompute_DroppedProductKeepsStaleScore(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	clk := clock.NewFake(t0)

	// GIVEN: week one, p1 is in the top 1
	week1 := NewAggregator(staticActivity{act("p1", 40, 0, "0"), act("p2", 10, 0, "0")}, mem, clk, DefaultWindow, 1, zerolog.Nop())
	_, err := week1.Recompute(ctx)
	require.NoError(t, err)

	// WHEN: week two, p2 overtakes and p1 falls out of the top 1
	clk.Advance(DefaultWindow)
	week2 := NewAggregator(staticActivity{act("p1", 1, 0, "0"), act("p2", 50, 0, "0")}, mem, clk, DefaultWindow, 1, zerolog.Nop())
	_, err = week2.Recompute(ctx)
	require.NoError(t, err)

	// THEN: p1 still carries its week-one score and timestamp
	all, err := mem.ListTrending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	byID := map[string]Score{}
	for _, s := range all {
		byID[s.ProductID] = s
	}
	assert.Equal(t, "12", byID["p1"].Score.String())
	assert.Equal(t, t0, byID["p1"].ComputedAt)
	assert.Equal(t, "15", byID["p2"].Score.String())
	assert.Equal(t, t0.Add(DefaultWindow), byID["p2"].ComputedAt)
}

func TestSetScores(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	agg := NewAggregator(staticActivity{}, mem, clock.NewFake(t0), 0, 0, zerolog.Nop())

	n, err := agg.SetScores(ctx, []string{"a", "b"}, []decimal.Decimal{decimal.NewFromInt(3), decimal.NewFromInt(9)})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	top, err := agg.Top(ctx, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "b", top[0].ProductID)

	_, err = agg.SetScores(ctx, []string{"a"}, nil)
	require.ErrorIs(t, err, ledger.ErrValidation)
}

func TestRun_CountsConsideredProducts(t *testing.T) {
	acts := staticActivity{act("a", 10, 1, "5"), act("b", 3, 0, "0"), act("c", 1, 0, "0")}
	agg := NewAggregator(acts, NewMemoryStore(), clock.NewFake(t0), DefaultWindow, 2, zerolog.Nop())

	res, err := agg.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 3, res.Succeeded)
	assert.Zero(t, res.Failed)
}
