package attribution

import (
	"context"
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

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

const affID = "aff_1748779200000_k3j9x0a1b"

type fixedRates map[string]decimal.Decimal

func (f fixedRates) CommissionRate(_ context.Context, id string) (decimal.Decimal, error) {
	r, ok := f[id]
	if !ok {
		return decimal.Zero, &ledger.NotFoundError{Kind: "account", ID: id}
	}
	return r, nil
}

type fixture struct {
	engine *Engine
	ledger *ledger.ClickLedger
	clock  *clock.Fake
	rates  fixedRates
}

func setup(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(t0)
	l := ledger.New(store.NewMemory(), clk)
	rates := fixedRates{affID: decimal.NewFromInt(5)}
	return &fixture{
		engine: NewEngine(l, rates, clk, zerolog.Nop()),
		ledger: l,
		clock:  clk,
		rates:  rates,
	}
}

func (f *fixture) click(t *testing.T) ledger.ClickID {
	t.Helper()
	rec, err := f.ledger.RecordClick(context.Background(), ledger.ClickInput{
		AffiliateID: affID,
		UserID:      "u1",
		ProductID:   "p1",
		Platform:    ledger.PlatformFlipkart,
		SourceURL:   "unknown",
		RedirectURL: "https://www.flipkart.com/p/itm1?affid=pw",
	})
	require.NoError(t, err)
	return rec.ID
}

func TestAttribute_EndToEnd(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	id := f.click(t)

	// GIVEN: purchase of 1000 ten days after the click at a 5% rate
	f.clock.Advance(10 * 24 * time.Hour)

	rec, err := f.engine.Attribute(ctx, id, decimal.NewFromInt(1000))
	require.NoError(t, err)
	assert.Equal(t, ledger.StateConverted, rec.State)
	assert.Equal(t, "50.00", rec.Commission.StringFixed(2))

	// WHEN: the same click is purchased again at T0+31d
	f.clock.Set(t0.Add(31 * 24 * time.Hour))
	_, err = f.engine.Attribute(ctx, id, decimal.NewFromInt(1000))

	// THEN: the duplicate guard fires first
	require.ErrorIs(t, err, ledger.ErrAlreadyConverted)
}

func TestAttribute_ExpiredUnreaped(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	id := f.click(t)

	f.clock.Set(t0.Add(31 * 24 * time.Hour))
	_, err := f.engine.Attribute(ctx, id, decimal.NewFromInt(1000))

	require.ErrorIs(t, err, ledger.ErrExpiredAttribution)
	rec, err := f.ledger.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateClicked, rec.State)
	assert.Nil(t, rec.Commission)
}

func TestAttribute_RateReadAtConversionTime(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	first := f.click(t)
	second := f.click(t)

	_, err := f.engine.Attribute(ctx, first, decimal.NewFromInt(1000))
	require.NoError(t, err)

	// WHEN: the account's rate changes between two conversions
	f.rates[affID] = decimal.NewFromInt(8)
	rec, err := f.engine.Attribute(ctx, second, decimal.NewFromInt(1000))
	require.NoError(t, err)

	// THEN: the new rate applies only to the later conversion
	assert.Equal(t, "80", rec.Commission.String())
	old, _ := f.ledger.Get(ctx, first)
	assert.Equal(t, "50", old.Commission.String())
	assert.Equal(t, "5", old.CommissionRate.String())
}

func TestAttribute_Errors(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	_, err := f.engine.Attribute(ctx, "missing", decimal.NewFromInt(10))
	require.ErrorIs(t, err, ledger.ErrNotFound)

	id := f.click(t)
	_, err = f.engine.Attribute(ctx, id, decimal.NewFromInt(-1))
	require.ErrorIs(t, err, ledger.ErrValidation)

	delete(f.rates, affID)
	_, err = f.engine.Attribute(ctx, id, decimal.NewFromInt(10))
	require.ErrorIs(t, err, ledger.ErrNotFound)
}
