/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	affiliate data. Each scenario registers accounts, lists products and
	replays click/purchase history through the ledger, so every seeded
	record went through the same validation and compare-and-set as live
	traffic.

AVAILABLE SCENARIOS:

	affiliate-basics:  one affiliate, two weeks of clicks, a few purchases
	trending-week:     three affiliates driving traffic to five products,
	                   trending recomputed after seeding
	price-watch:       products with offers and watch targets, some already
	                   below target so the next alert scan fires
	expiring-clicks:   clicks older than the attribution window, some of
	                   them converted, for the retention reaper

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Register accounts through the account factory
 3. Save products and offers
 4. Replay clicks and purchases with a seeding clock set in the past

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "trending-week"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.
	Demo accounts use the password "password123".

SEE ALSO:
  - handlers.go: handler context
  - cmd/server/main.go: -seed flag
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pricewise/affiliate-engine/account"
	"github.com/pricewise/affiliate-engine/alerts"
	"github.com/pricewise/affiliate-engine/clock"
	"github.com/pricewise/affiliate-engine/ledger"
)

// DemoPassword is the password of every scenario account.
const DemoPassword = "password123"

// ScenarioStore is the write surface the loaders need beyond the services.
type ScenarioStore interface {
	ledger.Store
	Reset(ctx context.Context) error
	SaveProduct(ctx context.Context, p alerts.Product, at time.Time) error
	SaveWatchTarget(ctx context.Context, w alerts.WatchTarget) error
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "affiliate-basics",
		Name:        "Affiliate Basics",
		Description: "One affiliate with two weeks of clicks and three purchases",
	},
	{
		ID:          "trending-week",
		Name:        "Trending Week",
		Description: "Three affiliates, five products, trending scores computed",
	},
	{
		ID:          "price-watch",
		Name:        "Price Watch",
		Description: "Watch targets with prices at and above target for the alert job",
	},
	{
		ID:          "expiring-clicks",
		Name:        "Expiring Clicks",
		Description: "Clicks past the attribution window, converted and not, for the reaper",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the database and loads a predefined scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := h.bind(w, r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	if err := h.LoadScenarioByID(r.Context(), req.ScenarioID); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// LoadScenarioByID is the loader behind the endpoint and the -seed flag.
func (h *Handler) LoadScenarioByID(ctx context.Context, id string) error {
	var load func(context.Context) error
	switch id {
	case "affiliate-basics":
		load = h.loadAffiliateBasicsScenario
	case "trending-week":
		load = h.loadTrendingWeekScenario
	case "price-watch":
		load = h.loadPriceWatchScenario
	case "expiring-clicks":
		load = h.loadExpiringClicksScenario
	default:
		return &ledger.ValidationError{Field: "scenario_id", Message: "unknown scenario " + id}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.scenarios.Reset(ctx); err != nil {
		return &ledger.InternalError{Op: "reset database", Err: err}
	}
	h.currentScenario = ""

	if err := load(ctx); err != nil {
		return fmt.Errorf("load scenario %s: %w", id, err)
	}

	h.currentScenario = id
	h.log.Info().Str("scenario", id).Msg("scenario loaded")
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

var demoProducts = []alerts.Product{
	{ID: "prod-phone-x1", Title: "Phone X1 128GB", Offers: []alerts.Offer{
		{Platform: ledger.PlatformAmazon, CurrentPrice: decimal.NewFromInt(24999), URL: "https://www.amazon.in/dp/B0PHONEX1"},
		{Platform: ledger.PlatformFlipkart, CurrentPrice: decimal.NewFromInt(24499), URL: "https://www.flipkart.com/phone-x1/p/itm001"},
	}},
	{ID: "prod-earbuds-pro", Title: "Earbuds Pro ANC", Offers: []alerts.Offer{
		{Platform: ledger.PlatformAmazon, CurrentPrice: decimal.NewFromInt(3999), URL: "https://www.amazon.in/dp/B0EARBUDS"},
	}},
	{ID: "prod-runner-shoe", Title: "Runner Shoe 2", Offers: []alerts.Offer{
		{Platform: ledger.PlatformMyntra, CurrentPrice: decimal.NewFromInt(2799), URL: "https://www.myntra.com/runner-shoe-2"},
		{Platform: ledger.PlatformAjio, CurrentPrice: decimal.NewFromInt(2899), URL: "https://www.ajio.com/runner-shoe-2"},
	}},
	{ID: "prod-air-fryer", Title: "Air Fryer 4L", Offers: []alerts.Offer{
		{Platform: ledger.PlatformFlipkart, CurrentPrice: decimal.NewFromInt(5499), URL: "https://www.flipkart.com/air-fryer/p/itm002"},
		{Platform: ledger.PlatformAmazon, CurrentPrice: decimal.NewFromInt(5699), URL: "https://www.amazon.in/dp/B0AIRFRY"},
	}},
	{ID: "prod-laptop-14", Title: "Laptop 14 Ultra", Offers: []alerts.Offer{
		{Platform: ledger.PlatformAmazon, CurrentPrice: decimal.NewFromInt(72990), URL: "https://www.amazon.in/dp/B0LAPTOP14"},
	}},
}

// clickPlan is one seeded click: when, what, and whether it bought.
type clickPlan struct {
	ago      time.Duration // click time before now
	product  int           // index into demoProducts
	offer    int           // index into the product's offers
	buyAfter time.Duration // zero means no purchase
	amount   int64
}

func (h *Handler) loadAffiliateBasicsScenario(ctx context.Context) error {
	if err := h.saveProducts(ctx, demoProducts); err != nil {
		return err
	}
	a, err := h.registerDemo(ctx, "Alice Kumar", "alice@example.com", nil)
	if err != nil {
		return err
	}

	var plan []clickPlan
	for day := 14; day >= 1; day-- {
		plan = append(plan, clickPlan{ago: time.Duration(day)*24*time.Hour + 3*time.Hour, product: day % 4, offer: 0})
	}
	plan[2].buyAfter, plan[2].amount = 26*time.Hour, 24999
	plan[7].buyAfter, plan[7].amount = 2*time.Hour, 3999
	plan[11].buyAfter, plan[11].amount = 30*time.Minute, 2799
	return h.replay(ctx, a, plan)
}

func (h *Handler) loadTrendingWeekScenario(ctx context.Context) error {
	if err := h.saveProducts(ctx, demoProducts); err != nil {
		return err
	}

	rate7 := decimal.NewFromInt(7)
	owners := []struct {
		name, email string
		rate        *decimal.Decimal
	}{
		{"Alice Kumar", "alice@example.com", nil},
		{"Bala Iyer", "bala@example.com", &rate7},
		{"Chitra Rao", "chitra@example.com", nil},
	}

	for i, o := range owners {
		a, err := h.registerDemo(ctx, o.name, o.email, o.rate)
		if err != nil {
			return err
		}
		var plan []clickPlan
		for n := 0; n < 12+4*i; n++ {
			p := clickPlan{
				ago:     time.Duration(n*11+i*5+1) * time.Hour,
				product: (n + i) % len(demoProducts),
			}
			if n%4 == 0 {
				p.buyAfter = 45 * time.Minute
				p.amount = demoProducts[p.product].Offers[0].CurrentPrice.IntPart()
			}
			plan = append(plan, p)
		}
		if err := h.replay(ctx, a, plan); err != nil {
			return err
		}
	}

	res, err := h.trending.Recompute(ctx)
	if err != nil {
		return err
	}
	h.log.Info().Int("written", len(res.Written)).Msg("trending recomputed for scenario")
	return nil
}

func (h *Handler) loadPriceWatchScenario(ctx context.Context) error {
	if err := h.saveProducts(ctx, demoProducts); err != nil {
		return err
	}
	a, err := h.registerDemo(ctx, "Alice Kumar", "alice@example.com", nil)
	if err != nil {
		return err
	}

	now := h.clock.Now()
	price := func(v int64) *decimal.Decimal {
		d := decimal.NewFromInt(v)
		return &d
	}
	watches := []alerts.WatchTarget{
		// Target already met on Flipkart
		{ID: "watch-phone", ProductID: "prod-phone-x1", Platform: ledger.PlatformFlipkart,
			TargetPrice: price(24999), CurrentPrice: decimal.NewFromInt(26999), NotifyOnDrop: true},
		// No explicit target: defaults to 90% of the first listed price
		{ID: "watch-earbuds", ProductID: "prod-earbuds-pro", Platform: ledger.PlatformAmazon,
			CurrentPrice: decimal.NewFromInt(3999), NotifyOnDrop: true},
		// Platform not listed for this product: skipped by the scan
		{ID: "watch-laptop-flipkart", ProductID: "prod-laptop-14", Platform: ledger.PlatformFlipkart,
			TargetPrice: price(70000), CurrentPrice: decimal.NewFromInt(72990), NotifyOnDrop: true},
		// Notifications turned off
		{ID: "watch-fryer-muted", ProductID: "prod-air-fryer", Platform: ledger.PlatformFlipkart,
			TargetPrice: price(6000), CurrentPrice: decimal.NewFromInt(5999), NotifyOnDrop: false},
	}
	for i := range watches {
		watches[i].UserID = a.ID
		watches[i].Recipient = a.Email
		watches[i].AddedAt = now.Add(-time.Duration(len(watches)-i) * time.Hour)
		if err := h.scenarios.SaveWatchTarget(ctx, watches[i]); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadExpiringClicksScenario(ctx context.Context) error {
	if err := h.saveProducts(ctx, demoProducts); err != nil {
		return err
	}
	a, err := h.registerDemo(ctx, "Alice Kumar", "alice@example.com", nil)
	if err != nil {
		return err
	}

	window := h.ledger.Window()
	plan := []clickPlan{
		{ago: window + 10*24*time.Hour, product: 0},
		{ago: window + 5*24*time.Hour, product: 1},
		{ago: window + 2*24*time.Hour, product: 2, buyAfter: 24 * time.Hour, amount: 2799},
		{ago: window + time.Hour, product: 3},
		{ago: window - 24*time.Hour, product: 4},
		{ago: 24 * time.Hour, product: 0, buyAfter: time.Hour, amount: 24999},
	}
	return h.replay(ctx, a, plan)
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) saveProducts(ctx context.Context, products []alerts.Product) error {
	now := h.clock.Now()
	for _, p := range products {
		if err := h.scenarios.SaveProduct(ctx, p, now); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) registerDemo(ctx context.Context, name, email string, rate *decimal.Decimal) (*account.Account, error) {
	return h.accounts.Register(ctx, account.NewAccountInput{
		Email:          email,
		Name:           name,
		Password:       DemoPassword,
		CommissionRate: rate,
	})
}

// replay records each planned click and purchase through a ledger whose
// clock is moved to the planned moment, then converts with the account's
// current rate.
func (h *Handler) replay(ctx context.Context, a *account.Account, plan []clickPlan) error {
	now := h.clock.Now()
	seedClock := clock.NewFake(now)
	seed := ledger.New(h.scenarios, seedClock, ledger.WithAttributionWindow(h.ledger.Window()))

	for _, p := range plan {
		product := demoProducts[p.product]
		offer := product.Offers[p.offer%len(product.Offers)]

		seedClock.Set(now.Add(-p.ago))
		rec, err := seed.RecordClick(ctx, ledger.ClickInput{
			AffiliateID: a.AffiliateID,
			UserID:      a.ID,
			ProductID:   product.ID,
			Platform:    offer.Platform,
			SourceURL:   "https://pricewise.example/deals",
			RedirectURL: h.tags.AffiliateLink(offer.Platform, offer.URL),
		})
		if err != nil {
			return err
		}
		if p.buyAfter == 0 {
			continue
		}
		seedClock.Set(now.Add(-p.ago + p.buyAfter))
		if _, err := seed.Convert(ctx, rec.ID, decimal.NewFromInt(p.amount), a.CommissionRate); err != nil {
			return err
		}
	}
	return nil
}
