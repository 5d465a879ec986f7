/*
handlers.go - HTTP API handlers for the affiliate engine

PURPOSE:
  Exposes the click ledger, attribution, trending and job admin over REST.
  Handles HTTP request/response and JSON, and delegates to domain packages.

ENDPOINTS:
  Auth:
    POST   /auth/signup                 Create an affiliate account, returns a token
    POST   /auth/login                  Exchange email/password for a token
    GET    /auth/me                     Current account

  Affiliate:
    POST   /affiliate/generate-link     Record a click, return the tagged link
    POST   /affiliate/track-click       Attach device metadata, return redirect URL
    POST   /affiliate/mark-purchase     Attribute a purchase to a click
    GET    /affiliate/stats             Totals, conversion rate, this month's earnings
    GET    /affiliate/clicks            Recent clicks, filterable
    GET    /affiliate/earnings          Monthly rollups

  Deals:
    GET    /deals/trending              Stored trending scores, highest first
    POST   /deals/update-trending       Bulk-set trending scores

  Admin:
    PUT    /admin/affiliates/{affiliateId}/commission-rate
    GET    /admin/jobs                  Job states and next runs
    GET    /admin/jobs/runs             Persisted run history
    POST   /admin/jobs/{name}/run       Run a job now

REQUEST FLOW:
  1. Decode and validate the body (unknown fields rejected)
  2. Call the domain package
  3. Map the error taxonomy to a status, or serialize the response

ERROR HANDLING:
  - 400: ValidationError, ExpiredAttributionError
  - 401: missing/invalid token, bad credentials
  - 404: NotFoundError, unknown job
  - 409: AlreadyConvertedError, email taken, job already running
  - 500: anything else; logged, never echoed to the caller

SEE ALSO:
  - dto.go: request/response data structures
  - scenarios.go: demo scenario loaders
  - server.go: router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/pricewise/affiliate-engine/account"
	"github.com/pricewise/affiliate-engine/attribution"
	"github.com/pricewise/affiliate-engine/clock"
	"github.com/pricewise/affiliate-engine/ledger"
	"github.com/pricewise/affiliate-engine/rollup"
	"github.com/pricewise/affiliate-engine/scheduler"
	"github.com/pricewise/affiliate-engine/trending"
)

const (
	defaultTrendingLimit = 20
	maxTrendingLimit     = 100
	defaultClickLimit    = 50
	maxClickLimit        = 500
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps is everything the handlers call into.
type Deps struct {
	Ledger      *ledger.ClickLedger
	Attribution *attribution.Engine
	Accounts    *account.Service
	Earnings    rollup.Store
	Trending    *trending.Aggregator
	Scheduler   *scheduler.Service
	Scenarios   ScenarioStore
	Health      Pinger
	Auth        *Authenticator
	Tags        ledger.AffiliateTags
	Clock       clock.Clock
	Location    *time.Location
	Logger      zerolog.Logger
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	ledger      *ledger.ClickLedger
	attribution *attribution.Engine
	accounts    *account.Service
	earnings    rollup.Store
	trending    *trending.Aggregator
	scheduler   *scheduler.Service
	scenarios   ScenarioStore
	health      Pinger
	auth        *Authenticator
	tags        ledger.AffiliateTags
	clock       clock.Clock
	loc         *time.Location
	log         zerolog.Logger
	validate    *validator.Validate

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

func NewHandler(d Deps) *Handler {
	clk := d.Clock
	if clk == nil {
		clk = clock.System()
	}
	loc := d.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Handler{
		ledger:      d.Ledger,
		attribution: d.Attribution,
		accounts:    d.Accounts,
		earnings:    d.Earnings,
		trending:    d.Trending,
		scheduler:   d.Scheduler,
		scenarios:   d.Scenarios,
		health:      d.Health,
		auth:        d.Auth,
		tags:        d.Tags,
		clock:       clk,
		loc:         loc,
		log:         d.Logger.With().Str("component", "api").Logger(),
		validate:    ledger.NewValidator(),
	}
}

// bind decodes the body into dst and runs struct validation.
func (h *Handler) bind(w http.ResponseWriter, r *http.Request, dst any) error {
	if err := decodeJSON(w, r, dst); err != nil {
		return err
	}
	if err := h.validate.Struct(dst); err != nil {
		return ledger.FromValidatorError(err)
	}
	return nil
}

// Healthz reports liveness and store reachability.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Ping(r.Context()); err != nil {
			h.log.Error().Err(err).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// AUTH HANDLERS
// =============================================================================

// Signup creates an account and returns a token for it.
// POST /auth/signup
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := h.bind(w, r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	a, err := h.accounts.Register(r.Context(), account.NewAccountInput{
		Email:    req.Email,
		Name:     req.Name,
		Password: req.Password,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeToken(w, r, http.StatusCreated, a)
}

// Login exchanges credentials for a token.
// POST /auth/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := h.bind(w, r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	a, err := h.accounts.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeToken(w, r, http.StatusOK, a)
}

// Me returns the authenticated account.
// GET /auth/me
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	a, ok := h.currentAccount(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(a))
}

func (h *Handler) writeToken(w http.ResponseWriter, r *http.Request, status int, a *account.Account) {
	token, exp, err := h.auth.Issue(a.ID, a.AffiliateID, a.Email)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, status, AuthResponse{
		Token:     token,
		ExpiresAt: exp.Format(time.RFC3339),
		User:      toAccountDTO(a),
	})
}

// currentAccount loads the account behind the bearer token. It writes the
// error response itself and returns false when the caller should stop.
func (h *Handler) currentAccount(w http.ResponseWriter, r *http.Request) (*account.Account, bool) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, ErrTokenMissing.Error(), "unauthorized", nil)
		return nil, false
	}
	a, err := h.accounts.Get(r.Context(), p.AffiliateID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return nil, false
	}
	return a, true
}

// =============================================================================
// AFFILIATE HANDLERS
// =============================================================================

// GenerateLink records a click for the caller and returns the tagged link.
// POST /affiliate/generate-link
func (h *Handler) GenerateLink(w http.ResponseWriter, r *http.Request) {
	var req GenerateLinkRequest
	if err := h.bind(w, r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	a, ok := h.currentAccount(w, r)
	if !ok {
		return
	}
	p, _ := PrincipalFrom(r.Context())

	platform, err := ledger.ParsePlatform(req.Platform)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	source := req.SourceURL
	if source == "" {
		source = "unknown"
	}
	link := h.tags.AffiliateLink(platform, req.ProductURL)

	rec, err := h.ledger.RecordClick(r.Context(), ledger.ClickInput{
		AffiliateID: a.AffiliateID,
		UserID:      p.UserID,
		ProductID:   req.ProductID,
		Platform:    platform,
		SourceURL:   source,
		RedirectURL: link,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, GenerateLinkResponse{
		AffiliateLink: rec.RedirectURL,
		ClickID:       string(rec.ID),
		Platform:      string(rec.Platform),
		ProductID:     rec.ProductID,
		ExpiresAt:     rec.ExpiresAt.Format(time.RFC3339),
	})
}

// TrackClick attaches device metadata and returns where to redirect.
// POST /affiliate/track-click
func (h *Handler) TrackClick(w http.ResponseWriter, r *http.Request) {
	var req TrackClickRequest
	if err := h.bind(w, r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	ip := req.IPAddress
	if ip == "" {
		ip = remoteIP(r)
	}

	rec, err := h.ledger.Annotate(r.Context(), ledger.ClickID(req.ClickID), ledger.DeviceMetadata{
		Device:    ledger.DeviceClass(req.Device),
		UserAgent: req.UserAgent,
		IPAddress: ip,
		Referer:   req.Referer,
		Browser:   req.Browser,
		Country:   req.Country,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, TrackClickResponse{
		Message:     "Click tracked successfully",
		RedirectURL: rec.RedirectURL,
	})
}

// MarkPurchase attributes a purchase to a click.
// POST /affiliate/mark-purchase
func (h *Handler) MarkPurchase(w http.ResponseWriter, r *http.Request) {
	var req MarkPurchaseRequest
	if err := h.bind(w, r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	rec, err := h.attribution.Attribute(r.Context(), ledger.ClickID(req.ClickID), req.PurchaseAmount)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	h.log.Info().
		Str("event", "purchase_recorded").
		Str("click_id", string(rec.ID)).
		Str("affiliate_id", rec.AffiliateID).
		Str("purchase_amount", rec.PurchaseAmount.String()).
		Str("commission", rec.Commission.String()).
		Msg("purchase attributed")

	writeJSON(w, http.StatusOK, MarkPurchaseResponse{
		Message:        "Purchase recorded successfully",
		ClickID:        string(rec.ID),
		PurchaseAmount: rec.PurchaseAmount.StringFixed(2),
		Commission:     rec.Commission.StringFixed(2),
		CommissionRate: rec.CommissionRate.String(),
		PurchasedAt:    rec.PurchasedAt.Format(time.RFC3339),
	})
}

// GetStats returns the caller's totals.
// GET /affiliate/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	a, ok := h.currentAccount(w, r)
	if !ok {
		return
	}

	monthStart := rollup.MonthStart(h.clock.Now(), h.loc)
	sum, err := h.ledger.Summarize(r.Context(), a.AffiliateID, monthStart)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	byPlatform := make(map[string]int, len(sum.ClicksByPlatform))
	for p, n := range sum.ClicksByPlatform {
		byPlatform[string(p)] = n
	}

	writeJSON(w, http.StatusOK, StatsResponse{
		AffiliateID:         a.AffiliateID,
		TotalClicks:         sum.TotalClicks,
		SuccessfulPurchases: sum.Conversions,
		ConversionRate:      sum.ConversionRate().Shift(2).StringFixed(2) + "%",
		TotalRevenue:        sum.TotalCommission.StringFixed(2),
		ThisMonthEarnings:   sum.CommissionSince.StringFixed(2),
		ClicksByPlatform:    byPlatform,
		CommissionRate:      a.CommissionRate.String(),
	})
}

// ListClicks returns the caller's clicks, newest first.
// GET /affiliate/clicks?platform=&state=&from=&to=&limit=
func (h *Handler) ListClicks(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	q := r.URL.Query()

	f := ledger.ClickFilter{
		Platform: ledger.Platform(q.Get("platform")),
		State:    ledger.ClickState(q.Get("state")),
	}
	var err error
	if f.From, err = parseTimeParam(q.Get("from"), "from"); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if f.To, err = parseTimeParam(q.Get("to"), "to"); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if f.Limit, err = parseLimit(q.Get("limit"), defaultClickLimit, maxClickLimit); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	recs, err := h.ledger.ListByAffiliate(r.Context(), p.AffiliateID, f)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	dtos := make([]ClickDTO, len(recs))
	for i, c := range recs {
		dtos[i] = toClickDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListEarnings returns the caller's monthly rollups.
// GET /affiliate/earnings
func (h *Handler) ListEarnings(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())

	earnings, err := h.earnings.ListMonthlyEarnings(r.Context(), p.AffiliateID)
	if err != nil {
		h.writeDomainError(w, r, &ledger.InternalError{Op: "list monthly earnings", Err: err})
		return
	}

	dtos := make([]EarningDTO, len(earnings))
	for i, e := range earnings {
		dtos[i] = toEarningDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// DEALS HANDLERS
// =============================================================================

// GetTrending returns stored trending scores.
// GET /deals/trending?limit=
func (h *Handler) GetTrending(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"), defaultTrendingLimit, maxTrendingLimit)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	scores, err := h.trending.Top(r.Context(), limit)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	dtos := make([]TrendingDTO, len(scores))
	for i, s := range scores {
		dtos[i] = toTrendingDTO(s)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trending": dtos,
		"count":    len(dtos),
	})
}

// UpdateTrending bulk-sets scores for backfill and recovery.
// POST /deals/update-trending
func (h *Handler) UpdateTrending(w http.ResponseWriter, r *http.Request) {
	var req UpdateTrendingRequest
	if err := h.bind(w, r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	n, err := h.trending.SetScores(r.Context(), req.ProductIDs, req.Scores)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Trending products updated",
		"count":   n,
	})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// SetCommissionRate changes an affiliate's rate for future conversions.
// PUT /admin/affiliates/{affiliateId}/commission-rate
func (h *Handler) SetCommissionRate(w http.ResponseWriter, r *http.Request) {
	var req SetCommissionRateRequest
	if err := h.bind(w, r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	a, err := h.accounts.SetCommissionRate(r.Context(), chi.URLParam(r, "affiliateId"), req.CommissionRate)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(a))
}

// ListJobs returns the state of every scheduled job.
// GET /admin/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	statuses := h.scheduler.Statuses()
	dtos := make([]JobStatusDTO, len(statuses))
	for i, s := range statuses {
		dtos[i] = toJobStatusDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListJobRuns returns persisted run history.
// GET /admin/jobs/runs?job=&limit=
func (h *Handler) ListJobRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"), 50, 500)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	runs, err := h.scheduler.Runs(r.Context(), q.Get("job"), limit)
	if err != nil {
		h.writeDomainError(w, r, &ledger.InternalError{Op: "list job runs", Err: err})
		return
	}

	dtos := make([]JobRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toJobRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RunJob runs a job now and waits for it. A job that fails still returns
// 200 with its failed run; only a refused trigger is an HTTP error.
// POST /admin/jobs/{name}/run
func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	// The run outlives a disconnected client.
	run, err := h.scheduler.Trigger(context.WithoutCancel(r.Context()), name)
	if err != nil && run.ID == "" {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobRunDTO(run))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, code string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps the error taxonomy to an HTTP status. Anything
// unrecognized is logged and reported as a bare 500.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error(), "validation_error", nil)
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error(), "not_found", nil)
	case errors.Is(err, ledger.ErrExpiredAttribution):
		writeError(w, http.StatusBadRequest, "Click has expired. Commission window has passed.", "attribution_expired", err)
	case errors.Is(err, ledger.ErrAlreadyConverted):
		writeError(w, http.StatusConflict, err.Error(), "already_converted", nil)
	case errors.Is(err, account.ErrEmailTaken):
		writeError(w, http.StatusConflict, "Email already registered", "email_taken", nil)
	case errors.Is(err, account.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "Invalid email or password", "invalid_credentials", nil)
	case errors.Is(err, scheduler.ErrUnknownJob):
		writeError(w, http.StatusNotFound, err.Error(), "unknown_job", nil)
	case errors.Is(err, scheduler.ErrJobRunning):
		writeError(w, http.StatusConflict, err.Error(), "job_running", nil)
	case errors.Is(err, scheduler.ErrStopping):
		writeError(w, http.StatusServiceUnavailable, err.Error(), "scheduler_stopping", nil)
	default:
		h.log.Error().Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal server error", "internal_error", nil)
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func parseLimit(raw string, def, upper int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, &ledger.ValidationError{Field: "limit", Message: "must be a positive integer"}
	}
	if n > upper {
		n = upper
	}
	return n, nil
}

func parseTimeParam(raw, field string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, &ledger.ValidationError{Field: field, Message: "must be an RFC 3339 timestamp"}
	}
	return t, nil
}
