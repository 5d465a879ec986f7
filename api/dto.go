/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model from the external API contract.

NAMING CONVENTION:
  - *Request:  request body types from clients
  - *Response: response wrappers
  - *DTO:      records embedded in responses

VALIDATION:
  Request bodies are decoded strictly: unknown fields are rejected, and
  struct tags are checked with the ledger validator (which knows the
  platform and device tags). Money travels as decimal strings.

SEE ALSO:
  - handlers.go: uses these types
  - ledger/validate.go: custom validation tags
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pricewise/affiliate-engine/account"
	"github.com/pricewise/affiliate-engine/ledger"
	"github.com/pricewise/affiliate-engine/rollup"
	"github.com/pricewise/affiliate-engine/scheduler"
	"github.com/pricewise/affiliate-engine/trending"
)

const maxBodyBytes = 1 << 20

// =============================================================================
// AUTH
// =============================================================================

type SignupRequest struct {
	Name     string `json:"name" validate:"required,max=100"`
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type AuthResponse struct {
	Token     string     `json:"token"`
	ExpiresAt string     `json:"expiresAt"`
	User      AccountDTO `json:"user"`
}

type AccountDTO struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Email          string `json:"email"`
	AffiliateID    string `json:"affiliateId"`
	CommissionRate string `json:"commissionRate"`
	CreatedAt      string `json:"createdAt"`
}

func toAccountDTO(a *account.Account) AccountDTO {
	return AccountDTO{
		ID:             a.ID,
		Name:           a.Name,
		Email:          a.Email,
		AffiliateID:    a.AffiliateID,
		CommissionRate: a.CommissionRate.String(),
		CreatedAt:      a.CreatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// AFFILIATE
// =============================================================================

type GenerateLinkRequest struct {
	ProductID  string `json:"productId" validate:"required,max=128,printascii"`
	Platform   string `json:"platform" validate:"required,platform"`
	ProductURL string `json:"productUrl" validate:"required,url,max=2048"`
	SourceURL  string `json:"sourceUrl,omitempty" validate:"omitempty,max=2048"`
}

type GenerateLinkResponse struct {
	AffiliateLink string `json:"affiliateLink"`
	ClickID       string `json:"clickId"`
	Platform      string `json:"platform"`
	ProductID     string `json:"productId"`
	ExpiresAt     string `json:"expiresAt"`
}

type TrackClickRequest struct {
	ClickID   string `json:"clickId" validate:"required,max=64"`
	UserAgent string `json:"userAgent,omitempty" validate:"omitempty,max=1024"`
	IPAddress string `json:"ipAddress,omitempty" validate:"omitempty,ip"`
	Device    string `json:"device,omitempty" validate:"omitempty,device"`
	Referer   string `json:"referer,omitempty" validate:"omitempty,max=2048"`
	Browser   string `json:"browser,omitempty" validate:"omitempty,max=128"`
	Country   string `json:"country,omitempty" validate:"omitempty,max=64"`
}

type TrackClickResponse struct {
	Message     string `json:"message"`
	RedirectURL string `json:"redirectUrl"`
}

// MarkPurchaseRequest accepts purchaseAmount as a JSON number or string.
type MarkPurchaseRequest struct {
	ClickID        string          `json:"clickId" validate:"required,max=64"`
	PurchaseAmount decimal.Decimal `json:"purchaseAmount"`
}

type MarkPurchaseResponse struct {
	Message        string `json:"message"`
	ClickID        string `json:"clickId"`
	PurchaseAmount string `json:"purchaseAmount"`
	Commission     string `json:"commission"`
	CommissionRate string `json:"commissionRate"`
	PurchasedAt    string `json:"purchasedAt"`
}

type StatsResponse struct {
	AffiliateID         string         `json:"affiliateId"`
	TotalClicks         int            `json:"totalClicks"`
	SuccessfulPurchases int            `json:"successfulPurchases"`
	ConversionRate      string         `json:"conversionRate"`
	TotalRevenue        string         `json:"totalRevenue"`
	ThisMonthEarnings   string         `json:"thisMonthEarnings"`
	ClicksByPlatform    map[string]int `json:"clicksByPlatform"`
	CommissionRate      string         `json:"commissionRate"`
}

type ClickDTO struct {
	ID             string  `json:"id"`
	ProductID      string  `json:"productId"`
	Platform       string  `json:"platform"`
	State          string  `json:"state"`
	RedirectURL    string  `json:"redirectUrl"`
	ClickedAt      string  `json:"clickedAt"`
	ExpiresAt      string  `json:"expiresAt"`
	Device         string  `json:"device,omitempty"`
	PurchaseAmount *string `json:"purchaseAmount,omitempty"`
	Commission     *string `json:"commission,omitempty"`
	PurchasedAt    *string `json:"purchasedAt,omitempty"`
}

func toClickDTO(c ledger.ClickRecord) ClickDTO {
	dto := ClickDTO{
		ID:          string(c.ID),
		ProductID:   c.ProductID,
		Platform:    string(c.Platform),
		State:       string(c.State),
		RedirectURL: c.RedirectURL,
		ClickedAt:   c.ClickedAt.Format(time.RFC3339),
		ExpiresAt:   c.ExpiresAt.Format(time.RFC3339),
		Device:      string(c.Device.Device),
	}
	if c.PurchaseAmount != nil {
		dto.PurchaseAmount = strPtr(c.PurchaseAmount.StringFixed(2))
	}
	if c.Commission != nil {
		dto.Commission = strPtr(c.Commission.StringFixed(2))
	}
	if c.PurchasedAt != nil {
		dto.PurchasedAt = strPtr(c.PurchasedAt.Format(time.RFC3339))
	}
	return dto
}

type EarningDTO struct {
	Month           string `json:"month"`
	TotalCommission string `json:"totalCommission"`
	Conversions     int    `json:"conversions"`
	ComputedAt      string `json:"computedAt"`
}

func toEarningDTO(e rollup.MonthlyEarning) EarningDTO {
	return EarningDTO{
		Month:           e.Month,
		TotalCommission: e.TotalCommission.StringFixed(2),
		Conversions:     e.Conversions,
		ComputedAt:      e.ComputedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// DEALS
// =============================================================================

// UpdateTrendingRequest carries parallel slices: scores[i] belongs to productIds[i].
type UpdateTrendingRequest struct {
	ProductIDs []string          `json:"productIds" validate:"required,max=1000,dive,required,max=128"`
	Scores     []decimal.Decimal `json:"scores" validate:"required,max=1000"`
}

type TrendingDTO struct {
	ProductID       string `json:"productId"`
	Score           string `json:"score"`
	ClickCount      int    `json:"clickCount"`
	PurchaseCount   int    `json:"purchaseCount"`
	ConversionRate  string `json:"conversionRate"`
	TotalCommission string `json:"totalCommission"`
	ComputedAt      string `json:"computedAt"`
}

func toTrendingDTO(s trending.Score) TrendingDTO {
	return TrendingDTO{
		ProductID:       s.ProductID,
		Score:           s.Score.String(),
		ClickCount:      s.ClickCount,
		PurchaseCount:   s.PurchaseCount,
		ConversionRate:  s.ConversionRate.String(),
		TotalCommission: s.TotalCommission.StringFixed(2),
		ComputedAt:      s.ComputedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// ADMIN
// =============================================================================

type SetCommissionRateRequest struct {
	CommissionRate decimal.Decimal `json:"commissionRate"`
}

type JobRunDTO struct {
	ID         string  `json:"id"`
	Job        string  `json:"job"`
	Trigger    string  `json:"trigger"`
	Status     string  `json:"status"`
	StartedAt  string  `json:"startedAt"`
	FinishedAt *string `json:"finishedAt,omitempty"`
	Processed  int     `json:"processed"`
	Succeeded  int     `json:"succeeded"`
	Failed     int     `json:"failed"`
	Error      string  `json:"error,omitempty"`
}

func toJobRunDTO(r scheduler.Run) JobRunDTO {
	dto := JobRunDTO{
		ID:        r.ID,
		Job:       r.Job,
		Trigger:   r.Trigger,
		Status:    string(r.Status),
		StartedAt: r.StartedAt.Format(time.RFC3339),
		Processed: r.Result.Processed,
		Succeeded: r.Result.Succeeded,
		Failed:    r.Result.Failed,
		Error:     r.Error,
	}
	if r.FinishedAt != nil {
		dto.FinishedAt = strPtr(r.FinishedAt.Format(time.RFC3339))
	}
	return dto
}

type JobStatusDTO struct {
	Name        string     `json:"name"`
	Schedule    string     `json:"schedule"`
	State       string     `json:"state"`
	LastOutcome string     `json:"lastOutcome,omitempty"`
	Skipped     int        `json:"skipped"`
	NextRun     *string    `json:"nextRun,omitempty"`
	LastRun     *JobRunDTO `json:"lastRun,omitempty"`
}

func toJobStatusDTO(s scheduler.Status) JobStatusDTO {
	dto := JobStatusDTO{
		Name:        s.Name,
		Schedule:    s.Schedule,
		State:       string(s.State),
		LastOutcome: string(s.LastOutcome),
		Skipped:     s.Skipped,
	}
	if s.NextRun != nil {
		dto.NextRun = strPtr(s.NextRun.Format(time.RFC3339))
	}
	if s.LastRun != nil {
		run := toJobRunDTO(*s.LastRun)
		dto.LastRun = &run
	}
	return dto
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// DECODING
// =============================================================================

// decodeJSON reads exactly one JSON object and rejects unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return &ledger.ValidationError{Message: "request body is empty"}
		}
		return &ledger.ValidationError{Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if dec.More() {
		return &ledger.ValidationError{Message: "request body must contain a single JSON object"}
	}
	return nil
}

func strPtr(s string) *string {
	return &s
}
