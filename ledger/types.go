/*
Package ledger provides the click ledger: the single source of truth for
referral clicks and their lifecycle.

PURPOSE:
  A click is recorded when an affiliate link is generated, optionally
  enriched with device metadata when the redirect is followed, and ends in
  exactly one terminal outcome: converted (a purchase was attributed to it)
  or expired (reaped after the attribution window closed).

KEY CONCEPTS IN THIS FILE (types.go):
  - ClickRecord: one referral event with its attribution window
  - ClickState: clicked -> tracked -> converted | expired
  - DeviceMetadata: descriptive context, never gates attribution
  - ClickFilter / Summary: read-side shapes for the stats queries

STATE MACHINE:
  clicked ──annotate──> tracked
     │                     │
     └──────convert────────┴──> converted   (terminal, kept forever)
     └──────reap───────────┴──> expired     (terminal, row deleted)

INVARIANTS:
  1. ExpiresAt is fixed at creation (ClickedAt + window) and never recomputed.
  2. PurchaseAmount, Commission, CommissionRate and PurchasedAt are set together,
     exactly once, on the transition into converted.
  3. A record never holds a commission unless it is converted.

SEE ALSO:
  - ledger.go: ClickLedger operations
  - store.go: persistence interface
  - errors.go: error taxonomy
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CLICK STATE
// =============================================================================

type ClickState string

const (
	StateClicked   ClickState = "clicked"
	StateTracked   ClickState = "tracked"
	StateConverted ClickState = "converted"
	StateExpired   ClickState = "expired"
)

// Convertible reports whether a purchase may still be attributed from this state.
func (s ClickState) Convertible() bool {
	return s == StateClicked || s == StateTracked
}

// =============================================================================
// CLICK RECORD
// =============================================================================

type ClickID string

type ClickRecord struct {
	ID          ClickID
	AffiliateID string
	UserID      string
	ProductID   string
	Platform    Platform

	SourceURL   string
	RedirectURL string
	ClickedAt   time.Time
	ExpiresAt   time.Time

	State          ClickState
	PurchaseAmount *decimal.Decimal
	Commission     *decimal.Decimal
	CommissionRate *decimal.Decimal // rate applied at conversion, for audit
	PurchasedAt    *time.Time

	Device DeviceMetadata
}

// Converted reports whether a purchase has been attributed to the click.
func (c ClickRecord) Converted() bool { return c.State == StateConverted }

// ExpiredAt reports whether the attribution window has closed at t.
func (c ClickRecord) ExpiredAt(t time.Time) bool { return t.After(c.ExpiresAt) }

// DeviceClass is the coarse device bucket reported by the redirect page.
type DeviceClass string

const (
	DeviceMobile  DeviceClass = "mobile"
	DeviceTablet  DeviceClass = "tablet"
	DeviceDesktop DeviceClass = "desktop"
)

// DeviceMetadata is descriptive context only. No invariant depends on it.
type DeviceMetadata struct {
	Device    DeviceClass
	UserAgent string
	IPAddress string
	Referer   string
	Browser   string
	Country   string
}

// Merge overlays the non-empty fields of other onto m.
func (m DeviceMetadata) Merge(other DeviceMetadata) DeviceMetadata {
	if other.Device != "" {
		m.Device = other.Device
	}
	if other.UserAgent != "" {
		m.UserAgent = other.UserAgent
	}
	if other.IPAddress != "" {
		m.IPAddress = other.IPAddress
	}
	if other.Referer != "" {
		m.Referer = other.Referer
	}
	if other.Browser != "" {
		m.Browser = other.Browser
	}
	if other.Country != "" {
		m.Country = other.Country
	}
	return m
}

// =============================================================================
// CONVERSION - the fields written by the clicked/tracked -> converted transition
// =============================================================================

type Conversion struct {
	PurchaseAmount decimal.Decimal
	CommissionRate decimal.Decimal
	Commission     decimal.Decimal
	PurchasedAt    time.Time
}

// =============================================================================
// READ MODELS
// =============================================================================

// ClickFilter narrows ListByAffiliate. Zero values mean "no constraint".
type ClickFilter struct {
	Platform Platform
	State    ClickState
	From     time.Time // clicked_at >= From
	To       time.Time // clicked_at < To
	Limit    int
}

// Summary is the per-affiliate aggregate used by the stats endpoint.
type Summary struct {
	AffiliateID      string
	TotalClicks      int
	Conversions      int
	TotalCommission  decimal.Decimal
	CommissionSince  decimal.Decimal // commission of conversions with purchased_at >= since
	ClicksByPlatform map[Platform]int
}

// ConversionRate returns conversions / clicks, or zero when there are no clicks.
func (s Summary) ConversionRate() decimal.Decimal {
	if s.TotalClicks == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(s.Conversions)).Div(decimal.NewFromInt(int64(s.TotalClicks)))
}

// ProductActivity is the raw per-product input to trending, over one window.
type ProductActivity struct {
	ProductID       string
	ClickCount      int
	PurchaseCount   int
	TotalCommission decimal.Decimal
}

// ExpireResult reports what one ExpireBatch pass did.
type ExpireResult struct {
	Processed int
	Deleted   int
	Failed    int
}
