package ledger

import "github.com/shopspring/decimal"

// MinorUnitPlaces is the number of decimal places of the ledger currency (INR paise).
const MinorUnitPlaces = 2

var hundred = decimal.NewFromInt(100)

// Commission returns purchaseAmount * commissionRate / 100, rounded half-up
// to the currency's minor unit. Inputs are non-negative by the time they get
// here, so decimal's half-away-from-zero rounding is half-up.
func Commission(purchaseAmount, commissionRate decimal.Decimal) decimal.Decimal {
	return purchaseAmount.Mul(commissionRate).Div(hundred).Round(MinorUnitPlaces)
}

// ValidatePurchaseAmount rejects zero, negative, and sub-minor-unit amounts.
func ValidatePurchaseAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return &ValidationError{Field: "purchaseAmount", Message: "must be positive"}
	}
	if !amount.Equal(amount.Round(MinorUnitPlaces)) {
		return &ValidationError{Field: "purchaseAmount", Message: "too many decimal places"}
	}
	return nil
}

// ValidateCommissionRate accepts percentages in [0, 100].
func ValidateCommissionRate(rate decimal.Decimal) error {
	if rate.IsNegative() || rate.GreaterThan(hundred) {
		return &ValidationError{Field: "commissionRate", Message: "must be between 0 and 100"}
	}
	return nil
}
