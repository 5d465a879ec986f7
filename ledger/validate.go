package ledger

import (
	"errors"
	"regexp"

	"github.com/go-playground/validator/v10"
)

// ClickInput is everything recordClick needs from the caller.
type ClickInput struct {
	AffiliateID string   `validate:"required,affiliate_id"`
	UserID      string   `validate:"required,user_id"`
	ProductID   string   `validate:"required,max=128,printascii"`
	Platform    Platform `validate:"required,platform"`
	SourceURL   string   `validate:"required,max=2048"`
	RedirectURL string   `validate:"required,url,max=2048"`
}

var (
	affiliateIDPattern = regexp.MustCompile(`^aff_[A-Za-z0-9_]{1,60}$`)
	userIDPattern      = regexp.MustCompile(`^[\x21-\x7E]{1,64}$`)
)

// NewValidator returns a validator with the ledger's custom tags registered:
//
//	platform      value is in the supported Platform set
//	affiliate_id  value looks like an affiliate id (aff_...)
//	user_id       1-64 printable ASCII characters, no whitespace
//	device        value is empty or a known DeviceClass
func NewValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("platform", func(fl validator.FieldLevel) bool {
		return Platform(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("affiliate_id", func(fl validator.FieldLevel) bool {
		return affiliateIDPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("user_id", func(fl validator.FieldLevel) bool {
		return userIDPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("device", func(fl validator.FieldLevel) bool {
		switch DeviceClass(fl.Field().String()) {
		case "", DeviceMobile, DeviceTablet, DeviceDesktop:
			return true
		}
		return false
	})
	return v
}

// FromValidatorError converts the first validator failure into a ValidationError.
func FromValidatorError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ValidationError{Field: fe.Field(), Message: "failed on '" + fe.Tag() + "'"}
	}
	return &ValidationError{Message: err.Error()}
}
