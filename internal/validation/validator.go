package validation

import (
	"regexp"

	validatorv10 "github.com/go-playground/validator/v10"
)

var (
	skuPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,63}$`)
	keyPattern = regexp.MustCompile(`^[\x21-\x7E]{1,255}$`)
)

// New returns a validator with the "sku" and "idempotency_key" tags registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// registration only fails on an empty tag or nil func
	_ = v.RegisterValidation("sku", validateSKU)
	_ = v.RegisterValidation("idempotency_key", validateIdempotencyKey)

	return v
}

// validateSKU accepts identifiers of up to 64 characters starting with a letter or digit.
func validateSKU(fl validatorv10.FieldLevel) bool {
	return skuPattern.MatchString(fl.Field().String())
}

// validateIdempotencyKey accepts printable ASCII without spaces.
func validateIdempotencyKey(fl validatorv10.FieldLevel) bool {
	return ValidIdempotencyKey(fl.Field().String())
}

// ValidIdempotencyKey reports whether key is usable as an idempotency key. Header values are
// checked with it too.
func ValidIdempotencyKey(key string) bool {
	return keyPattern.MatchString(key)
}
