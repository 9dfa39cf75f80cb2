package domain

import (
	"fmt"

	dErrors "incasso/pkg/domain-errors"
)

// Cents is a monetary amount in the currency's minor unit. Integer arithmetic
// keeps control sums exact; floats never touch amounts.
type Cents int64

// Currency is an ISO 4217 code. The scheme only collects EUR today but the
// grouping logic treats currency as data, not a constant.
type Currency string

const CurrencyEUR Currency = "EUR"

// Decimal renders the amount as the bank file expects it: units.cc with no
// thousands separators.
func (c Cents) Decimal() string {
	sign := ""
	v := int64(c)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// ValidateAmount rejects amounts a debit instruction may not carry.
func ValidateAmount(amount Cents) error {
	if amount <= 0 {
		return dErrors.New(dErrors.CodeValidation, "amount must be positive")
	}
	return nil
}

// ValidateCurrency rejects codes that are not three uppercase letters.
func ValidateCurrency(cur Currency) error {
	if len(cur) != 3 {
		return dErrors.New(dErrors.CodeValidation, "currency must be a 3-letter ISO 4217 code")
	}
	for _, r := range cur {
		if r < 'A' || r > 'Z' {
			return dErrors.New(dErrors.CodeValidation, "currency must be uppercase letters")
		}
	}
	return nil
}
