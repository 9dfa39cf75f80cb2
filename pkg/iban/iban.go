// Package iban validates IBANs, derives BICs for Dutch bank codes, and checks
// SEPA creditor identifiers. All checks are pure; they are run once at mandate
// registration and again at the file emission boundary.
package iban

import (
	"strings"

	dErrors "incasso/pkg/domain-errors"
)

// iso13616Lengths lists IBAN lengths for the countries the scheme collects
// from. Countries outside SEPA are rejected at registration.
var iso13616Lengths = map[string]int{
	"AT": 20, "BE": 16, "DE": 22, "DK": 18, "ES": 24, "FI": 18, "FR": 27,
	"GB": 22, "IE": 22, "IT": 27, "LU": 20, "NL": 18, "PT": 25, "SE": 24,
}

// dutchBankBICs maps NL bank codes to their BIC. Used to derive a BIC when the
// member supplied only an IBAN.
var dutchBankBICs = map[string]string{
	"ABNA": "ABNANL2A",
	"ASNB": "ASNBNL21",
	"BUNQ": "BUNQNL2A",
	"FVLB": "FVLBNL22",
	"INGB": "INGBNL2A",
	"KNAB": "KNABNL2H",
	"RABO": "RABONL2U",
	"RBRB": "RBRBNL21",
	"SNSB": "SNSBNL2A",
	"TRIO": "TRIONL2U",
}

// Normalize strips spaces and uppercases an IBAN as entered by a member.
func Normalize(iban string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(iban), " ", ""))
}

// Validate checks structure and the ISO 13616 mod-97 checksum. The input must
// already be normalized.
func Validate(iban string) error {
	if len(iban) < 5 {
		return dErrors.New(dErrors.CodeValidation, "iban too short")
	}
	country := iban[:2]
	for _, r := range country {
		if r < 'A' || r > 'Z' {
			return dErrors.New(dErrors.CodeValidation, "iban country code must be letters")
		}
	}
	want, ok := iso13616Lengths[country]
	if !ok {
		return dErrors.Newf(dErrors.CodeValidation, "iban country %s not supported", country)
	}
	if len(iban) != want {
		return dErrors.Newf(dErrors.CodeValidation, "iban length %d invalid for %s", len(iban), country)
	}
	for _, r := range iban {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return dErrors.New(dErrors.CodeValidation, "iban contains invalid characters")
		}
	}
	if mod97(iban[4:]+iban[:4]) != 1 {
		return dErrors.New(dErrors.CodeValidation, "iban checksum failed")
	}
	return nil
}

// DeriveBIC returns the BIC for a Dutch IBAN's bank code. Non-NL IBANs and
// unknown bank codes require the member to supply a BIC explicitly.
func DeriveBIC(iban string) (string, error) {
	if len(iban) < 8 || iban[:2] != "NL" {
		return "", dErrors.New(dErrors.CodeValidation, "bic can only be derived for dutch ibans")
	}
	bic, ok := dutchBankBICs[iban[4:8]]
	if !ok {
		return "", dErrors.Newf(dErrors.CodeValidation, "unknown dutch bank code %s", iban[4:8])
	}
	return bic, nil
}

// ValidateBIC checks ISO 9362 structure: 4 letters bank code, 2 letters
// country, 2 alphanumeric location, optional 3 alphanumeric branch.
func ValidateBIC(bic string) error {
	if len(bic) != 8 && len(bic) != 11 {
		return dErrors.New(dErrors.CodeValidation, "bic must be 8 or 11 characters")
	}
	for i, r := range bic {
		switch {
		case i < 6:
			if r < 'A' || r > 'Z' {
				return dErrors.New(dErrors.CodeValidation, "bic bank and country codes must be letters")
			}
		default:
			if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
				return dErrors.New(dErrors.CodeValidation, "bic contains invalid characters")
			}
		}
	}
	return nil
}

// ValidateCreditorID checks a SEPA creditor identifier (e.g. NL43ZZZ…). The
// check digits are verified mod-97 over the identifier with the 3-character
// business code removed, per the EPC scheme rules.
func ValidateCreditorID(id string) error {
	if len(id) < 8 || len(id) > 35 {
		return dErrors.New(dErrors.CodeValidation, "creditor identifier length invalid")
	}
	country, check, national := id[:2], id[2:4], id[7:]
	for _, r := range country {
		if r < 'A' || r > 'Z' {
			return dErrors.New(dErrors.CodeValidation, "creditor identifier country code must be letters")
		}
	}
	for _, r := range check {
		if r < '0' || r > '9' {
			return dErrors.New(dErrors.CodeValidation, "creditor identifier check digits must be numeric")
		}
	}
	for _, r := range id[4:] {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return dErrors.New(dErrors.CodeValidation, "creditor identifier contains invalid characters")
		}
	}
	if mod97(national+country+check) != 1 {
		return dErrors.New(dErrors.CodeValidation, "creditor identifier checksum failed")
	}
	return nil
}

// mod97 computes the ISO 7064 remainder over the rearranged string, expanding
// letters to two digits (A=10 … Z=35). Incremental so no big integers needed.
func mod97(s string) int {
	r := 0
	for _, ch := range s {
		switch {
		case ch >= '0' && ch <= '9':
			r = (r*10 + int(ch-'0')) % 97
		case ch >= 'A' && ch <= 'Z':
			v := int(ch-'A') + 10
			r = (r*100 + v) % 97
		default:
			return -1
		}
	}
	return r
}
