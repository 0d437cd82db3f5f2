package core

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrInvalidAmount = errors.New("invalid amount")

// ParseAmount converts a user supplied decimal string to a float.
//
// Both dot (12.34) and comma (12,34) decimal separators are accepted.
// Negative values are allowed here; callers decide which ranges are valid.
func ParseAmount(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}
	s = strings.ReplaceAll(s, ",", ".")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	f, _ := d.Float64()
	return f, nil
}

// RoundAmount rounds half away from zero to the given number of decimal places.
// Balances are computed in float64 and rounded only for presentation.
func RoundAmount(f float64, places int32) float64 {
	r, _ := decimal.NewFromFloat(f).Round(places).Float64()
	return r
}

// FormatAmount renders f with exactly places decimals, e.g. "-10.00".
func FormatAmount(f float64, places int32) string {
	return decimal.NewFromFloat(f).StringFixed(places)
}
