package models

import (
	"strings"

	"github.com/shopspring/decimal"
)

// minorUnitExponent lists currencies whose minor unit is not hundredths.
var minorUnitExponent = map[string]int32{
	"CLP": 0,
	"JPY": 0,
	"KRW": 0,
}

// FormatAmount renders an amount in minor units as a major-unit string, e.g. 450000 COP -> "4500.00".
// It is for display only.
func FormatAmount(amount int64, currency string) string {
	exp, ok := minorUnitExponent[strings.ToUpper(currency)]
	if !ok {
		exp = 2
	}
	return decimal.New(amount, -exp).StringFixed(exp)
}
