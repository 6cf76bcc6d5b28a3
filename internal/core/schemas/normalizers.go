package schemas

import "strings"

// currencyNames maps common spellings to ISO 4217 codes.
var currencyNames = map[string]string{
	"rp":        "IDR",
	"rupiah":    "IDR",
	"idr":       "IDR",
	"$":         "USD",
	"us$":       "USD",
	"usd":       "USD",
	"dollar":    "USD",
	"€":         "EUR",
	"eur":       "EUR",
	"euro":      "EUR",
	"s$":        "SGD",
	"sgd":       "SGD",
	"singapore": "SGD",
}

// Currencies lists the accepted currency codes.
var Currencies = []string{"IDR", "USD", "EUR", "SGD"}

// NormalizeCurrency converts currency names and symbols to ISO codes.
// Unrecognized input is returned trimmed so the enum check can reject it.
func NormalizeCurrency(s string) string {
	s = strings.TrimSpace(s)
	if code, ok := currencyNames[strings.ToLower(s)]; ok {
		return code
	}
	return s
}

// NormalizeCode upper-cases an identifier and strips surrounding spaces.
// Item and store codes are compared case-insensitively everywhere.
func NormalizeCode(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// NormalizePhone keeps digits and a leading plus sign.
func NormalizePhone(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeEmail lower-cases an address.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
