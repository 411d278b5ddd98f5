package persist

import (
	"strings"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var symbols = map[string]string{
	"USD": "$",
	"CAD": "CA$",
	"AUD": "A$",
	"EUR": "€",
	"GBP": "£",
	"JPY": "¥",
	"INR": "₹",
}

var printer = message.NewPrinter(language.English)

// NormalizeCurrency returns the ISO 4217 code for code, or "" when it is not one.
func NormalizeCurrency(code string) string {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return ""
	}
	return unit.String()
}

// FormatMoney renders amount with thousands grouping and two decimals, e.g.
// "$15,234.50". Unknown or empty currencies default to USD.
func FormatMoney(amount float64, code string) string {
	code = NormalizeCurrency(code)
	if code == "" {
		code = "USD"
	}
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	number := printer.Sprintf("%.2f", amount)
	if sym, ok := symbols[code]; ok {
		return sign + sym + number
	}
	return sign + code + " " + number
}

// CurrencyMismatch reports whether two currency codes are both known and differ.
func CurrencyMismatch(campaign, detected string) bool {
	a, b := NormalizeCurrency(campaign), NormalizeCurrency(detected)
	return a != "" && b != "" && a != b
}
