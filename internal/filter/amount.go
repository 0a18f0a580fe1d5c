package filter

import (
	"regexp"
	"strconv"
	"strings"
)

// The grouped alternative requires at least one group so that "$1234"
// is read whole rather than as "$123".
var amountRe = regexp.MustCompile(`\$(\d{1,3}(?:[,\s]\d{3})+(?:\.\d+)?|\d+(?:\.\d+)?)([KkMmBb]?)`)

var multipliers = map[string]float64{
	"":  1,
	"K": 1_000,
	"M": 1_000_000,
	"B": 1_000_000_000,
}

// ParseAmount extracts the first dollar amount from text, applying a K, M or
// B suffix. The second result is false when no amount is present.
func ParseAmount(text string) (float64, bool) {
	m := amountRe.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	digits := strings.NewReplacer(",", "", " ", "", "\t", "", "\n", "").Replace(m[1])
	num, err := strconv.ParseFloat(digits, 64)
	if err != nil {
		return 0, false
	}
	return num * multipliers[strings.ToUpper(m[2])], true
}

// MentionsMajorCoin reports whether text mentions BTC or ETH, case-insensitively.
func MentionsMajorCoin(text string) bool {
	upper := strings.ToUpper(text)
	return strings.Contains(upper, "BTC") || strings.Contains(upper, "ETH")
}
