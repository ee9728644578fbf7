package extractor

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var countPattern = regexp.MustCompile(`(\d[\d,]*)(?:\.(\d+))?([KkMmBb]\b|万|億)?`)

var multipliers = map[string]int64{
	"":  1,
	"k": 1_000,
	"m": 1_000_000,
	"b": 1_000_000_000,
	"万": 10_000,
	"億": 100_000_000,
}

// ParseCount extracts the first count from display text such as "8,030",
// "50.3K", "1.2M" or "66,600本の動画". Fractions are truncated after
// applying the suffix multiplier. Counts that do not fit in an int64 are
// rejected.
func ParseCount(raw string) (int64, bool) {
	text := norm.NFKC.String(raw)
	m := countPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	whole, err := strconv.ParseInt(strings.ReplaceAll(m[1], ",", ""), 10, 64)
	if err != nil {
		return 0, false
	}
	mult := multipliers[strings.ToLower(m[3])]
	if whole > math.MaxInt64/mult {
		return 0, false
	}
	value := whole * mult
	if frac := m[2]; frac != "" && mult > 1 {
		// Digits past the ninth cannot change the result for any multiplier.
		if len(frac) > 9 {
			frac = frac[:9]
		}
		scale := int64(1)
		for range frac {
			scale *= 10
		}
		n, err := strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, false
		}
		add := n * mult / scale
		if value > math.MaxInt64-add {
			return 0, false
		}
		value += add
	}
	return value, true
}
