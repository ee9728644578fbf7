package reconcile

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var digitRun = regexp.MustCompile(`\d+`)

var separatorReplacer = strings.NewReplacer(",", "", " ", "", "　", "", "_", "")

// ParseValue reads an observed value leniently. After NFKC normalization the
// whole string is taken when it is digits apart from thousands separators;
// otherwise the first run of digits is used, so embedded labels such as
// "UGC: 8030" still parse.
func ParseValue(raw string) (int64, bool) {
	s := strings.TrimSpace(norm.NFKC.String(raw))
	if s == "" {
		return 0, false
	}
	if all := separatorReplacer.Replace(s); isDigits(all) {
		v, err := strconv.ParseInt(all, 10, 64)
		return v, err == nil
	}
	m := digitRun.FindString(s)
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(m, 10, 64)
	return v, err == nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
