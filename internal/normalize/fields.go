package normalize

import (
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/width"
)

// DeviceIdentifier canonicalizes a UDI device identifier: width folded, a
// leading GS1 "(01)" application identifier removed, ASCII letters and digits
// kept, letters upper-cased.
func DeviceIdentifier(raw string) string {
	s := strings.TrimSpace(width.Fold.String(raw))
	s = strings.TrimPrefix(s, "(01)")

	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		}
	}
	return b.String()
}

// ValidGTIN reports whether di is an 8/12/13/14 digit GS1 number with a
// correct mod-10 check digit.
func ValidGTIN(di string) bool {
	switch len(di) {
	case 8, 12, 13, 14:
	default:
		return false
	}
	sum := 0
	for i := len(di) - 2; i >= 0; i-- {
		c := di[i]
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		if (len(di)-2-i)%2 == 0 {
			d *= 3
		}
		sum += d
	}
	last := di[len(di)-1]
	if last < '0' || last > '9' {
		return false
	}
	return (10-sum%10)%10 == int(last-'0')
}

// Text folds width, collapses whitespace runs to one space and trims.
func Text(raw string) string {
	return strings.Join(strings.FieldsFunc(width.Fold.String(raw), unicode.IsSpace), " ")
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"2006.01.02",
	"20060102",
	"2006年01月02日",
	"2006年1月2日",
	"2006-1-2",
	"2006/1/2",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
	time.RFC3339,
}

// excelEpoch is day zero for spreadsheet serial dates.
var excelEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

// Date parses the common date spellings found in registry exports and returns
// the ISO form YYYY-MM-DD.
func Date(raw string) (string, bool) {
	s := Text(raw)
	if s == "" {
		return "", false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	if n, err := strconv.Atoi(s); err == nil && n > 20000 && n < 80000 {
		return excelEpoch.AddDate(0, 0, n).Format("2006-01-02"), true
	}
	return "", false
}

// statusTerms maps registry status wording onto a small stable vocabulary.
var statusTerms = map[string]string{
	"有效":        "ACTIVE",
	"在用":        "ACTIVE",
	"正常":        "ACTIVE",
	"ACTIVE":    "ACTIVE",
	"VALID":     "ACTIVE",
	"注销":        "CANCELLED",
	"已注销":       "CANCELLED",
	"CANCELLED": "CANCELLED",
	"CANCELED":  "CANCELLED",
	"过期":        "EXPIRED",
	"失效":        "EXPIRED",
	"已过期":       "EXPIRED",
	"EXPIRED":   "EXPIRED",
	"撤销":        "REVOKED",
	"已撤销":       "REVOKED",
	"REVOKED":   "REVOKED",
}

// Status maps a registry status onto ACTIVE/CANCELLED/EXPIRED/REVOKED. Unknown
// wording is returned folded and upper-cased.
func Status(raw string) string {
	s := upperASCII(Text(raw))
	if v, ok := statusTerms[s]; ok {
		return v
	}
	return s
}
