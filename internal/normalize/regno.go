// Package normalize canonicalizes registration numbers, company names, device
// identifiers and a few common field formats. Every function here is pure and
// idempotent: applying it to its own output returns the same output.
package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/width"
)

// placeholders are post-normalization values that mean "no identifier".
var placeholders = map[string]bool{
	"无":       true,
	"暂无":      true,
	"空":       true,
	"待定":      true,
	"未知":      true,
	"不适用":     true,
	"无注册证":    true,
	"无需注册":    true,
	"NA":      true,
	"N":       true,
	"NONE":    true,
	"NULL":    true,
	"NIL":     true,
	"NAN":     true,
	"TBD":     true,
	"UNKNOWN": true,
	"X":       true,
}

// newFormatRe matches current national and provincial registration certificates.
var newFormatRe = regexp.MustCompile(`^\p{Han}{1,2}械注[准进许]\d{11}$`)

// RegistrationNo canonicalizes a raw registration identifier. It folds full-width
// characters to half-width, removes whitespace and punctuation (bracket variants
// become ASCII parentheses), upper-cases ASCII letters and drops a trailing 号
// from current-format numbers. It returns ("", false) for empty,
// punctuation-only and placeholder inputs.
func RegistrationNo(raw string) (string, bool) {
	s := width.Fold.String(raw)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case isOpenBracket(r):
			b.WriteByte('(')
		case isCloseBracket(r):
			b.WriteByte(')')
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		}
	}
	out := b.String()

	if trimmed, ok := strings.CutSuffix(out, "号"); ok && newFormatRe.MatchString(trimmed) {
		out = trimmed
	}

	if out == "" || placeholders[out] || allZeros(out) || !hasAlnum(out) {
		return "", false
	}
	return out, true
}

func isOpenBracket(r rune) bool {
	switch r {
	case '(', '[', '{', '<', '（', '［', '｛', '＜', '【', '〔', '〖', '「', '『', '《', '〈':
		return true
	}
	return false
}

func isCloseBracket(r rune) bool {
	switch r {
	case ')', ']', '}', '>', '）', '］', '｝', '＞', '】', '〕', '〗', '」', '』', '》', '〉':
		return true
	}
	return false
}

func allZeros(s string) bool {
	for _, r := range s {
		if r != '0' {
			return false
		}
	}
	return true
}

func hasAlnum(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
