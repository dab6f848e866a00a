package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/width"
)

// asciiLegalTokens are trailing tokens dropped from company names.
var asciiLegalTokens = map[string]bool{
	"LTD": true, "LIMITED": true, "CO": true, "COMPANY": true,
	"INC": true, "INCORPORATED": true, "CORP": true, "CORPORATION": true,
	"LLC": true, "LLP": true, "PLC": true, "GMBH": true, "AG": true,
	"SA": true, "SAS": true, "SPA": true, "SRL": true, "BV": true,
	"NV": true, "KK": true, "AB": true, "OY": true,
}

// chineseLegalSuffixes are checked longest first.
var chineseLegalSuffixes = []string{
	"股份有限公司",
	"有限责任公司",
	"集团有限公司",
	"有限公司",
	"集团公司",
	"集团",
	"公司",
}

// CompanyName produces the match form of a company name: width folded, ASCII
// upper-cased, trailing legal-entity suffixes removed, and only letters and
// digits kept. A name that consists solely of a suffix is kept as is.
func CompanyName(raw string) string {
	s := width.Fold.String(raw)

	tokens := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for i, tok := range tokens {
		tokens[i] = upperASCII(tok)
	}
	for len(tokens) > 1 && asciiLegalTokens[tokens[len(tokens)-1]] {
		tokens = tokens[:len(tokens)-1]
	}

	name := strings.Join(tokens, "")
	for {
		trimmed := false
		for _, suf := range chineseLegalSuffixes {
			if len(name) > len(suf) && strings.HasSuffix(name, suf) {
				name = strings.TrimSuffix(name, suf)
				trimmed = true
				break
			}
		}
		if !trimmed {
			return name
		}
	}
}

func upperASCII(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' {
			return r - 'a' + 'A'
		}
		return r
	}, s)
}
