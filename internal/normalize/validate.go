package normalize

import "regexp"

// Rule names returned by Validate.
const (
	RuleNMPAClass23      = "nmpa_class23"
	RuleProvincialClass2 = "provincial_class2"
	RuleNMPALegacy       = "nmpa_legacy"
	RuleFilingClass1     = "filing_class1"
)

type rule struct {
	name string
	re   *regexp.Regexp
}

// rules are checked in order; national formats come before provincial ones
// because 国 is itself a Han character.
var rules = []rule{
	{RuleNMPAClass23, regexp.MustCompile(`^国械注[准进许]\d{11}$`)},
	{RuleProvincialClass2, regexp.MustCompile(`^\p{Han}{1,2}械注准\d{11}$`)},
	{RuleNMPALegacy, regexp.MustCompile(`^\p{Han}{1,2}食药监械\([准进许试]\)字\d{4}第\d{7}号$`)},
	{RuleFilingClass1, regexp.MustCompile(`^\p{Han}{1,3}械备\d{8,}号?$`)},
}

// Validate reports which registration-number rule set a normalized identifier
// satisfies. It expects the output of RegistrationNo.
func Validate(regNo string) (string, bool) {
	for _, r := range rules {
		if r.re.MatchString(regNo) {
			return r.name, true
		}
	}
	return "", false
}
