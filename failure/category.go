package failure

import "strings"

var categoryKeywords = []struct {
	category Category
	keywords []string
}{
	{DependencyUnavailable, []string{"not found", "could not find", "no matching distribution", "no version found", "not available"}},
	{ConstraintConflict, []string{"conflict", "incompatible", "requires", "resolution impossible", "cannot install"}},
	{ProhibitedAction, []string{"prohibited", "do not modify", "not allowed", "cannot complete", "constraints prohibit"}},
	{TestFailure, []string{"test failed", "assertion error", "tests are failing", "exit code"}},
}

// Categorize guesses why an AI action kept failing from its last error
// text. The result is advisory only.
func Categorize(msg string) Category {
	msg = strings.ToLower(msg)
	for _, ck := range categoryKeywords {
		for _, kw := range ck.keywords {
			if strings.Contains(msg, kw) {
				return ck.category
			}
		}
	}
	return Unknown
}
