package rules

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// foldString returns the NFC-normalized Unicode case folding of s.
// A Caser is stateful, so one is built per call.
func foldString(s string) string {
	return cases.Fold().String(norm.NFC.String(s))
}

// Fold is the normalization keyword matching uses. The search index stores
// folded text so its lookups agree with classification.
func Fold(s string) string {
	return foldString(s)
}

// containsFold reports whether keyword occurs in text, ignoring case.
// Blank keywords never match.
func containsFold(text, keyword string) bool {
	k := foldString(strings.TrimSpace(keyword))
	if k == "" {
		return false
	}
	return strings.Contains(foldString(text), k)
}

// globMatch reports whether tag matches pattern, ignoring case.
// `*` and `?` do not cross '/', `**` does; `[...]` and `{a,b}` are supported.
// Invalid patterns never match.
func globMatch(pattern, tag string) bool {
	ok, err := doublestar.Match(foldString(pattern), foldString(tag))
	return err == nil && ok
}

// anyTagMatches reports whether pattern matches at least one tag.
func anyTagMatches(pattern string, tags []string) bool {
	for _, t := range tags {
		if globMatch(pattern, t) {
			return true
		}
	}
	return false
}
