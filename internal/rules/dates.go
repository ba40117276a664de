package rules

import (
	"regexp"
	"strconv"
	"time"
)

const eventDateLayout = "2006-01-02"

var (
	separatedDate = regexp.MustCompile(`(?:^|[^0-9])((?:19|20)[0-9]{2})[-./]([0-9]{1,2})[-./]([0-9]{1,2})(?:[^0-9]|$)`)
	compactDate   = regexp.MustCompile(`(?:^|[^0-9])((?:19|20)[0-9]{2})([0-9]{2})([0-9]{2})(?:[^0-9]|$)`)
)

// dateCandidate is the first date-shaped token found in a string.
type dateCandidate struct {
	value string // normalized YYYY-MM-DD, empty when invalid
	valid bool
}

// findDate returns the earliest date-shaped token in s, if any.
func findDate(s string) (dateCandidate, bool) {
	best := -1
	var parts []string
	for _, re := range []*regexp.Regexp{separatedDate, compactDate} {
		m := re.FindStringSubmatchIndex(s)
		if m == nil {
			continue
		}
		if best == -1 || m[2] < best {
			best = m[2]
			parts = []string{s[m[2]:m[3]], s[m[4]:m[5]], s[m[6]:m[7]]}
		}
	}
	if best == -1 {
		return dateCandidate{}, false
	}
	return makeDate(parts[0], parts[1], parts[2]), true
}

func makeDate(ys, ms, ds string) dateCandidate {
	y, _ := strconv.Atoi(ys)
	m, _ := strconv.Atoi(ms)
	d, _ := strconv.Atoi(ds)
	if m < 1 || m > 12 || d < 1 {
		return dateCandidate{}
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if t.Day() != d || int(t.Month()) != m {
		return dateCandidate{}
	}
	return dateCandidate{value: t.Format(eventDateLayout), valid: true}
}

// parseDeclaredDate validates an explicitly supplied event date.
func parseDeclaredDate(s string) (string, bool) {
	t, err := time.Parse(eventDateLayout, s)
	if err != nil {
		return "", false
	}
	return t.Format(eventDateLayout), true
}

// deriveEventDate applies rule to f and returns the date plus any review
// reason it produced.
func deriveEventDate(rule EventDateRule, f Features) (string, string) {
	if f.EventDate != "" {
		if v, ok := parseDeclaredDate(f.EventDate); ok {
			return v, ""
		}
		return "", ReasonInvalidEventDate
	}
	for _, field := range rule.Fields {
		c, found := findDate(f.Field(field))
		if !found {
			continue
		}
		if !c.valid {
			return "", ReasonInvalidEventDate
		}
		return c.value, ""
	}
	if rule.Required {
		return "", ReasonMissingEventDate
	}
	return "", ""
}
