package rules

import (
	"slices"
	"strings"
)

// Review reasons reported in Result.ReviewReasons.
const (
	ReasonNoRuleMatched      = "no_rule_matched"
	ReasonInvalidEventDate   = "invalid_event_date"
	ReasonMissingEventDate   = "missing_event_date"
	ReasonMissingRequiredTag = "missing_required_tag"
)

// Features is the bag of textual fields available for matching.
// Tags are the tags supplied with the submission; EventDate is an
// optional declared date in YYYY-MM-DD form.
type Features struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Filename    string   `json:"filename"`
	Body        string   `json:"body"`
	Tags        []string `json:"tags,omitempty"`
	EventDate   string   `json:"event_date,omitempty"`
}

// Field returns the text of a keyword field.
func (f Features) Field(field Field) string {
	switch field {
	case FieldTitle:
		return f.Title
	case FieldDescription:
		return f.Description
	case FieldFilename:
		return f.Filename
	case FieldBody:
		return f.Body
	default:
		return ""
	}
}

// MatchKind identifies which rule list produced the category.
type MatchKind string

const (
	MatchedCategoryRule    MatchKind = "category_rule"
	MatchedTagCategoryRule MatchKind = "tag_category_rule"
	MatchedDefault         MatchKind = "default"
)

// Match records the rule that decided the category.
// Index is -1 for MatchedDefault.
type Match struct {
	Kind    MatchKind `json:"kind"`
	Index   int       `json:"index"`
	Field   Field     `json:"field,omitempty"`
	Keyword string    `json:"keyword,omitempty"`
}

// Result is the outcome of evaluating one feature bag.
type Result struct {
	Category      string   `json:"category"`
	Tags          []string `json:"tags"`
	EventDate     string   `json:"event_date,omitempty"`
	ReviewNeeded  bool     `json:"review_needed"`
	ReviewReasons []string `json:"review_reasons,omitempty"`
	Matched       Match    `json:"matched"`
}

// Evaluate classifies f under doc.
func Evaluate(doc *Document, f Features) Result {
	var res Result
	var autoTags []string

	if idx, field, kw, ok := matchCategoryRules(doc.CategoryRules, f); ok {
		rule := doc.CategoryRules[idx]
		res.Category = rule.Category
		res.Matched = Match{Kind: MatchedCategoryRule, Index: idx, Field: field, Keyword: kw}
		autoTags = rule.AutoTags
	} else if idx, ok := matchTagRules(doc.TagCategoryRules, f.Tags); ok {
		res.Category = doc.TagCategoryRules[idx].Category
		res.Matched = Match{Kind: MatchedTagCategoryRule, Index: idx}
	} else {
		res.Category = doc.DefaultCategory
		res.Matched = Match{Kind: MatchedDefault, Index: -1}
		if doc.ReviewOnDefault {
			res.ReviewReasons = append(res.ReviewReasons, ReasonNoRuleMatched)
		}
	}

	res.Tags = MergeTags(f.Tags, autoTags)

	date, reason := deriveEventDate(doc.eventDateRule(), f)
	res.EventDate = date
	if reason != "" {
		res.ReviewReasons = append(res.ReviewReasons, reason)
	}

	for _, p := range doc.RequiredTags {
		if !anyTagMatches(p, res.Tags) {
			res.ReviewReasons = append(res.ReviewReasons, ReasonMissingRequiredTag+":"+p)
		}
	}

	res.ReviewNeeded = len(res.ReviewReasons) > 0
	return res
}

// matchCategoryRules returns the first rule with a keyword found in its field.
func matchCategoryRules(rules []CategoryRule, f Features) (int, Field, string, bool) {
	for i, r := range rules {
		for _, field := range KeywordFields {
			text := f.Field(field)
			if text == "" {
				continue
			}
			for _, kw := range r.Keywords.For(field) {
				if containsFold(text, kw) {
					return i, field, kw, true
				}
			}
		}
	}
	return -1, "", "", false
}

// matchTagRules returns the first rule whose patterns are satisfied by tags.
func matchTagRules(rules []TagCategoryRule, tags []string) (int, bool) {
	if len(tags) == 0 {
		return -1, false
	}
	for i, r := range rules {
		if tagRuleMatches(r, tags) {
			return i, true
		}
	}
	return -1, false
}

func tagRuleMatches(r TagCategoryRule, tags []string) bool {
	if len(r.Tags) == 0 {
		return false
	}
	switch r.Match {
	case MatchAll:
		for _, p := range r.Tags {
			if !anyTagMatches(p, tags) {
				return false
			}
		}
		return true
	default:
		for _, p := range r.Tags {
			if anyTagMatches(p, tags) {
				return true
			}
		}
		return false
	}
}

// MergeTags returns the sorted, de-duplicated union of the given lists.
// Blank tags are dropped.
func MergeTags(lists ...[]string) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, list := range lists {
		for _, t := range list {
			t = strings.TrimSpace(t)
			if t == "" {
				continue
			}
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return out
}
