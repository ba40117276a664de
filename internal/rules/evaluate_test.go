package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate_MeetingScenario(t *testing.T) {
	doc := MustParse(`{
		"default_category": "기타",
		"category_rules": [{"category": "회의", "keywords": {"title": ["회의"]}}]
	}`)

	res := Evaluate(doc, Features{Title: "주간 회의록"})
	assert.Equal(t, "회의", res.Category)
	assert.Equal(t, MatchedCategoryRule, res.Matched.Kind)
	assert.Equal(t, 0, res.Matched.Index)
	assert.Equal(t, FieldTitle, res.Matched.Field)
	assert.False(t, res.ReviewNeeded)

	res = Evaluate(doc, Features{Title: "계약서"})
	assert.Equal(t, "기타", res.Category)
	assert.Equal(t, MatchedDefault, res.Matched.Kind)
	assert.Equal(t, -1, res.Matched.Index)
	assert.False(t, res.ReviewNeeded)
}

func TestEvaluate_Deterministic(t *testing.T) {
	doc := MustParse(`{
		"default_category": "기타",
		"category_rules": [
			{"category": "회의", "keywords": {"title": ["회의"], "body": ["안건"]}, "auto_tags": ["meeting", "weekly"]},
			{"category": "보고", "keywords": {"filename": ["report"]}}
		],
		"tag_category_rules": [{"category": "계약", "tags": ["contract/*"]}],
		"required_tags": ["project:*"]
	}`)
	inputs := []Features{
		{Title: "주간 회의 2024-03-05", Tags: []string{"project:a"}},
		{Filename: "Q1_REPORT_20240101.pdf"},
		{Tags: []string{"contract/nda", "b", "a"}},
		{},
	}

	for _, in := range inputs {
		first := Evaluate(doc, in)
		for i := 0; i < 20; i++ {
			assert.Equal(t, first, Evaluate(doc, in))
		}
	}
}

func TestEvaluate_CaseInsensitiveSubstring(t *testing.T) {
	doc := MustParse(`{
		"default_category": "other",
		"category_rules": [{"category": "finance", "keywords": {"title": ["Invoice"]}}]
	}`)

	assert.Equal(t, "finance", Evaluate(doc, Features{Title: "ACME INVOICE march"}).Category)
	assert.Equal(t, "finance", Evaluate(doc, Features{Title: "reinvoiced"}).Category)
	assert.Equal(t, "other", Evaluate(doc, Features{Body: "invoice"}).Category, "keywords only apply to their field")
}

func TestEvaluate_FirstMatchWins(t *testing.T) {
	doc := MustParse(`{
		"default_category": "other",
		"category_rules": [
			{"category": "first", "keywords": {"body": ["budget"]}},
			{"category": "second", "keywords": {"title": ["budget"]}}
		]
	}`)

	res := Evaluate(doc, Features{Title: "budget", Body: "budget"})
	assert.Equal(t, "first", res.Category)
	assert.Equal(t, FieldBody, res.Matched.Field)

	res = Evaluate(doc, Features{Title: "budget"})
	assert.Equal(t, "second", res.Category)
	assert.Equal(t, 1, res.Matched.Index)
}

func TestEvaluate_AutoTagsMerged(t *testing.T) {
	doc := MustParse(`{
		"default_category": "기타",
		"category_rules": [{"category": "회의", "keywords": {"title": ["회의"]}, "auto_tags": ["meeting", "weekly"]}]
	}`)

	res := Evaluate(doc, Features{Title: "회의", Tags: []string{"weekly", "team-a", " "}})
	assert.Equal(t, []string{"meeting", "team-a", "weekly"}, res.Tags)

	res = Evaluate(doc, Features{Title: "none"})
	assert.Equal(t, []string{}, res.Tags)
}

func TestEvaluate_TagRules(t *testing.T) {
	doc := MustParse(`{
		"default_category": "other",
		"tag_category_rules": [
			{"category": "legal", "tags": ["contract/*", "court"], "match": "all"},
			{"category": "contract", "tags": ["contract/*", "agreement"], "match": "any"},
			{"category": "archive", "tags": ["archive/**"], "match": "any"},
			{"category": "flat", "tags": ["*"], "match": "any"}
		]
	}`)

	tests := []struct {
		name string
		tags []string
		want string
		kind MatchKind
	}{
		{"any via wildcard", []string{"contract/nda"}, "contract", MatchedTagCategoryRule},
		{"all satisfied case-insensitive", []string{"Contract/NDA", "COURT"}, "legal", MatchedTagCategoryRule},
		{"any literal", []string{"agreement"}, "contract", MatchedTagCategoryRule},
		{"star does not cross slash", []string{"contract/a/b"}, "other", MatchedDefault},
		{"double star spans segments", []string{"archive/2025/q4"}, "archive", MatchedTagCategoryRule},
		{"bare star matches a flat tag", []string{"misc"}, "flat", MatchedTagCategoryRule},
		{"bare star skips a nested tag", []string{"a/b"}, "other", MatchedDefault},
		{"no tags", nil, "other", MatchedDefault},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Evaluate(doc, Features{Tags: tt.tags})
			assert.Equal(t, tt.want, res.Category)
			assert.Equal(t, tt.kind, res.Matched.Kind)
		})
	}
}

func TestGlobMatch_Segments(t *testing.T) {
	tests := []struct {
		pattern, tag string
		want         bool
	}{
		{"*", "a", true},
		{"*", "a/b", false},
		{"**", "a/b", true},
		{"contract/*", "contract/x/y", false},
		{"contract/**", "contract/x/y", true},
		{"contract/**", "contract", true},
		{"project:?lpha", "PROJECT:Alpha", true},
		{"{q1,q2}", "q2", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, globMatch(tt.pattern, tt.tag), "%q vs %q", tt.pattern, tt.tag)
	}
}

func TestEvaluate_KeywordRulesBeforeTagRules(t *testing.T) {
	doc := MustParse(`{
		"default_category": "other",
		"category_rules": [{"category": "meeting", "keywords": {"title": ["minutes"]}}],
		"tag_category_rules": [{"category": "contract", "tags": ["contract"]}]
	}`)

	res := Evaluate(doc, Features{Title: "minutes", Tags: []string{"contract"}})
	assert.Equal(t, "meeting", res.Category)
}

func TestEvaluate_ReviewOnDefault(t *testing.T) {
	doc := MustParse(`{"default_category": "기타", "review_on_default": true}`)

	res := Evaluate(doc, Features{Title: "something"})
	assert.Equal(t, "기타", res.Category)
	assert.True(t, res.ReviewNeeded)
	assert.Equal(t, []string{ReasonNoRuleMatched}, res.ReviewReasons)
}

func TestEvaluate_EventDate(t *testing.T) {
	doc := MustParse(`{"default_category": "x"}`)

	tests := []struct {
		name       string
		features   Features
		wantDate   string
		wantReason string
	}{
		{"dashed title", Features{Title: "2024-03-05 주간 회의"}, "2024-03-05", ""},
		{"dotted single digits", Features{Title: "회의 2024.3.5"}, "2024-03-05", ""},
		{"compact filename", Features{Filename: "report_20240305.pdf"}, "2024-03-05", ""},
		{"title before filename", Features{Title: "2023/12/31", Filename: "20240101.txt"}, "2023-12-31", ""},
		{"invalid month", Features{Title: "2024-13-40 회의"}, "", ReasonInvalidEventDate},
		{"invalid day", Features{Filename: "scan_20240230.png"}, "", ReasonInvalidEventDate},
		{"body ignored by default", Features{Body: "2024-01-01"}, "", ""},
		{"declared wins", Features{Title: "2024-01-01", EventDate: "2020-06-15"}, "2020-06-15", ""},
		{"declared invalid", Features{EventDate: "2024-02-30"}, "", ReasonInvalidEventDate},
		{"long number ignored", Features{Title: "order 1234567890"}, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Evaluate(doc, tt.features)
			assert.Equal(t, tt.wantDate, res.EventDate)
			if tt.wantReason == "" {
				assert.False(t, res.ReviewNeeded)
			} else {
				assert.True(t, res.ReviewNeeded)
				assert.Contains(t, res.ReviewReasons, tt.wantReason)
			}
		})
	}
}

func TestEvaluate_RequiredEventDate(t *testing.T) {
	doc := MustParse(`{"default_category": "x", "event_date": {"fields": ["body"], "required": true}}`)

	res := Evaluate(doc, Features{Title: "2024-01-01"})
	assert.True(t, res.ReviewNeeded)
	assert.Equal(t, []string{ReasonMissingEventDate}, res.ReviewReasons)

	res = Evaluate(doc, Features{Body: "dated 2024-01-01"})
	assert.False(t, res.ReviewNeeded)
	assert.Equal(t, "2024-01-01", res.EventDate)
}

func TestEvaluate_RequiredTags(t *testing.T) {
	doc := MustParse(`{
		"default_category": "x",
		"category_rules": [{"category": "meeting", "keywords": {"title": ["minutes"]}, "auto_tags": ["project:ops"]}],
		"required_tags": ["project:*"]
	}`)

	res := Evaluate(doc, Features{Title: "other", Tags: []string{"project:alpha"}})
	assert.False(t, res.ReviewNeeded)

	res = Evaluate(doc, Features{Title: "other"})
	require.True(t, res.ReviewNeeded)
	assert.Equal(t, []string{"missing_required_tag:project:*"}, res.ReviewReasons)

	res = Evaluate(doc, Features{Title: "minutes"})
	assert.False(t, res.ReviewNeeded, "auto tags satisfy required tags")
	assert.Equal(t, "meeting", res.Category)
}
