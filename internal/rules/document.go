package rules

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/roach88/curator/internal/canon"
)

// Field names a feature field that keyword lists are keyed by.
type Field string

const (
	FieldTitle       Field = "title"
	FieldDescription Field = "description"
	FieldFilename    Field = "filename"
	FieldBody        Field = "body"

	// FieldTags is only used in conflict reports for tag patterns.
	FieldTags Field = "tags"
)

// KeywordFields lists the keyword-bearing fields in evaluation order.
var KeywordFields = []Field{FieldTitle, FieldDescription, FieldFilename, FieldBody}

// MatchMode controls how a TagCategoryRule combines its patterns.
type MatchMode string

const (
	MatchAny MatchMode = "any"
	MatchAll MatchMode = "all"
)

// KeywordSet holds keyword lists per feature field.
type KeywordSet struct {
	Title       []string `json:"title,omitempty"`
	Description []string `json:"description,omitempty"`
	Filename    []string `json:"filename,omitempty"`
	Body        []string `json:"body,omitempty"`
}

// For returns the keyword list for f.
func (k KeywordSet) For(f Field) []string {
	switch f {
	case FieldTitle:
		return k.Title
	case FieldDescription:
		return k.Description
	case FieldFilename:
		return k.Filename
	case FieldBody:
		return k.Body
	default:
		return nil
	}
}

func (k KeywordSet) empty() bool {
	return len(k.Title)+len(k.Description)+len(k.Filename)+len(k.Body) == 0
}

// CategoryRule assigns Category when any keyword matches its field.
type CategoryRule struct {
	Category string     `json:"category"`
	Keywords KeywordSet `json:"keywords"`
	AutoTags []string   `json:"auto_tags,omitempty"`
}

// TagCategoryRule assigns Category when the submitted tags satisfy the
// patterns under Match. Patterns are case-insensitive globs in which '/'
// separates segments: `*` and `?` stay within one segment and `**` spans
// any number of them. So `*` does not match "a/b", while `contract/**`
// matches "contract/x/y" and `**` matches every tag.
type TagCategoryRule struct {
	Category string    `json:"category"`
	Tags     []string  `json:"tags"`
	Match    MatchMode `json:"match"`
}

// EventDateRule configures event-date derivation.
type EventDateRule struct {
	Fields   []Field `json:"fields"`
	Required bool    `json:"required"`
}

// Document is a parsed, validated rule document.
type Document struct {
	DefaultCategory  string            `json:"default_category"`
	ReviewOnDefault  bool              `json:"review_on_default"`
	CategoryRules    []CategoryRule    `json:"category_rules"`
	TagCategoryRules []TagCategoryRule `json:"tag_category_rules"`
	RequiredTags     []string          `json:"required_tags"`
	EventDate        *EventDateRule    `json:"event_date,omitempty"`
}

// DefaultEventDateFields is used when a document has no event_date section.
var DefaultEventDateFields = []Field{FieldTitle, FieldFilename}

// InvalidError reports a rule document that failed validation.
type InvalidError struct {
	Message string
	Details string
}

func (e *InvalidError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("invalid rules: %s: %s", e.Message, strings.TrimSpace(e.Details))
	}
	return "invalid rules: " + e.Message
}

// Parse validates raw JSON against the rule schema and returns the decoded
// document with defaults applied.
func Parse(raw []byte) (*Document, error) {
	var doc Document
	if err := decodeWithSchema(raw, &doc); err != nil {
		return nil, err
	}
	doc.normalize()
	if err := doc.validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// MustParse is like Parse but panics on error. Use only in tests.
func MustParse(raw string) *Document {
	doc, err := Parse([]byte(raw))
	if err != nil {
		panic(err)
	}
	return doc
}

func (d *Document) normalize() {
	for i := range d.TagCategoryRules {
		if d.TagCategoryRules[i].Match == "" {
			d.TagCategoryRules[i].Match = MatchAny
		}
	}
	if d.EventDate != nil && len(d.EventDate.Fields) == 0 {
		d.EventDate.Fields = append([]Field(nil), DefaultEventDateFields...)
	}
	if d.CategoryRules == nil {
		d.CategoryRules = []CategoryRule{}
	}
	if d.TagCategoryRules == nil {
		d.TagCategoryRules = []TagCategoryRule{}
	}
	if d.RequiredTags == nil {
		d.RequiredTags = []string{}
	}
}

// validate checks what the schema cannot express.
func (d *Document) validate() error {
	for i, r := range d.CategoryRules {
		if r.Keywords.empty() {
			return &InvalidError{Message: fmt.Sprintf("category_rules[%d] (%s) has no keywords", i, r.Category)}
		}
	}
	for i, r := range d.TagCategoryRules {
		if r.Match != MatchAny && r.Match != MatchAll {
			return &InvalidError{Message: fmt.Sprintf("tag_category_rules[%d] has unknown match mode %q", i, r.Match)}
		}
		for _, p := range r.Tags {
			if !doublestar.ValidatePattern(foldString(p)) {
				return &InvalidError{Message: fmt.Sprintf("tag_category_rules[%d] has invalid pattern %q", i, p)}
			}
		}
	}
	for _, p := range d.RequiredTags {
		if !doublestar.ValidatePattern(foldString(p)) {
			return &InvalidError{Message: fmt.Sprintf("required_tags has invalid pattern %q", p)}
		}
	}
	return nil
}

// eventDateRule returns the configured rule or the default one.
func (d *Document) eventDateRule() EventDateRule {
	if d.EventDate != nil {
		return *d.EventDate
	}
	return EventDateRule{Fields: DefaultEventDateFields}
}

// canonicalMap converts d to the generic shape accepted by canon.Marshal.
// Every field is emitted explicitly so defaulted and spelled-out documents
// hash identically.
func (d *Document) canonicalMap() map[string]any {
	categoryRules := make([]any, 0, len(d.CategoryRules))
	for _, r := range d.CategoryRules {
		kw := map[string]any{}
		for _, f := range KeywordFields {
			if list := r.Keywords.For(f); len(list) > 0 {
				kw[string(f)] = stringsToAny(list)
			}
		}
		entry := map[string]any{
			"category": r.Category,
			"keywords": kw,
		}
		if len(r.AutoTags) > 0 {
			entry["auto_tags"] = stringsToAny(r.AutoTags)
		}
		categoryRules = append(categoryRules, entry)
	}

	tagRules := make([]any, 0, len(d.TagCategoryRules))
	for _, r := range d.TagCategoryRules {
		tagRules = append(tagRules, map[string]any{
			"category": r.Category,
			"tags":     stringsToAny(r.Tags),
			"match":    string(r.Match),
		})
	}

	m := map[string]any{
		"default_category":   d.DefaultCategory,
		"review_on_default":  d.ReviewOnDefault,
		"category_rules":     categoryRules,
		"tag_category_rules": tagRules,
		"required_tags":      stringsToAny(d.RequiredTags),
	}
	if d.EventDate != nil {
		fields := make([]any, len(d.EventDate.Fields))
		for i, f := range d.EventDate.Fields {
			fields[i] = string(f)
		}
		m["event_date"] = map[string]any{
			"fields":   fields,
			"required": d.EventDate.Required,
		}
	}
	return m
}

// Canonical returns the RFC 8785 canonical JSON encoding of d.
func (d *Document) Canonical() ([]byte, error) {
	return canon.Marshal(d.canonicalMap())
}

// Checksum returns the content hash of d's canonical encoding.
func (d *Document) Checksum() (string, error) {
	return canon.Checksum(canon.DomainRules, d.canonicalMap())
}

// ParseCanonical decodes JSON previously produced by Canonical. Stored
// documents were validated on the way in, so the schema is skipped.
func ParseCanonical(raw []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode stored rules: %w", err)
	}
	doc.normalize()
	return &doc, nil
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
