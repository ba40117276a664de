package rules

// Conflict is a keyword or tag pattern associated with more than one
// category within a single document.
type Conflict struct {
	Field      Field    `json:"field"`
	Keyword    string   `json:"keyword"`
	Categories []string `json:"categories"`
	Rules      []int    `json:"rules"`
	// Winner is the category the evaluator assigns when this keyword is
	// the only signal present.
	Winner string `json:"winner"`
}

type conflictKey struct {
	field Field
	term  string
}

type conflictAcc struct {
	keyword    string
	categories []string
	rules      []int
}

func (a *conflictAcc) add(category string, rule int) {
	if len(a.rules) == 0 || a.rules[len(a.rules)-1] != rule {
		a.rules = append(a.rules, rule)
	}
	for _, c := range a.categories {
		if c == category {
			return
		}
	}
	a.categories = append(a.categories, category)
}

// DetectConflicts walks every category-rule keyword and every tag pattern
// and reports those mapped to more than one category. Keywords compare
// case-insensitively within the same field. Results are in discovery order.
func DetectConflicts(doc *Document) []Conflict {
	var order []conflictKey
	acc := make(map[conflictKey]*conflictAcc)

	record := func(k conflictKey, original, category string, rule int) {
		a, ok := acc[k]
		if !ok {
			a = &conflictAcc{keyword: original}
			acc[k] = a
			order = append(order, k)
		}
		a.add(category, rule)
	}

	for i, r := range doc.CategoryRules {
		for _, field := range KeywordFields {
			for _, kw := range r.Keywords.For(field) {
				term := foldString(kw)
				if term == "" {
					continue
				}
				record(conflictKey{field: field, term: term}, kw, r.Category, i)
			}
		}
	}
	for i, r := range doc.TagCategoryRules {
		for _, p := range r.Tags {
			record(conflictKey{field: FieldTags, term: foldString(p)}, p, r.Category, i)
		}
	}

	conflicts := []Conflict{}
	for _, k := range order {
		a := acc[k]
		if len(a.categories) < 2 {
			continue
		}
		conflicts = append(conflicts, Conflict{
			Field:      k.field,
			Keyword:    a.keyword,
			Categories: a.categories,
			Rules:      a.rules,
			Winner:     winnerFor(doc, k.field, a),
		})
	}
	return conflicts
}

// winnerFor runs the evaluator's matching order on a feature bag holding
// only the conflicting term.
func winnerFor(doc *Document, field Field, a *conflictAcc) string {
	if field == FieldTags {
		if idx, ok := matchTagRules(doc.TagCategoryRules, []string{a.keyword}); ok {
			return doc.TagCategoryRules[idx].Category
		}
		return a.categories[0]
	}
	var f Features
	switch field {
	case FieldTitle:
		f.Title = a.keyword
	case FieldDescription:
		f.Description = a.keyword
	case FieldFilename:
		f.Filename = a.keyword
	case FieldBody:
		f.Body = a.keyword
	}
	if idx, _, _, ok := matchCategoryRules(doc.CategoryRules, f); ok {
		return doc.CategoryRules[idx].Category
	}
	return a.categories[0]
}
