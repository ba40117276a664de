package rules

import (
	_ "embed"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaSource string

// decodeWithSchema validates raw JSON against #RuleDocument and decodes the
// unified value (schema defaults applied) into doc.
func decodeWithSchema(raw []byte, doc *Document) error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile rule schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#RuleDocument"))

	data := ctx.CompileBytes(raw, cue.Filename("rules.json"))
	if err := data.Err(); err != nil {
		return &InvalidError{Message: "malformed rule document", Details: cueerrors.Details(err, nil)}
	}

	unified := def.Unify(data)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return &InvalidError{Message: "rule document does not match schema", Details: cueerrors.Details(err, nil)}
	}

	if err := unified.Decode(doc); err != nil {
		return fmt.Errorf("decode rule document: %w", err)
	}
	return nil
}
