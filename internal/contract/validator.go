package contract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/dinedex/enricher/internal/extract"
)

// Validator enforces a Contract against raw model output. Structural checks
// run through a compiled JSON Schema; word windows are checked afterwards.
// It rejects out-of-range values rather than coercing them.
type Validator struct {
	contract *Contract
	schema   *jsonschema.Schema
}

// NewValidator compiles the contract's schema once; a Validator is safe for
// concurrent use.
func NewValidator(c *Contract) (*Validator, error) {
	doc, err := json.Marshal(c.SchemaDoc())
	if err != nil {
		return nil, fmt.Errorf("contract %q: marshal schema: %w", c.Name, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("contract.json", bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("contract %q: add schema resource: %w", c.Name, err)
	}
	schema, err := compiler.Compile("contract.json")
	if err != nil {
		return nil, fmt.Errorf("contract %q: compile schema: %w", c.Name, err)
	}
	return &Validator{contract: c, schema: schema}, nil
}

// Contract returns the contract this validator enforces.
func (v *Validator) Contract() *Contract { return v.contract }

// Validate parses and validates raw output. A parse failure is a
// *extract.MalformedOutputError (repair-then-retry territory for the
// caller); a contract violation is a *extract.SchemaViolationError
// (terminal skip).
func (v *Validator) Validate(raw []byte) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &extract.MalformedOutputError{Err: err}
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, &extract.MalformedOutputError{Err: err}
	}
	if err := v.schema.Validate(generic); err != nil {
		return nil, &extract.SchemaViolationError{Detail: schemaErrDetail(err), Err: err}
	}
	for _, f := range v.contract.Fields {
		if f.MinWords == 0 && f.MaxWords == 0 {
			continue
		}
		val, ok := fields[f.Name]
		if !ok {
			continue
		}
		s, ok := val.(string)
		if !ok {
			continue
		}
		n := wordCount(s)
		if n < f.MinWords || (f.MaxWords > 0 && n > f.MaxWords) {
			return nil, &extract.SchemaViolationError{
				Detail: fmt.Sprintf("field %q: %d words outside window [%d,%d]", f.Name, n, f.MinWords, f.MaxWords),
			}
		}
	}
	return fields, nil
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

// schemaErrDetail flattens a jsonschema validation error into a single line
// suitable for a checkpoint entry.
func schemaErrDetail(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	loc := strings.TrimPrefix(leaf.InstanceLocation, "/")
	if loc == "" {
		return leaf.Message
	}
	return loc + ": " + leaf.Message
}
