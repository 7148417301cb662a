// Package contract defines the output contract for structured extraction:
// which keys the model must produce, their types and ranges, and the word
// window enforced on generated prose. The contract document is YAML so it can
// be reviewed and tuned without a rebuild.
package contract

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Field describes one key of the extraction output.
type Field struct {
	Name     string `yaml:"name"`
	// Type is a JSON type: string, number, integer, boolean, or array
	// (array items are strings).
	Type     string `yaml:"type"`
	Required bool   `yaml:"required"`

	// Min/Max bound numeric values. Nil means unbounded.
	Min *float64 `yaml:"min,omitempty"`
	Max *float64 `yaml:"max,omitempty"`

	// MinWords/MaxWords bound the word count of a string field. Zero for
	// both disables the window. Out-of-window values are rejected, never
	// truncated or padded.
	MinWords int `yaml:"minWords,omitempty"`
	MaxWords int `yaml:"maxWords,omitempty"`
}

// Contract is the full output contract for one extraction task.
type Contract struct {
	Name   string  `yaml:"name"`
	Fields []Field `yaml:"fields"`
}

var validTypes = map[string]bool{
	"string":  true,
	"number":  true,
	"integer": true,
	"boolean": true,
	"array":   true,
}

// Parse decodes and sanity-checks a YAML contract document.
func Parse(data []byte) (*Contract, error) {
	var c Contract
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("contract: parse yaml: %w", err)
	}
	if len(c.Fields) == 0 {
		return nil, fmt.Errorf("contract %q: no fields defined", c.Name)
	}
	seen := make(map[string]bool, len(c.Fields))
	for i, f := range c.Fields {
		name := strings.TrimSpace(f.Name)
		if name == "" {
			return nil, fmt.Errorf("contract %q: field %d has no name", c.Name, i)
		}
		if seen[name] {
			return nil, fmt.Errorf("contract %q: duplicate field %q", c.Name, name)
		}
		seen[name] = true
		if !validTypes[f.Type] {
			return nil, fmt.Errorf("contract %q: field %q has invalid type %q", c.Name, name, f.Type)
		}
		if f.MinWords < 0 || f.MaxWords < 0 || (f.MaxWords > 0 && f.MinWords > f.MaxWords) {
			return nil, fmt.Errorf("contract %q: field %q has invalid word window [%d,%d]", c.Name, name, f.MinWords, f.MaxWords)
		}
		if (f.MinWords > 0 || f.MaxWords > 0) && f.Type != "string" {
			return nil, fmt.Errorf("contract %q: field %q: word window requires type string", c.Name, name)
		}
	}
	return &c, nil
}

// Load reads a contract document from disk.
func Load(path string) (*Contract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("contract: read %s: %w", path, err)
	}
	return Parse(data)
}

// Required returns the names of required fields in declaration order.
func (c *Contract) Required() []string {
	var out []string
	for _, f := range c.Fields {
		if f.Required {
			out = append(out, f.Name)
		}
	}
	return out
}

// SchemaDoc renders the contract as a JSON Schema document. Extra keys are
// rejected: the prompt instructs the model not to invent fields, and the
// validator holds it to that.
func (c *Contract) SchemaDoc() map[string]any {
	props := make(map[string]any, len(c.Fields))
	for _, f := range c.Fields {
		p := map[string]any{}
		if f.Type == "array" {
			p["type"] = "array"
			p["items"] = map[string]any{"type": "string"}
		} else {
			p["type"] = f.Type
		}
		if f.Min != nil {
			p["minimum"] = *f.Min
		}
		if f.Max != nil {
			p["maximum"] = *f.Max
		}
		props[f.Name] = p
	}
	doc := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if req := c.Required(); len(req) > 0 {
		doc["required"] = req
	}
	return doc
}

// DefaultReviewSummary is the built-in contract for restaurant review
// summaries, used when no contract file is configured.
func DefaultReviewSummary() *Contract {
	one := 1.0
	five := 5.0
	return &Contract{
		Name: "review-summary",
		Fields: []Field{
			{Name: "summary", Type: "string", Required: true, MinWords: 40, MaxWords: 120},
			{Name: "highlights", Type: "array", Required: true},
			{Name: "rating", Type: "number", Min: &one, Max: &five},
			{Name: "neighborhood", Type: "string"},
		},
	}
}
