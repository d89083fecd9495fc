package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type jsonSchema struct {
	compiled *jsonschema.Schema
}

// NewJSONSchema compiles a JSON Schema document into a registry Schema.
func NewJSONSchema(doc string) (Schema, error) {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("parsing schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", parsed); err != nil {
		return nil, err
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	return &jsonSchema{compiled: compiled}, nil
}

// MustJSONSchema is NewJSONSchema for package-level schema declarations;
// panics on a malformed document.
func MustJSONSchema(doc string) Schema {
	schema, err := NewJSONSchema(doc)
	if err != nil {
		panic(err)
	}
	return schema
}

// Validate round-trips data through JSON so arbitrary Go values carry the
// number representation the validator expects.
func (s *jsonSchema) Validate(data map[string]any) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return err
	}
	decoded, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	return s.compiled.Validate(decoded)
}
