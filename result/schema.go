package result

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed wire_schema.json
var wireSchemaJSON []byte

const wireSchemaURL = "extraction-result.json"

var compileWireSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(wireSchemaURL, bytes.NewReader(wireSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add wire schema: %w", err)
	}
	return compiler.Compile(wireSchemaURL)
})

// WireSchema returns the JSON Schema document of the wire shape.
func WireSchema() []byte {
	return bytes.Clone(wireSchemaJSON)
}

// ValidateWire checks that data is a JSON document in the wire shape.
func ValidateWire(data []byte) error {
	schema, err := compileWireSchema()
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("unmarshal wire json: %w", err)
	}
	if dec.More() {
		return fmt.Errorf("unmarshal wire json: trailing data after document")
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("wire json does not match schema: %w", err)
	}
	return nil
}
