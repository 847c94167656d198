package artifact

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/signed_manifest.schema.json
var signedManifestSchema []byte

const schemaURL = "https://sonnun.local/schema/signed_manifest.schema.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

// Schema returns the compiled schema of the signed manifest block.
func Schema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, bytes.NewReader(signedManifestSchema)); err != nil {
			schemaErr = fmt.Errorf("artifact: load schema: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(schemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("artifact: compile schema: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

// SchemaJSON returns the raw schema document.
func SchemaJSON() []byte {
	return bytes.Clone(signedManifestSchema)
}

// Validate checks a signed manifest block against the schema.
func Validate(block []byte) error {
	schema, err := Schema()
	if err != nil {
		return err
	}
	var instance any
	if err := json.Unmarshal(block, &instance); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrMalformed, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: schema validation failed: %v", ErrMalformed, err)
	}
	return nil
}
