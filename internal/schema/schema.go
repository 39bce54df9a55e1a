// Package schema implements the Graph Node Schema Validator (component K):
// collections may register a JSON Schema; writes to an unregistered
// collection pass silently (schemas are opt-in), and "_id" is stripped
// before validation the same way internal/service.SanitizeSchema deep-walks
// a schema tree to strip provider-unsupported keywords before it is ever
// sent onward.
package schema

import (
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Mode selects how strictly a document is checked.
type Mode string

const (
	// ModeFull validates every required field in the schema.
	ModeFull Mode = "full"
	// ModePartial validates only the fields present in the document,
	// ignoring the schema's "required" list — for incremental updates that
	// touch a subset of a record's fields.
	ModePartial Mode = "partial"
)

// Validator owns one compiled schema per collection.
type Validator struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

func New() *Validator {
	return &Validator{schemas: make(map[string]*jsonschema.Schema)}
}

// Register compiles and stores the schema for collection, as raw JSON
// Schema (already unmarshaled into Go values, e.g. via json.Unmarshal).
func (v *Validator) Register(collection string, schemaDoc map[string]any) error {
	compiler := jsonschema.NewCompiler()
	const resourceURL = "schema.json"
	if err := compiler.AddResource(resourceURL, schemaDoc); err != nil {
		return fmt.Errorf("schema: add resource for %q: %w", collection, err)
	}
	compiled, err := compiler.Compile(resourceURL)
	if err != nil {
		return fmt.Errorf("schema: compile schema for %q: %w", collection, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.schemas[collection] = compiled
	return nil
}

// Unregister removes collection's schema; writes to it will pass silently
// again.
func (v *Validator) Unregister(collection string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.schemas, collection)
}

// Validate checks doc against collection's registered schema. Collections
// with no registered schema pass silently (schema validation is opt-in per
// collection, not a blanket requirement). "_id" is stripped from the
// document before validation since it is a storage-layer concern the
// schema author never declares.
func (v *Validator) Validate(collection string, mode Mode, doc map[string]any) error {
	v.mu.RLock()
	compiled, ok := v.schemas[collection]
	v.mu.RUnlock()
	if !ok {
		return nil
	}

	clean := make(map[string]any, len(doc))
	for k, val := range doc {
		if k == "_id" {
			continue
		}
		clean[k] = val
	}

	if mode == ModePartial {
		// jsonschema.Schema.Validate always enforces top-level "required";
		// partial mode needs it relaxed to the fields actually present, so
		// validate per-field against the schema's own property subschemas
		// instead of the whole document.
		return v.validatePartial(compiled, clean, collection)
	}

	if err := compiled.Validate(clean); err != nil {
		return fmt.Errorf("schema: %q: %w", collection, err)
	}
	return nil
}

func (v *Validator) validatePartial(compiled *jsonschema.Schema, doc map[string]any, collection string) error {
	for key, val := range doc {
		prop, ok := compiled.Properties[key]
		if !ok {
			continue
		}
		if err := prop.Validate(val); err != nil {
			return fmt.Errorf("schema: %q: field %q: %w", collection, key, err)
		}
	}
	return nil
}
