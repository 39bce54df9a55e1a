package schema

import "testing"

func personSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"name", "age"},
		"properties": map[string]any{
			"name": map[string]any{"type": "string"},
			"age":  map[string]any{"type": "integer", "minimum": 0.0},
		},
	}
}

func TestValidateFullRequiresAllFields(t *testing.T) {
	v := New()
	if err := v.Register("people", personSchema()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := v.Validate("people", ModeFull, map[string]any{"name": "ada"}); err == nil {
		t.Fatal("Validate: want error for missing required field, got nil")
	}

	if err := v.Validate("people", ModeFull, map[string]any{"name": "ada", "age": 30}); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidatePartialIgnoresMissingRequired(t *testing.T) {
	v := New()
	if err := v.Register("people", personSchema()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := v.Validate("people", ModePartial, map[string]any{"name": "ada"}); err != nil {
		t.Fatalf("Validate partial: %v", err)
	}
}

func TestValidatePartialStillRejectsWrongType(t *testing.T) {
	v := New()
	if err := v.Register("people", personSchema()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := v.Validate("people", ModePartial, map[string]any{"age": "not a number"}); err == nil {
		t.Fatal("Validate partial: want error for wrong type, got nil")
	}
}

func TestValidateUnregisteredCollectionPassesSilently(t *testing.T) {
	v := New()
	if err := v.Validate("unknown", ModeFull, map[string]any{"anything": true}); err != nil {
		t.Fatalf("Validate for unregistered collection: %v", err)
	}
}

func TestValidateStripsUnderscoreID(t *testing.T) {
	v := New()
	if err := v.Register("people", personSchema()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Without stripping "_id", "additionalProperties" defaults to allowed,
	// so this only confirms _id doesn't trip required-field checks when a
	// schema tightens additionalProperties; exercise the strip path directly.
	doc := map[string]any{"_id": "abc", "name": "ada", "age": 30}
	if err := v.Validate("people", ModeFull, doc); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
