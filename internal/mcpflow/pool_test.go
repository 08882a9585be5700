package mcpflow

import "testing"

func TestSanitizeSchemaObjectAddsProperties(t *testing.T) {
	s := map[string]any{"type": "object"}
	sanitizeSchema(s)
	if props, ok := s["properties"].(map[string]any); !ok || props == nil {
		t.Fatalf("expected properties map, got %#v", s["properties"])
	}
}

func TestSanitizeSchemaArrayAddsItems(t *testing.T) {
	s := map[string]any{"type": "array"}
	sanitizeSchema(s)
	v, ok := s["items"].(map[string]any)
	if !ok || v == nil {
		t.Fatalf("expected items map, got %#v", s["items"])
	}
	if v["type"] != "string" {
		t.Fatalf("expected default items.type string, got %v", v["type"])
	}
}

func TestSanitizeSchemaCompositionAndRequiredNormalization(t *testing.T) {
	top := map[string]any{
		"oneOf": []any{
			map[string]any{"type": "object", "properties": map[string]any{"a": map[string]any{}}, "required": []any{"a"}},
		},
		"required": []any{"root"},
	}
	sanitizeSchema(top)
	one := top["oneOf"].([]any)[0].(map[string]any)
	if _, ok := one["required"].([]string); !ok {
		t.Fatalf("expected nested required to be []string, got %#v", one["required"])
	}
	if _, ok := top["required"].([]string); !ok {
		t.Fatalf("expected top required to be []string, got %#v", top["required"])
	}
}

func TestSanitizeSchemaRecursesIntoNestedProperties(t *testing.T) {
	s := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"nested": map[string]any{"type": "array"},
		},
	}
	sanitizeSchema(s)
	nested := s["properties"].(map[string]any)["nested"].(map[string]any)
	if _, ok := nested["items"].(map[string]any); !ok {
		t.Fatalf("expected nested array schema to also get default items, got %#v", nested["items"])
	}
}
