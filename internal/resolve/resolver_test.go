package resolve

import (
	"io"
	"log"
	"testing"
)

var quiet = log.New(io.Discard, "", 0)

func TestWholeFieldReferenceKeepsNativeType(t *testing.T) {
	tpl := Parse(map[string]any{
		"value": "ref(1, result.value)",
	})
	outputs := map[int]map[string]any{
		1: {"result": map[string]any{"value": 42.0}},
	}
	resolved := tpl.Resolve(outputs, quiet)
	if got, ok := resolved["value"].(float64); !ok || got != 42.0 {
		t.Fatalf("expected float64 42, got %T %v", resolved["value"], resolved["value"])
	}
}

func TestInterpolationRendersIntoText(t *testing.T) {
	tpl := Parse(map[string]any{
		"message": "count was ref(0, result.count) items",
	})
	outputs := map[int]map[string]any{
		0: {"result": map[string]any{"count": 3.0}},
	}
	resolved := tpl.Resolve(outputs, quiet)
	if resolved["message"] != "count was 3 items" {
		t.Fatalf("unexpected interpolation: %q", resolved["message"])
	}
}

func TestListIndexPath(t *testing.T) {
	tpl := Parse(map[string]any{
		"first": "ref(0, result.items.0.name)",
	})
	outputs := map[int]map[string]any{
		0: {"result": map[string]any{
			"items": []any{
				map[string]any{"name": "alpha"},
				map[string]any{"name": "beta"},
			},
		}},
	}
	resolved := tpl.Resolve(outputs, quiet)
	if resolved["first"] != "alpha" {
		t.Fatalf("expected alpha, got %v", resolved["first"])
	}
}

func TestUnresolvableReferenceStaysVerbatim(t *testing.T) {
	tpl := Parse(map[string]any{
		"value": "ref(2, missing.path)",
	})
	resolved := tpl.Resolve(map[int]map[string]any{}, quiet)
	if resolved["value"] != "ref(2, missing.path)" {
		t.Fatalf("expected verbatim token, got %v", resolved["value"])
	}
}

func TestNestedStructuresAndLiterals(t *testing.T) {
	tpl := Parse(map[string]any{
		"literal": "no refs here",
		"number":  7,
		"nested": map[string]any{
			"inner": "ref(0, result)",
		},
		"list": []any{"ref(0, result.count)", "plain"},
	})
	outputs := map[int]map[string]any{
		0: {"result": map[string]any{"count": 2.0}},
	}
	resolved := tpl.Resolve(outputs, quiet)

	if resolved["literal"] != "no refs here" {
		t.Fatalf("literal changed: %v", resolved["literal"])
	}
	if resolved["number"] != 7 {
		t.Fatalf("non-string literal changed: %v", resolved["number"])
	}
	nested, ok := resolved["nested"].(map[string]any)
	if !ok {
		t.Fatalf("nested map lost: %T", resolved["nested"])
	}
	inner, ok := nested["inner"].(map[string]any)
	if !ok || inner["count"] != 2.0 {
		t.Fatalf("whole-object reference not resolved: %v", nested["inner"])
	}
	list, ok := resolved["list"].([]any)
	if !ok || len(list) != 2 {
		t.Fatalf("list lost: %v", resolved["list"])
	}
	if list[0] != 2.0 || list[1] != "plain" {
		t.Fatalf("list items wrong: %v", list)
	}
}

func TestMaxStepAndHasRefs(t *testing.T) {
	tpl := Parse(map[string]any{
		"a": "ref(3, result)",
		"b": "ref(1, other) and ref(5, more)",
	})
	if !tpl.HasRefs() {
		t.Fatalf("expected refs")
	}
	if got := tpl.MaxStep(); got != 5 {
		t.Fatalf("expected max step 5, got %d", got)
	}

	empty := Parse(map[string]any{"a": "plain"})
	if empty.HasRefs() {
		t.Fatalf("expected no refs")
	}
	if got := empty.MaxStep(); got != -1 {
		t.Fatalf("expected -1 for no refs, got %d", got)
	}
}

func TestMalformedTokenIsLiteral(t *testing.T) {
	tpl := Parse(map[string]any{
		"a": "ref(x, result)",
		"b": "ref 1, result)",
	})
	if tpl.HasRefs() {
		t.Fatalf("malformed tokens should not parse as references")
	}
	resolved := tpl.Resolve(map[int]map[string]any{}, quiet)
	if resolved["a"] != "ref(x, result)" || resolved["b"] != "ref 1, result)" {
		t.Fatalf("malformed tokens changed: %v", resolved)
	}
}
