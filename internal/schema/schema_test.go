package schema

import (
	"encoding/json"
	"testing"
)

func TestGetRegisteredMessage(t *testing.T) {
	raw, err := Get("hello")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		t.Fatalf("generated schema is not valid JSON: %v", err)
	}
	if parsed["type"] != "object" {
		t.Errorf("expected type=object, got %v", parsed["type"])
	}

	props, ok := parsed["properties"].(map[string]any)
	if !ok {
		t.Fatalf("expected properties object, got %T", parsed["properties"])
	}
	for _, want := range []string{"type", "client_version"} {
		if _, exists := props[want]; !exists {
			t.Errorf("expected property %q in hello schema", want)
		}
	}
}

func TestGetUnknownLabel(t *testing.T) {
	if _, err := Get("no-such-message"); err == nil {
		t.Error("expected error for unknown label")
	}
}

func TestGetIsCached(t *testing.T) {
	first, err := Get("write_file")
	if err != nil {
		t.Fatal(err)
	}
	second, err := Get("write_file")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("cached schema differs between calls")
	}
}

func TestLabelsSortedAndComplete(t *testing.T) {
	labels := Labels()
	if len(labels) == 0 {
		t.Fatal("no labels registered")
	}
	seen := make(map[string]bool, len(labels))
	for i, label := range labels {
		if i > 0 && labels[i-1] > label {
			t.Errorf("labels not sorted: %q before %q", labels[i-1], label)
		}
		seen[label] = true
	}
	for _, want := range []string{"hello", "welcome", "file_changed", "operation_error"} {
		if !seen[want] {
			t.Errorf("expected label %q to be registered", want)
		}
	}
}

func TestSchemasUseSnakeCaseFields(t *testing.T) {
	raw, err := Get("waiting_for_input")
	if err != nil {
		t.Fatal(err)
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		t.Fatal(err)
	}
	props := parsed["properties"].(map[string]any)
	for _, want := range []string{"session_id", "wait_type", "approval_model"} {
		if _, exists := props[want]; !exists {
			t.Errorf("expected snake_case property %q", want)
		}
	}
}
