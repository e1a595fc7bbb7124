// Package schema exports JSON schemas for the wire protocol messages, so
// client implementations can validate against the daemon they target.
// Schemas are reflected from the protocol structs at runtime and therefore
// never drift from the Go definitions.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/swaggest/jsonschema-go"

	"github.com/termlink/termlink/internal/protocol"
)

type entry struct {
	value any
}

var (
	mu       sync.RWMutex
	registry = make(map[string]entry)
	cache    = make(map[string]string)
)

func init() {
	Register("hello", protocol.Hello{})
	Register("welcome", protocol.Welcome{})
	Register("sessions", protocol.Sessions{})
	Register("spawn_session", protocol.SpawnSession{})
	Register("waiting_for_input", protocol.WaitingForInput{})
	Register("pty_bytes", protocol.PTYBytes{})
	Register("list_directory", protocol.ListDirectory{})
	Register("directory_listing", protocol.DirectoryListing{})
	Register("read_file", protocol.ReadFile{})
	Register("file_content", protocol.FileContent{})
	Register("write_file", protocol.WriteFile{})
	Register("upload_file", protocol.UploadFile{})
	Register("search_files", protocol.SearchFiles{})
	Register("search_results", protocol.SearchResults{})
	Register("file_changed", protocol.FileChanged{})
	Register("operation_error", protocol.OperationError{})
}

// Register adds a message type under a label. Generation is lazy.
func Register(label string, v any) {
	mu.Lock()
	defer mu.Unlock()
	registry[label] = entry{value: v}
}

// Get returns the JSON schema for a registered label, cached after first use.
func Get(label string) (string, error) {
	mu.RLock()
	if cached, ok := cache[label]; ok {
		mu.RUnlock()
		return cached, nil
	}
	e, ok := registry[label]
	mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown schema label: %s", label)
	}

	schema, err := GenerateJSON(e.value)
	if err != nil {
		return "", fmt.Errorf("failed to generate schema for %s: %w", label, err)
	}

	mu.Lock()
	cache[label] = schema
	mu.Unlock()
	return schema, nil
}

// Labels returns all registered labels, sorted.
func Labels() []string {
	mu.RLock()
	defer mu.RUnlock()
	labels := make([]string, 0, len(registry))
	for label := range registry {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// GenerateJSON reflects a JSON schema from a Go value, with refs inlined so
// each schema stands alone.
func GenerateJSON(v any) (string, error) {
	r := jsonschema.Reflector{}
	schema, err := r.Reflect(v, jsonschema.InlineRefs)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
