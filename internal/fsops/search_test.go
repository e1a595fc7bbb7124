package fsops

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/termlink/termlink/internal/config"
)

func seedSearchTree(t *testing.T, root string) {
	t.Helper()
	files := map[string]string{
		"main.go":             "package main\n\nfunc main() { println(\"hello\") }\n",
		"util/helper.go":      "package util\n// helper for main\n",
		"util/helper_test.go": "package util\n",
		"docs/readme.md":      "usage: run main\n",
		"build/out.go":        "package build\n",
		".gitignore":          "build/\n",
	}
	for rel, content := range files {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSearchFilesByName(t *testing.T) {
	e, root := testEngine(t)
	seedSearchTree(t, root)

	res, err := e.SearchFiles(root, "*.go", "", 0, 0)
	if err != nil {
		t.Fatalf("SearchFiles failed: %v", err)
	}

	names := map[string]bool{}
	for _, m := range res.Matches {
		names[m.Entry.Name] = true
	}
	for _, want := range []string{"main.go", "helper.go", "helper_test.go"} {
		if !names[want] {
			t.Errorf("missing expected match %s (got %v)", want, names)
		}
	}
	if names["out.go"] {
		t.Error("gitignored build/ leaked into results")
	}
	if names["readme.md"] {
		t.Error("non-matching name in results")
	}
}

func TestSearchFilesSubstringPattern(t *testing.T) {
	e, root := testEngine(t)
	seedSearchTree(t, root)

	res, err := e.SearchFiles(root, "helper", "", 0, 0)
	if err != nil {
		t.Fatalf("SearchFiles failed: %v", err)
	}
	if len(res.Matches) != 2 {
		t.Errorf("expected 2 helper matches, got %d", len(res.Matches))
	}
}

func TestSearchFilesContent(t *testing.T) {
	e, root := testEngine(t)
	seedSearchTree(t, root)

	res, err := e.SearchFiles(root, "*.go", "package main", 0, 0)
	if err != nil {
		t.Fatalf("SearchFiles failed: %v", err)
	}
	if len(res.Matches) != 1 {
		t.Fatalf("expected 1 content match, got %d", len(res.Matches))
	}
	m := res.Matches[0]
	if m.Entry.Name != "main.go" {
		t.Errorf("wrong file matched: %s", m.Entry.Name)
	}
	if len(m.ContentMatches) != 1 || m.ContentMatches[0].LineNumber != 1 || m.ContentMatches[0].Column != 1 {
		t.Errorf("unexpected content match: %+v", m.ContentMatches)
	}
}

func TestSearchFilesMaxResults(t *testing.T) {
	e, root := testEngine(t)
	seedSearchTree(t, root)

	res, err := e.SearchFiles(root, "*.go", "", 0, 1)
	if err != nil {
		t.Fatalf("SearchFiles failed: %v", err)
	}
	if len(res.Matches) != 1 || !res.Truncated {
		t.Errorf("expected truncated single result, got %d (truncated=%v)", len(res.Matches), res.Truncated)
	}
}

func TestSearchFilesMaxDepth(t *testing.T) {
	e, root := testEngine(t)
	seedSearchTree(t, root)

	res, err := e.SearchFiles(root, "*.go", "", 1, 0)
	if err != nil {
		t.Fatalf("SearchFiles failed: %v", err)
	}
	for _, m := range res.Matches {
		if m.Entry.Name != "main.go" {
			t.Errorf("depth-1 search returned nested file %s", m.Entry.Path)
		}
	}
}

func TestSearchFilesSkipsDenied(t *testing.T) {
	e, root := testEngine(t, func(p *config.Policy) {
		p.DeniedPatterns = []string{"**/*.pem"}
	})
	seedSearchTree(t, root)
	if err := os.WriteFile(filepath.Join(root, "cert.pem"), []byte("---"), 0644); err != nil {
		t.Fatal(err)
	}

	res, err := e.SearchFiles(root, "*", "", 0, 0)
	if err != nil {
		t.Fatalf("SearchFiles failed: %v", err)
	}
	for _, m := range res.Matches {
		if m.Entry.Name == "cert.pem" {
			t.Error("denied file leaked into search results")
		}
	}
}
