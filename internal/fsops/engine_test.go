package fsops

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/termlink/termlink/internal/config"
	"github.com/termlink/termlink/internal/protocol"
	"github.com/termlink/termlink/internal/sandbox"
)

func testEngine(t *testing.T, mutate ...func(*config.Policy)) (*Engine, string) {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("failed to canonicalize temp dir: %v", err)
	}
	p := &config.Policy{
		AllowedRoots:     []string{root},
		DeniedPatterns:   []string{"**/.ssh/*", "**/*.pem"},
		MaxReadSize:      1 << 20,
		MaxWriteSize:     1 << 20,
		MaxListEntries:   100,
		MaxSearchResults: 100,
	}
	for _, f := range mutate {
		f(p)
	}
	return NewEngine(sandbox.New(p)), root
}

func wantCode(t *testing.T, err error, code protocol.ErrorCode) {
	t.Helper()
	var fe *protocol.FSError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FSError with code %s, got %T: %v", code, err, err)
	}
	if fe.Code != code {
		t.Fatalf("expected code %s, got %s (%v)", code, fe.Code, fe)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	e, root := testEngine(t)
	path := filepath.Join(root, "hello.txt")

	if _, err := e.WriteFile(path, "hello world", protocol.EncodingUTF8, false); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	got, err := e.ReadFile(path, 0, 0, "")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if got.Content != "hello world" {
		t.Errorf("round trip mismatch: %q", got.Content)
	}
	if got.Encoding != protocol.EncodingUTF8 {
		t.Errorf("expected utf8 encoding, got %s", got.Encoding)
	}
}

func TestWriteFileAtomicReplace(t *testing.T) {
	e, root := testEngine(t)
	path := filepath.Join(root, "config.json")

	if _, err := e.WriteFile(path, "v1", protocol.EncodingUTF8, false); err != nil {
		t.Fatal(err)
	}
	if _, err := e.WriteFile(path, "v2", protocol.EncodingUTF8, false); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "v2" {
		t.Errorf("expected v2, got %q", data)
	}

	// No temp or backup files left behind.
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	for _, de := range entries {
		if strings.Contains(de.Name(), ".tmp-") || strings.Contains(de.Name(), ".bak-") {
			t.Errorf("leftover staging file: %s", de.Name())
		}
	}
}

func TestWriteFileCreateParents(t *testing.T) {
	e, root := testEngine(t)
	path := filepath.Join(root, "a", "b", "c.txt")

	_, err := e.WriteFile(path, "x", protocol.EncodingUTF8, false)
	wantCode(t, err, protocol.CodeNotFound)

	if _, err := e.WriteFile(path, "x", protocol.EncodingUTF8, true); err != nil {
		t.Fatalf("WriteFile with create_parents failed: %v", err)
	}
}

func TestReadFileTooLargeFailsBeforeBuffering(t *testing.T) {
	e, root := testEngine(t, func(p *config.Policy) { p.MaxReadSize = 10 })
	path := filepath.Join(root, "big.bin")
	if err := os.WriteFile(path, make([]byte, 100), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := e.ReadFile(path, 0, 0, "")
	wantCode(t, err, protocol.CodeFileTooLarge)

	// An explicit in-budget window of the same file is fine.
	if _, err := e.ReadFile(path, 0, 10, protocol.EncodingBase64); err != nil {
		t.Errorf("windowed read failed: %v", err)
	}
}

func TestReadFilePastEOFIsEmptyRead(t *testing.T) {
	e, root := testEngine(t)
	path := filepath.Join(root, "short.txt")
	if err := os.WriteFile(path, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := e.ReadFile(path, 100, 0, protocol.EncodingUTF8)
	if err != nil {
		t.Fatalf("read past EOF should succeed: %v", err)
	}
	if got.Content != "" {
		t.Errorf("expected empty content, got %q", got.Content)
	}
	if got.Size != 5 {
		t.Errorf("expected size 5, got %d", got.Size)
	}

	_, err = e.ReadFile(path, -1, 0, protocol.EncodingUTF8)
	wantCode(t, err, protocol.CodeIOError)
}

func TestReadFileBinaryFallsBackToBase64(t *testing.T) {
	e, root := testEngine(t)
	path := filepath.Join(root, "blob.bin")
	if err := os.WriteFile(path, []byte{0x00, 0x01, 0xFF, 0xFE, 0x00}, 0644); err != nil {
		t.Fatal(err)
	}

	got, err := e.ReadFile(path, 0, 0, "")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if got.Encoding != protocol.EncodingBase64 {
		t.Errorf("expected base64 for binary content, got %s", got.Encoding)
	}
}

func TestReadFileChunked(t *testing.T) {
	e, root := testEngine(t)
	path := filepath.Join(root, "data.bin")
	content := make([]byte, 2500)
	for i := range content {
		content[i] = byte(i % 251)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}

	first, err := e.ReadFileChunk(path, 0, 1000)
	if err != nil {
		t.Fatalf("ReadFileChunk failed: %v", err)
	}
	if first.TotalChunks != 3 || first.IsLast {
		t.Errorf("unexpected chunk shape: total=%d last=%v", first.TotalChunks, first.IsLast)
	}
	last, err := e.ReadFileChunk(path, 2, 1000)
	if err != nil {
		t.Fatalf("ReadFileChunk failed: %v", err)
	}
	if !last.IsLast {
		t.Error("chunk 2 of 3 should be last")
	}
	_, err = e.ReadFileChunk(path, 3, 1000)
	wantCode(t, err, protocol.CodeIOError)
}

func TestDeletePathDeterministicNotFound(t *testing.T) {
	e, root := testEngine(t)
	path := filepath.Join(root, "gone.txt")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := e.DeletePath(path, false); err != nil {
		t.Fatalf("first delete failed: %v", err)
	}
	err := e.DeletePath(path, false)
	wantCode(t, err, protocol.CodeNotFound)
}

func TestDeleteNonEmptyDirectory(t *testing.T) {
	e, root := testEngine(t)
	dir := filepath.Join(root, "full")
	if err := os.Mkdir(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "f.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	err := e.DeletePath(dir, false)
	wantCode(t, err, protocol.CodeNotEmpty)

	if err := e.DeletePath(dir, true); err != nil {
		t.Fatalf("recursive delete failed: %v", err)
	}
}

func TestRenameOntoExistingTarget(t *testing.T) {
	e, root := testEngine(t)
	a := filepath.Join(root, "a.txt")
	b := filepath.Join(root, "b.txt")
	for _, p := range []string{a, b} {
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	_, err := e.RenamePath(a, b)
	wantCode(t, err, protocol.CodeAlreadyExists)
}

func TestCopyDirectoryRequiresRecursive(t *testing.T) {
	e, root := testEngine(t)
	src := filepath.Join(root, "src")
	if err := os.MkdirAll(filepath.Join(src, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "sub", "f.txt"), []byte("deep"), 0644); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(root, "dst")

	_, err := e.CopyPath(src, dst, false)
	wantCode(t, err, protocol.CodeNotAFile)

	if _, err := e.CopyPath(src, dst, true); err != nil {
		t.Fatalf("recursive copy failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dst, "sub", "f.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "deep" {
		t.Errorf("copied content mismatch: %q", data)
	}
}

func TestListDirectoryOrderingAndHidden(t *testing.T) {
	e, root := testEngine(t)
	if err := os.Mkdir(filepath.Join(root, "zdir"), 0755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"beta.txt", "alpha.txt", ".hidden"} {
		if err := os.WriteFile(filepath.Join(root, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	res, err := e.ListDirectory(root, false, protocol.SortByName, protocol.SortAsc)
	if err != nil {
		t.Fatalf("ListDirectory failed: %v", err)
	}
	var names []string
	for _, entry := range res.Entries {
		names = append(names, entry.Name)
	}
	want := []string{"zdir", "alpha.txt", "beta.txt"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, names)
		}
	}

	withHidden, err := e.ListDirectory(root, true, protocol.SortByName, protocol.SortAsc)
	if err != nil {
		t.Fatal(err)
	}
	if withHidden.TotalCount != 4 {
		t.Errorf("expected 4 entries with hidden, got %d", withHidden.TotalCount)
	}
}

func TestListDirectorySkipsDeniedEntries(t *testing.T) {
	e, root := testEngine(t)
	for _, name := range []string{"ok.txt", "server.pem"} {
		if err := os.WriteFile(filepath.Join(root, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	res, err := e.ListDirectory(root, false, protocol.SortByName, protocol.SortAsc)
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range res.Entries {
		if entry.Name == "server.pem" {
			t.Error("denied entry leaked into listing")
		}
	}
}

func TestListDirectoryTruncation(t *testing.T) {
	e, root := testEngine(t, func(p *config.Policy) { p.MaxListEntries = 3 })
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		if err := os.WriteFile(filepath.Join(root, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	res, err := e.ListDirectory(root, false, protocol.SortByName, protocol.SortAsc)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entries) != 3 || !res.Truncated || res.TotalCount != 5 {
		t.Errorf("truncation wrong: len=%d truncated=%v total=%d", len(res.Entries), res.Truncated, res.TotalCount)
	}
}

// The full lifecycle a client walks through when editing a project remotely.
func TestCreateWriteListRenameScenario(t *testing.T) {
	e, root := testEngine(t)

	dir, err := e.CreateDirectory(filepath.Join(root, "project"), false)
	if err != nil {
		t.Fatalf("CreateDirectory failed: %v", err)
	}
	if _, err := e.WriteFile(filepath.Join(dir, "main.go"), "package main\n", protocol.EncodingUTF8, false); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	listing, err := e.ListDirectory(dir, false, protocol.SortByName, protocol.SortAsc)
	if err != nil {
		t.Fatalf("ListDirectory failed: %v", err)
	}
	if len(listing.Entries) != 1 || listing.Entries[0].Name != "main.go" {
		t.Fatalf("unexpected listing: %+v", listing.Entries)
	}

	renamed, err := e.RenamePath(filepath.Join(dir, "main.go"), filepath.Join(dir, "app.go"))
	if err != nil {
		t.Fatalf("RenamePath failed: %v", err)
	}
	info, err := e.GetFileInfo(renamed)
	if err != nil {
		t.Fatalf("GetFileInfo failed: %v", err)
	}
	if info.Name != "app.go" || info.Size != int64(len("package main\n")) {
		t.Errorf("unexpected info: %+v", info)
	}
}

func TestWriteFileRejectsOversized(t *testing.T) {
	e, root := testEngine(t, func(p *config.Policy) { p.MaxWriteSize = 4 })
	_, err := e.WriteFile(filepath.Join(root, "x.txt"), "too big", protocol.EncodingUTF8, false)
	wantCode(t, err, protocol.CodeFileTooLarge)
}
