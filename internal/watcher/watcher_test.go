package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/termlink/termlink/internal/protocol"
)

func waitForEvent(t *testing.T, ch <-chan Event, timeout time.Duration) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("subscriber channel closed unexpectedly")
		}
		return ev
	case <-time.After(timeout):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestWatchEmitsCreated(t *testing.T) {
	w, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer w.Close()

	dir := t.TempDir()
	if err := w.Watch(dir); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	_, ch := w.Subscribe()

	path := filepath.Join(dir, "new.txt")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	ev := waitForEvent(t, ch, 2*time.Second)
	if ev.Path != path {
		t.Errorf("expected %s, got %s", path, ev.Path)
	}
	if ev.Type != protocol.ChangeCreated {
		t.Errorf("expected created, got %s", ev.Type)
	}
}

func TestWatchCoalescesBurst(t *testing.T) {
	w, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer w.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "busy.txt")
	if err := os.WriteFile(path, []byte("seed"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := w.Watch(dir); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	_, ch := w.Subscribe()

	// Burst of writes inside one debounce window.
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	first := waitForEvent(t, ch, 2*time.Second)
	if first.Type != protocol.ChangeModified {
		t.Errorf("expected modified, got %s", first.Type)
	}

	// No second event for the same burst.
	select {
	case ev := <-ch:
		t.Errorf("burst was not coalesced, extra event: %+v", ev)
	case <-time.After(2 * debounceWindow):
	}
}

func TestWatchEmitsDeleted(t *testing.T) {
	w, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer w.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "doomed.txt")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := w.Watch(dir); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	_, ch := w.Subscribe()

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	ev := waitForEvent(t, ch, 2*time.Second)
	if ev.Type != protocol.ChangeDeleted {
		t.Errorf("expected deleted, got %s", ev.Type)
	}
}

func TestWatchRefCounting(t *testing.T) {
	w, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer w.Close()

	dir := t.TempDir()
	if err := w.Watch(dir); err != nil {
		t.Fatal(err)
	}
	if err := w.Watch(dir); err != nil {
		t.Fatal(err)
	}
	if got := w.WatchCount(dir); got != 2 {
		t.Fatalf("expected refcount 2, got %d", got)
	}

	w.Unwatch(dir)
	if got := w.WatchCount(dir); got != 1 {
		t.Fatalf("expected refcount 1 after one unwatch, got %d", got)
	}

	// Still watched: a change must arrive.
	_, ch := w.Subscribe()
	if err := os.WriteFile(filepath.Join(dir, "f.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	waitForEvent(t, ch, 2*time.Second)

	w.Unwatch(dir)
	if got := w.WatchCount(dir); got != 0 {
		t.Fatalf("expected refcount 0, got %d", got)
	}
	w.Unwatch(dir) // extra unwatch is a no-op
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	w, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer w.Close()

	id, ch := w.Subscribe()
	w.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Error("expected closed channel after unsubscribe")
	}
}
