// Package watcher turns raw fsnotify events into debounced, classified
// change notifications. One fsnotify instance serves every watched
// directory; watches are reference-counted so overlapping client requests
// for the same path share a single OS watch.
package watcher

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"github.com/termlink/termlink/internal/protocol"
)

// debounceWindow coalesces event bursts (editors write, rename and chmod in
// quick succession) into one notification per path.
const debounceWindow = 200 * time.Millisecond

// Event is one coalesced change notification.
type Event struct {
	Path      string
	Type      protocol.ChangeType
	Timestamp time.Time
}

// statFunc exists so tests can fake post-debounce classification.
type statFunc func(path string) (exists bool)

// Watcher owns the fsnotify instance and the debounce state.
type Watcher struct {
	fsw  *fsnotify.Watcher
	stat statFunc

	mu          sync.Mutex
	refs        map[string]int
	pending     map[string]*pendingChange
	subscribers map[int]chan Event
	nextSubID   int
	closed      bool

	doneCh chan struct{}
}

type pendingChange struct {
	ops   fsnotify.Op
	timer *time.Timer
}

// New creates and starts a watcher.
func New() (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	w := &Watcher{
		fsw:         fsw,
		stat:        defaultStat,
		refs:        make(map[string]int),
		pending:     make(map[string]*pendingChange),
		subscribers: make(map[int]chan Event),
		doneCh:      make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Watch adds a reference to a directory watch, registering it with the OS
// on the first reference. The path must already be validated and canonical.
func (w *Watcher) Watch(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("watcher is closed")
	}
	if w.refs[path] == 0 {
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
	}
	w.refs[path]++
	return nil
}

// Unwatch drops a reference, removing the OS watch when the last reference
// goes away. Unwatching an unknown path is a no-op.
func (w *Watcher) Unwatch(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	count, ok := w.refs[path]
	if !ok {
		return
	}
	if count <= 1 {
		delete(w.refs, path)
		_ = w.fsw.Remove(path)
		return
	}
	w.refs[path] = count - 1
}

// WatchCount reports the current reference count for a path.
func (w *Watcher) WatchCount(path string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.refs[path]
}

// Subscribe registers an event sink and returns its id and channel. Slow
// subscribers lose events rather than blocking the watcher.
func (w *Watcher) Subscribe() (int, <-chan Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.nextSubID
	w.nextSubID++
	ch := make(chan Event, 64)
	w.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes an event sink and closes its channel.
func (w *Watcher) Unsubscribe(id int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ch, ok := w.subscribers[id]; ok {
		delete(w.subscribers, id)
		close(ch)
	}
}

// Close shuts the watcher down and closes all subscriber channels.
func (w *Watcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	for _, pc := range w.pending {
		pc.timer.Stop()
	}
	w.pending = make(map[string]*pendingChange)
	w.mu.Unlock()

	_ = w.fsw.Close()
	<-w.doneCh

	w.mu.Lock()
	for id, ch := range w.subscribers {
		delete(w.subscribers, id)
		close(ch)
	}
	w.mu.Unlock()
}

func (w *Watcher) run() {
	defer close(w.doneCh)
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.record(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn("fsnotify error", "err", err)
		}
	}
}

// record merges an event into the per-path pending set and (re)arms the
// debounce timer.
func (w *Watcher) record(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename|fsnotify.Chmod) == 0 {
		return
	}
	path := event.Name

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if pc, ok := w.pending[path]; ok {
		pc.ops |= event.Op
		pc.timer.Reset(debounceWindow)
		return
	}
	pc := &pendingChange{ops: event.Op}
	pc.timer = time.AfterFunc(debounceWindow, func() { w.flush(path) })
	w.pending[path] = pc
}

// flush classifies a coalesced change by what the filesystem looks like
// after the burst settled and fans the event out.
func (w *Watcher) flush(path string) {
	w.mu.Lock()
	pc, ok := w.pending[path]
	if !ok {
		w.mu.Unlock()
		return
	}
	delete(w.pending, path)
	ops := pc.ops
	w.mu.Unlock()

	exists := w.stat(path)

	var changeType protocol.ChangeType
	switch {
	case !exists:
		changeType = protocol.ChangeDeleted
	case ops == fsnotify.Rename:
		changeType = protocol.ChangeRenamed
	case ops&fsnotify.Create != 0:
		changeType = protocol.ChangeCreated
	default:
		changeType = protocol.ChangeModified
	}

	w.broadcast(Event{Path: path, Type: changeType, Timestamp: time.Now()})
}

func (w *Watcher) broadcast(event Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

func defaultStat(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
