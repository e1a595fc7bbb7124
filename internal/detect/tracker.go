package detect

import (
	"hash/fnv"
	"sync"
	"unicode"
)

// State is the observable lifecycle of a tracked session.
type State string

const (
	StateRunning State = "running"
	StateWaiting State = "waiting"
	StateEnded   State = "ended"
)

// normalizedBufferMax bounds the ANSI-stripped tail kept for grammar
// matching. Prompts live in the last screenful; older output is irrelevant.
const normalizedBufferMax = 4000

// clearThreshold is how many printable non-prompt characters of fresh
// output dissolve a waiting state.
const clearThreshold = 10

// Transition reports a state change produced by feeding the tracker.
type Transition struct {
	To        State
	Detection *Detection
}

// Tracker consumes one session's output stream and maintains its
// running/waiting/ended state. Safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	cli       CLIType
	buf       []byte
	stripBuf  []byte
	state     State
	current   *Detection
	lastHash  uint64
	printable int
}

// NewTracker creates a tracker for a session launched with the given command.
func NewTracker(command string) *Tracker {
	return &Tracker{
		cli:   InferCLIType(command),
		state: StateRunning,
	}
}

// CLIType returns the inferred CLI type.
func (t *Tracker) CLIType() CLIType {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cli
}

// State returns the current lifecycle state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Current returns the active detection while waiting, nil otherwise.
func (t *Tracker) Current() *Detection {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// FeedOutput ingests raw terminal bytes and returns a transition when the
// state changed: a waiting_for_input-worthy detection, or a clear back to
// running. The same prompt never produces two transitions (FNV-1a dedup of
// the normalized prompt text).
func (t *Tracker) FeedOutput(raw []byte) *Transition {
	clean := StripANSI(t.stripBufSwap(), raw)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.stripBuf = clean

	if t.state == StateEnded {
		return nil
	}

	if t.state == StateWaiting {
		// TUIs repaint the whole menu every frame, so a chunk that itself
		// re-detects is a repaint (or a new prompt), not progress.
		if detection := DetectWaitState(string(clean), t.cli); detection != nil {
			hash := promptHash(detection.Prompt)
			if hash == t.lastHash {
				t.printable = 0
				return nil
			}
			t.current = detection
			t.lastHash = hash
			t.printable = 0
			return &Transition{To: StateWaiting, Detection: detection}
		}
		t.printable += countPrintable(clean)
		if t.printable >= clearThreshold {
			t.clearLocked()
			return &Transition{To: StateRunning}
		}
		return nil
	}

	t.buf = append(t.buf, clean...)
	if len(t.buf) > normalizedBufferMax {
		t.buf = t.buf[len(t.buf)-normalizedBufferMax:]
	}

	detection := DetectWaitState(string(t.buf), t.cli)
	if detection == nil {
		return nil
	}
	hash := promptHash(detection.Prompt)
	if hash == t.lastHash {
		// Prompt already notified once; stay quiet until it changes.
		return nil
	}
	t.state = StateWaiting
	t.current = detection
	t.lastHash = hash
	t.printable = 0
	return &Transition{To: StateWaiting, Detection: detection}
}

// NoteInput records user keystrokes, which always dissolve a waiting state.
func (t *Tracker) NoteInput() *Transition {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateWaiting {
		return nil
	}
	t.clearLocked()
	t.lastHash = 0 // a later identical prompt is a fresh instance
	return &Transition{To: StateRunning}
}

// NoteExit marks the session ended. Any waiting state is gone with it.
func (t *Tracker) NoteExit() *Transition {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateEnded {
		return nil
	}
	t.state = StateEnded
	t.current = nil
	return &Transition{To: StateEnded}
}

func (t *Tracker) clearLocked() {
	t.state = StateRunning
	t.current = nil
	t.printable = 0
	t.buf = t.buf[:0]
}

// stripBufSwap hands the reusable strip buffer to StripANSI without holding
// the lock during the scan.
func (t *Tracker) stripBufSwap() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	buf := t.stripBuf
	t.stripBuf = nil
	return buf
}

func promptHash(prompt string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(prompt))
	return h.Sum64()
}

func countPrintable(data []byte) int {
	n := 0
	for _, r := range string(data) {
		if unicode.IsPrint(r) && !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}
