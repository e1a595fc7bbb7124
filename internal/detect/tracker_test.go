package detect

import (
	"strings"
	"testing"
)

func TestTrackerApprovalPromptTransitionsToWaiting(t *testing.T) {
	tr := NewTracker("claude")

	if tr.State() != StateRunning {
		t.Fatalf("fresh tracker should be running, got %s", tr.State())
	}

	trans := tr.FeedOutput([]byte(claudeToolPrompt))
	if trans == nil || trans.To != StateWaiting {
		t.Fatalf("expected waiting transition, got %+v", trans)
	}
	if trans.Detection == nil || trans.Detection.WaitType != WaitToolApproval {
		t.Fatalf("expected tool_approval detection, got %+v", trans.Detection)
	}
	if tr.State() != StateWaiting {
		t.Errorf("tracker state should be waiting, got %s", tr.State())
	}
}

func TestTrackerDeduplicatesRepaintedPrompt(t *testing.T) {
	tr := NewTracker("claude")

	if trans := tr.FeedOutput([]byte(claudeToolPrompt)); trans == nil {
		t.Fatal("expected initial waiting transition")
	}
	// TUIs repaint the same menu on every frame.
	for i := 0; i < 3; i++ {
		if trans := tr.FeedOutput([]byte(claudeToolPrompt)); trans != nil {
			t.Fatalf("repaint %d produced a duplicate transition: %+v", i, trans)
		}
	}
}

func TestTrackerClearsOnNonPromptOutput(t *testing.T) {
	tr := NewTracker("claude")
	tr.FeedOutput([]byte(claudeToolPrompt))

	trans := tr.FeedOutput([]byte("Executing command, streaming build output now...\n" + strings.Repeat("compiling module\n", 3)))
	if trans == nil || trans.To != StateRunning {
		t.Fatalf("expected clear transition, got %+v", trans)
	}
	if tr.State() != StateRunning {
		t.Errorf("expected running, got %s", tr.State())
	}
	if tr.Current() != nil {
		t.Error("cleared tracker still reports a detection")
	}
}

func TestTrackerTinyEchoDoesNotClear(t *testing.T) {
	tr := NewTracker("claude")
	tr.FeedOutput([]byte(claudeToolPrompt))

	// Fewer than ten printable characters of drift must not clear.
	if trans := tr.FeedOutput([]byte("ok\n")); trans != nil {
		t.Fatalf("tiny output cleared the waiting state: %+v", trans)
	}
	if tr.State() != StateWaiting {
		t.Errorf("expected still waiting, got %s", tr.State())
	}
}

func TestTrackerClearsOnUserInput(t *testing.T) {
	tr := NewTracker("claude")
	tr.FeedOutput([]byte(claudeToolPrompt))

	trans := tr.NoteInput()
	if trans == nil || trans.To != StateRunning {
		t.Fatalf("expected clear on input, got %+v", trans)
	}

	// After the user acted, the same prompt is a fresh instance.
	trans = tr.FeedOutput([]byte(claudeToolPrompt))
	if trans == nil || trans.To != StateWaiting {
		t.Fatalf("expected re-detection after input, got %+v", trans)
	}
}

func TestTrackerExitEndsEverything(t *testing.T) {
	tr := NewTracker("claude")
	tr.FeedOutput([]byte(claudeToolPrompt))

	trans := tr.NoteExit()
	if trans == nil || trans.To != StateEnded {
		t.Fatalf("expected ended transition, got %+v", trans)
	}
	if tr.NoteExit() != nil {
		t.Error("second exit produced a transition")
	}
	if tr.FeedOutput([]byte("late output")) != nil {
		t.Error("ended tracker still reacts to output")
	}
}

func TestTrackerStripsANSIBeforeMatching(t *testing.T) {
	tr := NewTracker("claude")
	colored := strings.ReplaceAll(claudeToolPrompt, "Do you want", "\x1b[1;36mDo you want\x1b[0m")

	trans := tr.FeedOutput([]byte(colored))
	if trans == nil || trans.To != StateWaiting {
		t.Fatalf("expected detection through ANSI color, got %+v", trans)
	}
}
