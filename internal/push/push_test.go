package push

import (
	"strings"
	"testing"

	"github.com/termlink/termlink/internal/detect"
)

func TestTokenRegistration(t *testing.T) {
	n := NewNotifier(true)

	n.RegisterToken("ExponentPushToken[abc]", "alice-phone")
	n.RegisterToken("ExponentPushToken[def]", "bob-tablet")
	n.RegisterToken("", "no-token-device")
	if got := n.TokenCount(); got != 2 {
		t.Errorf("expected 2 tokens, got %d", got)
	}

	// Re-registering refreshes, not duplicates.
	n.RegisterToken("ExponentPushToken[abc]", "alice-new-phone")
	if got := n.TokenCount(); got != 2 {
		t.Errorf("expected 2 tokens after refresh, got %d", got)
	}

	n.UnregisterToken("ExponentPushToken[abc]")
	if got := n.TokenCount(); got != 1 {
		t.Errorf("expected 1 token after unregister, got %d", got)
	}
}

func TestNotificationText(t *testing.T) {
	tests := []struct {
		name      string
		session   string
		detection detect.Detection
		cli       detect.CLIType
		wantTitle string
		wantBody  string
	}{
		{
			name:      "tool approval",
			session:   "deploy",
			detection: detect.Detection{WaitType: detect.WaitToolApproval, Prompt: "Do you want to proceed?"},
			cli:       detect.CLIClaude,
			wantTitle: "deploy: claude needs approval",
			wantBody:  "Do you want to proceed?",
		},
		{
			name:      "plan approval without session name",
			detection: detect.Detection{WaitType: detect.WaitPlanApproval, Prompt: "Ready to code?"},
			cli:       detect.CLICodex,
			wantTitle: "codex has a plan ready",
			wantBody:  "Ready to code?",
		},
		{
			name:      "plain terminal label",
			session:   "build",
			detection: detect.Detection{WaitType: detect.WaitAwaitingResponse, Prompt: "Continue?"},
			cli:       detect.CLITerminal,
			wantTitle: "build: Terminal is waiting for you",
			wantBody:  "Continue?",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			title, body := notificationText(tt.session, &tt.detection, tt.cli)
			if title != tt.wantTitle {
				t.Errorf("title = %q, want %q", title, tt.wantTitle)
			}
			if body != tt.wantBody {
				t.Errorf("body = %q, want %q", body, tt.wantBody)
			}
		})
	}
}

func TestNotificationBodyTruncatesOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("é", 200)
	_, body := notificationText("s", &detect.Detection{WaitType: detect.WaitClarifyingQuestion, Prompt: long}, detect.CLIClaude)

	runes := []rune(body)
	if len(runes) != 140 {
		t.Errorf("expected 140 runes, got %d", len(runes))
	}
	if !strings.HasSuffix(body, "...") {
		t.Errorf("expected ellipsis suffix, got %q", body[len(body)-9:])
	}
	for _, r := range body {
		if r != 'é' && r != '.' {
			t.Errorf("truncation split a rune: found %q", r)
		}
	}
}
