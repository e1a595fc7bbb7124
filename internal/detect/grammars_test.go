package detect

import "testing"

const claudeToolPrompt = `
 Bash(rm -rf node_modules)

 Do you want to proceed?
 ❯ 1. Yes
   2. Yes, and don't ask again for rm commands
   3. No, and tell Claude what to do differently
`

const claudePlanPrompt = `
 Here is Claude's plan:
   1. Add the config loader
   2. Wire it into main

 Would you like to proceed?
 ❯ 1. Yes
   2. No, keep planning
`

func TestDetectNumberedToolApproval(t *testing.T) {
	d := DetectWaitState(claudeToolPrompt, CLIClaude)
	if d == nil {
		t.Fatal("expected detection")
	}
	if d.WaitType != WaitToolApproval {
		t.Errorf("expected tool_approval, got %s", d.WaitType)
	}
	if d.Model != ApprovalNumbered {
		t.Errorf("expected numbered model, got %s", d.Model)
	}
	if d.Prompt == "" {
		t.Error("expected a prompt line")
	}
}

func TestDetectPlanApproval(t *testing.T) {
	d := DetectWaitState(claudePlanPrompt, CLIClaude)
	if d == nil {
		t.Fatal("expected detection")
	}
	if d.WaitType != WaitPlanApproval {
		t.Errorf("expected plan_approval, got %s", d.WaitType)
	}
}

func TestDetectYesNoTail(t *testing.T) {
	d := DetectWaitState("About to overwrite main.go. Continue? [y/N]", CLICodex)
	if d == nil {
		t.Fatal("expected detection")
	}
	if d.Model != ApprovalYesNo {
		t.Errorf("expected yes_no model, got %s", d.Model)
	}
}

func TestDetectTrailingQuestion(t *testing.T) {
	out := "I found two auth modules.\nWhich one should I refactor?"
	d := DetectWaitState(out, CLIClaude)
	if d == nil {
		t.Fatal("expected detection")
	}
	if d.WaitType != WaitClarifyingQuestion {
		t.Errorf("expected clarifying_question, got %s", d.WaitType)
	}
	if d.Model != ApprovalNone {
		t.Errorf("expected no approval model, got %s", d.Model)
	}
}

func TestPlainTerminalQuestionIgnored(t *testing.T) {
	if d := DetectWaitState("ls: illegal option?\n", CLITerminal); d != nil {
		t.Errorf("plain terminal output must not detect: %+v", d)
	}
}

func TestBusyMarkerVetoesDetection(t *testing.T) {
	out := claudeToolPrompt + "\n⠙ Thinking… (esc to interrupt)"
	if d := DetectWaitState(out, CLIClaude); d != nil {
		t.Errorf("busy session must not detect: %+v", d)
	}
}

func TestSpinnerVetoesDetection(t *testing.T) {
	out := "Do you want to proceed?\n⠸ Running tests"
	if d := DetectWaitState(out, CLIClaude); d != nil {
		t.Errorf("spinner output must not detect: %+v", d)
	}
}

func TestNoDetectionOnOrdinaryOutput(t *testing.T) {
	out := "Compiling project\nAll 42 tests passed\nDone in 3.2s"
	if d := DetectWaitState(out, CLIClaude); d != nil {
		t.Errorf("ordinary output must not detect: %+v", d)
	}
}

func TestInferCLIType(t *testing.T) {
	tests := []struct {
		command string
		want    CLIType
	}{
		{"claude", CLIClaude},
		{"/usr/local/bin/claude --continue", CLIClaude},
		{"codex exec", CLICodex},
		{"gemini", CLIGemini},
		{"opencode", CLIOpenCode},
		{"bash", CLITerminal},
		{"python3 script.py", CLITerminal},
	}
	for _, tt := range tests {
		if got := InferCLIType(tt.command); got != tt.want {
			t.Errorf("InferCLIType(%q) = %s, want %s", tt.command, got, tt.want)
		}
	}
}

func TestApprovalKeystrokes(t *testing.T) {
	tests := []struct {
		model    ApprovalModel
		decision string
		want     string
		ok       bool
	}{
		{ApprovalNumbered, "yes", "1\n", true},
		{ApprovalNumbered, "yes_always", "2\n", true},
		{ApprovalNumbered, "no", "3\n", true},
		{ApprovalYesNo, "yes", "y\n", true},
		{ApprovalYesNo, "no", "n\n", true},
		{ApprovalArrow, "yes", "\r", true},
		{ApprovalArrow, "yes_always", "\x1b[C\r", true},
		{ApprovalArrow, "no", "\x1b[C\x1b[C\r", true},
		{ApprovalNone, "yes", "", false},
		{ApprovalNumbered, "maybe", "", false},
	}
	for _, tt := range tests {
		got, ok := ApprovalKeystrokes(tt.model, tt.decision)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ApprovalKeystrokes(%s, %s) = (%q, %v), want (%q, %v)",
				tt.model, tt.decision, got, ok, tt.want, tt.ok)
		}
	}
}
