package detect

import (
	"path/filepath"
	"strings"
)

// WaitType classifies why a session appears blocked on a human.
type WaitType string

const (
	WaitToolApproval       WaitType = "tool_approval"
	WaitPlanApproval       WaitType = "plan_approval"
	WaitClarifyingQuestion WaitType = "clarifying_question"
	WaitAwaitingResponse   WaitType = "awaiting_response"
)

// CLIType names the assistant CLI driving a session.
type CLIType string

const (
	CLIClaude   CLIType = "claude"
	CLICodex    CLIType = "codex"
	CLIGemini   CLIType = "gemini"
	CLIOpenCode CLIType = "opencode"
	CLITerminal CLIType = "terminal"
)

// ApprovalModel describes how a detected prompt is answered, so a remote
// yes/no decision can be translated into the right keystrokes.
type ApprovalModel string

const (
	ApprovalNumbered ApprovalModel = "numbered"
	ApprovalYesNo    ApprovalModel = "yes_no"
	ApprovalArrow    ApprovalModel = "arrow"
	ApprovalNone     ApprovalModel = "none"
)

// Detection is one classified wait state.
type Detection struct {
	WaitType WaitType
	Model    ApprovalModel
	Prompt   string
}

// InferCLIType maps the launch command to a CLI type. Unknown commands are
// plain terminals and only get the generic grammars.
func InferCLIType(command string) CLIType {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return CLITerminal
	}
	base := strings.ToLower(filepath.Base(fields[0]))
	switch base {
	case "claude":
		return CLIClaude
	case "codex":
		return CLICodex
	case "gemini":
		return CLIGemini
	case "opencode":
		return CLIOpenCode
	default:
		return CLITerminal
	}
}

// brailleSpinners are the cli-spinners "dots" frames the assistant CLIs
// animate while working.
var brailleSpinners = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// busyMarkers mean the CLI is mid-task; any apparent prompt above them is stale.
var busyMarkers = []string{
	"esc to interrupt",
	"ctrl+c to interrupt",
	"(esc to cancel)",
}

// IsBusy reports whether the normalized tail shows the CLI actively working.
func IsBusy(text string) bool {
	tail := lastLines(text, 25)
	lower := strings.ToLower(tail)
	for _, marker := range busyMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	for _, spinner := range brailleSpinners {
		if strings.Contains(tail, spinner) {
			return true
		}
	}
	return false
}

// questionLeads introduce approval menus across the assistant CLIs.
var questionLeads = []string{
	"do you want",
	"would you like",
	"allow command",
	"allow this",
	"apply this change",
	"proceed?",
	"approve",
	"run this command",
}

// planLeads distinguish plan approval from tool approval.
var planLeads = []string{
	"ready to code",
	"approve this plan",
	"here is claude's plan",
	"here's the plan",
	"keep planning",
	"plan mode",
}

// DetectWaitState classifies the normalized output tail. Grammar priority:
// busy markers veto everything, then numbered menus, arrow menus, yes/no
// tails, and finally a bare trailing question. Returns nil when the session
// looks like it is still working or simply idle.
func DetectWaitState(text string, cli CLIType) *Detection {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if IsBusy(text) {
		return nil
	}

	tail := lastLines(text, 30)

	if d := detectNumberedMenu(tail); d != nil {
		return d
	}
	if d := detectArrowMenu(tail); d != nil {
		return d
	}
	if d := detectYesNoTail(tail); d != nil {
		return d
	}
	if d := detectTrailingQuestion(tail, cli); d != nil {
		return d
	}
	return nil
}

// detectNumberedMenu recognizes the "1. Yes / 2. Yes, and ... / 3. No"
// menus used for tool and plan approval.
func detectNumberedMenu(tail string) *Detection {
	lines := splitLines(tail)
	hasOne, hasTwo := false, false
	for _, line := range lines {
		stripped := strings.TrimLeft(line, "❯> \t")
		if strings.HasPrefix(stripped, "1.") || strings.HasPrefix(stripped, "1)") {
			hasOne = true
		}
		if strings.HasPrefix(stripped, "2.") || strings.HasPrefix(stripped, "2)") {
			hasTwo = true
		}
	}
	if !hasOne || !hasTwo {
		return nil
	}

	prompt := findPromptLine(lines)
	if prompt == "" {
		return nil
	}
	waitType := WaitToolApproval
	if containsAny(strings.ToLower(tail), planLeads) {
		waitType = WaitPlanApproval
	}
	return &Detection{WaitType: waitType, Model: ApprovalNumbered, Prompt: prompt}
}

// detectArrowMenu recognizes ❯-marked option lists without numbers.
func detectArrowMenu(tail string) *Detection {
	lines := splitLines(tail)
	optionCount := 0
	marked := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "❯") {
			marked = true
			optionCount++
		} else if marked && trimmed != "" && !strings.ContainsAny(trimmed, "?") {
			optionCount++
		}
	}
	if !marked || optionCount < 2 {
		return nil
	}

	prompt := findPromptLine(lines)
	if prompt == "" {
		return nil
	}
	waitType := WaitToolApproval
	if containsAny(strings.ToLower(tail), planLeads) {
		waitType = WaitPlanApproval
	}
	return &Detection{WaitType: waitType, Model: ApprovalArrow, Prompt: prompt}
}

// yesNoTails are the inline confirmation suffixes.
var yesNoTails = []string{"[y/n]", "(y/n)", "[y/n]:", "(y/n):", "[yes/no]", "(yes/no)"}

func detectYesNoTail(tail string) *Detection {
	last := lastNonEmptyLine(tail)
	lower := strings.ToLower(strings.TrimSpace(last))
	for _, suffix := range yesNoTails {
		if strings.HasSuffix(lower, suffix) {
			return &Detection{
				WaitType: WaitToolApproval,
				Model:    ApprovalYesNo,
				Prompt:   strings.TrimSpace(last),
			}
		}
	}
	return nil
}

// detectTrailingQuestion treats a final question line with no menu as the
// assistant asking the human something.
func detectTrailingQuestion(tail string, cli CLIType) *Detection {
	last := strings.TrimSpace(lastNonEmptyLine(tail))
	if last == "" || !strings.HasSuffix(last, "?") {
		return nil
	}
	// Plain shells produce prompts, not questions; require an assistant CLI.
	if cli == CLITerminal {
		return nil
	}
	waitType := WaitClarifyingQuestion
	if containsAny(strings.ToLower(last), questionLeads) {
		waitType = WaitAwaitingResponse
	}
	return &Detection{WaitType: waitType, Model: ApprovalNone, Prompt: last}
}

// findPromptLine returns the question line above a menu.
func findPromptLine(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		trimmed := strings.TrimSpace(lines[i])
		lower := strings.ToLower(trimmed)
		if strings.HasSuffix(trimmed, "?") || containsAny(lower, questionLeads) || containsAny(lower, planLeads) {
			return trimmed
		}
	}
	return ""
}

// ApprovalKeystrokes translates a remote decision ("yes", "yes_always",
// "no") into the keystrokes the detected approval model expects.
func ApprovalKeystrokes(model ApprovalModel, decision string) (string, bool) {
	switch model {
	case ApprovalNumbered:
		switch decision {
		case "yes":
			return "1\n", true
		case "yes_always":
			return "2\n", true
		case "no":
			return "3\n", true
		}
	case ApprovalYesNo:
		switch decision {
		case "yes", "yes_always":
			return "y\n", true
		case "no":
			return "n\n", true
		}
	case ApprovalArrow:
		switch decision {
		case "yes":
			return "\r", true
		case "yes_always":
			return "\x1b[C\r", true
		case "no":
			return "\x1b[C\x1b[C\r", true
		}
	}
	return "", false
}

func splitLines(text string) []string {
	return strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
}

func lastLines(text string, n int) string {
	lines := splitLines(text)
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func lastNonEmptyLine(text string) string {
	lines := splitLines(text)
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return lines[i]
		}
	}
	return ""
}

func containsAny(text string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(text, needle) {
			return true
		}
	}
	return false
}
