// Package push delivers "session needs you" notifications through the Expo
// push API.
package push

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/termlink/termlink/internal/detect"
)

// ExpoPushURL is the Expo push service endpoint.
const ExpoPushURL = "https://exp.host/--/api/v2/push/send"

const httpTimeout = 10 * time.Second

var httpClient = &http.Client{Timeout: httpTimeout}

// Notifier holds registered device push tokens and sends notifications on
// waiting transitions.
type Notifier struct {
	enabled bool

	mu     sync.RWMutex
	tokens map[string]string // token -> device name
}

// NewNotifier creates a notifier. When disabled it accepts registrations
// but never sends.
func NewNotifier(enabled bool) *Notifier {
	return &Notifier{enabled: enabled, tokens: make(map[string]string)}
}

// RegisterToken adds or refreshes a device push token.
func (n *Notifier) RegisterToken(token, deviceName string) {
	if token == "" {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tokens[token] = deviceName
}

// UnregisterToken removes a device push token.
func (n *Notifier) UnregisterToken(token string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.tokens, token)
}

// TokenCount returns the number of registered tokens.
func (n *Notifier) TokenCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.tokens)
}

// expoMessage is the Expo push API request body element.
type expoMessage struct {
	To    string         `json:"to"`
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data,omitempty"`
	Sound string         `json:"sound,omitempty"`
}

// NotifyWaiting pushes a notification for a session that entered a waiting
// state. Fire and forget: failures are logged, never propagated.
func (n *Notifier) NotifyWaiting(sessionID, sessionName string, d *detect.Detection, cli detect.CLIType) {
	if !n.enabled || d == nil {
		return
	}

	n.mu.RLock()
	tokens := make([]string, 0, len(n.tokens))
	for token := range n.tokens {
		tokens = append(tokens, token)
	}
	n.mu.RUnlock()
	if len(tokens) == 0 {
		return
	}

	title, body := notificationText(sessionName, d, cli)
	messages := make([]expoMessage, 0, len(tokens))
	for _, token := range tokens {
		messages = append(messages, expoMessage{
			To:    token,
			Title: title,
			Body:  body,
			Sound: "default",
			Data: map[string]any{
				"session_id": sessionID,
				"wait_type":  string(d.WaitType),
			},
		})
	}

	go func() {
		if err := send(messages); err != nil {
			log.Warn("push delivery failed", "session", sessionID, "err", err)
		}
	}()
}

func send(messages []expoMessage) error {
	payload, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("failed to marshal push payload: %w", err)
	}

	resp, err := httpClient.Post(ExpoPushURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to post to expo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("expo push returned %s", resp.Status)
	}
	return nil
}

// notificationText derives a human title and body from the detection.
func notificationText(sessionName string, d *detect.Detection, cli detect.CLIType) (title, body string) {
	cliName := string(cli)
	if cli == detect.CLITerminal {
		cliName = "Terminal"
	}

	switch d.WaitType {
	case detect.WaitToolApproval:
		title = fmt.Sprintf("%s needs approval", cliName)
	case detect.WaitPlanApproval:
		title = fmt.Sprintf("%s has a plan ready", cliName)
	case detect.WaitClarifyingQuestion:
		title = fmt.Sprintf("%s has a question", cliName)
	default:
		title = fmt.Sprintf("%s is waiting for you", cliName)
	}
	if sessionName != "" {
		title = sessionName + ": " + title
	}

	body = d.Prompt
	if runes := []rune(body); len(runes) > 140 {
		body = string(runes[:137]) + "..."
	}
	return title, body
}
