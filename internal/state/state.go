// Package state persists the session table to ~/.termlink/sessions.json so
// the sessions command and a restarted daemon can see recent activity.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// endedRetention is how long ended sessions stay in the recent list.
const endedRetention = 24 * time.Hour

// Session is one persisted session record.
type Session struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Command    string     `json:"command"`
	WorkingDir string     `json:"working_dir"`
	PID        int        `json:"pid"`
	CLIType    string     `json:"cli_type"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
}

// Ended reports whether the session has finished.
func (s Session) Ended() bool {
	return s.EndedAt != nil
}

// Alive probes the recorded PID. A live record with a dead process means
// the daemon restarted while the wrapper died; callers treat it as ended.
func (s Session) Alive() bool {
	if s.Ended() || s.PID <= 0 {
		return false
	}
	proc, err := os.FindProcess(s.PID)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Store is the mutex-guarded session table with JSON persistence.
type Store struct {
	path string

	mu       sync.RWMutex
	sessions map[string]Session
}

// Load reads the store from path, starting empty when the file is missing.
func Load(path string) (*Store, error) {
	st := &Store{path: path, sessions: make(map[string]Session)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return nil, fmt.Errorf("failed to read state: %w", err)
	}

	var sessions []Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("failed to parse state: %w", err)
	}
	for _, s := range sessions {
		st.sessions[s.ID] = s
	}
	return st, nil
}

// NewSessionID returns a fresh session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// GetSessions returns all sessions, newest first.
func (st *Store) GetSessions() []Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// GetSession returns one session by id.
func (st *Store) GetSession(id string) (Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// AddSession inserts a new session record.
func (st *Store) AddSession(s Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, exists := st.sessions[s.ID]; exists {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	st.sessions[s.ID] = s
	return nil
}

// UpdateSession replaces an existing session record.
func (st *Store) UpdateSession(s Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, exists := st.sessions[s.ID]; !exists {
		return fmt.Errorf("session %s not found", s.ID)
	}
	st.sessions[s.ID] = s
	return nil
}

// RenameSession updates a session's display name.
func (st *Store) RenameSession(id, name string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, exists := st.sessions[id]
	if !exists {
		return fmt.Errorf("session %s not found", id)
	}
	s.Name = name
	st.sessions[id] = s
	return nil
}

// MarkEnded records a session's exit.
func (st *Store) MarkEnded(id string, exitCode int) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, exists := st.sessions[id]
	if !exists {
		return fmt.Errorf("session %s not found", id)
	}
	now := time.Now()
	s.EndedAt = &now
	s.ExitCode = &exitCode
	st.sessions[id] = s
	return nil
}

// RemoveSession deletes a session record.
func (st *Store) RemoveSession(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, id)
}

// Prune drops ended sessions past the retention window. Returns how many
// were removed.
func (st *Store) Prune(now time.Time) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	removed := 0
	for id, s := range st.sessions {
		if s.EndedAt != nil && now.Sub(*s.EndedAt) > endedRetention {
			delete(st.sessions, id)
			removed++
		}
	}
	return removed
}

// Save writes the store atomically (temp sibling plus rename).
func (st *Store) Save() error {
	st.mu.RLock()
	sessions := make([]Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		sessions = append(sessions, s)
	}
	st.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})

	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmpPath := st.path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := os.Rename(tmpPath, st.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
