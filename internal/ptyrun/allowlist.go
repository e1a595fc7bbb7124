package ptyrun

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// spawnAllowlist is the closed set of commands a remote client may launch.
// Matched on the basename so both "claude" and "/usr/local/bin/claude" pass.
var spawnAllowlist = map[string]bool{
	"claude":   true,
	"codex":    true,
	"gemini":   true,
	"opencode": true,
	"bash":     true,
	"zsh":      true,
	"sh":       true,
	"fish":     true,
	"nu":       true,
	"pwsh":     true,
	"python":   true,
	"python3":  true,
	"node":     true,
	"ruby":     true,
}

// SpawnAllowed reports whether a command is on the remote-spawn allowlist.
func SpawnAllowed(command string) bool {
	return spawnAllowlist[filepath.Base(command)]
}

// shellMetaSequences are rejected in every spawn token. Arguments are passed
// to exec directly (never through a shell), but agents themselves hand
// tokens to shells, so injection-shaped input is refused outright.
var shellMetaSequences = []string{"\n", "\r", "\x00", "`", "$("}

// checkToken rejects tokens carrying shell metacharacter sequences.
func checkToken(token string) error {
	for _, seq := range shellMetaSequences {
		if strings.Contains(token, seq) {
			return fmt.Errorf("argument contains forbidden sequence %q", seq)
		}
	}
	return nil
}

// ValidateSpawn checks a remote spawn request: allowlisted command, clean
// tokens, and an existing absolute working directory.
func ValidateSpawn(command string, args []string, workingDir string) error {
	if command == "" {
		return fmt.Errorf("command is required")
	}
	if !SpawnAllowed(command) {
		return fmt.Errorf("command %q is not allowed for remote spawn", filepath.Base(command))
	}
	if err := checkToken(command); err != nil {
		return err
	}
	for _, arg := range args {
		if err := checkToken(arg); err != nil {
			return err
		}
	}
	if !filepath.IsAbs(workingDir) {
		return fmt.Errorf("working directory must be absolute")
	}
	info, err := os.Stat(workingDir)
	if err != nil {
		return fmt.Errorf("working directory does not exist: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("working directory is not a directory")
	}
	return nil
}
