package ptyrun

import (
	"testing"
)

func TestSpawnAllowed(t *testing.T) {
	allowed := []string{"claude", "codex", "gemini", "opencode", "bash", "zsh", "python3", "node", "/usr/local/bin/claude"}
	for _, cmd := range allowed {
		if !SpawnAllowed(cmd) {
			t.Errorf("%s should be allowed", cmd)
		}
	}
	denied := []string{"rm", "curl", "nc", "sudo", "", "claude2", "/bin/rm"}
	for _, cmd := range denied {
		if SpawnAllowed(cmd) {
			t.Errorf("%s should be denied", cmd)
		}
	}
}

func TestValidateSpawnRejectsMetacharacters(t *testing.T) {
	dir := t.TempDir()
	bad := [][]string{
		{"echo hi\nrm -rf /"},
		{"a\rb"},
		{"a\x00b"},
		{"`whoami`"},
		{"$(whoami)"},
	}
	for _, args := range bad {
		if err := ValidateSpawn("bash", args, dir); err == nil {
			t.Errorf("args %q should be rejected", args)
		}
	}
	if err := ValidateSpawn("bash", []string{"-c", "echo 'safe enough'"}, dir); err != nil {
		t.Errorf("clean args rejected: %v", err)
	}
}

func TestValidateSpawnWorkingDir(t *testing.T) {
	if err := ValidateSpawn("bash", nil, "relative/dir"); err == nil {
		t.Error("relative working dir should be rejected")
	}
	if err := ValidateSpawn("bash", nil, "/definitely/not/a/real/dir"); err == nil {
		t.Error("missing working dir should be rejected")
	}
}

func TestFindValidUTF8Boundary(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want int
	}{
		{"ascii", []byte("hello"), 5},
		{"complete multibyte", []byte("héllo"), 6},
		{"split 2-byte", append([]byte("abc"), 0xC3), 3},
		{"split 3-byte one in", append([]byte("ab"), 0xE2, 0x94), 2},
		{"split 4-byte three in", append([]byte("x"), 0xF0, 0x9F, 0x98), 1},
		{"empty", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := findValidUTF8Boundary(tt.data); got != tt.want {
				t.Errorf("findValidUTF8Boundary(%v) = %d, want %d", tt.data, got, tt.want)
			}
		})
	}
}
