package shellutil

import "testing"

func TestQuote(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "simple string",
			input:    "hello world",
			expected: "'hello world'",
		},
		{
			name:     "string with single quote",
			input:    "don't",
			expected: "'don'\\''t'",
		},
		{
			name:     "string with multiple single quotes",
			input:    "it's a 'test'",
			expected: "'it'\\''s a '\\''test'\\'''",
		},
		{
			name:     "string with newline",
			input:    "hello\nworld",
			expected: "'hello\nworld'",
		},
		{
			name:     "string with newline and single quote",
			input:    "hello\nit's me",
			expected: "'hello\nit'\\''s me'",
		},
		{
			name:     "empty string",
			input:    "",
			expected: "''",
		},
		{
			name:     "string with backslash",
			input:    "path\\to\\file",
			expected: "'path\\to\\file'",
		},
		{
			name:     "string with double quotes",
			input:    `say "hello"`,
			expected: `'say "hello"'`,
		},
		{
			name:     "string with spaces",
			input:    "hello world",
			expected: `'hello world'`,
		},
		{
			name:     "string with special chars",
			input:    "test;ls",
			expected: `'test;ls'`,
		},
		{
			name:     "string with variable",
			input:    "$HOME/path",
			expected: `'$HOME/path'`,
		},
		{
			name:     "null byte preserved",
			input:    "dangerous\x00command",
			expected: "'dangerous\x00command'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Quote(tt.input)
			if got != tt.expected {
				t.Errorf("Quote(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestQuoteCommand(t *testing.T) {
	tests := []struct {
		name     string
		command  string
		args     []string
		expected string
	}{
		{
			name:     "bare tokens stay bare",
			command:  "claude",
			args:     []string{"--model", "opus"},
			expected: "claude --model opus",
		},
		{
			name:     "argument with spaces is quoted",
			command:  "git",
			args:     []string{"commit", "-m", "fix the thing"},
			expected: "git commit -m 'fix the thing'",
		},
		{
			name:     "shell metacharacters are quoted",
			command:  "sh",
			args:     []string{"-c", "echo $HOME; ls"},
			expected: "sh -c 'echo $HOME; ls'",
		},
		{
			name:     "no args",
			command:  "bash",
			args:     nil,
			expected: "bash",
		},
		{
			name:     "empty argument is visible",
			command:  "printf",
			args:     []string{""},
			expected: "printf ''",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := QuoteCommand(tt.command, tt.args)
			if got != tt.expected {
				t.Errorf("QuoteCommand(%q, %v) = %q, want %q", tt.command, tt.args, got, tt.expected)
			}
		})
	}
}
