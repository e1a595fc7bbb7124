// Package shellutil renders command lines safely for display and copy-paste.
package shellutil

import "strings"

// Quote single-quotes a string for shell use. Single quotes preserve
// everything literally; embedded single quotes use the '\'' escape.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}

// safeBare matches tokens that need no quoting at all.
func safeBare(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == '/' || r == '=' || r == ':' || r == '@':
		default:
			return false
		}
	}
	return true
}

// QuoteCommand renders a command and its arguments as one copy-pasteable
// line, quoting only the tokens that need it.
func QuoteCommand(command string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	for _, tok := range append([]string{command}, args...) {
		if safeBare(tok) {
			parts = append(parts, tok)
		} else {
			parts = append(parts, Quote(tok))
		}
	}
	return strings.Join(parts, " ")
}
