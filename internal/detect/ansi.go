// Package detect infers "waiting for a human" states from the terminal
// output of wrapped AI assistant CLIs.
package detect

import (
	"strconv"
	"strings"
)

// StripANSI removes ANSI escape sequences from a byte slice using a state
// machine. Cursor forward sequences (\x1b[nC) become n spaces and cursor
// down sequences (\x1b[nB) become n newlines so word and line boundaries
// survive for the prompt grammars. All other escape sequences (CSI, OSC,
// DCS, APC) are consumed entirely, following ECMA-48 structure.
func StripANSI(dst, data []byte) []byte {
	const (
		stNormal = iota
		stEsc
		stCSI
		stOSC
		stDCS // also handles APC
	)

	var out []byte
	if dst != nil {
		out = dst[:0]
	} else {
		out = make([]byte, 0, len(data))
	}
	st := stNormal
	escSeen := false    // for OSC/DCS ST terminator detection (\x1b\\)
	var csiParam []byte // accumulated CSI parameter bytes

	for _, b := range data {
		switch st {
		case stNormal:
			if b == 0x1b {
				st = stEsc
			} else {
				out = append(out, b)
			}

		case stEsc:
			switch b {
			case '[':
				st = stCSI
				csiParam = csiParam[:0]
			case ']':
				st = stOSC
				escSeen = false
			case 'P', '_': // DCS or APC
				st = stDCS
				escSeen = false
			default:
				// Bare ESC sequence (e.g. ESC c): consume just the ESC.
				st = stNormal
			}

		case stCSI:
			if b >= 0x30 && b <= 0x3F {
				// Parameter bytes (0-9, :, ;, <, =, >, ?)
				csiParam = append(csiParam, b)
			} else if b >= 0x20 && b <= 0x2F {
				// Intermediate bytes
			} else if b >= 0x40 && b <= 0x7E {
				// Final byte
				switch b {
				case 'C': // cursor forward
					n := parseCSICount(csiParam)
					for i := 0; i < n; i++ {
						out = append(out, ' ')
					}
				case 'B': // cursor down
					n := parseCSICount(csiParam)
					for i := 0; i < n; i++ {
						out = append(out, '\n')
					}
				}
				st = stNormal
			}

		case stOSC:
			if escSeen {
				if b == '\\' {
					st = stNormal
				}
				escSeen = false
				continue
			}
			if b == 0x07 { // BEL terminates OSC
				st = stNormal
				continue
			}
			escSeen = b == 0x1b

		case stDCS:
			if escSeen {
				if b == '\\' {
					st = stNormal
				}
				escSeen = false
				continue
			}
			escSeen = b == 0x1b
		}
	}

	return out
}

// maxCursorExpand caps how many spaces or newlines a single cursor movement
// expands to. No real terminal is anywhere near this wide or tall; without
// the cap a tiny escape sequence could demand an arbitrarily large buffer.
const maxCursorExpand = 1000

// parseCSICount extracts the numeric parameter from CSI parameter bytes,
// defaulting to 1 as cursor movement commands do. The count is clamped to
// maxCursorExpand.
func parseCSICount(params []byte) int {
	if len(params) == 0 {
		return 1
	}
	s := string(params)
	if s[0] == '?' {
		// DEC private mode sequences carry no meaningful count here.
		return 1
	}
	if idx := strings.IndexByte(s, ';'); idx >= 0 {
		s = s[:idx]
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 1
	}
	if n > maxCursorExpand {
		return maxCursorExpand
	}
	return n
}
