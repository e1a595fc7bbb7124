// Package ptyrun spawns commands on pseudo-terminals and pumps their
// output with UTF-8-safe chunking and a scrollback ring buffer.
package ptyrun

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"unicode/utf8"

	"github.com/creack/pty"
)

const readBufferSize = 8192

// Session is one command running on a PTY. Output chunks are re-aligned on
// UTF-8 boundaries before they reach the callback, so a multi-byte rune is
// never split across protocol frames.
type Session struct {
	cmd    *exec.Cmd
	ptmx   *os.File
	output func([]byte)

	scrollback *RingBuffer

	mu     sync.Mutex
	cols   uint16
	rows   uint16
	closed bool

	doneCh   chan struct{}
	exitCode int
}

// Start launches command with args in workingDir on a PTY of the given
// size. The output callback runs on the read goroutine; it must not block
// for long.
func Start(command string, args []string, workingDir string, cols, rows uint16, output func([]byte)) (*Session, error) {
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	cmd := exec.Command(command, args...)
	cmd.Dir = workingDir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("failed to start %s on a pty: %w", command, err)
	}

	s := &Session{
		cmd:        cmd,
		ptmx:       ptmx,
		output:     output,
		scrollback: NewRingBuffer(ScrollbackSize),
		cols:       cols,
		rows:       rows,
		doneCh:     make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// PID returns the wrapped process id.
func (s *Session) PID() int {
	if s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Size returns the current PTY dimensions.
func (s *Session) Size() (cols, rows uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Scrollback returns the retained recent output.
func (s *Session) Scrollback() []byte {
	return s.scrollback.Bytes()
}

// Write sends input bytes to the wrapped process.
func (s *Session) Write(data []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("session is closed")
	}
	_, err := s.ptmx.Write(data)
	return err
}

// Resize updates the PTY dimensions and signals the process group.
func (s *Session) Resize(cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return fmt.Errorf("invalid size %dx%d", cols, rows)
	}
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.mu.Unlock()
	return pty.Setsize(s.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Wait blocks until the process exits and returns its exit code.
func (s *Session) Wait() int {
	<-s.doneCh
	return s.exitCode
}

// Done returns a channel closed when the process has exited.
func (s *Session) Done() <-chan struct{} {
	return s.doneCh
}

// ExitCode returns the exit code once the session is done.
func (s *Session) ExitCode() int {
	return s.exitCode
}

// Close terminates the session, killing the process if still running.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.ptmx.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	<-s.doneCh
}

func (s *Session) readLoop() {
	defer close(s.doneCh)

	buf := make([]byte, readBufferSize)
	var pending []byte // incomplete UTF-8 sequence from the previous read

	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			var data []byte
			if len(pending) > 0 {
				data = make([]byte, len(pending)+n)
				copy(data, pending)
				copy(data[len(pending):], buf[:n])
				pending = nil
			} else {
				data = buf[:n]
			}

			validLen := findValidUTF8Boundary(data)
			if validLen < len(data) {
				pending = make([]byte, len(data)-validLen)
				copy(pending, data[validLen:])
				data = data[:validLen]
			}

			if len(data) > 0 {
				chunk := make([]byte, len(data))
				copy(chunk, data)
				_, _ = s.scrollback.Write(chunk)
				if s.output != nil {
					s.output(chunk)
				}
			}
		}

		if err != nil {
			// Flush whatever is pending; better a mangled rune than lost bytes.
			if len(pending) > 0 {
				_, _ = s.scrollback.Write(pending)
				if s.output != nil {
					s.output(pending)
				}
			}
			break
		}
	}

	err := s.cmd.Wait()
	if exitErr, ok := err.(*exec.ExitError); ok {
		s.exitCode = exitErr.ExitCode()
	} else if err != nil {
		s.exitCode = -1
	}
}

// findValidUTF8Boundary returns the length of data up to the last complete
// UTF-8 character. Trailing bytes of an unfinished sequence are excluded.
func findValidUTF8Boundary(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	if utf8.Valid(data) {
		return len(data)
	}

	// Walk back at most one rune's worth of bytes looking for a leading
	// byte; decide from its announced length whether the tail is complete.
	for i := len(data) - 1; i >= 0 && i >= len(data)-4; i-- {
		b := data[i]
		if b&0xC0 == 0x80 {
			continue // continuation byte
		}
		if b < 0x80 {
			return i + 1 // ASCII
		}
		var seqLen int
		switch {
		case b&0xE0 == 0xC0:
			seqLen = 2
		case b&0xF0 == 0xE0:
			seqLen = 3
		case b&0xF8 == 0xF0:
			seqLen = 4
		default:
			continue // invalid leading byte
		}
		if len(data)-i >= seqLen {
			return i + seqLen
		}
		return i
	}

	// Nothing but continuation bytes; hold everything for the next read.
	return 0
}
