// Package wrapper implements the wrap command: it runs a command under a
// PTY, mirrors it to the local terminal, and relays output and input over a
// loopback websocket to the daemon.
package wrapper

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"golang.org/x/term"

	"github.com/termlink/termlink/internal/protocol"
	"github.com/termlink/termlink/internal/ptyrun"
)

const registerTimeout = 10 * time.Second

// Options configures one wrapped session.
type Options struct {
	SessionID  string // empty lets the daemon assign one
	Name       string
	Port       int
	WorkingDir string
	Headless   bool // no local terminal mirroring
	Command    string
	Args       []string
}

// daemonLink is the wrapper's side of the daemon connection. Writes are
// serialized; a dropped connection is replaced by reconnect.
type daemonLink struct {
	url       string
	sessionID string
	register  protocol.RegisterPTY

	mu   sync.Mutex
	conn *websocket.Conn
}

// Run wraps the command and blocks until it exits. Returns the command's
// exit code so the wrapper is transparent in scripts.
func Run(opts Options) int {
	if opts.WorkingDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "termlink: cannot determine working directory: %v\n", err)
			return 1
		}
		opts.WorkingDir = wd
	}
	if opts.Name == "" {
		opts.Name = filepath.Base(opts.Command)
	}

	interactive := !opts.Headless && term.IsTerminal(int(os.Stdin.Fd()))
	cols, rows := uint16(80), uint16(24)
	if interactive {
		if w, h, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 && h > 0 {
			cols, rows = uint16(w), uint16(h)
		}
	}

	link := &daemonLink{
		url: fmt.Sprintf("ws://127.0.0.1:%d/ws", opts.Port),
		register: protocol.RegisterPTY{
			Type:       protocol.TypeRegisterPTY,
			SessionID:  opts.SessionID,
			Name:       opts.Name,
			Command:    opts.Command,
			WorkingDir: opts.WorkingDir,
			PID:        os.Getpid(),
			Cols:       cols,
			Rows:       rows,
		},
	}
	if err := link.connect(); err != nil {
		fmt.Fprintf(os.Stderr, "termlink: cannot reach daemon on port %d: %v\n", opts.Port, err)
		return 1
	}
	defer link.close()

	sess, err := ptyrun.Start(opts.Command, opts.Args, opts.WorkingDir, cols, rows, func(chunk []byte) {
		if interactive {
			os.Stdout.Write(chunk)
		}
		link.sendOutput(chunk)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "termlink: failed to start %s: %v\n", opts.Command, err)
		return 1
	}

	if interactive {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err == nil {
			defer term.Restore(int(os.Stdin.Fd()), oldState)
		}
		go forwardStdin(sess)
		go watchWinch(sess, link)
	}
	go link.readLoop(sess)

	exitCode := sess.Wait()
	link.sendEnded(exitCode)
	return exitCode
}

// connect dials the daemon with exponential backoff and performs the
// register_pty handshake. The daemon-assigned session id is kept for
// re-registration after a reconnect.
func (l *daemonLink) connect() error {
	var conn *websocket.Conn
	dial := func() error {
		c, _, err := websocket.DefaultDialer.Dial(l.url, nil)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 15 * time.Second
	if err := backoff.Retry(dial, policy); err != nil {
		return err
	}

	reg := l.register
	l.mu.Lock()
	if l.sessionID != "" {
		reg.SessionID = l.sessionID
	}
	l.mu.Unlock()
	if err := conn.WriteJSON(reg); err != nil {
		conn.Close()
		return err
	}

	conn.SetReadDeadline(time.Now().Add(registerTimeout))
	var ack protocol.Registered
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return fmt.Errorf("registration not acknowledged: %w", err)
	}
	if ack.Type != protocol.TypeRegistered || ack.SessionID == "" {
		conn.Close()
		return fmt.Errorf("unexpected registration reply %q", ack.Type)
	}
	conn.SetReadDeadline(time.Time{})

	l.mu.Lock()
	l.sessionID = ack.SessionID
	l.conn = conn
	l.mu.Unlock()
	return nil
}

func (l *daemonLink) current() *websocket.Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

// send writes one message, dropping it when the daemon is unreachable.
// Terminal output is not buffered across reconnects; the daemon's scrollback
// simply misses the gap.
func (l *daemonLink) send(msg any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return
	}
	l.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := l.conn.WriteJSON(msg); err != nil {
		l.conn.Close()
		l.conn = nil
	}
}

func (l *daemonLink) sendOutput(chunk []byte) {
	l.mu.Lock()
	sessionID := l.sessionID
	l.mu.Unlock()
	l.send(protocol.PTYOutput{
		Type:      protocol.TypePTYOutput,
		SessionID: sessionID,
		Data:      base64.StdEncoding.EncodeToString(chunk),
	})
}

func (l *daemonLink) sendResize(cols, rows uint16) {
	l.send(protocol.Resize{Type: protocol.TypeResize, Cols: cols, Rows: rows})
}

func (l *daemonLink) sendEnded(exitCode int) {
	l.mu.Lock()
	sessionID := l.sessionID
	l.mu.Unlock()
	l.send(protocol.WrapperSessionEnded{
		Type:      protocol.TypeSessionEnded,
		SessionID: sessionID,
		ExitCode:  exitCode,
	})
}

func (l *daemonLink) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
}

// readLoop applies remote input and resize to the PTY, reconnecting when the
// daemon connection drops. It ends when the wrapped process exits.
func (l *daemonLink) readLoop(sess *ptyrun.Session) {
	for {
		conn := l.current()
		if conn == nil {
			if !l.reconnect(sess) {
				return
			}
			continue
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			l.mu.Lock()
			if l.conn == conn {
				l.conn.Close()
				l.conn = nil
			}
			l.mu.Unlock()
			continue
		}

		env, err := protocol.PeekType(raw)
		if err != nil {
			continue
		}
		switch env.Type {
		case protocol.TypeInput:
			var m protocol.Input
			if err := json.Unmarshal(raw, &m); err != nil {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(m.Data)
			if err != nil {
				continue
			}
			sess.Write(data)
		case protocol.TypeResize:
			var m protocol.Resize
			if err := json.Unmarshal(raw, &m); err != nil || m.Cols == 0 || m.Rows == 0 {
				continue
			}
			sess.Resize(m.Cols, m.Rows)
		}
	}
}

// reconnect retries the daemon until the process exits or the dial succeeds.
func (l *daemonLink) reconnect(sess *ptyrun.Session) bool {
	for {
		select {
		case <-sess.Done():
			return false
		default:
		}
		if err := l.connect(); err != nil {
			log.Warn("daemon unreachable, retrying", "err", err)
			select {
			case <-sess.Done():
				return false
			case <-time.After(2 * time.Second):
			}
			continue
		}
		return true
	}
}

func forwardStdin(sess *ptyrun.Session) {
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			if werr := sess.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// watchWinch tracks local terminal resizes and propagates them to the PTY
// and the daemon.
func watchWinch(sess *ptyrun.Session, link *daemonLink) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGWINCH)
	defer signal.Stop(ch)
	for {
		select {
		case <-ch:
			w, h, err := term.GetSize(int(os.Stdout.Fd()))
			if err != nil || w <= 0 || h <= 0 {
				continue
			}
			sess.Resize(uint16(w), uint16(h))
			link.sendResize(uint16(w), uint16(h))
		case <-sess.Done():
			return
		}
	}
}
