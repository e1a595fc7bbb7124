package hub

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/termlink/termlink/internal/detect"
	"github.com/termlink/termlink/internal/protocol"
	"github.com/termlink/termlink/internal/ptyrun"
	"github.com/termlink/termlink/internal/state"
)

// wrapperConn is the daemon side of a wrapper connection. Writes are
// serialized; the read loop runs in runWrapper.
type wrapperConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wrapperConn) send(msg any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.conn.WriteJSON(msg)
}

func (w *wrapperConn) sendInput(data []byte) error {
	return w.send(protocol.Input{
		Type: protocol.TypeInput,
		Data: base64.StdEncoding.EncodeToString(data),
	})
}

func (w *wrapperConn) sendResize(cols, rows uint16) error {
	return w.send(protocol.Resize{Type: protocol.TypeResize, Cols: cols, Rows: rows})
}

func (w *wrapperConn) close() {
	w.conn.Close()
}

// runWrapper registers the session and relays its output until the wrapper
// reports exit or the connection drops.
func (h *Hub) runWrapper(conn *websocket.Conn, registerRaw []byte) {
	var reg protocol.RegisterPTY
	if err := json.Unmarshal(registerRaw, &reg); err != nil || reg.Command == "" {
		writeError(conn, "malformed", "invalid register_pty")
		conn.Close()
		return
	}

	sessionID := reg.SessionID
	if sessionID == "" {
		sessionID = state.NewSessionID()
	}

	ls := &liveSession{
		id:         sessionID,
		command:    reg.Command,
		workingDir: reg.WorkingDir,
		pid:        reg.PID,
		tracker:    detect.NewTracker(reg.Command),
		scrollback: ptyrun.NewRingBuffer(ptyrun.ScrollbackSize),
		wrapper:    &wrapperConn{conn: conn},
		cols:       reg.Cols,
		rows:       reg.Rows,
	}

	rec := state.Session{
		ID:         sessionID,
		Name:       reg.Name,
		Command:    reg.Command,
		WorkingDir: reg.WorkingDir,
		PID:        reg.PID,
		CLIType:    string(ls.tracker.CLIType()),
		StartedAt:  time.Now(),
	}
	if err := h.store.AddSession(rec); err != nil {
		// A wrapper reconnect after a transient drop reuses the session id.
		// Keep the original start time and any rename applied meanwhile.
		if prev, ok := h.store.GetSession(sessionID); ok {
			rec.StartedAt = prev.StartedAt
			if prev.Name != "" {
				rec.Name = prev.Name
			}
		}
		if uerr := h.store.UpdateSession(rec); uerr != nil {
			writeError(conn, "protocol", uerr.Error())
			conn.Close()
			return
		}
	}
	if err := h.store.Save(); err != nil {
		log.Warn("failed to persist session", "err", err)
	}

	h.addLive(ls)
	if err := ls.wrapper.send(protocol.Registered{Type: protocol.TypeRegistered, SessionID: sessionID}); err != nil {
		h.removeLive(ls)
		conn.Close()
		return
	}

	log.Info("session registered", "session", sessionID, "command", reg.Command, "pid", reg.PID)
	h.broadcastAll(protocol.SessionInfo{Type: protocol.TypeSessionInfo, Session: h.summary(rec)})

	exitCode := -1
readLoop:
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		env, err := protocol.PeekType(raw)
		if err != nil {
			continue
		}
		switch env.Type {
		case protocol.TypePTYOutput:
			var m protocol.PTYOutput
			if err := json.Unmarshal(raw, &m); err != nil {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(m.Data)
			if err != nil {
				continue
			}
			h.handleSessionOutput(ls, data)

		case protocol.TypeResize:
			var m protocol.Resize
			if err := json.Unmarshal(raw, &m); err != nil || m.Cols == 0 || m.Rows == 0 {
				continue
			}
			ls.mu.Lock()
			ls.cols, ls.rows = m.Cols, m.Rows
			ls.mu.Unlock()
			h.broadcastSubscribers(sessionID, protocol.PTYResized{
				Type:      protocol.TypePTYResized,
				SessionID: sessionID,
				Cols:      m.Cols,
				Rows:      m.Rows,
			})

		case protocol.TypeSessionEnded:
			var m protocol.WrapperSessionEnded
			if err := json.Unmarshal(raw, &m); err == nil {
				exitCode = m.ExitCode
			}
			break readLoop
		}
	}
	conn.Close()
	h.endSession(ls, exitCode)
}

// handleSessionOutput records, classifies, and fans out one output chunk.
func (h *Hub) handleSessionOutput(ls *liveSession, data []byte) {
	ls.scrollback.Write(data)

	h.broadcastSubscribers(ls.id, protocol.PTYBytes{
		Type:      protocol.TypePTYBytes,
		SessionID: ls.id,
		Data:      base64.StdEncoding.EncodeToString(data),
	})

	tr := ls.tracker.FeedOutput(data)
	if tr == nil {
		return
	}
	switch tr.To {
	case detect.StateWaiting:
		msg := waitingMessage(ls.id, ls.tracker.CLIType(), tr.Detection)
		h.broadcastAll(msg)
		name := ls.id
		if rec, ok := h.store.GetSession(ls.id); ok {
			name = rec.Name
		}
		h.notifier.NotifyWaiting(ls.id, name, tr.Detection, ls.tracker.CLIType())
	case detect.StateRunning:
		h.broadcastAll(protocol.WaitingCleared{Type: protocol.TypeWaitingCleared, SessionID: ls.id})
	}
}

// endSession tears down a live session and tells everyone. When a reconnected
// wrapper already owns the id, the stale connection's teardown is a no-op.
func (h *Hub) endSession(ls *liveSession, exitCode int) {
	ls.tracker.NoteExit()
	if !h.removeLive(ls) {
		log.Debug("stale wrapper connection closed", "session", ls.id)
		return
	}

	if err := h.store.MarkEnded(ls.id, exitCode); err == nil {
		if err := h.store.Save(); err != nil {
			log.Warn("failed to persist session end", "err", err)
		}
	}

	log.Info("session ended", "session", ls.id, "exit_code", exitCode)
	h.broadcastAll(protocol.SessionEnded{
		Type:      protocol.TypeSessionEnded,
		SessionID: ls.id,
		ExitCode:  exitCode,
	})
}
