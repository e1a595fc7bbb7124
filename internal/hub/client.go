package hub

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/termlink/termlink/internal/detect"
	"github.com/termlink/termlink/internal/protocol"
	"github.com/termlink/termlink/internal/ptyrun"
	"github.com/termlink/termlink/internal/sandbox"
	"github.com/termlink/termlink/internal/state"
	"github.com/termlink/termlink/internal/version"
)

// outboundQueue is the per-client send buffer. A full queue means the client
// is too slow; stream messages are dropped rather than blocking the hub.
const outboundQueue = 256

// client is one authenticated remote connection.
type client struct {
	hub     *Hub
	conn    *websocket.Conn
	limiter *rateLimiter

	outbound chan []byte
	done     chan struct{}
	once     sync.Once

	mu      sync.Mutex
	subs    map[string]struct{}
	watches map[string]struct{} // canonical watched directories
}

// runClient performs the hello handshake and, on success, serves the
// connection until it drops.
func (h *Hub) runClient(conn *websocket.Conn, helloRaw []byte) {
	c := &client{
		hub:      h,
		conn:     conn,
		limiter:  newRateLimiter(defaultRatePerSecond, defaultBurst),
		outbound: make(chan []byte, outboundQueue),
		done:     make(chan struct{}),
		subs:     make(map[string]struct{}),
		watches:  make(map[string]struct{}),
	}
	go c.writeLoop()

	if !c.handshake(helloRaw) {
		c.close()
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	log.Info("client connected", "remote", conn.RemoteAddr().String())
	c.readLoop()
	c.close()
	log.Info("client disconnected", "remote", conn.RemoteAddr().String())
}

// handshake validates the hello and replies with welcome, the session list,
// and any active waiting prompts.
func (c *client) handshake(raw []byte) bool {
	// Rejections are written synchronously so the reason reaches the client
	// before the connection closes.
	var hello protocol.Hello
	if err := json.Unmarshal(raw, &hello); err != nil {
		writeError(c.conn, "malformed", "invalid hello")
		return false
	}

	cfg := c.hub.cfg
	if token := cfg.GetAuthToken(); token != "" && hello.AuthToken != token {
		writeError(c.conn, "auth_failed", "invalid auth token")
		return false
	}
	if min := cfg.GetMinClientVersion(); min != "" {
		minV, err := semver.NewVersion(min)
		if err == nil {
			v, err := semver.NewVersion(hello.ClientVersion)
			if err != nil || v.LessThan(minV) {
				writeError(c.conn, "version_too_old", "client version "+hello.ClientVersion+" is below minimum "+min)
				return false
			}
		}
	}

	c.send(protocol.Welcome{
		Type:          protocol.TypeWelcome,
		ServerVersion: version.Version,
		DaemonName:    cfg.GetDaemonName(),
		Protocol:      ProtocolVersion,
	})
	c.send(c.hub.sessionsMessage())

	// Replay active prompts so a reconnecting client sees pending approvals
	// without waiting for the next repaint.
	c.hub.mu.RLock()
	for _, ls := range c.hub.live {
		if d := ls.tracker.Current(); d != nil {
			c.send(waitingMessage(ls.id, ls.tracker.CLIType(), d))
		}
	}
	c.hub.mu.RUnlock()
	return true
}

func waitingMessage(sessionID string, cli detect.CLIType, d *detect.Detection) protocol.WaitingForInput {
	return protocol.WaitingForInput{
		Type:          protocol.TypeWaitingForInput,
		SessionID:     sessionID,
		WaitType:      string(d.WaitType),
		CLIType:       string(cli),
		Prompt:        d.Prompt,
		ApprovalModel: string(d.Model),
		DetectedAt:    time.Now().UnixMilli(),
	}
}

// --- send paths ---

// send queues a message, blocking until there is room or the client is gone.
func (c *client) send(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error("send marshal failed", "err", err)
		return
	}
	select {
	case c.outbound <- data:
	case <-c.done:
	}
}

// trySendRaw queues pre-marshaled bytes, dropping when the queue is full.
func (c *client) trySendRaw(data []byte) {
	select {
	case c.outbound <- data:
	case <-c.done:
	default:
	}
}

func (c *client) writeLoop() {
	for {
		select {
		case data := <-c.outbound:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()

		c.hub.mu.Lock()
		delete(c.hub.clients, c)
		c.hub.mu.Unlock()

		c.mu.Lock()
		watched := make([]string, 0, len(c.watches))
		for path := range c.watches {
			watched = append(watched, path)
		}
		c.watches = map[string]struct{}{}
		c.mu.Unlock()
		for _, path := range watched {
			c.hub.watcher.Unwatch(path)
		}
	})
}

func (c *client) subscribed(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[sessionID]
	return ok
}

// watchesPath reports whether a changed path falls inside one of the
// client's watched directories. Watches are non-recursive.
func (c *client) watchesPath(path string) bool {
	dir := filepath.Dir(path)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.watches[path]; ok {
		return true
	}
	_, ok := c.watches[dir]
	return ok
}

// --- dispatch ---

func (c *client) readLoop() {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		env, envErr := protocol.PeekType(raw)

		if ok, wait := c.limiter.allow(); !ok {
			c.send(protocol.OperationError{
				Type:         protocol.TypeOperationError,
				RequestID:    env.RequestID,
				Code:         protocol.CodeRateLimited,
				Message:      "rate limit exceeded",
				RetryAfterMs: wait.Milliseconds(),
			})
			continue
		}
		if envErr != nil {
			c.send(protocol.Error{Type: protocol.TypeError, Code: "malformed", Message: envErr.Error()})
			continue
		}

		c.dispatch(env, raw)
	}
}

func (c *client) dispatch(env protocol.Envelope, raw []byte) {
	switch env.Type {
	case protocol.TypePing:
		var m protocol.Ping
		json.Unmarshal(raw, &m)
		c.send(protocol.Pong{Type: protocol.TypePong, Timestamp: m.Timestamp})

	case protocol.TypeGetSessions:
		c.send(c.hub.sessionsMessage())

	case protocol.TypeSubscribe:
		var m protocol.Subscribe
		if err := json.Unmarshal(raw, &m); err != nil || m.SessionID == "" {
			c.protocolError("subscribe requires session_id")
			return
		}
		if _, ok := c.hub.store.GetSession(m.SessionID); !ok {
			c.protocolError("unknown session " + m.SessionID)
			return
		}
		c.mu.Lock()
		c.subs[m.SessionID] = struct{}{}
		c.mu.Unlock()

	case protocol.TypeUnsubscribe:
		var m protocol.Unsubscribe
		if err := json.Unmarshal(raw, &m); err != nil {
			return
		}
		c.mu.Lock()
		delete(c.subs, m.SessionID)
		c.mu.Unlock()

	case protocol.TypeSendInput:
		c.handleSendInput(raw)

	case protocol.TypePTYResize:
		c.handleResize(raw)

	case protocol.TypeRenameSession:
		c.handleRename(raw)

	case protocol.TypeToolApproval:
		c.handleToolApproval(raw)

	case protocol.TypeGetSessionHistory:
		c.handleHistory(raw)

	case protocol.TypeSpawnSession:
		c.handleSpawn(raw)

	case protocol.TypeRegisterPushToken:
		var m protocol.RegisterPushToken
		if err := json.Unmarshal(raw, &m); err != nil {
			return
		}
		c.hub.notifier.RegisterToken(m.PushToken, m.DeviceName)

	case protocol.TypeUnregisterPushToken:
		var m protocol.UnregisterPushToken
		if err := json.Unmarshal(raw, &m); err != nil {
			return
		}
		c.hub.notifier.UnregisterToken(m.PushToken)

	case protocol.TypeListDirectory, protocol.TypeReadFile, protocol.TypeReadFileChunk,
		protocol.TypeWriteFile, protocol.TypeUploadFile, protocol.TypeCreateDirectory,
		protocol.TypeDeletePath, protocol.TypeRenamePath, protocol.TypeCopyPath,
		protocol.TypeGetFileInfo, protocol.TypeSearchFiles, protocol.TypeWatchDirectory,
		protocol.TypeUnwatchDirectory, protocol.TypeGetHomeDirectory, protocol.TypeGetAllowedRoots:
		c.enqueueFS(env, raw)

	default:
		c.protocolError("unknown message type " + env.Type)
	}
}

func (c *client) protocolError(message string) {
	c.send(protocol.Error{Type: protocol.TypeError, Code: "protocol", Message: message})
}

func (c *client) handleSendInput(raw []byte) {
	var m protocol.SendInput
	if err := json.Unmarshal(raw, &m); err != nil {
		c.protocolError("invalid send_input")
		return
	}
	ls, ok := c.hub.liveSessionByID(m.SessionID)
	if !ok {
		c.protocolError("session " + m.SessionID + " is not running")
		return
	}
	data, err := base64.StdEncoding.DecodeString(m.Data)
	if err != nil {
		c.protocolError("send_input data must be base64")
		return
	}
	if err := ls.wrapper.sendInput(data); err != nil {
		c.protocolError("failed to deliver input: " + err.Error())
		return
	}
	if tr := ls.tracker.NoteInput(); tr != nil {
		c.hub.broadcastAll(protocol.WaitingCleared{Type: protocol.TypeWaitingCleared, SessionID: ls.id})
	}
}

func (c *client) handleResize(raw []byte) {
	var m protocol.PTYResize
	if err := json.Unmarshal(raw, &m); err != nil || m.Cols == 0 || m.Rows == 0 {
		c.protocolError("invalid pty_resize")
		return
	}
	ls, ok := c.hub.liveSessionByID(m.SessionID)
	if !ok {
		c.protocolError("session " + m.SessionID + " is not running")
		return
	}
	if err := ls.wrapper.sendResize(m.Cols, m.Rows); err != nil {
		c.protocolError("failed to deliver resize: " + err.Error())
		return
	}
	ls.mu.Lock()
	ls.cols, ls.rows = m.Cols, m.Rows
	ls.mu.Unlock()
	c.hub.broadcastSubscribers(m.SessionID, protocol.PTYResized{
		Type:      protocol.TypePTYResized,
		SessionID: m.SessionID,
		Cols:      m.Cols,
		Rows:      m.Rows,
	})
}

func (c *client) handleRename(raw []byte) {
	var m protocol.RenameSession
	if err := json.Unmarshal(raw, &m); err != nil || m.Name == "" {
		c.protocolError("rename_session requires session_id and name")
		return
	}
	if err := c.hub.store.RenameSession(m.SessionID, m.Name); err != nil {
		c.protocolError(err.Error())
		return
	}
	if err := c.hub.store.Save(); err != nil {
		log.Warn("failed to persist rename", "err", err)
	}
	c.hub.broadcastAll(protocol.SessionRenamed{
		Type:      protocol.TypeSessionRenamed,
		SessionID: m.SessionID,
		Name:      m.Name,
	})
}

func (c *client) handleToolApproval(raw []byte) {
	var m protocol.ToolApproval
	if err := json.Unmarshal(raw, &m); err != nil {
		c.protocolError("invalid tool_approval")
		return
	}
	ls, ok := c.hub.liveSessionByID(m.SessionID)
	if !ok {
		c.protocolError("session " + m.SessionID + " is not running")
		return
	}
	d := ls.tracker.Current()
	if d == nil {
		c.protocolError("session " + m.SessionID + " has no pending prompt")
		return
	}
	keys, ok := detect.ApprovalKeystrokes(d.Model, m.Decision)
	if !ok {
		c.protocolError("decision " + m.Decision + " does not apply to this prompt")
		return
	}
	if err := ls.wrapper.sendInput([]byte(keys)); err != nil {
		c.protocolError("failed to deliver approval: " + err.Error())
		return
	}
	if tr := ls.tracker.NoteInput(); tr != nil {
		c.hub.broadcastAll(protocol.WaitingCleared{Type: protocol.TypeWaitingCleared, SessionID: ls.id})
	}
}

func (c *client) handleHistory(raw []byte) {
	var m protocol.GetSessionHistory
	if err := json.Unmarshal(raw, &m); err != nil {
		c.protocolError("invalid get_session_history")
		return
	}
	ls, ok := c.hub.liveSessionByID(m.SessionID)
	if !ok {
		c.protocolError("session " + m.SessionID + " is not running")
		return
	}
	c.send(protocol.SessionHistory{
		Type:      protocol.TypeSessionHistory,
		SessionID: m.SessionID,
		Data:      base64.StdEncoding.EncodeToString(ls.scrollback.Bytes()),
	})
}

// handleSpawn launches a new wrapped session as a detached child of the
// daemon, re-invoking this binary's wrap command.
func (c *client) handleSpawn(raw []byte) {
	var m protocol.SpawnSession
	if err := json.Unmarshal(raw, &m); err != nil {
		c.protocolError("invalid spawn_session")
		return
	}
	fail := func(msg string) {
		c.send(protocol.SpawnResult{Type: protocol.TypeSpawnResult, RequestID: m.RequestID, Success: false, Error: msg})
	}

	if err := ptyrun.ValidateSpawn(m.Command, m.Args, m.WorkingDir); err != nil {
		fail(err.Error())
		return
	}
	// The working directory must also sit inside the sandbox.
	v := sandbox.New(c.hub.policies.Current())
	if _, err := v.ValidateExisting(m.WorkingDir); err != nil {
		fail("working directory not allowed")
		return
	}

	exe, err := os.Executable()
	if err != nil {
		fail("cannot locate daemon binary")
		return
	}

	sessionID := state.NewSessionID()
	args := []string{
		"wrap",
		"--session-id", sessionID,
		"--name", m.Name,
		"--port", strconv.Itoa(c.hub.cfg.GetPort()),
		"--dir", m.WorkingDir,
		"--headless",
		"--", m.Command,
	}
	args = append(args, m.Args...)

	cmd := exec.Command(exe, args...)
	cmd.Dir = m.WorkingDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		fail("failed to start wrapper: " + err.Error())
		return
	}
	go cmd.Wait() // reap

	log.Info("spawned session", "session", sessionID, "command", m.Command, "pid", cmd.Process.Pid)
	c.send(protocol.SpawnResult{
		Type:      protocol.TypeSpawnResult,
		RequestID: m.RequestID,
		Success:   true,
		SessionID: sessionID,
	})
}
