// Package hub runs the daemon's WebSocket endpoint: it accepts wrapper and
// remote client connections, fans terminal output out to subscribers, relays
// input, and serves sandboxed filesystem requests.
package hub

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/termlink/termlink/internal/config"
	"github.com/termlink/termlink/internal/detect"
	"github.com/termlink/termlink/internal/protocol"
	"github.com/termlink/termlink/internal/ptyrun"
	"github.com/termlink/termlink/internal/push"
	"github.com/termlink/termlink/internal/state"
	"github.com/termlink/termlink/internal/version"
	"github.com/termlink/termlink/internal/watcher"
)

// ProtocolVersion is bumped on incompatible wire changes.
const ProtocolVersion = 1

const (
	// maxMessageSize caps a single websocket message. Uploads are the large
	// case: 50 MiB of content grows ~4/3 under base64 plus JSON overhead.
	maxMessageSize = 96 << 20

	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// Hub is the connection registry shared by every websocket handler.
type Hub struct {
	cfg      *config.Config
	policies *config.PolicyHolder
	store    *state.Store
	watcher  *watcher.Watcher
	notifier *push.Notifier

	upgrader websocket.Upgrader
	fsJobs   chan func()
	quit     chan struct{}
	server   *http.Server

	watchSubID int

	mu      sync.RWMutex
	live    map[string]*liveSession
	clients map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

// liveSession is a wrapper-backed session the hub is currently relaying.
type liveSession struct {
	id         string
	command    string
	workingDir string
	pid        int

	tracker    *detect.Tracker
	scrollback *ptyrun.RingBuffer
	wrapper    *wrapperConn

	mu         sync.Mutex
	cols, rows uint16
}

// New creates a hub and starts its filesystem worker pool and watch fan-out.
func New(cfg *config.Config, policies *config.PolicyHolder, store *state.Store, w *watcher.Watcher, notifier *push.Notifier) *Hub {
	h := &Hub{
		cfg:      cfg,
		policies: policies,
		store:    store,
		watcher:  w,
		notifier: notifier,
		fsJobs:   make(chan func(), fsQueueSize),
		quit:     make(chan struct{}),
		live:     make(map[string]*liveSession),
		clients:  make(map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	for i := 0; i < fsWorkers; i++ {
		h.wg.Add(1)
		go h.fsWorker()
	}
	subID, events := w.Subscribe()
	h.watchSubID = subID
	h.wg.Add(1)
	go h.watchLoop(events)
	return h
}

// checkOrigin allows native clients (no Origin header) and any origin listed
// in the config. "*" allows all.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.GetAllowedOrigins() {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Start listens on the configured port and serves until Shutdown.
func (h *Hub) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"status":"ok","version":%q}`, version.Version)
	})

	addr := fmt.Sprintf(":%d", h.cfg.GetPort())
	h.server = &http.Server{Addr: addr, Handler: mux}

	log.Info("hub listening", "addr", addr)
	err := h.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown closes the listener and every live connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	wrappers := make([]*wrapperConn, 0, len(h.live))
	for _, ls := range h.live {
		wrappers = append(wrappers, ls.wrapper)
	}
	h.mu.Unlock()

	if h.server != nil {
		h.server.Close()
	}
	for _, c := range clients {
		c.close()
	}
	for _, w := range wrappers {
		w.close()
	}
	h.watcher.Unsubscribe(h.watchSubID)
	close(h.quit)
	h.wg.Wait()
}

// handleWS upgrades the connection and routes it by its first message:
// register_pty from loopback means a wrapper, anything else is a remote
// client that must open with hello.
func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	env, err := protocol.PeekType(raw)
	if err != nil {
		writeError(conn, "malformed", err.Error())
		conn.Close()
		return
	}

	switch env.Type {
	case protocol.TypeRegisterPTY:
		if !isLoopback(conn.RemoteAddr()) {
			writeError(conn, "forbidden", "wrapper registration is loopback-only")
			conn.Close()
			return
		}
		h.runWrapper(conn, raw)
	case protocol.TypeHello:
		h.runClient(conn, raw)
	default:
		writeError(conn, "protocol", "first message must be hello or register_pty")
		conn.Close()
	}
}

func isLoopback(addr net.Addr) bool {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// writeError sends a protocol error on a bare connection, pre-handshake.
func writeError(conn *websocket.Conn, code, message string) {
	msg := protocol.Error{Type: protocol.TypeError, Code: code, Message: message}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	conn.WriteJSON(msg)
}

// --- session registry ---

func (h *Hub) addLive(ls *liveSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.live[ls.id] = ls
}

// removeLive unregisters ls, but only while it still owns its id. A wrapper
// reconnect registers a fresh liveSession under the same id before the old
// connection's read loop unwinds; the stale teardown must not touch it.
func (h *Hub) removeLive(ls *liveSession) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.live[ls.id] != ls {
		return false
	}
	delete(h.live, ls.id)
	return true
}

func (h *Hub) liveSessionByID(id string) (*liveSession, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ls, ok := h.live[id]
	return ls, ok
}

// summary builds the wire record for one session, merging the persistent
// record with live state.
func (h *Hub) summary(rec state.Session) protocol.SessionSummary {
	s := protocol.SessionSummary{
		SessionID:  rec.ID,
		Name:       rec.Name,
		Command:    rec.Command,
		WorkingDir: rec.WorkingDir,
		PID:        rec.PID,
		CLIType:    rec.CLIType,
		State:      "ended",
		StartedAt:  rec.StartedAt.UnixMilli(),
	}
	if ls, ok := h.liveSessionByID(rec.ID); ok {
		s.State = string(ls.tracker.State())
		ls.mu.Lock()
		s.Cols, s.Rows = ls.cols, ls.rows
		ls.mu.Unlock()
	}
	return s
}

func (h *Hub) sessionsMessage() protocol.Sessions {
	records := h.store.GetSessions()
	out := protocol.Sessions{Type: protocol.TypeSessions, Sessions: make([]protocol.SessionSummary, 0, len(records))}
	for _, rec := range records {
		out.Sessions = append(out.Sessions, h.summary(rec))
	}
	return out
}

// --- fan-out ---

// broadcastAll marshals once and queues on every connected client, dropping
// for clients whose outbound queue is full.
func (h *Hub) broadcastAll(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error("broadcast marshal failed", "err", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.trySendRaw(data)
	}
}

// broadcastSubscribers delivers to clients subscribed to the session. Slow
// subscribers skip messages rather than stall the producer.
func (h *Hub) broadcastSubscribers(sessionID string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error("broadcast marshal failed", "err", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.subscribed(sessionID) {
			c.trySendRaw(data)
		}
	}
}

// watchLoop fans watcher events out to clients watching the changed path's
// directory.
func (h *Hub) watchLoop(events <-chan watcher.Event) {
	defer h.wg.Done()
	for ev := range events {
		msg := protocol.FileChanged{
			Type:       protocol.TypeFileChanged,
			Path:       ev.Path,
			ChangeType: ev.Type,
			Timestamp:  ev.Timestamp.UnixMilli(),
		}
		data, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		h.mu.RLock()
		for c := range h.clients {
			if c.watchesPath(ev.Path) {
				c.trySendRaw(data)
			}
		}
		h.mu.RUnlock()
	}
}
