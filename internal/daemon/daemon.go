// Package daemon manages the termlink background process: pid/port files,
// start/stop/status, and the main run loop that owns the hub.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/termlink/termlink/internal/config"
	"github.com/termlink/termlink/internal/discovery"
	"github.com/termlink/termlink/internal/hub"
	"github.com/termlink/termlink/internal/push"
	"github.com/termlink/termlink/internal/state"
	"github.com/termlink/termlink/internal/watcher"
)

const (
	pidFileName   = "daemon.pid"
	portFileName  = "daemon.port"
	stateFileName = "sessions.json"

	startTimeout  = 5 * time.Second
	pruneInterval = time.Hour
)

var (
	mu      sync.Mutex
	running *instance
)

// instance holds everything Run started, for Shutdown to tear down.
type instance struct {
	hub        *hub.Hub
	watcher    *watcher.Watcher
	advertiser *discovery.Advertiser
	store      *state.Store
	pidFile    string
	portFile   string
}

// ValidateReadyToRun checks the config loads and no other daemon holds the
// pid file.
func ValidateReadyToRun() error {
	if _, err := config.Load(); err != nil {
		return err
	}
	if pid, ok := readPIDFile(); ok && processAlive(pid) {
		return fmt.Errorf("daemon already running (pid %d)", pid)
	}
	return nil
}

// Start launches the daemon in the background by re-invoking this binary
// with daemon-run, then waits for it to come up.
func Start() error {
	if err := ValidateReadyToRun(); err != nil {
		return err
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("cannot locate binary: %w", err)
	}
	cmd := exec.Command(exe, "daemon-run")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to launch daemon: %w", err)
	}
	go cmd.Wait() // reap

	deadline := time.Now().Add(startTimeout)
	for time.Now().Before(deadline) {
		if up, _, _, err := Status(); err == nil && up {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return errors.New("daemon did not come up in time")
}

// Run is the daemon main loop. It blocks until SIGTERM/SIGINT.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	policy, err := config.LoadPolicy()
	if err != nil {
		return err
	}
	holder := config.NewPolicyHolder(policy)

	dir, err := config.Dir()
	if err != nil {
		return err
	}
	store, err := state.Load(filepath.Join(dir, stateFileName))
	if err != nil {
		return err
	}
	// Sessions whose wrapper died while the daemon was down are stale.
	for _, s := range store.GetSessions() {
		if !s.Ended() && !s.Alive() {
			store.MarkEnded(s.ID, -1)
		}
	}
	store.Prune(time.Now())
	if err := store.Save(); err != nil {
		log.Warn("failed to persist state on startup", "err", err)
	}

	w, err := watcher.New()
	if err != nil {
		return err
	}
	notifier := push.NewNotifier(cfg.GetPushEnabled())
	h := hub.New(cfg, holder, store, w, notifier)

	inst := &instance{hub: h, watcher: w, store: store}
	if inst.pidFile, err = writeRuntimeFile(pidFileName, strconv.Itoa(os.Getpid())); err != nil {
		return err
	}
	if inst.portFile, err = writeRuntimeFile(portFileName, strconv.Itoa(cfg.GetPort())); err != nil {
		os.Remove(inst.pidFile)
		return err
	}

	if adv, err := discovery.Advertise(cfg.GetDaemonName(), cfg.GetDeviceID(), cfg.GetPort()); err != nil {
		log.Warn("mdns advertisement unavailable", "err", err)
	} else {
		inst.advertiser = adv
	}

	mu.Lock()
	running = inst
	mu.Unlock()

	stopPrune := make(chan struct{})
	go pruneLoop(store, stopPrune)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Info("shutting down", "signal", sig.String())
		close(stopPrune)
		Shutdown()
	}()

	log.Info("daemon running", "pid", os.Getpid(), "port", cfg.GetPort())
	return h.Start()
}

func pruneLoop(store *state.Store, stop <-chan struct{}) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if removed := store.Prune(time.Now()); removed > 0 {
				if err := store.Save(); err != nil {
					log.Warn("failed to persist pruned state", "err", err)
				}
			}
		case <-stop:
			return
		}
	}
}

// Shutdown tears down a running instance. Safe to call when nothing runs.
func Shutdown() {
	mu.Lock()
	inst := running
	running = nil
	mu.Unlock()
	if inst == nil {
		return
	}

	inst.advertiser.Stop()
	inst.hub.Shutdown()
	inst.watcher.Close()
	if err := inst.store.Save(); err != nil {
		log.Warn("failed to persist state on shutdown", "err", err)
	}
	os.Remove(inst.pidFile)
	os.Remove(inst.portFile)
}

// Stop signals the background daemon and waits for it to exit.
func Stop() error {
	pid, ok := readPIDFile()
	if !ok {
		return errors.New("daemon is not running")
	}
	if !processAlive(pid) {
		cleanStaleFiles()
		return errors.New("daemon is not running (stale pid file removed)")
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal daemon: %w", err)
	}

	deadline := time.Now().Add(startTimeout)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			cleanStaleFiles()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return errors.New("daemon did not exit in time")
}

// Status reports whether the daemon runs, its websocket URL, and its pid.
func Status() (bool, string, int, error) {
	pid, ok := readPIDFile()
	if !ok || !processAlive(pid) {
		return false, "", 0, nil
	}

	port := 0
	if data, err := os.ReadFile(runtimePath(portFileName)); err == nil {
		port, _ = strconv.Atoi(strings.TrimSpace(string(data)))
	}
	if port == 0 {
		port = config.DefaultPort
	}
	return true, fmt.Sprintf("ws://127.0.0.1:%d/ws", port), pid, nil
}

func runtimePath(name string) string {
	dir, err := config.Dir()
	if err != nil {
		return name
	}
	return filepath.Join(dir, name)
}

func writeRuntimeFile(name, content string) (string, error) {
	path := runtimePath(name)
	if err := os.WriteFile(path, []byte(content+"\n"), 0600); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	return path, nil
}

func readPIDFile() (int, bool) {
	data, err := os.ReadFile(runtimePath(pidFileName))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func cleanStaleFiles() {
	os.Remove(runtimePath(pidFileName))
	os.Remove(runtimePath(portFileName))
}
