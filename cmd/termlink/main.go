package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/termlink/termlink/internal/config"
	"github.com/termlink/termlink/internal/daemon"
	"github.com/termlink/termlink/internal/pairing"
	"github.com/termlink/termlink/internal/schema"
	"github.com/termlink/termlink/internal/state"
	"github.com/termlink/termlink/internal/update"
	"github.com/termlink/termlink/internal/version"
	"github.com/termlink/termlink/internal/wrapper"
	"github.com/termlink/termlink/pkg/shellutil"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "start", "daemon-run":
		configOk, err := config.EnsureExists()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error checking config: %v\n", err)
			os.Exit(1)
		}
		if !configOk {
			// User declined to create config
			os.Exit(1)
		}

		if err := daemon.ValidateReadyToRun(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if command == "start" {
			if err := daemon.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Println("termlink daemon started")
		} else {
			if err := daemon.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "Daemon error: %v\n", err)
				os.Exit(1)
			}
		}

	case "stop":
		if err := daemon.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("termlink daemon stopped")

	case "status":
		running, url, pid, err := daemon.Status()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if running {
			fmt.Printf("termlink daemon is running (pid %d)\n", pid)
			fmt.Printf("Endpoint: %s\n", url)
		} else {
			fmt.Println("termlink daemon is not running")
			os.Exit(1)
		}

	case "wrap":
		runWrap(os.Args[2:])

	case "sessions":
		if err := printSessions(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

	case "pair":
		if err := printPairing(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

	case "schema":
		if err := printSchema(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

	case "version", "-v", "--version":
		fmt.Printf("termlink v%s\n", version.Version)

	case "update":
		if err := update.Update(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

// runWrap parses wrap flags and execs the wrapper. The command to run
// follows a "--" separator.
func runWrap(args []string) {
	fs := flag.NewFlagSet("wrap", flag.ExitOnError)
	sessionID := fs.String("session-id", "", "session id assigned by the daemon (internal)")
	name := fs.String("name", "", "display name for the session")
	port := fs.Int("port", config.DefaultPort, "daemon port")
	dir := fs.String("dir", "", "working directory for the command")
	headless := fs.Bool("headless", false, "run without mirroring to the local terminal")
	fs.Parse(args)

	rest := fs.Args()
	if len(rest) > 0 && rest[0] == "--" {
		rest = rest[1:]
	}
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: termlink wrap [flags] -- <command> [args...]")
		os.Exit(1)
	}

	os.Exit(wrapper.Run(wrapper.Options{
		SessionID:  *sessionID,
		Name:       *name,
		Port:       *port,
		WorkingDir: *dir,
		Headless:   *headless,
		Command:    rest[0],
		Args:       rest[1:],
	}))
}

// printSessions reads the persisted session table directly; it works whether
// or not the daemon is up.
func printSessions() error {
	dir, err := config.Dir()
	if err != nil {
		return err
	}
	store, err := state.Load(filepath.Join(dir, "sessions.json"))
	if err != nil {
		return err
	}

	sessions := store.GetSessions()
	if len(sessions) == 0 {
		fmt.Println("No sessions.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATE\tSTARTED\tCOMMAND")
	for _, s := range sessions {
		st := "running"
		if s.Ended() {
			st = fmt.Sprintf("exited(%d)", exitCodeOf(s))
		} else if !s.Alive() {
			st = "stale"
		}
		cmdline := shellutil.QuoteCommand(s.Command, nil)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			shortID(s.ID), s.Name, st, s.StartedAt.Format(time.DateTime), cmdline)
	}
	return w.Flush()
}

func exitCodeOf(s state.Session) int {
	if s.ExitCode != nil {
		return *s.ExitCode
	}
	return -1
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// printPairing renders the QR code a mobile client scans to connect.
func printPairing() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	url, err := pairing.PairingURL(cfg)
	if err != nil {
		return err
	}
	qr, err := pairing.RenderQR(url)
	if err != nil {
		return err
	}
	fmt.Println(qr)
	fmt.Printf("Scan to connect, or enter manually: %s\n", url)

	info, err := pairing.Info(cfg)
	if err != nil {
		return err
	}
	blob, err := info.JSON()
	if err != nil {
		return err
	}
	fmt.Println(blob)
	return nil
}

func printSchema(args []string) error {
	if len(args) == 0 {
		fmt.Println("Available schemas:")
		for _, label := range schema.Labels() {
			fmt.Printf("  %s\n", label)
		}
		return nil
	}
	out, err := schema.Get(args[0])
	if err != nil {
		return fmt.Errorf("%w (run 'termlink schema' to list labels)", err)
	}
	fmt.Println(out)
	return nil
}

func printUsage() {
	fmt.Println("termlink - remote eyes and hands for your terminal sessions")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  termlink <command>")
	fmt.Println()
	fmt.Println("Daemon Commands:")
	fmt.Println("  start       Start the daemon in background")
	fmt.Println("  stop        Stop the daemon")
	fmt.Println("  status      Show daemon status and endpoint")
	fmt.Println("  daemon-run  Run the daemon in foreground (for debugging)")
	fmt.Println()
	fmt.Println("Session Commands:")
	fmt.Println("  wrap -- <command>   Run a command under termlink")
	fmt.Println("  sessions            List recent sessions")
	fmt.Println()
	fmt.Println("Client Commands:")
	fmt.Println("  pair        Show the pairing QR code")
	fmt.Println("  schema      Print wire message JSON schemas")
	fmt.Println()
	fmt.Println("Other:")
	fmt.Println("  version     Show version")
	fmt.Println("  update      Update termlink to the latest version")
	fmt.Println("  help        Show this help message")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  termlink start                 # Start the daemon")
	fmt.Println("  termlink wrap -- claude        # Run claude, observable from your phone")
	fmt.Println("  termlink wrap -- bash          # Wrap a plain shell")
	fmt.Println("  termlink sessions              # Show recent sessions")
	fmt.Println("  termlink pair                  # Pair a mobile client")
}
