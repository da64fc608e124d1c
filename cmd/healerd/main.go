package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/sevlyar/go-daemon"

	"github.com/roelfdiedericks/healerd/internal/cache"
	"github.com/roelfdiedericks/healerd/internal/config"
	healerdaemon "github.com/roelfdiedericks/healerd/internal/daemon"
	. "github.com/roelfdiedericks/healerd/internal/logging"
	"github.com/roelfdiedericks/healerd/internal/store"
	"github.com/roelfdiedericks/healerd/internal/supervisor"
	"github.com/roelfdiedericks/healerd/internal/worker"
)

// version is set via ldflags: -X main.version=...
var version = "dev"

// CLI defines the command-line interface
type CLI struct {
	Debug  bool   `help:"Enable debug logging" short:"d"`
	Config string `help:"Config file path" short:"c" type:"path"`

	Run       RunCmd       `cmd:"" help:"Run the daemon in the foreground"`
	Start     StartCmd     `cmd:"" help:"Start the daemon in the background"`
	Stop      StopCmd      `cmd:"" help:"Stop the background daemon"`
	Status    StatusCmd    `cmd:"" help:"Show daemon status"`
	Bootstrap BootstrapCmd `cmd:"" help:"Drop and recreate the database schema (destructive)"`
	Export    ExportCmd    `cmd:"" help:"Export the entire database to a JSON file"`
	Import    ImportCmd    `cmd:"" help:"Import the database from a JSON file (destructive)"`
	Worker    WorkerCmd    `cmd:"" hidden:"" help:"Internal: run one session's worker"`
	Ctl       CtlCmd       `cmd:"" help:"Send a command to the running daemon"`
	Version   VersionCmd   `cmd:"" help:"Show version"`
}

// Context is passed to every command
type Context struct {
	Debug      bool
	ConfigPath string
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("healerd"),
		kong.Description("Session orchestrator daemon"),
		kong.UsageOnError(),
	)

	err := ctx.Run(&Context{Debug: cli.Debug, ConfigPath: cli.Config})
	ctx.FatalIfErrorf(err)
}

func loadConfig(ctx *Context) (*config.Config, error) {
	cfg, err := config.Load(ctx.ConfigPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func logLevel(ctx *Context, cfg *config.Config) int {
	if ctx.Debug {
		return LevelDebug
	}
	switch cfg.Log.Level {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// runDaemon opens the store and serves the control socket until SIGTERM
func runDaemon(cfg *config.Config) error {
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	payloads := cache.New(st)
	sup := supervisor.New(st, payloads, supervisor.ExecLauncher(cfg.Database.Path))
	d := healerdaemon.New(cfg, st, payloads, sup)

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	return d.Run(runCtx)
}

// RunCmd runs the daemon in the foreground
type RunCmd struct{}

func (r *RunCmd) Run(ctx *Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	Init(&Config{Level: logLevel(ctx, cfg), TimeFormat: "15:04:05", ShowCaller: true})
	L_info("healerd starting", "version", version, "listen", cfg.Daemon.Listen)
	return runDaemon(cfg)
}

// StartCmd daemonizes healerd
type StartCmd struct{}

func (s *StartCmd) Run(ctx *Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	if isRunningAt(cfg.PidFile()) {
		return fmt.Errorf("already running")
	}

	cntxt := &daemon.Context{
		PidFileName: cfg.PidFile(),
		PidFilePerm: 0644,
		WorkDir:     "./",
		Umask:       027,
	}

	d, err := cntxt.Reborn()
	if err != nil {
		return fmt.Errorf("daemonize failed: %w", err)
	}
	if d != nil {
		// Parent process
		fmt.Printf("healerd started (pid %d)\n", d.Pid)
		return nil
	}
	defer cntxt.Release() //nolint:errcheck // daemon cleanup

	Init(&Config{Level: logLevel(ctx, cfg), TimeFormat: "2006/01/02 15:04:05", File: cfg.LogFile()})
	L_info("healerd starting", "version", version, "listen", cfg.Daemon.Listen)
	return runDaemon(cfg)
}

// StopCmd stops the background daemon
type StopCmd struct{}

func (s *StopCmd) Run(ctx *Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	pid, running := getPidFromFile(cfg.PidFile())
	if !running {
		fmt.Println("healerd not running")
		return nil
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("process not found: %w", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to stop: %w", err)
	}

	fmt.Printf("healerd stopped (pid %d)\n", pid)
	os.Remove(cfg.PidFile())
	return nil
}

// StatusCmd shows daemon status
type StatusCmd struct{}

func (s *StatusCmd) Run(ctx *Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	pid, running := getPidFromFile(cfg.PidFile())
	if !running {
		fmt.Println("healerd not running")
		return nil
	}
	fmt.Printf("healerd running (pid %d)\n", pid)

	// A live daemon also answers on the control socket
	reply, err := sendCommand(cfg.Daemon.Listen, "ping", nil)
	if err != nil {
		fmt.Printf("control socket %s: unreachable (%v)\n", cfg.Daemon.Listen, err)
		return nil
	}
	fmt.Printf("control socket %s: %v\n", cfg.Daemon.Listen, reply["message"])
	return nil
}

// BootstrapCmd destructively resets the database schema
type BootstrapCmd struct {
	Yes bool `help:"Skip the confirmation prompt"`
}

func (b *BootstrapCmd) Run(ctx *Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	Init(&Config{Level: logLevel(ctx, cfg), TimeFormat: "15:04:05"})

	if !b.Yes {
		fmt.Printf("This drops ALL tables in %s. Type 'yes' to continue: ", cfg.Database.Path)
		var answer string
		fmt.Scanln(&answer)
		if answer != "yes" {
			fmt.Println("aborted")
			return nil
		}
	}

	if err := store.Bootstrap(cfg.Database.Path); err != nil {
		return err
	}
	fmt.Println("Database setup complete.")
	return nil
}

// ExportCmd dumps every table to JSON, operating directly on the
// database file.
type ExportCmd struct {
	Output string `short:"o" default:"healer_db_export.json" help:"The file to export the database to"`
}

func (e *ExportCmd) Run(ctx *Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	Init(&Config{Level: logLevel(ctx, cfg), TimeFormat: "15:04:05"})

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	f, err := os.Create(e.Output)
	if err != nil {
		return fmt.Errorf("create %s: %w", e.Output, err)
	}
	defer f.Close()

	if err := st.Export(f); err != nil {
		return err
	}
	fmt.Printf("Database successfully exported to %s\n", e.Output)
	return nil
}

// ImportCmd restores a JSON dump, wiping all current data first. Runs
// directly against the database file; stop the daemon before using it.
type ImportCmd struct {
	Input string `short:"i" required:"" type:"existingfile" help:"The JSON file to import the database from"`
	Yes   bool   `help:"Skip the confirmation prompt"`
}

func (i *ImportCmd) Run(ctx *Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	Init(&Config{Level: logLevel(ctx, cfg), TimeFormat: "15:04:05"})

	if !i.Yes {
		fmt.Print("This is a destructive operation. It will wipe all current data. Type 'yes' to continue: ")
		var answer string
		fmt.Scanln(&answer)
		if answer != "yes" {
			fmt.Println("Import cancelled.")
			return nil
		}
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	f, err := os.Open(i.Input)
	if err != nil {
		return fmt.Errorf("open %s: %w", i.Input, err)
	}
	defer f.Close()

	if err := st.Import(f); err != nil {
		return err
	}
	fmt.Println("Database successfully imported.")
	return nil
}

// WorkerCmd is the child-process entry point; the daemon spawns it with
// the session payloads on stdin.
type WorkerCmd struct {
	Session  int64  `required:"" help:"Session id"`
	DB       string `required:"" help:"Database path"`
	Desc     string `help:"Session description"`
	Deadline string `help:"RFC3339 deadline; empty runs forever"`
}

func (w *WorkerCmd) Run(ctx *Context) error {
	Init(&Config{Level: LevelInfo, TimeFormat: "15:04:05", ShowCaller: false})

	opts := worker.Options{
		SessionID:   w.Session,
		DBPath:      w.DB,
		Description: w.Desc,
	}
	if w.Deadline != "" {
		deadline, err := time.Parse(time.RFC3339, w.Deadline)
		if err != nil {
			return fmt.Errorf("parse deadline: %w", err)
		}
		opts.Deadline = &deadline
	}

	wk, err := worker.New(opts, os.Stdin)
	if err != nil {
		return err
	}
	os.Exit(wk.Run())
	return nil
}

// VersionCmd shows version info
type VersionCmd struct{}

func (v *VersionCmd) Run(ctx *Context) error {
	fmt.Printf("healerd %s\n", version)
	return nil
}

// isRunningAt checks whether the pidfile points at a live process
func isRunningAt(pidFile string) bool {
	_, running := getPidFromFile(pidFile)
	return running
}

// getPidFromFile reads the pidfile and probes the process
func getPidFromFile(pidFile string) (int, bool) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return pid, false
	}
	return pid, true
}

// sendCommand sends one JSON command to the daemon and decodes the reply
func sendCommand(addr, action string, data map[string]any) (map[string]any, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon at %s: %w", addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	cmd := map[string]any{"action": action}
	if data != nil {
		cmd["data"] = data
	}
	if err := json.NewEncoder(conn).Encode(cmd); err != nil {
		return nil, fmt.Errorf("send command: %w", err)
	}

	var reply map[string]any
	if err := json.NewDecoder(conn).Decode(&reply); err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	return reply, nil
}

// printReply renders a daemon reply for the terminal
func printReply(reply map[string]any) error {
	status, _ := reply["status"].(string)
	message, _ := reply["message"].(string)
	if status != "success" {
		return fmt.Errorf("daemon error: %s", message)
	}
	fmt.Println(message)
	if rows, ok := reply["data"].([]any); ok {
		for _, row := range rows {
			line, _ := json.Marshal(row)
			fmt.Println(string(line))
		}
	}
	return nil
}

// ctl runs one control action against the configured daemon address
func ctl(ctx *Context, action string, data map[string]any) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	reply, err := sendCommand(cfg.Daemon.Listen, action, data)
	if err != nil {
		return err
	}
	return printReply(reply)
}
