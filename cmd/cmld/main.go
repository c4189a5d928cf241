package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/cmld/cmld"
)

// Context threads the resolved app directory and socket path through every
// subcommand's Run method; subcommands dial a fresh MuxClient per call
// rather than holding a daemon connection open across the CLI's lifetime.
type Context struct {
	AppBaseDir string
	SocketPath string
}

type CLI struct {
	LogFile  string `default:"" placeholder:"<log-file-path>" help:"location of log file (leave empty to log to stderr)"`
	LogLevel string `default:"info" placeholder:"<debug|info|warn|error>" help:"the logging level (debug, info, warn, error)"`
	BaseDir  string `default:"" placeholder:"<dir>" help:"cmld state directory (sockets, lockfile, sqlite index); defaults to ~/.local/state/cmld"`

	Daemon         DaemonCmd         `cmd:"" help:"start, stop, restart, or query the cmld daemon"`
	Ls             LsCmd             `cmd:"" help:"list known compartments"`
	Create         CreateCmd         `cmd:"" help:"register a new compartment from a config file"`
	Start          StartCmd          `cmd:"" help:"start a compartment"`
	Stop           StopCmd           `cmd:"" help:"stop a compartment"`
	Freeze         FreezeCmd         `cmd:"" help:"freeze a running compartment"`
	Unfreeze       UnfreezeCmd       `cmd:"" help:"unfreeze a frozen compartment"`
	Reboot         RebootCmd         `cmd:"" help:"reboot a compartment in place"`
	AttachToken    AttachTokenCmd    `cmd:"" name:"attach-token" help:"re-trigger a compartment's smartcard unlock"`
	RegisterUSB    RegisterUSBCmd    `cmd:"" name:"register-usb" help:"map a USB device to a compartment"`
	UnregisterUSB  UnregisterUSBCmd  `cmd:"" name:"unregister-usb" help:"remove a USB device mapping"`
	RegisterNet    RegisterNetCmd    `cmd:"" name:"register-net" help:"map a MAC address to a compartment"`
	UnregisterNet  UnregisterNetCmd  `cmd:"" name:"unregister-net" help:"remove a MAC address mapping"`
	Version        VersionCmd        `cmd:"" help:"print version information about this command"`
}

func (c *CLI) initSlog() {
	level := parseLevel(c.LogLevel)

	if c.LogFile == "" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return
	}

	logDir := filepath.Dir(c.LogFile)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		panic(err)
	}
	logger := slog.New(slog.NewJSONHandler(&lumberjack.Logger{
		Filename:   c.LogFile,
		MaxSize:    10, // MB
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	}, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const description = `cmld manages privileged Linux containers ("compartments"):
namespace and cgroup setup, uid shifting, USB/network hotplug assignment,
and smartcard-gated volume unlocking.`

// appStateDir resolves the default cmld state directory, creating it if
// necessary.
func appStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cmld: home directory: %w", err)
	}
	dir := filepath.Join(home, ".local", "state", "cmld")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("cmld: create state dir %s: %w", dir, err)
	}
	return dir, nil
}

// __compartment_init is never typed by an operator: engine.go's
// forkCompartmentInit re-execs this binary with that argv[1] to run a
// compartment's own init process. It must be dispatched before kong ever
// sees argv, since kong.Parse would reject an unknown subcommand and kill
// the freshly cloned child before it reached its sync barrier.
const compartmentInitArgv0 = "__compartment_init"

func main() {
	if len(os.Args) >= 3 && os.Args[1] == compartmentInitArgv0 {
		cmld.RunCompartmentInit(os.Args[2])
		return
	}

	var cli CLI

	kctx := kong.Parse(&cli,
		kong.Configuration(kongyaml.Loader, "/etc/cmld/cmld.yaml", "~/.config/cmld.yaml"),
		kong.Description(description))
	cli.initSlog()

	baseDir := cli.BaseDir
	if baseDir == "" {
		var err error
		baseDir, err = appStateDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	err := kctx.Run(&Context{
		AppBaseDir: baseDir,
		SocketPath: filepath.Join(baseDir, "cmld.sock"),
	})
	kctx.FatalIfErrorf(err)
}
