// routine-host is a native messaging host for the Routine browser
// extension. It relays length-prefixed JSON messages between the browser
// (stdin/stdout) and the Routine desktop application over TCP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/routine/routine-host/internal/config"
	"github.com/routine/routine-host/internal/diaglog"
	"github.com/routine/routine-host/internal/relay"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// exitError carries a specific process exit status out of run.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }
func (e *exitError) ExitCode() int { return e.code }

func usageError(format string, args ...any) error {
	return &exitError{code: 2, err: fmt.Errorf(format, args...)}
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "routine-host: %v\n", err)
		var coder interface{ ExitCode() int }
		if errors.As(err, &coder) {
			os.Exit(coder.ExitCode())
		}
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath  string
		topology    string
		policy      string
		listenAddr  string
		host        string
		port        int
		portFile    string
		discovery   string
		logFile     string
		verbose     bool
		synchronous bool
		writeConfig string
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("routine-host", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "config file (default: $"+config.EnvConfigPath+" or ~/.routine-host/config.yaml)")
	flagSet.StringVar(&topology, "topology", "", "client (dial the desktop app) or server (accept desktop app connections)")
	flagSet.StringVar(&policy, "policy", "", "point-to-point or broadcast (default depends on topology)")
	flagSet.StringVar(&listenAddr, "listen", "", "listen address for the server topology")
	flagSet.StringVar(&host, "host", "", "desktop application host for the client topology")
	flagSet.IntVar(&port, "port", 0, "fixed desktop application port (implies --discovery=static)")
	flagSet.StringVar(&portFile, "port-file", "", "file holding the desktop application port")
	flagSet.StringVar(&discovery, "discovery", "", "port discovery: file, static or mdns")
	flagSet.StringVar(&logFile, "log-file", "", "diagnostic log file")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "also log to stderr")
	flagSet.BoolVar(&synchronous, "synchronous", false, "wait for one reply per browser message")
	flagSet.StringVar(&writeConfig, "write-config", "", "write the effective configuration to this file and exit")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")
	flagSet.BoolP("help", "h", false, "show help")
	flagSet.SetOutput(os.Stderr)

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return &exitError{code: 2, err: err}
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if showVersion {
		fmt.Fprintf(os.Stdout, "routine-host %s\n", version)
		return nil
	}

	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFrom(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return usageError("load config: %w", err)
	}

	if flagSet.Changed("topology") {
		cfg.Topology = topology
	}
	if flagSet.Changed("policy") {
		cfg.Policy = policy
	}
	if flagSet.Changed("listen") {
		cfg.Network.ListenAddr = listenAddr
	}
	if flagSet.Changed("host") {
		cfg.Network.Host = host
	}
	if flagSet.Changed("port") {
		cfg.Network.Port = port
		cfg.Network.Discovery = config.DiscoveryStatic
	}
	if flagSet.Changed("port-file") {
		cfg.Network.PortFile = portFile
	}
	if flagSet.Changed("discovery") {
		cfg.Network.Discovery = discovery
	}
	if flagSet.Changed("log-file") {
		cfg.Log.File = logFile
	}
	if flagSet.Changed("verbose") {
		cfg.Log.Verbose = verbose
	}
	if flagSet.Changed("synchronous") {
		cfg.Synchronous = synchronous
	}

	if err := cfg.Validate(); err != nil {
		return usageError("%w", err)
	}
	if writeConfig != "" {
		if err := cfg.SaveTo(writeConfig); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(os.Stdout, "wrote %s\n", writeConfig)
		return nil
	}

	logger, closeLog, err := setupLogging(cfg.Log)
	if err != nil {
		return usageError("%w", err)
	}
	defer closeLog()
	slog.SetDefault(logger)

	// The browser passes the caller's origin (and on Windows a window
	// handle) as arguments.
	logger.Info("native messaging host started",
		"version", version,
		"pid", os.Getpid(),
		"args", flagSet.Args(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := relay.New(cfg, relay.Options{Logger: logger})
	if err != nil {
		return usageError("%w", err)
	}
	if err := r.Run(ctx); err != nil {
		logger.Error("native messaging host exiting", "error", err)
		return err
	}
	logger.Info("native messaging host exiting")
	return nil
}

// setupLogging opens the diagnostic log file. A log file that cannot be
// opened does not stop the relay; records then go to stderr only.
func setupLogging(cfg config.LogConfig) (*slog.Logger, func() error, error) {
	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, nil, fmt.Errorf("log.level: %w", err)
		}
	} else {
		level = slog.LevelDebug
	}

	stderr := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})

	var handlers diaglog.Fanout
	closeLog := func() error { return nil }
	if cfg.File != "" {
		file, closer, err := diaglog.Open(cfg.File, &diaglog.Options{Level: level})
		if err != nil {
			fmt.Fprintf(os.Stderr, "routine-host: diagnostic log unavailable: %v\n", err)
		} else {
			handlers = append(handlers, file)
			closeLog = func() error {
				if n := file.Dropped(); n > 0 {
					fmt.Fprintf(os.Stderr, "routine-host: %d diagnostic log lines could not be written\n", n)
				}
				return closer()
			}
		}
	}
	if cfg.Verbose || len(handlers) == 0 {
		handlers = append(handlers, stderr)
	}

	if len(handlers) == 1 {
		return slog.New(handlers[0]), closeLog, nil
	}
	return slog.New(handlers), closeLog, nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `routine-host relays messages between the Routine browser extension and
the Routine desktop application.

The browser starts it as a native messaging host. Frames on stdin and
stdout carry a 4-byte length in native byte order; frames on TCP carry a
4-byte big-endian length.

Usage:
  routine-host [flags] [origin]

Examples:
  # Dial the desktop application on the port it wrote to /tmp/routine_port
  routine-host

  # Accept any number of desktop application connections
  routine-host --topology=server --listen=127.0.0.1:54325

  # Save the effective settings as a starting config file
  routine-host --topology=server --write-config=$HOME/.routine-host/config.yaml

Flags:
`)
	flagSet.PrintDefaults()
}
