package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/adraguidev/reportsync/internal/config"
	"github.com/adraguidev/reportsync/internal/credentials"
	"github.com/adraguidev/reportsync/internal/logging"
	"github.com/adraguidev/reportsync/internal/pipeline"
)

// Exit codes
const (
	ExitSuccess      = pipeline.ExitSuccess
	ExitGeneralError = pipeline.ExitGeneralError
	ExitInvalidArgs  = pipeline.ExitInvalidArgs
	ExitAuth         = pipeline.ExitAuth
	ExitPartial      = pipeline.ExitPartial
	ExitStorageError = pipeline.ExitStorageError
)

// DefaultConfigFile is read from the working directory when no -config flag
// or REPORTSYNC_CONFIG is given.
const DefaultConfigFile = "reportsync.yaml"

// Output streams, replaced in tests.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return ExitInvalidArgs
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "download":
		return runDownload(cmdArgs)
	case "consolidate":
		return runConsolidate(cmdArgs)
	case "status":
		return runStatus(cmdArgs)
	case "sweep":
		return runSweep(cmdArgs)
	case "credentials":
		return runCredentials(cmdArgs)
	case "help", "-h", "--help":
		printUsage()
		return ExitSuccess
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", command)
		printUsage()
		return ExitInvalidArgs
	}
}

func printUsage() {
	fmt.Fprintln(stderr, `Usage: reportsync <command> [options]

Commands:
  download     Download report partitions and consolidate each module
  consolidate  Rebuild consolidated files from partitions already on disk
  status       Show existing and missing partitions and the last run
  sweep        Remove stale lock files from the output tree
  credentials  Manage stored NTLM credentials (set, show, clear)

Run 'reportsync <command> -h' for command-specific help.`)
}

// parseFlags parses args into fs. When ok is false the command returns
// code: success for -h, invalid arguments otherwise.
func parseFlags(fs *flag.FlagSet, args []string) (code int, ok bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ExitSuccess, false
		}
		return ExitInvalidArgs, false
	}
	return ExitSuccess, true
}

// commonFlags are shared by the commands that read configuration.
type commonFlags struct {
	configPath string
	output     string
	modules    string
	verbose    bool

	staleMaxAge    time.Duration
	staleMaxAgeSet bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "YAML configuration file (default: $REPORTSYNC_CONFIG or ./"+DefaultConfigFile+")")
	fs.StringVar(&c.output, "output", "", "Output directory (overrides output_dir)")
	fs.StringVar(&c.modules, "modules", "", "Comma-separated modules to process, e.g. CCM,PRR")
	fs.BoolVar(&c.verbose, "v", false, "Debug logging")
	fs.Func("stale-max-age", "Reclaim lock files of dead owners older than this; 0 reclaims them at any age (overrides lock.stale_max_age)", func(s string) error {
		d, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		c.staleMaxAge, c.staleMaxAgeSet = d, true
		return nil
	})
}

// loadConfig layers defaults, the config file, the environment and flags,
// then validates the result.
func (c *commonFlags) loadConfig() (config.Config, error) {
	path := c.configPath
	if path == "" {
		path = os.Getenv(config.EnvPrefix + "CONFIG")
	}
	explicit := path != ""
	if path == "" {
		path = DefaultConfigFile
	}

	cfg, err := config.LoadFromFile(path)
	if err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return config.Config{}, err
		}
		cfg = config.Default()
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return config.Config{}, err
	}

	var override config.Config
	override.OutputDir = c.output
	if c.staleMaxAgeSet {
		override.Lock.SetStaleMaxAge(c.staleMaxAge)
	}
	if c.modules != "" {
		for _, m := range strings.Split(c.modules, ",") {
			if m = strings.TrimSpace(m); m != "" {
				override.Modules = append(override.Modules, m)
			}
		}
	}
	cfg = cfg.Merge(override)
	if c.verbose {
		cfg.Log.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// setupLogging installs the configured logger. The returned function
// flushes the log file.
func setupLogging(cfg config.Config) (*slog.Logger, func(), error) {
	logger, closer, err := logging.Setup(cfg.Log)
	if err != nil {
		return nil, func() {}, err
	}
	return logger, func() { closer.Close() }, nil
}

// openStore returns the credentials store named by cfg.
func openStore(cfg config.Config, logger *slog.Logger) (*credentials.Store, error) {
	path := cfg.CredentialsFile
	if path == "" {
		var err error
		path, err = credentials.DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	return credentials.NewStore(path, logger), nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(stderr, "\n[reportsync] Received interrupt, shutting down...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
