package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/adraguidev/reportsync/internal/lock"
)

func runSweep(args []string) int {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var common commonFlags
	common.register(fs)
	var (
		maxAge    time.Duration
		maxAgeSet bool
	)
	fs.Func("max-age", "Remove lock files of dead owners older than this; 0 removes them at any age (default: lock.stale_max_age)", func(s string) error {
		d, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		maxAge, maxAgeSet = d, true
		return nil
	})

	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: reportsync sweep [options]

Remove lock files left behind by interrupted runs. A lock file whose owner is
still running is never removed, whatever its age.

Options:`)
		fs.PrintDefaults()
	}

	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	cfg, err := common.loadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	age := cfg.Lock.StaleMaxAge
	if maxAgeSet {
		age = maxAge
	}

	logger, flush, err := setupLogging(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	defer flush()

	removed, err := lock.Sweep(cfg.OutputDir, age, logger)
	for _, path := range removed {
		fmt.Fprintf(stdout, "removed %s\n", path)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitStorageError
	}
	fmt.Fprintf(stderr, "[reportsync] %d stale lock(s) removed\n", len(removed))
	return ExitSuccess
}
