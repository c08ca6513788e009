package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/adraguidev/reportsync/internal/config"
	"github.com/adraguidev/reportsync/internal/credentials"
	"github.com/adraguidev/reportsync/internal/fetch"
	"github.com/adraguidev/reportsync/internal/pipeline"
	"github.com/adraguidev/reportsync/internal/plan"
	"github.com/adraguidev/reportsync/internal/progress"
)

func runDownload(args []string) int {
	fs := flag.NewFlagSet("download", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var common commonFlags
	common.register(fs)
	mode := fs.String("mode", "", "Download mode: all (refetch everything) or missing (default from overwrite)")
	workers := fs.Int("workers", 0, "Number of parallel download workers (overrides workers)")
	showProgress := fs.Bool("progress", false, "Show progress output")

	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: reportsync download [options]

Download every (module, year, status) partition from the report server into
{output}/{module}/{year}_{status}.csv, then rebuild
{output}/{module}/consolidado_total_{module}.csv.

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
	if *workers > 0 {
		cfg.Workers = *workers
	}
	if *showProgress {
		cfg.Progress = true
	}

	m := pipeline.ModeMissing
	if cfg.Overwrite {
		m = pipeline.ModeAll
	}
	if *mode != "" {
		m, err = pipeline.ParseMode(*mode)
		if err != nil || m == pipeline.ModeConsolidate {
			fmt.Fprintln(stderr, "Error: -mode must be all or missing; use 'reportsync consolidate' to consolidate only")
			return ExitInvalidArgs
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	return execute(ctx, cfg, m, common.verbose)
}

// execute runs one batch and prints its result.
func execute(ctx context.Context, cfg config.Config, mode pipeline.Mode, verbose bool) int {
	logger, flush, err := setupLogging(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	defer flush()

	var store *credentials.Store
	if mode != pipeline.ModeConsolidate && cfg.Auth != "none" {
		store, err = openStore(cfg, logger)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return ExitGeneralError
		}
		if _, _, err := store.Credentials(ctx); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			fmt.Fprintln(stderr, "Run 'reportsync credentials set' or set REPORTSYNC_NTLM_USER and REPORTSYNC_NTLM_PASS")
			return ExitAuth
		}
	}

	var (
		sink     progress.Sink
		reporter *progress.Reporter
	)
	if cfg.Progress {
		reporter = progress.NewReporter(progress.Options{
			Total:          len(plan.Tasks(plan.Plan(cfg.PlanOptions()))),
			Workers:        cfg.Workers,
			UpdateInterval: 5 * time.Second,
			Output:         stderr,
			Verbose:        verbose,
		})
		sink = reporter
	}

	p, closeFn, err := pipeline.New(ctx, cfg, store, logger, sink)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		if pipeline.IsStorageError(err) {
			return ExitStorageError
		}
		return ExitGeneralError
	}
	defer closeFn()

	if reporter != nil {
		p.OnOutcome = func(o fetch.Outcome) {
			if o.Success {
				reporter.FileCompleted(o.BytesWritten)
			} else {
				reporter.FileFailed()
			}
		}
		if mode != pipeline.ModeConsolidate {
			reporter.Start()
		}
	}

	rep, err := p.Run(ctx, mode)
	if reporter != nil {
		reporter.Stop()
	}
	if err != nil {
		if ctx.Err() != nil {
			fmt.Fprintln(stderr, "[reportsync] Run interrupted; completed partitions are kept, run again to resume")
			return ExitGeneralError
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		if errors.Is(err, pipeline.ErrBootstrap) {
			return ExitStorageError
		}
		return ExitGeneralError
	}

	printReport(rep)
	return rep.ExitCode()
}

func printReport(rep *pipeline.Report) {
	if rep.Mode != pipeline.ModeConsolidate {
		s := rep.Download.Summary()
		fmt.Fprintf(stderr, "[reportsync] Files: %d downloaded | %d skipped | %d failed | %s\n",
			s.Downloaded, s.Skipped, s.Failed, progress.FormatBytes(s.Bytes))
		for _, o := range rep.Download.Failed() {
			fmt.Fprintf(stderr, "[reportsync] Failed: %s: %v\n", o.Task.Dest, o.Err)
		}
		if rep.Download.Tripped != nil {
			fmt.Fprintf(stderr, "[reportsync] Stopped early: %v\n", rep.Download.Tripped)
		}
	}
	for _, c := range rep.Categories {
		switch {
		case c.Err != nil:
			fmt.Fprintf(stderr, "[reportsync] %s: not consolidated: %v\n", c.Category, c.Err)
		case c.Published != "":
			fmt.Fprintf(stderr, "[reportsync] %s: %d rows -> %s (published as %s)\n", c.Category, c.Stats.Rows, c.Stats.Output, c.Published)
		default:
			fmt.Fprintf(stderr, "[reportsync] %s: %d rows -> %s\n", c.Category, c.Stats.Rows, c.Stats.Output)
		}
	}
	if rep.StorageErr != nil {
		fmt.Fprintf(stderr, "[reportsync] Storage error: %v\n", rep.StorageErr)
	}
	if rep.SummaryPath != "" {
		fmt.Fprintf(stderr, "[reportsync] Run %s summary: %s\n", rep.RunID, rep.SummaryPath)
	}
}
