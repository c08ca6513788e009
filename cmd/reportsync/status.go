package main

import (
	"errors"
	"flag"
	"fmt"

	"github.com/adraguidev/reportsync/internal/ledger"
	"github.com/adraguidev/reportsync/internal/plan"
)

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var common commonFlags
	common.register(fs)

	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: reportsync status [options]

Print, per module, how many planned partitions exist on disk and how many are
missing, followed by the summary of the last run.

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

	plan.WriteSummary(stdout, plan.Take(plan.Plan(cfg.PlanOptions())))

	last, err := ledger.ReadSummary(cfg.OutputDir)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		fmt.Fprintln(stdout, "\nNo run recorded yet.")
		return ExitSuccess
	case err != nil:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitGeneralError
	}

	fmt.Fprintf(stdout, "\nLast run %s (%s) finished %s in %s, exit code %d\n",
		last.RunID, last.Mode, last.FinishedAt.Local().Format("2006-01-02 15:04:05"), last.Duration, last.ExitCode)
	fmt.Fprintf(stdout, "  downloaded %d | skipped %d | failed %d\n", last.Downloaded, last.Skipped, last.Failed)
	for _, c := range last.Consolidation {
		if c.Error != "" {
			fmt.Fprintf(stdout, "  %-8s not consolidated: %s\n", c.Category, c.Error)
			continue
		}
		fmt.Fprintf(stdout, "  %-8s %d rows from %d files\n", c.Category, c.Rows, c.Parsed)
	}
	return ExitSuccess
}
