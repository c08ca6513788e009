package main

import (
	"flag"
	"fmt"

	"github.com/adraguidev/reportsync/internal/pipeline"
)

func runConsolidate(args []string) int {
	fs := flag.NewFlagSet("consolidate", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var common commonFlags
	common.register(fs)

	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: reportsync consolidate [options]

Rebuild every module's consolidated file from the partitions already in
{output}/{module}. No request is made to the report server.

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

	ctx, cancel := signalContext()
	defer cancel()

	return execute(ctx, cfg, pipeline.ModeConsolidate, common.verbose)
}
