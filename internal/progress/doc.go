// Package progress carries batch progress, log lines and per-file errors
// from the download and consolidation phases to whoever is watching.
//
// Producers only see the narrow [Sink] interface. The package ships a
// console [Reporter], a [LogSink] backed by log/slog, [Multi] for fan-out
// and [Discard].
//
// # Usage
//
//	reporter := progress.NewReporter(progress.Options{
//	    Total:   len(tasks),
//	    Workers: 4,
//	    Output:  os.Stderr,
//	})
//
//	reporter.Start()
//	defer reporter.Stop()
//
//	sink := progress.NewMonotonic(progress.Multi{reporter, progress.NewLogSink(logger)})
//	sink.OnProgress(progress.Range{Base: 0, Weight: 80}.At(0.5))
//
// # Output Format
//
//	[reportsync] Downloading 112 files | Workers: 4
//	[reportsync] Progress: 45.2% | 51/112 files | 38.40 MiB | Elapsed: 1m 12s | ETA: 1m 27s
//	[reportsync] Error: descargas/CCM/2024_A.csv: server error: 503 Service Unavailable
package progress
