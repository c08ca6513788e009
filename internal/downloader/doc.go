// Package downloader runs a batch of report downloads in parallel.
//
// Tasks are handed to a bounded pool of workers. Each worker fetches its
// task with retries through the fetch package; a failed task never stops
// its siblings. Every task produces exactly one outcome, including tasks
// that never started because the batch was cancelled.
//
// # Usage
//
//	d := downloader.New(fetcher)
//	res := d.Run(ctx, tasks, downloader.Options{
//	    Workers:   4,
//	    Overwrite: false,
//	    Progress:  progress.Range{Base: 0, Weight: 80},
//	    Sink:      sink,
//	})
//	paths := res.Succeeded()
//
// # Progress
//
// Progress is reported as Range.Base + done/total*Range.Weight each time a
// task finishes, through a guard that never lets the value go backwards.
//
// # Circuit Breaker
//
// When MaxConsecutiveAuthFailures is set, that many authentication
// failures in a row cancel the rest of the batch: the credentials are wrong
// and every remaining request would be rejected too.
package downloader
