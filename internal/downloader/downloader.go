package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/adraguidev/reportsync/internal/fetch"
	"github.com/adraguidev/reportsync/internal/plan"
	"github.com/adraguidev/reportsync/internal/progress"
)

// Fetcher downloads a single task. *fetch.Fetcher implements it.
type Fetcher interface {
	Fetch(ctx context.Context, task plan.Task, overwrite bool) fetch.Outcome
}

// Options configures one batch.
type Options struct {
	// Workers is the number of parallel download workers.
	// Default: 4
	Workers int

	// Overwrite refetches destinations that already exist.
	Overwrite bool

	// Progress is the slice of the overall bar this batch reports into.
	// Default: progress.Full
	Progress progress.Range

	// Sink receives progress, log and error events.
	Sink progress.Sink

	// OnOutcome is called once per task as it finishes. Calls are
	// serialized.
	OnOutcome func(fetch.Outcome)

	// MaxConsecutiveAuthFailures trips the circuit breaker after that many
	// authentication failures in a row. Zero disables it.
	MaxConsecutiveAuthFailures int

	Logger *slog.Logger
}

// ErrCircuitOpen is wrapped by the outcomes of tasks cancelled because the
// circuit breaker tripped.
var ErrCircuitOpen = errors.New("downloader: circuit breaker open")

// CircuitBreakerError describes why the circuit breaker tripped.
type CircuitBreakerError struct {
	ConsecutiveFailures int      // Number of consecutive auth failures
	FailedPaths         []string // Destinations whose fetch was rejected
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker tripped: %d consecutive authentication failures", e.ConsecutiveFailures)
}

func (e *CircuitBreakerError) Unwrap() error { return ErrCircuitOpen }

// Result is the outcome of a batch.
type Result struct {
	// Outcomes holds one entry per task, in task order.
	Outcomes []fetch.Outcome

	// Tripped is set when the circuit breaker cancelled the batch.
	Tripped *CircuitBreakerError
}

// Succeeded returns the destinations of successful outcomes, in task order.
func (r Result) Succeeded() []string {
	var paths []string
	for _, o := range r.Outcomes {
		if o.Success {
			paths = append(paths, o.Task.Dest)
		}
	}
	return paths
}

// Failed returns the unsuccessful outcomes.
func (r Result) Failed() []fetch.Outcome {
	var failed []fetch.Outcome
	for _, o := range r.Outcomes {
		if !o.Success {
			failed = append(failed, o)
		}
	}
	return failed
}

// Summary aggregates a batch.
type Summary struct {
	Total      int
	Downloaded int
	Skipped    int
	Failed     int
	Bytes      int64
	ByKind     map[fetch.Kind]int
}

// Summary counts outcomes.
func (r Result) Summary() Summary {
	s := Summary{Total: len(r.Outcomes), ByKind: make(map[fetch.Kind]int)}
	for _, o := range r.Outcomes {
		switch {
		case o.Success && o.Skipped:
			s.Skipped++
		case o.Success:
			s.Downloaded++
			s.Bytes += o.BytesWritten
		default:
			s.Failed++
			if o.Err != nil {
				s.ByKind[o.Err.Kind]++
			}
		}
	}
	return s
}

// AuthFailed reports whether any task was rejected for its credentials.
func (r Result) AuthFailed() bool {
	for _, o := range r.Outcomes {
		if o.Err != nil && o.Err.Kind == fetch.KindAuth {
			return true
		}
	}
	return false
}

// Downloader runs batches of tasks.
type Downloader struct {
	fetcher Fetcher
}

// New returns a Downloader that fetches with f.
func New(f Fetcher) *Downloader {
	return &Downloader{fetcher: f}
}

// Run fetches every task and returns one outcome per task. Task failures
// are reported through the outcomes and the sink; Run itself never fails.
func (d *Downloader) Run(ctx context.Context, tasks []plan.Task, opts Options) Result {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Progress == (progress.Range{}) {
		opts.Progress = progress.Full
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := progress.NewMonotonic(opts.Sink)

	res := Result{Outcomes: make([]fetch.Outcome, len(tasks))}
	total := len(tasks)
	if total == 0 {
		sink.OnProgress(opts.Progress.At(1))
		return res
	}

	logger.Info("starting batch", "tasks", total, "workers", opts.Workers, "overwrite", opts.Overwrite)
	sink.OnProgress(opts.Progress.At(0))

	// Circuit breaker state
	var (
		mu                  sync.Mutex
		done                int
		consecutiveFailures int
		failedPaths         []string
	)

	cbCtx, cbCancel := context.WithCancel(ctx)
	defer cbCancel()

	finish := func(i int, out fetch.Outcome) {
		mu.Lock()
		defer mu.Unlock()

		res.Outcomes[i] = out
		done++

		if out.Err != nil && out.Err.Kind == fetch.KindAuth {
			consecutiveFailures++
			failedPaths = append(failedPaths, out.Task.Dest)
			if opts.MaxConsecutiveAuthFailures > 0 && consecutiveFailures >= opts.MaxConsecutiveAuthFailures && res.Tripped == nil {
				res.Tripped = &CircuitBreakerError{
					ConsecutiveFailures: consecutiveFailures,
					FailedPaths:         append([]string(nil), failedPaths...),
				}
				logger.Error("circuit breaker tripped", "consecutive_failures", consecutiveFailures)
				sink.OnError("batch", res.Tripped.Error())
				cbCancel()
			}
		} else if out.Success {
			consecutiveFailures = 0
		}

		if opts.OnOutcome != nil {
			opts.OnOutcome(out)
		}
		sink.OnProgress(opts.Progress.At(float64(done) / float64(total)))
	}

	skip := func(i int, task plan.Task) {
		mu.Lock()
		tripped := res.Tripped
		mu.Unlock()
		finish(i, notStarted(cbCtx, task, tripped))
	}

	p := pool.New().WithMaxGoroutines(opts.Workers)
	for i, task := range tasks {
		if cbCtx.Err() != nil {
			skip(i, task)
			continue
		}

		p.Go(func() {
			// Queued behind the pool limit while the batch was cancelled.
			if cbCtx.Err() != nil {
				skip(i, task)
				return
			}
			finish(i, d.fetcher.Fetch(cbCtx, task, opts.Overwrite))
		})
	}
	p.Wait()

	s := res.Summary()
	logger.Info("batch finished",
		"total", s.Total,
		"downloaded", s.Downloaded,
		"skipped", s.Skipped,
		"failed", s.Failed,
		"bytes", s.Bytes,
	)
	sink.OnLog(fmt.Sprintf("batch finished: %d downloaded, %d skipped, %d failed", s.Downloaded, s.Skipped, s.Failed))

	return res
}

func notStarted(ctx context.Context, task plan.Task, tripped *CircuitBreakerError) fetch.Outcome {
	var cause error = ctx.Err()
	if tripped != nil {
		cause = tripped
	}
	return fetch.Outcome{
		Task: task,
		Err:  &fetch.Error{Kind: fetch.KindCancelled, Path: task.Dest, Err: cause},
	}
}
