package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	rshttp "github.com/adraguidev/reportsync/internal/http"
	"github.com/adraguidev/reportsync/internal/lock"
	"github.com/adraguidev/reportsync/internal/plan"
	"github.com/adraguidev/reportsync/internal/progress"
)

// TempSuffix is appended to the destination while a download is in flight.
const TempSuffix = ".tmp"

// Getter issues one authenticated GET. *http.Client from internal/http
// implements it.
type Getter interface {
	Get(ctx context.Context, url string) (*rshttp.Response, error)
}

// Outcome is the result of fetching one task.
type Outcome struct {
	Task plan.Task

	// Success is true when the destination holds a complete file, either
	// downloaded now or already present.
	Success bool

	// Skipped is true when the destination existed and was not refetched.
	Skipped bool

	BytesWritten int64
	Duration     time.Duration

	// Attempts counts the requests sent. An attempt that never got the
	// destination lock sends none.
	Attempts int

	// Err is the last failure; nil on success.
	Err *Error
}

// Fetcher downloads tasks one at a time. A Fetcher is safe for concurrent
// use once configured.
type Fetcher struct {
	Client Getter

	// Lock configures destination ownership for each attempt.
	Lock lock.Options

	// ChunkSize is the read buffer for streamed downloads.
	// Default: 8KiB
	ChunkSize int

	// InterChunkDelay pauses between chunks to go easy on the server.
	InterChunkDelay time.Duration

	// DirectDownload reads the whole body in one piece instead of
	// streaming it in chunks.
	DirectDownload bool

	Policy Policy

	Logger *slog.Logger
	Sink   progress.Sink

	// backoff waits between attempts; tests replace it.
	backoff func(ctx context.Context, d time.Duration) error
}

// DefaultChunkSize is used when Fetcher.ChunkSize is not set.
const DefaultChunkSize = 8 * 1024

// Fetch downloads task.URL into task.Dest. When overwrite is false and the
// destination already exists no request is made. Fetch never panics and
// never returns an error; failures are described by Outcome.Err.
func (f *Fetcher) Fetch(ctx context.Context, task plan.Task, overwrite bool) (out Outcome) {
	start := time.Now()
	out.Task = task

	logger := f.logger().With("path", task.Dest, "task", task.Dimensions.Key())
	sink := progress.OrDiscard(f.Sink)
	policy := f.Policy.withDefaults()

	defer func() {
		if r := recover(); r != nil {
			out.Success = false
			out.Skipped = false
			out.Err = &Error{
				Kind:    KindUnexpected,
				Path:    task.Dest,
				Attempt: out.Attempts,
				Err:     fmt.Errorf("panic: %v", r),
			}
			logger.Error("fetch panicked", "panic", r)
			sink.OnError(task.Dest, out.Err.Error())
		}
		out.Duration = time.Since(start)
	}()

	if !overwrite && exists(task.Dest) {
		out.Success = true
		out.Skipped = true
		logger.Debug("destination exists, skipping")
		sink.OnLog(fmt.Sprintf("skipping existing file: %s", task.Dest))
		return out
	}

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			out.Err = &Error{Kind: KindCancelled, Path: task.Dest, Attempt: attempt, Err: err}
			break
		}

		logger.Debug("fetch attempt", "attempt", attempt, "max_attempts", policy.MaxAttempts, "url", task.URL)

		n, skipped, ferr := f.attempt(ctx, task, overwrite, attempt, &out.Attempts)
		if ferr == nil {
			out.Success = true
			out.Skipped = skipped
			out.BytesWritten = n
			out.Err = nil
			if skipped {
				sink.OnLog(fmt.Sprintf("skipping existing file: %s", task.Dest))
			} else {
				logger.Info("downloaded", "bytes", n, "attempt", attempt)
				sink.OnLog(fmt.Sprintf("downloaded %s (%s)", task.Dest, progress.FormatBytes(n)))
			}
			return out
		}

		out.Err = ferr
		if ferr.Kind == KindCancelled {
			break
		}
		sink.OnError(task.Dest, fmt.Sprintf("attempt %d/%d: %v", attempt, policy.MaxAttempts, ferr.Err))

		if !ferr.Retryable() || attempt == policy.MaxAttempts {
			break
		}

		delay := policy.Delay(attempt, ferr)
		logger.Warn("fetch attempt failed, retrying",
			"attempt", attempt,
			"kind", ferr.Kind,
			"status", ferr.StatusCode,
			"err", ferr.Err,
			"delay", delay,
		)
		wait := f.backoff
		if wait == nil {
			wait = sleep
		}
		if err := wait(ctx, delay); err != nil {
			out.Err = &Error{Kind: KindCancelled, Path: task.Dest, Attempt: attempt, Err: err}
			break
		}
	}

	logger.Error("fetch failed", "kind", out.Err.Kind, "attempts", out.Attempts, "err", out.Err.Err)
	if out.Err.Kind != KindCancelled && out.Err.Retryable() {
		sink.OnError(task.Dest, fmt.Sprintf("giving up after %d attempts: %v", out.Attempts, out.Err.Err))
	}
	return out
}

// attempt performs one locked download. skipped reports that another writer
// committed the destination while this one waited for the lock. requests is
// incremented only when a request is actually sent.
func (f *Fetcher) attempt(ctx context.Context, task plan.Task, overwrite bool, attempt int, requests *int) (n int64, skipped bool, ferr *Error) {
	lockOpts := f.Lock
	if lockOpts.Logger == nil {
		lockOpts.Logger = f.logger()
	}

	h, err := lock.Acquire(ctx, task.Dest, lockOpts)
	if err != nil {
		kind := KindLockTimeout
		if ctx.Err() != nil {
			kind = KindCancelled
		} else if !errors.Is(err, lock.ErrTimeout) {
			kind = KindUnexpected
		}
		return 0, false, &Error{Kind: kind, Path: task.Dest, Attempt: attempt, Err: err}
	}
	defer h.Release()

	if !overwrite && exists(task.Dest) {
		return 0, true, nil
	}

	*requests++
	resp, err := f.Client.Get(ctx, task.URL)
	if err != nil {
		return 0, false, classify(ctx, task.Dest, attempt, err)
	}
	defer resp.Body.Close()

	tmp := task.Dest + TempSuffix
	n, ferr = f.writeTemp(ctx, resp.Body, tmp, task.Dest, attempt)
	if ferr != nil {
		os.Remove(tmp)
		return n, false, ferr
	}

	if resp.ContentLength > 0 {
		info, err := os.Stat(tmp)
		if err != nil {
			os.Remove(tmp)
			return n, false, &Error{Kind: KindUnexpected, Path: task.Dest, Attempt: attempt, Err: err}
		}
		if info.Size() != resp.ContentLength {
			os.Remove(tmp)
			return n, false, &Error{
				Kind:    KindSizeMismatch,
				Path:    task.Dest,
				Attempt: attempt,
				Err:     fmt.Errorf("%w: got %d bytes, expected %d", ErrSizeMismatch, info.Size(), resp.ContentLength),
			}
		}
	}

	if err := os.Rename(tmp, task.Dest); err != nil {
		os.Remove(tmp)
		return n, false, &Error{Kind: KindRename, Path: task.Dest, Attempt: attempt, Err: err}
	}
	return n, false, nil
}

// writeTemp copies body into tmp, checking ctx between chunks. Read errors
// are network failures; write errors are local and not retried.
func (f *Fetcher) writeTemp(ctx context.Context, body io.Reader, tmp, dest string, attempt int) (int64, *Error) {
	file, err := os.Create(tmp)
	if err != nil {
		return 0, &Error{Kind: KindUnexpected, Path: dest, Attempt: attempt, Err: fmt.Errorf("create temp: %w", err)}
	}

	n, ferr := f.copy(ctx, file, body, dest, attempt)
	if err := file.Close(); err != nil && ferr == nil {
		ferr = &Error{Kind: KindUnexpected, Path: dest, Attempt: attempt, Err: fmt.Errorf("close temp: %w", err)}
	}
	return n, ferr
}

func (f *Fetcher) copy(ctx context.Context, w io.Writer, body io.Reader, dest string, attempt int) (int64, *Error) {
	readErr := func(err error) *Error {
		if ctx.Err() != nil {
			return &Error{Kind: KindCancelled, Path: dest, Attempt: attempt, Err: ctx.Err()}
		}
		return &Error{Kind: KindNetwork, Path: dest, Attempt: attempt, Err: fmt.Errorf("read body: %w", err)}
	}
	writeErr := func(err error) *Error {
		return &Error{Kind: KindUnexpected, Path: dest, Attempt: attempt, Err: fmt.Errorf("write temp: %w", err)}
	}

	if f.DirectDownload {
		data, err := io.ReadAll(body)
		if err != nil {
			return int64(len(data)), readErr(err)
		}
		nw, err := w.Write(data)
		if err != nil {
			return int64(nw), writeErr(err)
		}
		return int64(nw), nil
	}

	size := f.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	buf := make([]byte, size)

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, &Error{Kind: KindCancelled, Path: dest, Attempt: attempt, Err: err}
		}

		nr, er := body.Read(buf)
		if nr > 0 {
			nw, err := w.Write(buf[:nr])
			total += int64(nw)
			if err != nil {
				return total, writeErr(err)
			}
			if f.InterChunkDelay > 0 {
				if err := sleep(ctx, f.InterChunkDelay); err != nil {
					return total, &Error{Kind: KindCancelled, Path: dest, Attempt: attempt, Err: err}
				}
			}
		}
		if er == io.EOF {
			return total, nil
		}
		if er != nil {
			return total, readErr(er)
		}
	}
}

func (f *Fetcher) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
