// Package lock provides cross-process ownership of destination files.
//
// Ownership of a path is the existence of a companion "path.lock" file
// created with O_CREATE|O_EXCL, which works between separate processes
// started against the same output directory. The owner keeps an advisory
// flock on the file for as long as it holds it; the kernel drops that lock
// when the owner exits, which is how a file left behind by a crashed run is
// told apart from a live one. An abandoned lock file is evicted once it is
// older than the configured stale age, or immediately when the stale age is
// zero or negative. Where advisory locks are unavailable only the age is
// considered.
//
//	h, err := lock.Acquire(ctx, dest, lock.Options{
//	    WaitTimeout:  30 * time.Second,
//	    StaleAge:     10 * time.Minute,
//	    PollInterval: 500 * time.Millisecond,
//	})
//	if err != nil {
//	    return err // errors.Is(err, lock.ErrTimeout)
//	}
//	defer h.Release()
//
// [Sweep] removes stale lock files under a directory tree before a batch.
package lock
