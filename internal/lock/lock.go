package lock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Suffix is appended to a destination path to form its lock file.
const Suffix = ".lock"

// ErrTimeout is returned when the lock could not be acquired within the
// configured wait.
var ErrTimeout = errors.New("lock: timed out waiting for lock")

// Options configures lock acquisition.
type Options struct {
	// WaitTimeout bounds how long Acquire polls a held lock.
	// Default: 30s
	WaitTimeout time.Duration

	// StaleAge is the age after which a lock file whose owner is gone is
	// considered abandoned. Zero or negative reclaims it whatever its age.
	// A lock whose owner still holds its advisory lock is never reclaimed.
	StaleAge time.Duration

	// PollInterval is the pause between acquisition attempts.
	// Default: 500ms
	PollInterval time.Duration

	// Logger receives stale-lock eviction messages.
	Logger *slog.Logger
}

// DefaultOptions returns options with the production defaults.
func DefaultOptions() Options {
	return Options{
		WaitTimeout:  30 * time.Second,
		StaleAge:     0,
		PollInterval: 500 * time.Millisecond,
	}
}

// now is replaced in tests.
var now = time.Now

var (
	errHeld    = errors.New("lock: held by a live owner")
	errNoFlock = errors.New("lock: advisory locking unavailable")
)

// held records lock files owned by this process, keyed by absolute path.
// heldMu orders creation, eviction and removal against the set. Across
// processes liveness is read from the advisory lock each owner keeps on its
// lock file.
var (
	held   sync.Map
	heldMu sync.Mutex
)

// Handle is exclusive ownership of a destination path.
type Handle struct {
	path string
	key  string
	file *os.File

	once sync.Once
	err  error
}

// Path returns the lock file path.
func (h *Handle) Path() string { return h.path }

// Release removes the lock file if it is still the one this handle created,
// then drops the advisory lock and closes the descriptor. It is safe to call
// more than once.
func (h *Handle) Release() error {
	h.once.Do(func() {
		heldMu.Lock()
		removeErr := removeIfOwned(h.file, h.path)
		held.CompareAndDelete(h.key, h)
		heldMu.Unlock()

		unlockFile(h.file)
		h.err = errors.Join(removeErr, h.file.Close())
	})
	return h.err
}

// removeIfOwned removes path only when it still names the file behind f. A
// handle whose lock file was reclaimed must not delete its successor's.
func removeIfOwned(f *os.File, path string) error {
	mine, err := f.Stat()
	if err != nil {
		return err
	}
	cur, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if !os.SameFile(mine, cur) {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Path returns the lock file that guards dest.
func Path(dest string) string {
	return dest + Suffix
}

// Acquire takes exclusive ownership of dest by creating dest+".lock" with
// O_EXCL and holding an advisory lock on it. A lock file whose owner is gone
// and that is stale according to opts is removed and acquisition retried
// immediately; otherwise Acquire polls until opts.WaitTimeout elapses and
// returns an error wrapping ErrTimeout.
func Acquire(ctx context.Context, dest string, opts Options) (*Handle, error) {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = DefaultOptions().WaitTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultOptions().PollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	path := Path(dest)
	key := absKey(path)
	start := now()

	for {
		h, err := create(path, key, logger)
		if err != nil {
			return nil, err
		}
		if h != nil {
			return h, nil
		}

		heldMu.Lock()
		_, live := held.Load(key)
		var res reclaimResult
		if !live {
			res, err = reclaim(path, opts.StaleAge)
		}
		heldMu.Unlock()

		if !live {
			if err != nil {
				logger.Warn("could not remove stale lock", "path", path, "err", err)
			}
			switch res {
			case reclaimRemoved:
				logger.Info("stale lock removed", "path", path)
				continue
			case reclaimGone:
				continue
			}
		}

		if now().Sub(start) >= opts.WaitTimeout {
			return nil, fmt.Errorf("%w: %s held by another writer after %s", ErrTimeout, dest, opts.WaitTimeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.PollInterval):
		}
	}
}

// create makes one exclusive-create attempt. It returns a nil handle and nil
// error when the lock file already exists or was reclaimed before the
// advisory lock was taken.
func create(path, key string, logger *slog.Logger) (*Handle, error) {
	heldMu.Lock()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	var h *Handle
	if err == nil {
		h = &Handle{path: path, key: key, file: f}
		held.Store(key, h)
	}
	heldMu.Unlock()

	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("lock: create %s: %w", path, err)
	}

	if err := lockFile(f); err != nil && !errors.Is(err, errNoFlock) {
		logger.Debug("advisory lock unavailable", "path", path, "err", err)
	}

	// Another writer may have inspected and removed the file between the
	// create and the advisory lock.
	mine, serr := f.Stat()
	cur, cerr := os.Stat(path)
	if serr != nil || cerr != nil || !os.SameFile(mine, cur) {
		heldMu.Lock()
		held.CompareAndDelete(key, h)
		heldMu.Unlock()
		unlockFile(f)
		f.Close()
		return nil, nil
	}

	fmt.Fprintf(f, "pid=%d\nacquired=%s\n", os.Getpid(), now().UTC().Format(time.RFC3339))
	return h, nil
}

type reclaimResult int

const (
	reclaimKept    reclaimResult = iota // owner alive or lock not stale yet
	reclaimRemoved                      // stale lock file removed
	reclaimGone                         // lock file vanished meanwhile
)

// reclaim removes the lock file at path when no live owner holds its
// advisory lock and it is older than staleAge, or whatever its age when
// staleAge <= 0. The advisory lock is held across the removal so an owner
// that is just starting notices and retries. Where advisory locks are not
// available only the age is checked.
func reclaim(path string, staleAge time.Duration) (reclaimResult, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return reclaimGone, nil
		}
		return reclaimKept, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return reclaimKept, err
	}
	if staleAge > 0 && now().Sub(info.ModTime()) <= staleAge {
		return reclaimKept, nil
	}

	switch err := tryLockFile(f); {
	case errors.Is(err, errHeld):
		return reclaimKept, nil
	case errors.Is(err, errNoFlock):
		// Nothing to hold, and an open descriptor blocks removal on some
		// platforms.
		f.Close()
	default:
		defer unlockFile(f)
	}

	cur, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return reclaimGone, nil
		}
		return reclaimKept, err
	}
	if !os.SameFile(info, cur) {
		// Replaced by a new owner since it was opened.
		return reclaimKept, nil
	}

	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return reclaimGone, nil
		}
		return reclaimKept, err
	}
	return reclaimRemoved, nil
}

// Sweep walks root and removes lock files whose owner is gone and that are
// older than staleAge, or every such lock file when staleAge <= 0. Locks
// held by this or any other live process are left alone. It returns the
// removed paths.
func Sweep(root string, staleAge time.Duration, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	var removed []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), Suffix) {
			return nil
		}
		heldMu.Lock()
		defer heldMu.Unlock()
		if _, live := held.Load(absKey(path)); live {
			return nil
		}

		res, err := reclaim(path, staleAge)
		if err != nil {
			logger.Warn("could not remove stale lock", "path", path, "err", err)
			return nil
		}
		if res == reclaimRemoved {
			logger.Info("stale lock removed", "path", path)
			removed = append(removed, path)
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("lock: sweep %s: %w", root, err)
	}
	return removed, nil
}

func absKey(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
