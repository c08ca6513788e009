package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOptions() Options {
	return Options{
		WaitTimeout:  2 * time.Second,
		StaleAge:     time.Hour,
		PollInterval: 5 * time.Millisecond,
	}
}

func TestAcquireRelease(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "2024_A.csv")

	h, err := Acquire(context.Background(), dest, fastOptions())
	require.NoError(t, err)
	assert.FileExists(t, dest+".lock")

	require.NoError(t, h.Release())
	assert.NoFileExists(t, dest+".lock")

	// Second release is a no-op.
	assert.NoError(t, h.Release())
}

func TestAcquireTimesOutOnForeignLock(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "2024_A.csv")
	// A fresh lock file written by "another process".
	require.NoError(t, os.WriteFile(Path(dest), []byte("pid=1\n"), 0o644))

	opts := fastOptions()
	opts.WaitTimeout = 50 * time.Millisecond

	_, err := Acquire(context.Background(), dest, opts)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.FileExists(t, Path(dest), "a live foreign lock must not be removed")
}

func TestAcquireEvictsUnconditionallyWhenStaleAgeNotPositive(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "2024_A.csv")
	require.NoError(t, os.WriteFile(Path(dest), []byte("pid=1\n"), 0o644))

	opts := fastOptions()
	opts.StaleAge = 0
	opts.WaitTimeout = time.Millisecond

	start := time.Now()
	h, err := Acquire(context.Background(), dest, opts)
	require.NoError(t, err)
	defer h.Release()
	assert.Less(t, time.Since(start), time.Second)
}

func TestAcquireEvictsOldLock(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "2024_A.csv")
	lockPath := Path(dest)
	require.NoError(t, os.WriteFile(lockPath, []byte("pid=1\n"), 0o644))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(lockPath, old, old))

	h, err := Acquire(context.Background(), dest, fastOptions())
	require.NoError(t, err)
	require.NoError(t, h.Release())
}

func TestSecondWorkerWaitsForRelease(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "2024_A.csv")

	// Even with unconditional eviction a lock held by this process is live.
	opts := fastOptions()
	opts.StaleAge = 0

	first, err := Acquire(context.Background(), dest, opts)
	require.NoError(t, err)

	acquired := make(chan *Handle, 1)
	go func() {
		h, err := Acquire(context.Background(), dest, opts)
		assert.NoError(t, err, "second acquire")
		acquired <- h
	}()

	select {
	case <-acquired:
		t.Fatal("second worker acquired the lock while the first still held it")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, first.Release())

	select {
	case h := <-acquired:
		require.NotNil(t, h)
		require.NoError(t, h.Release())
	case <-time.After(time.Second):
		t.Fatal("second worker never acquired the lock")
	}
}

func TestMutualExclusion(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "shared.csv")
	opts := fastOptions()
	opts.WaitTimeout = 10 * time.Second

	var (
		active  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := Acquire(context.Background(), dest, opts)
			if !assert.NoError(t, err) {
				return
			}
			n := active.Add(1)
			for {
				m := maxSeen.Load()
				if n <= m || maxSeen.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
			h.Release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load())
}

func TestAcquireHonoursContext(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "2024_A.csv")
	require.NoError(t, os.WriteFile(Path(dest), nil, 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	opts := fastOptions()
	opts.WaitTimeout = time.Minute
	_, err := Acquire(ctx, dest, opts)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSweep(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "CCM")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	oldLock := filepath.Join(dir, "2024_A.csv.lock")
	freshLock := filepath.Join(dir, "2024_B.csv.lock")
	data := filepath.Join(dir, "2024_C.csv")
	for _, p := range []string{oldLock, freshLock, data} {
		require.NoError(t, os.WriteFile(p, nil, 0o644))
	}
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(oldLock, old, old))

	removed, err := Sweep(root, time.Hour, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{oldLock}, removed)
	assert.FileExists(t, freshLock)
	assert.FileExists(t, data)

	removed, err = Sweep(root, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{freshLock}, removed)
	assert.FileExists(t, data)
}

func TestSweepSkipsOwnLocks(t *testing.T) {
	root := t.TempDir()
	dest := filepath.Join(root, "2024_A.csv")

	h, err := Acquire(context.Background(), dest, fastOptions())
	require.NoError(t, err)
	defer h.Release()

	removed, err := Sweep(root, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, removed)
	assert.FileExists(t, h.Path())
}

func TestSweepMissingRoot(t *testing.T) {
	removed, err := Sweep(filepath.Join(t.TempDir(), "nope"), 0, nil)
	assert.NoError(t, err)
	assert.Empty(t, removed)
}

func TestReleaseKeepsSuccessorLock(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "2024_A.csv")
	opts := fastOptions()

	first, err := Acquire(context.Background(), dest, opts)
	require.NoError(t, err)

	// The first owner's lock file is reclaimed behind its back.
	require.NoError(t, os.Remove(first.Path()))

	second, err := Acquire(context.Background(), dest, opts)
	require.NoError(t, err)

	require.NoError(t, first.Release())
	assert.FileExists(t, second.Path(), "a reclaimed owner must not remove its successor's lock")

	third, err := Acquire(context.Background(), dest, Options{WaitTimeout: 30 * time.Millisecond, PollInterval: 5 * time.Millisecond, StaleAge: 0})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Nil(t, third)

	require.NoError(t, second.Release())
	assert.NoFileExists(t, second.Path())
}
