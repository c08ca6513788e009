package downloader

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adraguidev/reportsync/internal/fetch"
	rshttp "github.com/adraguidev/reportsync/internal/http"
	"github.com/adraguidev/reportsync/internal/lock"
	"github.com/adraguidev/reportsync/internal/plan"
	"github.com/adraguidev/reportsync/internal/progress"
)

func makeTasks(dir, baseURL string, n int) []plan.Task {
	tasks := make([]plan.Task, n)
	statuses := []string{"A", "P", "B", "R", "D", "E", "N"}
	for i := range tasks {
		d := plan.Dimensions{
			Category: plan.Category{Name: "CCM", ID: 58},
			Year:     2025 - i/len(statuses),
			Status:   statuses[i%len(statuses)],
		}
		name := plan.PartitionName(d.Year, d.Status)
		tasks[i] = plan.Task{
			URL:        baseURL + "/" + name,
			Dest:       filepath.Join(dir, name),
			Dimensions: d,
		}
	}
	return tasks
}

func newRealFetcher() *fetch.Fetcher {
	opts := rshttp.DefaultOptions()
	opts.Auth = rshttp.AuthBasic
	return &fetch.Fetcher{
		Client: rshttp.NewClient(opts, rshttp.StaticCredentials{User: "u", Password: "p"}),
		Lock: lock.Options{
			WaitTimeout:  time.Second,
			StaleAge:     time.Hour,
			PollInterval: 5 * time.Millisecond,
		},
		Policy: fetch.Policy{
			Base:        time.Millisecond,
			MaxAttempts: 3,
			MaxJitter:   time.Millisecond,
			ExtraMin:    time.Millisecond,
			ExtraMax:    2 * time.Millisecond,
		},
	}
}

type hitCounter struct {
	mu   sync.Mutex
	hits map[string]int
}

func (c *hitCounter) add(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hits == nil {
		c.hits = make(map[string]int)
	}
	c.hits[path]++
}

func (c *hitCounter) get(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits[path]
}

func (c *hitCounter) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.hits {
		n += v
	}
	return n
}

func TestRunCommitsAllFiles(t *testing.T) {
	counter := &hitCounter{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		counter.add(r.URL.Path)
		w.Write([]byte("a,b\n1,2\n"))
	}))
	defer server.Close()

	dir := t.TempDir()
	tasks := makeTasks(dir, server.URL, 2)

	res := New(newRealFetcher()).Run(context.Background(), tasks, Options{Workers: 2})
	require.Len(t, res.Outcomes, 2)
	assert.Len(t, res.Succeeded(), 2)
	assert.Empty(t, res.Failed())

	for _, task := range tasks {
		assert.FileExists(t, task.Dest)
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".lock") || strings.HasSuffix(e.Name(), ".tmp"), "remnant %s", e.Name())
	}
}

func TestRunAuthFailureDoesNotAffectSiblings(t *testing.T) {
	counter := &hitCounter{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		counter.add(r.URL.Path)
		if r.URL.Path == "/2025_A.csv" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	tasks := makeTasks(t.TempDir(), server.URL, 2)
	res := New(newRealFetcher()).Run(context.Background(), tasks, Options{Workers: 2})

	require.Len(t, res.Outcomes, 2)
	a, b := res.Outcomes[0], res.Outcomes[1]
	require.NotNil(t, a.Err)
	assert.Equal(t, fetch.KindAuth, a.Err.Kind)
	assert.Equal(t, 1, a.Attempts)
	assert.Equal(t, 1, counter.get("/2025_A.csv"))
	assert.True(t, b.Success)
	assert.True(t, res.AuthFailed())
	assert.Nil(t, res.Tripped)
}

func TestRunIsIdempotentWithoutOverwrite(t *testing.T) {
	counter := &hitCounter{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		counter.add(r.URL.Path)
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	tasks := makeTasks(t.TempDir(), server.URL, 7)
	d := New(newRealFetcher())

	first := d.Run(context.Background(), tasks, Options{Workers: 3})
	require.Len(t, first.Succeeded(), 7)
	assert.Equal(t, 7, counter.total())

	second := d.Run(context.Background(), tasks, Options{Workers: 3})
	assert.Equal(t, first.Succeeded(), second.Succeeded())
	assert.Equal(t, 7, counter.total(), "second run must not issue requests")
	assert.Equal(t, 7, second.Summary().Skipped)
}

// scriptedFetcher returns outcomes without touching the network.
type scriptedFetcher struct {
	active  atomic.Int32
	maxSeen atomic.Int32
	calls   atomic.Int32
	fn      func(task plan.Task) fetch.Outcome
}

func (f *scriptedFetcher) Fetch(ctx context.Context, task plan.Task, overwrite bool) fetch.Outcome {
	f.calls.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	return f.fn(task)
}

func success(task plan.Task) fetch.Outcome {
	return fetch.Outcome{Task: task, Success: true, Attempts: 1, BytesWritten: 10}
}

type recordingSink struct {
	mu       sync.Mutex
	progress []float64
	errors   []string
}

func (s *recordingSink) OnProgress(p float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, p)
}

func (s *recordingSink) OnLog(string) {}

func (s *recordingSink) OnError(subject, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, subject+": "+msg)
}

func TestRunProgressIsMonotonic(t *testing.T) {
	f := &scriptedFetcher{fn: func(task plan.Task) fetch.Outcome {
		time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
		return success(task)
	}}

	sink := &recordingSink{}
	tasks := makeTasks(t.TempDir(), "http://reports.invalid", 40)
	res := New(f).Run(context.Background(), tasks, Options{
		Workers:  8,
		Progress: progress.Range{Base: 0, Weight: 80},
		Sink:     sink,
	})
	require.Len(t, res.Outcomes, 40)

	require.NotEmpty(t, sink.progress)
	for i := 1; i < len(sink.progress); i++ {
		assert.GreaterOrEqual(t, sink.progress[i], sink.progress[i-1])
	}
	assert.Equal(t, 0.0, sink.progress[0])
	assert.Equal(t, 80.0, sink.progress[len(sink.progress)-1])
}

func TestRunBoundsConcurrency(t *testing.T) {
	f := &scriptedFetcher{fn: func(task plan.Task) fetch.Outcome {
		time.Sleep(2 * time.Millisecond)
		return success(task)
	}}

	tasks := makeTasks(t.TempDir(), "http://reports.invalid", 30)
	res := New(f).Run(context.Background(), tasks, Options{Workers: 3})

	assert.Len(t, res.Succeeded(), 30)
	assert.LessOrEqual(t, f.maxSeen.Load(), int32(3))
	assert.Equal(t, int32(30), f.calls.Load())
}

func TestRunKeepsTaskOrderAndCallsOnOutcome(t *testing.T) {
	f := &scriptedFetcher{fn: func(task plan.Task) fetch.Outcome {
		if task.Dimensions.Status == "B" {
			return fetch.Outcome{Task: task, Err: &fetch.Error{Kind: fetch.KindServer, Path: task.Dest, Err: errors.New("503")}}
		}
		return success(task)
	}}

	var seen []string
	tasks := makeTasks(t.TempDir(), "http://reports.invalid", 7)
	res := New(f).Run(context.Background(), tasks, Options{
		Workers:   4,
		OnOutcome: func(o fetch.Outcome) { seen = append(seen, o.Task.Dest) },
	})

	require.Len(t, res.Outcomes, len(tasks))
	for i, o := range res.Outcomes {
		assert.Equal(t, tasks[i].Dest, o.Task.Dest)
	}
	assert.Len(t, seen, len(tasks))

	s := res.Summary()
	assert.Equal(t, 6, s.Downloaded)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.ByKind[fetch.KindServer])
	assert.Equal(t, int64(60), s.Bytes)
}

func TestRunCancelledBatchStillReportsEveryTask(t *testing.T) {
	f := &scriptedFetcher{fn: success}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tasks := makeTasks(t.TempDir(), "http://reports.invalid", 10)
	res := New(f).Run(ctx, tasks, Options{Workers: 2})

	require.Len(t, res.Outcomes, 10)
	for _, o := range res.Outcomes {
		require.NotNil(t, o.Err)
		assert.Equal(t, fetch.KindCancelled, o.Err.Kind)
		assert.ErrorIs(t, o.Err, context.Canceled)
	}
	assert.Zero(t, f.calls.Load())
}

func TestRunCircuitBreaker(t *testing.T) {
	f := &scriptedFetcher{fn: func(task plan.Task) fetch.Outcome {
		return fetch.Outcome{Task: task, Attempts: 1, Err: &fetch.Error{Kind: fetch.KindAuth, Path: task.Dest, StatusCode: 401, Err: errors.New("unauthorized")}}
	}}

	sink := &recordingSink{}
	tasks := makeTasks(t.TempDir(), "http://reports.invalid", 20)
	res := New(f).Run(context.Background(), tasks, Options{
		Workers:                    1,
		MaxConsecutiveAuthFailures: 3,
		Sink:                       sink,
	})

	require.Len(t, res.Outcomes, 20)
	require.NotNil(t, res.Tripped)
	assert.Equal(t, 3, res.Tripped.ConsecutiveFailures)
	assert.ErrorIs(t, res.Tripped, ErrCircuitOpen)
	assert.Equal(t, int32(3), f.calls.Load())

	for _, o := range res.Outcomes[3:] {
		require.NotNil(t, o.Err)
		assert.Equal(t, fetch.KindCancelled, o.Err.Kind)
		assert.ErrorIs(t, o.Err, ErrCircuitOpen)
	}
	assert.NotEmpty(t, sink.errors)
}

func TestRunEmptyBatch(t *testing.T) {
	sink := &recordingSink{}
	res := New(&scriptedFetcher{fn: success}).Run(context.Background(), nil, Options{
		Progress: progress.Range{Base: 0, Weight: 80},
		Sink:     sink,
	})
	assert.Empty(t, res.Outcomes)
	assert.Equal(t, []float64{80}, sink.progress)
}
