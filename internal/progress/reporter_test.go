package progress

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{0, "0 B"},
		{100, "100 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{1024 * 1024, "1.0 MiB"},
		{256 * 1024 * 1024, "256 MiB"},
		{1024 * 1024 * 1024, "1.0 GiB"},
		{1024 * 1024 * 1024 * 1024, "1.0 TiB"},
		{2.5 * 1024 * 1024 * 1024 * 1024, "2.5 TiB"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, FormatBytes(tt.input), "FormatBytes(%d)", tt.input)
	}
}

func TestParseBytes(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
	}{
		{"100", 100},
		{"100B", 100},
		{"1KiB", 1024},
		{"1.5KiB", 1536},
		{"8 KiB", 8192},
		{"256MiB", 256 * 1024 * 1024},
		{"1GiB", 1024 * 1024 * 1024},
		{"1TiB", 1024 * 1024 * 1024 * 1024},
		// SI units
		{"1KB", 1000},
		{"1MB", 1000 * 1000},
		{"1GB", 1000 * 1000 * 1000},
	}

	for _, tt := range tests {
		result, err := ParseBytes(tt.input)
		if assert.NoError(t, err, tt.input) {
			assert.Equal(t, tt.expected, result, "ParseBytes(%q)", tt.input)
		}
	}
}

func TestParseBytesInvalid(t *testing.T) {
	for _, in := range []string{"invalid", "", "12xyz", "-5KiB"} {
		_, err := ParseBytes(in)
		assert.Error(t, err, "ParseBytes(%q)", in)
	}
}

func TestRangeAt(t *testing.T) {
	download := Range{Base: 0, Weight: 80}
	consolidate := Range{Base: 80, Weight: 20}

	assert.Equal(t, float64(40), download.At(0.5))
	assert.Equal(t, float64(80), download.At(2), "clamped")
	assert.Equal(t, float64(100), consolidate.At(1))
	assert.Equal(t, float64(80), consolidate.At(-1))

	head, tail := Full.Split(0.8)
	assert.Equal(t, download, head)
	assert.Equal(t, consolidate, tail)
}

type recordingSink struct {
	mu       sync.Mutex
	progress []float64
	logs     []string
	errors   []string
}

func (s *recordingSink) OnProgress(p float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, p)
}

func (s *recordingSink) OnLog(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, msg)
}

func (s *recordingSink) OnError(subject, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, subject+": "+msg)
}

func TestMonotonicDropsRegressions(t *testing.T) {
	rec := &recordingSink{}
	m := NewMonotonic(rec)

	for _, p := range []float64{0, 10, 5, 10, 30, 29.9, 80, 100} {
		m.OnProgress(p)
	}

	assert.Equal(t, []float64{0, 10, 10, 30, 80, 100}, rec.progress)
	assert.Equal(t, float64(100), m.Last())
}

func TestMonotonicConcurrent(t *testing.T) {
	rec := &recordingSink{}
	m := NewMonotonic(rec)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(offset int) {
			defer wg.Done()
			for p := 0; p <= 100; p++ {
				m.OnProgress(float64((p + offset) % 101))
			}
		}(i * 13)
	}
	wg.Wait()

	for i := 1; i < len(rec.progress); i++ {
		require.GreaterOrEqual(t, rec.progress[i], rec.progress[i-1], "progress decreased at %d", i)
	}
}

func TestMulti(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	m := Multi{a, b}

	m.OnProgress(50)
	m.OnLog("hello")
	m.OnError("file.csv", "boom")

	for _, s := range []*recordingSink{a, b} {
		assert.Equal(t, []float64{50}, s.progress)
		assert.Equal(t, []string{"hello"}, s.logs)
		assert.Equal(t, []string{"file.csv: boom"}, s.errors)
	}
}

func TestReporterTracking(t *testing.T) {
	var buf bytes.Buffer
	reporter := NewReporter(Options{
		Total:          4,
		Workers:        2,
		Output:         &buf,
		UpdateInterval: 10 * time.Millisecond,
	})

	reporter.Start()
	reporter.OnProgress(25)
	reporter.FileCompleted(1024)
	reporter.FileFailed()
	reporter.OnError("descargas/CCM/2024_A.csv", "server error")
	reporter.OnLog("hidden unless verbose")
	time.Sleep(30 * time.Millisecond)
	reporter.Stop()
	reporter.Stop()

	out := buf.String()
	for _, want := range []string{
		"[reportsync] Downloading 4 files | Workers: 2",
		"[reportsync] Error: descargas/CCM/2024_A.csv: server error",
		"2/4 files",
		"[reportsync] Files: 1 succeeded | 1 failed",
	} {
		assert.Contains(t, out, want)
	}
	assert.NotContains(t, out, "hidden unless verbose")
	assert.Equal(t, float64(25), reporter.Percent())
}

func TestReporterStopWithoutStart(t *testing.T) {
	var buf bytes.Buffer
	reporter := NewReporter(Options{Output: &buf})
	reporter.Stop()
	assert.Empty(t, buf.String())
}
