package progress

import (
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Options configures the console reporter.
type Options struct {
	// Total is the number of files in the batch.
	Total int

	// Workers is the number of parallel workers (for display).
	Workers int

	// Output is where to write progress output.
	// Default: os.Stderr
	Output io.Writer

	// UpdateInterval is how often to update the progress display.
	// Default: 500ms
	UpdateInterval time.Duration

	// Verbose also prints OnLog messages.
	Verbose bool
}

// Reporter prints human-readable progress lines. It implements Sink.
type Reporter struct {
	opts Options

	mu        sync.Mutex
	percent   atomic.Uint64 // math.Float64bits
	done      atomic.Int32
	failed    atomic.Int32
	bytes     atomic.Int64
	startTime time.Time
	stopCh    chan struct{}
	doneCh    chan struct{}
	started   bool
	stopped   bool
}

// NewReporter creates a new progress reporter.
func NewReporter(opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	if opts.UpdateInterval == 0 {
		opts.UpdateInterval = 500 * time.Millisecond
	}

	return &Reporter{
		opts:   opts,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start prints the header and begins periodic progress lines.
func (r *Reporter) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.startTime = time.Now()
	r.mu.Unlock()

	r.printf("[reportsync] Downloading %d files | Workers: %d\n", r.opts.Total, r.opts.Workers)

	go r.updateLoop()
}

// Stop prints the final status. It is safe to call more than once.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if r.stopped || !r.started {
		r.stopped = true
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stopCh)
	<-r.doneCh
}

// OnProgress records overall completion.
func (r *Reporter) OnProgress(percent float64) {
	r.percent.Store(math.Float64bits(percent))
}

// OnLog prints msg when the reporter is verbose.
func (r *Reporter) OnLog(msg string) {
	if r.opts.Verbose {
		r.printf("[reportsync] %s\n", msg)
	}
}

// OnError prints the failure immediately.
func (r *Reporter) OnError(subject, msg string) {
	r.printf("[reportsync] Error: %s: %s\n", subject, msg)
}

// FileCompleted counts a finished file and its size.
func (r *Reporter) FileCompleted(size int64) {
	r.done.Add(1)
	r.bytes.Add(size)
}

// FileFailed counts a file that could not be downloaded.
func (r *Reporter) FileFailed() {
	r.done.Add(1)
	r.failed.Add(1)
}

// Percent returns the last recorded completion.
func (r *Reporter) Percent() float64 {
	return math.Float64frombits(r.percent.Load())
}

func (r *Reporter) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.opts.Output, format, args...)
}

// updateLoop periodically updates the progress display.
func (r *Reporter) updateLoop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.printFinalStatus()
			return
		case <-ticker.C:
			r.printProgress()
		}
	}
}

// printProgress outputs the current progress.
func (r *Reporter) printProgress() {
	percent := r.Percent()
	elapsed := time.Since(r.startTime)

	eta := "calculating..."
	if percent > 0 && percent < 100 {
		remaining := time.Duration(float64(elapsed) * (100 - percent) / percent)
		eta = formatDuration(remaining)
	} else if percent >= 100 {
		eta = "0s"
	}

	r.printf("[reportsync] Progress: %.1f%% | %d/%d files | %s | Elapsed: %s | ETA: %s\n",
		percent,
		r.done.Load(),
		r.opts.Total,
		formatBytes(r.bytes.Load()),
		formatDuration(elapsed),
		eta,
	)
}

// printFinalStatus outputs the final status.
func (r *Reporter) printFinalStatus() {
	duration := time.Since(r.startTime)
	done := r.done.Load()
	failed := r.failed.Load()

	r.printf("[reportsync] Progress: %.1f%% | %d/%d files | %s | Complete!\n",
		r.Percent(),
		done,
		r.opts.Total,
		formatBytes(r.bytes.Load()),
	)
	r.printf("[reportsync] Files: %d succeeded | %d failed\n", done-failed, failed)
	r.printf("[reportsync] Total time: %s\n", formatDuration(duration))
}

// formatBytes formats bytes as a human-readable string in IEC units.
func formatBytes(b int64) string {
	const (
		KiB = 1024
		MiB = KiB * 1024
		GiB = MiB * 1024
		TiB = GiB * 1024
	)

	format := func(v float64, unit string) string {
		if v >= 100 || (v >= 10 && v == math.Trunc(v)) {
			return fmt.Sprintf("%.0f %s", v, unit)
		}
		return fmt.Sprintf("%.1f %s", v, unit)
	}

	switch {
	case b >= TiB:
		return format(float64(b)/TiB, "TiB")
	case b >= GiB:
		return format(float64(b)/GiB, "GiB")
	case b >= MiB:
		return format(float64(b)/MiB, "MiB")
	case b >= KiB:
		return format(float64(b)/KiB, "KiB")
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}

// FormatBytes is exported for use by other packages.
func FormatBytes(b int64) string {
	return formatBytes(b)
}

// ParseBytes parses a human-readable byte string such as "8KiB" or "1MB".
// IEC suffixes are powers of 1024, SI suffixes powers of 1000.
func ParseBytes(s string) (int64, error) {
	s = strings.TrimSpace(s)

	units := []struct {
		suffix string
		mult   int64
	}{
		{"TiB", 1 << 40},
		{"GiB", 1 << 30},
		{"MiB", 1 << 20},
		{"KiB", 1 << 10},
		{"TB", 1000 * 1000 * 1000 * 1000},
		{"GB", 1000 * 1000 * 1000},
		{"MB", 1000 * 1000},
		{"KB", 1000},
		{"B", 1},
	}

	var multiplier int64 = 1
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			multiplier = u.mult
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			break
		}
	}

	var value float64
	var rest string
	n, _ := fmt.Sscanf(s, "%f%s", &value, &rest)
	if n != 1 || value < 0 {
		return 0, fmt.Errorf("invalid byte string: %s", s)
	}

	return int64(value * float64(multiplier)), nil
}
