package progress

import (
	"log/slog"
	"math"
	"sync"
)

// Sink receives progress events. Implementations must be safe for
// concurrent use.
type Sink interface {
	// OnProgress reports overall completion in percent, 0 to 100.
	OnProgress(percent float64)

	// OnLog reports an informational message.
	OnLog(msg string)

	// OnError reports a failure concerning subject, usually a file path.
	OnError(subject, msg string)
}

// Discard is a Sink that drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) OnProgress(float64)     {}
func (discard) OnLog(string)           {}
func (discard) OnError(string, string) {}

// OrDiscard returns s, or Discard when s is nil.
func OrDiscard(s Sink) Sink {
	if s == nil {
		return Discard
	}
	return s
}

// Multi fans every event out to each of its sinks in order.
type Multi []Sink

func (m Multi) OnProgress(percent float64) {
	for _, s := range m {
		s.OnProgress(percent)
	}
}

func (m Multi) OnLog(msg string) {
	for _, s := range m {
		s.OnLog(msg)
	}
}

func (m Multi) OnError(subject, msg string) {
	for _, s := range m {
		s.OnError(subject, msg)
	}
}

// LogSink writes events to a structured logger. Progress is logged at debug
// level.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a LogSink writing to logger, or slog.Default() when nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) OnProgress(percent float64) {
	s.logger.Debug("progress", "percent", math.Round(percent*10)/10)
}

func (s *LogSink) OnLog(msg string) {
	s.logger.Info(msg)
}

func (s *LogSink) OnError(subject, msg string) {
	s.logger.Error(msg, "subject", subject)
}

// Range maps a phase-local fraction onto a slice of the overall bar. The
// download phase of a batch uses Range{0, 80} and consolidation
// Range{80, 20}.
type Range struct {
	Base   float64
	Weight float64
}

// Full covers the whole bar.
var Full = Range{Base: 0, Weight: 100}

// At returns Base + fraction*Weight, with fraction clamped to [0, 1].
func (r Range) At(fraction float64) float64 {
	if math.IsNaN(fraction) || fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	return r.Base + fraction*r.Weight
}

// Split divides r into a leading part of the given share and the rest.
func (r Range) Split(share float64) (Range, Range) {
	head := Range{Base: r.Base, Weight: r.Weight * share}
	return head, Range{Base: head.Base + head.Weight, Weight: r.Weight - head.Weight}
}

// Monotonic forwards progress only when it does not go backwards. Log and
// error events pass through untouched.
type Monotonic struct {
	next Sink

	mu   sync.Mutex
	last float64
	seen bool
}

// NewMonotonic wraps next.
func NewMonotonic(next Sink) *Monotonic {
	return &Monotonic{next: OrDiscard(next)}
}

func (m *Monotonic) OnProgress(percent float64) {
	m.mu.Lock()
	if m.seen && percent < m.last {
		m.mu.Unlock()
		return
	}
	m.last = percent
	m.seen = true
	// Forwarded under the lock so concurrent callers cannot reorder.
	m.next.OnProgress(percent)
	m.mu.Unlock()
}

func (m *Monotonic) OnLog(msg string) { m.next.OnLog(msg) }

func (m *Monotonic) OnError(subject, msg string) { m.next.OnError(subject, msg) }

// Last returns the highest percentage forwarded so far.
func (m *Monotonic) Last() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
