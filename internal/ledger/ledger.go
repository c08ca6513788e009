// Package ledger records every download outcome of a batch, keyed by run id,
// and writes a human-readable summary of the last run.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/adraguidev/reportsync/internal/fetch"
)

// ErrNotFound is returned when a run has no recorded entries.
var ErrNotFound = errors.New("ledger: run not found")

// Entry results.
const (
	ResultDownloaded = "downloaded"
	ResultSkipped    = "skipped"
	ResultFailed     = "failed"
)

// Entry is one recorded outcome.
type Entry struct {
	RunID      uuid.UUID
	Category   string
	Year       int
	Status     string
	Path       string
	Result     string
	Kind       string
	Attempts   int
	Bytes      int64
	Duration   time.Duration
	Error      string
	RecordedAt time.Time
}

// EntryFromOutcome converts a fetch outcome.
func EntryFromOutcome(runID uuid.UUID, o fetch.Outcome, at time.Time) Entry {
	e := Entry{
		RunID:      runID,
		Category:   o.Task.Dimensions.Category.Name,
		Year:       o.Task.Dimensions.Year,
		Status:     o.Task.Dimensions.Status,
		Path:       o.Task.Dest,
		Attempts:   o.Attempts,
		Bytes:      o.BytesWritten,
		Duration:   o.Duration,
		RecordedAt: at,
	}
	switch {
	case o.Skipped:
		e.Result = ResultSkipped
	case o.Success:
		e.Result = ResultDownloaded
	default:
		e.Result = ResultFailed
	}
	if o.Err != nil {
		e.Kind = string(o.Err.Kind)
		e.Error = o.Err.Error()
	}
	return e
}

// Repo stores entries.
type Repo interface {
	Record(ctx context.Context, e Entry) error
	List(ctx context.Context, runID uuid.UUID) ([]Entry, error)
	Close() error
}
