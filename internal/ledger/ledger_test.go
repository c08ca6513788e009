package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adraguidev/reportsync/internal/fetch"
	"github.com/adraguidev/reportsync/internal/plan"
)

func task(status string) plan.Task {
	return plan.Task{
		URL:  "http://reports/x",
		Dest: "descargas/CCM/2024_" + status + ".csv",
		Dimensions: plan.Dimensions{
			Category: plan.Category{Name: "CCM", ID: 58},
			Year:     2024,
			Status:   status,
		},
	}
}

func TestEntryFromOutcome(t *testing.T) {
	run := uuid.New()
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	ok := EntryFromOutcome(run, fetch.Outcome{Task: task("A"), Success: true, BytesWritten: 10, Attempts: 1}, at)
	assert.Equal(t, ResultDownloaded, ok.Result)
	assert.Equal(t, "CCM", ok.Category)
	assert.Equal(t, 2024, ok.Year)
	assert.Equal(t, "A", ok.Status)
	assert.Empty(t, ok.Kind)

	skipped := EntryFromOutcome(run, fetch.Outcome{Task: task("B"), Success: true, Skipped: true}, at)
	assert.Equal(t, ResultSkipped, skipped.Result)

	failed := EntryFromOutcome(run, fetch.Outcome{
		Task:     task("C"),
		Attempts: 5,
		Err:      &fetch.Error{Kind: fetch.KindServer, Err: errors.New("503")},
	}, at)
	assert.Equal(t, ResultFailed, failed.Result)
	assert.Equal(t, "server", failed.Kind)
	assert.NotEmpty(t, failed.Error)
}

func TestInMemoryRepo(t *testing.T) {
	ctx := context.Background()
	r := NewInMemoryRepo()
	defer r.Close()

	run, other := uuid.New(), uuid.New()
	require.NoError(t, r.Record(ctx, Entry{RunID: run, Path: "a"}))
	require.NoError(t, r.Record(ctx, Entry{RunID: other, Path: "b"}))
	require.NoError(t, r.Record(ctx, Entry{RunID: run, Path: "c"}))

	got, err := r.List(ctx, run)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Path)
	assert.Equal(t, "c", got[1].Path)

	_, err = r.List(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSummaryRoundTrip(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadSummary(dir)
	assert.ErrorIs(t, err, ErrNotFound)

	start := time.Date(2025, 1, 2, 3, 0, 0, 0, time.UTC)
	in := RunSummary{
		RunID:      uuid.NewString(),
		Mode:       "missing",
		StartedAt:  start,
		FinishedAt: start.Add(5 * time.Minute),
		Duration:   "5m0s",
		ExitCode:   4,
		Downloaded: 3,
		Failed:     1,
		Bytes:      2048,
	}
	in.Failures = []Failure{{Path: "descargas/CCM/2024_C.csv", Kind: "server", Attempts: 5, Error: "503"}}
	in.Consolidation = []Consolidation{{Category: "CCM", Output: "descargas/CCM/consolidado_total_CCM.csv", Parsed: 3, Rows: 120}}

	path, err := WriteSummary(dir, in)
	require.NoError(t, err)
	assert.Equal(t, SummaryPath(dir), path)
	assert.NoFileExists(t, path+".tmp")

	out, err := ReadSummary(dir)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
