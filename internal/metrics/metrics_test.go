package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adraguidev/reportsync/internal/consolidate"
	"github.com/adraguidev/reportsync/internal/fetch"
)

func TestObserveOutcome(t *testing.T) {
	m := New()

	m.ObserveOutcome(fetch.Outcome{Success: true, BytesWritten: 100, Attempts: 2})
	m.ObserveOutcome(fetch.Outcome{Success: true, Skipped: true})
	m.ObserveOutcome(fetch.Outcome{Attempts: 1, Err: &fetch.Error{Kind: fetch.KindAuth, Err: errors.New("401")}})
	m.ObserveOutcome(fetch.Outcome{Attempts: 5, Err: &fetch.Error{Kind: fetch.KindServer, Err: errors.New("503")}})
	m.ObserveOutcome(fetch.Outcome{Err: &fetch.Error{Kind: fetch.KindLockTimeout, Err: errors.New("timeout")}})

	expected := `# HELP reportsync_outcomes_total Download outcomes by result and failure kind.
# TYPE reportsync_outcomes_total counter
reportsync_outcomes_total{kind="",result="downloaded"} 1
reportsync_outcomes_total{kind="",result="skipped"} 1
reportsync_outcomes_total{kind="auth",result="failed"} 1
reportsync_outcomes_total{kind="cancelled",result="failed"} 0
reportsync_outcomes_total{kind="http_status",result="failed"} 0
reportsync_outcomes_total{kind="lock_timeout",result="failed"} 1
reportsync_outcomes_total{kind="network",result="failed"} 0
reportsync_outcomes_total{kind="rename",result="failed"} 0
reportsync_outcomes_total{kind="server",result="failed"} 1
reportsync_outcomes_total{kind="size_mismatch",result="failed"} 0
reportsync_outcomes_total{kind="unexpected",result="failed"} 0
`
	require.NoError(t, testutil.CollectAndCompare(m.Outcomes, strings.NewReader(expected)))
	assert.Equal(t, float64(100), testutil.ToFloat64(m.Bytes))
	assert.Equal(t, float64(8), testutil.ToFloat64(m.Attempts), "requests sent")
}

func TestNewExportsEveryFailureKind(t *testing.T) {
	m := New()
	assert.Equal(t, len(fetch.Kinds), testutil.CollectAndCount(m.Outcomes))
	for _, k := range fetch.Kinds {
		assert.Zero(t, testutil.ToFloat64(m.Outcomes.WithLabelValues(ResultFailed, string(k))), string(k))
	}
}

func TestObserveConsolidation(t *testing.T) {
	m := New()
	m.ObserveConsolidation("CCM", consolidate.Stats{
		Rows:  42,
		Files: []consolidate.FileStats{{BadLines: 2}, {BadLines: 1}},
	})

	assert.Equal(t, float64(42), testutil.ToFloat64(m.ConsolidatedRows.WithLabelValues("CCM")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.BadLines.WithLabelValues("CCM")))
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.ObserveOutcome(fetch.Outcome{Success: true, BytesWritten: 10, Attempts: 1})
	m.Finish(time.Unix(1700000000, 0), 90*time.Second)

	path := filepath.Join(t.TempDir(), "reportsync.prom")
	require.NoError(t, m.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	out := string(data)
	for _, want := range []string{
		"reportsync_downloaded_bytes_total 10",
		"reportsync_last_run_duration_seconds 90",
		"reportsync_last_run_timestamp_seconds 1.7e+09",
		`reportsync_outcomes_total{kind="network",result="failed"} 0`,
	} {
		assert.Contains(t, out, want)
	}
}
