package ledger

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Summary location under the output directory.
const (
	SummaryDir  = ".reportsync"
	SummaryFile = "last_run.yaml"
)

// RunSummary describes one finished batch.
type RunSummary struct {
	RunID      string    `yaml:"run_id"`
	Mode       string    `yaml:"mode"`
	StartedAt  time.Time `yaml:"started_at"`
	FinishedAt time.Time `yaml:"finished_at"`
	Duration   string    `yaml:"duration"`
	ExitCode   int       `yaml:"exit_code"`

	Downloaded int   `yaml:"downloaded"`
	Skipped    int   `yaml:"skipped"`
	Failed     int   `yaml:"failed"`
	Bytes      int64 `yaml:"bytes"`

	Failures      []Failure       `yaml:"failures,omitempty"`
	Consolidation []Consolidation `yaml:"consolidation,omitempty"`
	Published     []string        `yaml:"published,omitempty"`
}

// Failure is one failed partition.
type Failure struct {
	Path     string `yaml:"path"`
	Kind     string `yaml:"kind"`
	Attempts int    `yaml:"attempts"`
	Error    string `yaml:"error"`
}

// Consolidation is one category's consolidation result.
type Consolidation struct {
	Category string `yaml:"category"`
	Output   string `yaml:"output,omitempty"`
	Parsed   int    `yaml:"parsed"`
	Skipped  int    `yaml:"skipped"`
	Rows     int    `yaml:"rows"`
	Error    string `yaml:"error,omitempty"`
}

// SummaryPath returns the summary file for outputDir.
func SummaryPath(outputDir string) string {
	return filepath.Join(outputDir, SummaryDir, SummaryFile)
}

// WriteSummary replaces the summary file under outputDir and returns its
// path.
func WriteSummary(outputDir string, s RunSummary) (string, error) {
	path := SummaryPath(outputDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("ledger: %w", err)
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("ledger: encode summary: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("ledger: write summary: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("ledger: write summary: %w", err)
	}
	return path, nil
}

// ReadSummary loads the summary written by the last run. It returns
// ErrNotFound when no run has completed yet.
func ReadSummary(outputDir string) (RunSummary, error) {
	var s RunSummary
	data, err := os.ReadFile(SummaryPath(outputDir))
	if errors.Is(err, fs.ErrNotExist) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, fmt.Errorf("ledger: read summary: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("ledger: parse summary: %w", err)
	}
	return s, nil
}
