package pipeline

import (
	"errors"

	"github.com/adraguidev/reportsync/internal/consolidate"
)

// Process exit codes.
const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitInvalidArgs  = 2
	ExitAuth         = 3
	ExitPartial      = 4
	ExitStorageError = 5
)

// ExitCode maps the report to a process exit code. A download run succeeds
// when at least one partition is on disk; a consolidate run when at least
// one category was written. Individual task failures alone do not fail the
// run.
func (r *Report) ExitCode() int {
	if r.Mode != ModeConsolidate && len(r.Download.Outcomes) > 0 && !r.Downloaded() {
		if r.Download.AuthFailed() {
			return ExitAuth
		}
		return ExitPartial
	}
	if r.Mode == ModeConsolidate && !r.Consolidated() {
		return ExitPartial
	}
	for _, c := range r.Categories {
		var werr *consolidate.WriteError
		if errors.As(c.Err, &werr) {
			return ExitStorageError
		}
	}
	if r.StorageErr != nil {
		return ExitStorageError
	}
	return ExitSuccess
}
