package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/adraguidev/reportsync/internal/config"
	"github.com/adraguidev/reportsync/internal/consolidate"
	"github.com/adraguidev/reportsync/internal/downloader"
	"github.com/adraguidev/reportsync/internal/fetch"
	"github.com/adraguidev/reportsync/internal/ledger"
	"github.com/adraguidev/reportsync/internal/lock"
	"github.com/adraguidev/reportsync/internal/metrics"
	"github.com/adraguidev/reportsync/internal/plan"
	"github.com/adraguidev/reportsync/internal/progress"
)

// Mode selects what a run does.
type Mode string

const (
	// ModeAll refetches every partition.
	ModeAll Mode = "all"
	// ModeMissing fetches only partitions not yet on disk and consolidates
	// everything present.
	ModeMissing Mode = "missing"
	// ModeConsolidate makes no requests and consolidates the partitions
	// already on disk.
	ModeConsolidate Mode = "consolidate"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeAll, ModeMissing, ModeConsolidate:
		return m, nil
	}
	return "", fmt.Errorf("pipeline: unknown mode %q (want all, missing or consolidate)", s)
}

// Phase weights of the overall progress bar.
var (
	DownloadRange    = progress.Range{Base: 0, Weight: 80}
	ConsolidateRange = progress.Range{Base: 80, Weight: 20}
)

var (
	// ErrBootstrap is returned when the output tree cannot be created.
	ErrBootstrap = errors.New("pipeline: cannot prepare output directories")
	// ErrNoCategories is returned when the module selection is empty.
	ErrNoCategories = errors.New("pipeline: no categories selected")
)

// Publisher copies a consolidated file to shared storage and returns the
// object key. *publish.Publisher implements it.
type Publisher interface {
	Publish(ctx context.Context, category, localPath string) (string, error)
}

// Pipeline runs batches: plan, download, consolidate, record.
type Pipeline struct {
	Config config.Config

	// Fetcher downloads one task. Required unless only ModeConsolidate is
	// used.
	Fetcher downloader.Fetcher

	// Ledger records every outcome. Default: in-memory.
	Ledger ledger.Repo

	// Metrics, when set, counts outcomes and consolidations.
	Metrics *metrics.Metrics

	// Publisher, when set, receives every consolidated file.
	Publisher Publisher

	// Sink receives progress, log and error events for the whole batch.
	Sink progress.Sink

	// OnOutcome is called once per finished download task.
	OnOutcome func(fetch.Outcome)

	Logger *slog.Logger

	now func() time.Time
}

// CategoryResult is the consolidation result of one category.
type CategoryResult struct {
	Category  string
	Stats     consolidate.Stats
	Err       error
	Published string
}

// Report describes a finished run.
type Report struct {
	RunID    uuid.UUID
	Mode     Mode
	Started  time.Time
	Finished time.Time

	// Download is empty in ModeConsolidate.
	Download downloader.Result

	Categories []CategoryResult

	// StorageErr joins ledger, summary, metrics and publish failures.
	StorageErr error

	SummaryPath string
}

// Downloaded reports whether any task succeeded, downloaded or skipped.
func (r *Report) Downloaded() bool {
	return len(r.Download.Succeeded()) > 0
}

// Consolidated reports whether at least one category was written.
func (r *Report) Consolidated() bool {
	for _, c := range r.Categories {
		if c.Err == nil && c.Stats.Output != "" {
			return true
		}
	}
	return false
}

// Run executes one batch. It fails only on batch-fatal conditions: an empty
// selection, an unwritable output tree or cancellation. Per-task and
// per-category failures are reported through the Report.
func (p *Pipeline) Run(ctx context.Context, mode Mode) (*Report, error) {
	now := p.now
	if now == nil {
		now = time.Now
	}
	rep := &Report{RunID: uuid.New(), Mode: mode, Started: now()}

	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("run_id", rep.RunID.String()), slog.String("mode", string(mode)))

	sink := progress.NewMonotonic(progress.Multi{progress.OrDiscard(p.Sink), progress.NewLogSink(logger)})

	repo := p.Ledger
	if repo == nil {
		repo = ledger.NewInMemoryRepo()
	}

	groups := plan.Plan(p.Config.PlanOptions())
	if len(groups) == 0 {
		return rep, ErrNoCategories
	}

	if err := bootstrap(groups); err != nil {
		sink.OnError("output", err.Error())
		return rep, err
	}

	var storageErrs []error
	var storageMu sync.Mutex
	addStorageErr := func(err error) {
		storageMu.Lock()
		storageErrs = append(storageErrs, err)
		storageMu.Unlock()
	}

	consolidateRange := ConsolidateRange
	sources := make(map[string][]string, len(groups))

	if mode == ModeConsolidate {
		consolidateRange = progress.Full
		for _, g := range groups {
			parts, err := plan.Partitions(g.Dir)
			if err != nil {
				logger.Warn("cannot list partitions", "dir", g.Dir, "err", err)
			}
			sources[g.Category.Name] = parts
		}
	} else {
		if p.Fetcher == nil {
			return rep, errors.New("pipeline: no fetcher configured")
		}
		if _, err := lock.Sweep(p.Config.OutputDir, p.Config.Lock.StaleMaxAge, logger); err != nil {
			logger.Warn("lock sweep failed", "err", err)
		}

		if mode == ModeMissing {
			for _, inv := range plan.Take(groups) {
				logger.Info("inventory", "category", inv.Category.Name, "existing", len(inv.Existing), "missing", len(inv.Missing))
			}
		}

		tasks := plan.Tasks(groups)
		sink.OnLog(fmt.Sprintf("downloading %d partitions with %d workers", len(tasks), p.Config.Workers))

		recordCtx := context.WithoutCancel(ctx)
		rep.Download = downloader.New(p.Fetcher).Run(ctx, tasks, downloader.Options{
			Workers:                    p.Config.Workers,
			Overwrite:                  mode == ModeAll,
			Progress:                   DownloadRange,
			Sink:                       sink,
			MaxConsecutiveAuthFailures: p.Config.AuthFailureLimit,
			Logger:                     logger,
			OnOutcome: func(o fetch.Outcome) {
				if err := repo.Record(recordCtx, ledger.EntryFromOutcome(rep.RunID, o, now())); err != nil {
					logger.Error("ledger record failed", "path", o.Task.Dest, "err", err)
					addStorageErr(err)
				}
				if p.Metrics != nil {
					p.Metrics.ObserveOutcome(o)
				}
				if p.OnOutcome != nil {
					p.OnOutcome(o)
				}
			},
		})

		for _, o := range rep.Download.Outcomes {
			if o.Success {
				name := o.Task.Dimensions.Category.Name
				sources[name] = append(sources[name], o.Task.Dest)
			}
		}

		s := rep.Download.Summary()
		logger.Info("download phase finished",
			"downloaded", s.Downloaded,
			"skipped", s.Skipped,
			"failed", s.Failed,
			"bytes", s.Bytes,
		)
		if rep.Download.Tripped != nil {
			sink.OnError("download", rep.Download.Tripped.Error())
		}
	}

	if err := ctx.Err(); err != nil {
		return rep, err
	}

	rep.Categories = p.consolidate(ctx, groups, sources, consolidateRange, sink, logger, addStorageErr)
	sink.OnProgress(100)

	rep.Finished = now()
	if p.Metrics != nil {
		p.Metrics.Finish(rep.Finished, rep.Finished.Sub(rep.Started))
		if path := p.Config.Metrics.Textfile; path != "" {
			if err := p.Metrics.WriteTextfile(path); err != nil {
				logger.Error("metrics export failed", "err", err)
				addStorageErr(err)
			}
		}
	}

	rep.StorageErr = errors.Join(storageErrs...)
	path, err := ledger.WriteSummary(p.Config.OutputDir, rep.summary())
	if err != nil {
		logger.Error("run summary not written", "err", err)
		rep.StorageErr = errors.Join(rep.StorageErr, err)
	}
	rep.SummaryPath = path

	if err := ctx.Err(); err != nil {
		return rep, err
	}
	return rep, nil
}

// consolidate merges each category in parallel. Each category gets an equal
// share of r.
func (p *Pipeline) consolidate(ctx context.Context, groups []plan.Group, sources map[string][]string, r progress.Range, sink progress.Sink, logger *slog.Logger, storageErr func(error)) []CategoryResult {
	results := make([]CategoryResult, len(groups))
	share := r.Weight / float64(len(groups))

	c := consolidate.New(consolidate.Options{Sink: sink, Logger: logger})

	g, gctx := errgroup.WithContext(ctx)
	for i, grp := range groups {
		sub := progress.Range{Base: r.Base + float64(i)*share, Weight: share}
		g.Go(func() error {
			name := grp.Category.Name
			res := CategoryResult{Category: name}
			defer func() { results[i] = res }()

			srcs := sources[name]
			if len(srcs) == 0 {
				res.Err = consolidate.ErrNoPartitions
				sink.OnLog(fmt.Sprintf("no new files to consolidate in %s", grp.Dir))
				return nil
			}

			res.Stats, res.Err = c.Consolidate(gctx, srcs, grp.ConsolidatedPath(), sub)
			if res.Err != nil {
				if errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded) {
					return res.Err
				}
				if !errors.Is(res.Err, consolidate.ErrNoPartitions) {
					sink.OnError("consolidate_"+name, res.Err.Error())
				}
				return nil
			}
			if p.Metrics != nil {
				p.Metrics.ObserveConsolidation(name, res.Stats)
			}

			if p.Publisher != nil {
				key, err := p.Publisher.Publish(gctx, name, res.Stats.Output)
				if err != nil {
					logger.Error("publish failed", "category", name, "err", err)
					sink.OnError("publish_"+name, err.Error())
					storageErr(err)
					return nil
				}
				res.Published = key
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Warn("consolidation interrupted", "err", err)
	}
	return results
}

// bootstrap creates the output directory of every category.
func bootstrap(groups []plan.Group) error {
	for _, g := range groups {
		if err := os.MkdirAll(g.Dir, 0o755); err != nil {
			return fmt.Errorf("%w: %w", ErrBootstrap, err)
		}
	}
	return nil
}

func (r *Report) summary() ledger.RunSummary {
	s := ledger.RunSummary{
		RunID:      r.RunID.String(),
		Mode:       string(r.Mode),
		StartedAt:  r.Started.UTC(),
		FinishedAt: r.Finished.UTC(),
		Duration:   r.Finished.Sub(r.Started).Round(time.Millisecond).String(),
		ExitCode:   r.ExitCode(),
	}

	ds := r.Download.Summary()
	s.Downloaded, s.Skipped, s.Failed, s.Bytes = ds.Downloaded, ds.Skipped, ds.Failed, ds.Bytes
	for _, o := range r.Download.Failed() {
		f := ledger.Failure{Path: o.Task.Dest, Attempts: o.Attempts}
		if o.Err != nil {
			f.Kind = string(o.Err.Kind)
			f.Error = o.Err.Error()
		}
		s.Failures = append(s.Failures, f)
	}

	for _, c := range r.Categories {
		entry := ledger.Consolidation{
			Category: c.Category,
			Output:   c.Stats.Output,
			Parsed:   c.Stats.Parsed,
			Skipped:  c.Stats.Skipped,
			Rows:     c.Stats.Rows,
		}
		if c.Err != nil {
			entry.Error = c.Err.Error()
		}
		s.Consolidation = append(s.Consolidation, entry)
		if c.Published != "" {
			s.Published = append(s.Published, c.Published)
		}
	}
	return s
}
