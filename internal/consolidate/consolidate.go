package consolidate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/adraguidev/reportsync/internal/progress"
)

// Defaults for Options.
const (
	DefaultSkipLines        = 3
	DefaultIDColumn         = "NumeroTramite"
	DefaultIDPrefix         = "LM"
	DefaultProvenanceColumn = "ARCHIVO_ORIGEN"
)

// Options configures a Consolidator.
type Options struct {
	// SkipLines is the number of preamble lines before the header.
	// Default: 3
	SkipLines int

	// IDColumn holds the canonical record id.
	// Default: NumeroTramite
	IDColumn string

	// IDPrefix is the prefix a kept row's id must start with.
	// Default: LM
	IDPrefix string

	// ProvenanceColumn is appended to every row with the source file name.
	// Default: ARCHIVO_ORIGEN
	ProvenanceColumn string

	Sink   progress.Sink
	Logger *slog.Logger
}

// DefaultOptions returns the production options.
func DefaultOptions() Options {
	return Options{
		SkipLines:        DefaultSkipLines,
		IDColumn:         DefaultIDColumn,
		IDPrefix:         DefaultIDPrefix,
		ProvenanceColumn: DefaultProvenanceColumn,
	}
}

// Record is one dataset row. Values line up with Dataset.Header; the last
// value is the provenance column.
type Record struct {
	Source string
	Values []string
}

// Dataset is the merged result of a consolidation.
type Dataset struct {
	Header  []string
	Records []Record
}

// FileStats describes one source partition.
type FileStats struct {
	Path string

	// Rows counts data rows read, BadLines the rows dropped as malformed
	// and Kept the rows that passed the id filter.
	Rows     int
	Kept     int
	BadLines int

	// Err is set when the file was skipped.
	Err error
}

// Stats describes a consolidation run.
type Stats struct {
	Files   []FileStats
	Parsed  int
	Skipped int
	Rows    int
	Output  string
}

// Consolidator merges partitions.
type Consolidator struct {
	opts Options
}

// New returns a Consolidator, filling unset options with defaults.
func New(opts Options) *Consolidator {
	def := DefaultOptions()
	if opts.SkipLines <= 0 {
		opts.SkipLines = def.SkipLines
	}
	if opts.IDColumn == "" {
		opts.IDColumn = def.IDColumn
	}
	if opts.IDPrefix == "" {
		opts.IDPrefix = def.IDPrefix
	}
	if opts.ProvenanceColumn == "" {
		opts.ProvenanceColumn = def.ProvenanceColumn
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Sink = progress.OrDiscard(opts.Sink)
	return &Consolidator{opts: opts}
}

// Read parses sources in order and merges them. Unreadable sources are
// reported and skipped. Progress advances through r once per source.
func (c *Consolidator) Read(ctx context.Context, sources []string, r progress.Range) (*Dataset, Stats, error) {
	var (
		stats Stats
		parts []*partition
	)

	for i, src := range sources {
		if err := ctx.Err(); err != nil {
			return nil, stats, err
		}

		p, err := c.readPartition(src)
		if err != nil {
			stats.Skipped++
			stats.Files = append(stats.Files, FileStats{Path: src, Err: err})
			c.opts.Logger.Warn("skipping partition", "path", src, "err", err)
			c.opts.Sink.OnError(src, err.Error())
		} else {
			stats.Parsed++
			stats.Files = append(stats.Files, p.stats)
			parts = append(parts, p)
			c.opts.Logger.Debug("partition read",
				"path", src,
				"rows", p.stats.Rows,
				"kept", p.stats.Kept,
				"bad_lines", p.stats.BadLines,
			)
			c.opts.Sink.OnLog(fmt.Sprintf("%s: %d of %d rows kept", p.name, p.stats.Kept, p.stats.Rows))
		}
		c.opts.Sink.OnProgress(r.At(float64(i+1) / float64(len(sources))))
	}

	if len(parts) == 0 {
		return nil, stats, ErrNoPartitions
	}

	ds := c.merge(parts)
	stats.Rows = len(ds.Records)
	return ds, stats, nil
}

// merge aligns every partition onto the union of their headers, in
// first-seen order, with the provenance column last.
func (c *Consolidator) merge(parts []*partition) *Dataset {
	var header []string
	index := make(map[string]int)
	for _, p := range parts {
		for _, name := range p.header {
			if name == c.opts.ProvenanceColumn {
				continue
			}
			if _, ok := index[name]; !ok {
				index[name] = len(header)
				header = append(header, name)
			}
		}
	}
	prov := len(header)
	header = append(header, c.opts.ProvenanceColumn)

	ds := &Dataset{Header: header}
	for _, p := range parts {
		cols := make([]int, len(p.header))
		for i, name := range p.header {
			if name == c.opts.ProvenanceColumn {
				cols[i] = -1
				continue
			}
			cols[i] = index[name]
		}

		for _, row := range p.rows {
			values := make([]string, len(header))
			for i, v := range row {
				if cols[i] >= 0 {
					values[cols[i]] = v
				}
			}
			values[prov] = p.name
			ds.Records = append(ds.Records, Record{Source: p.name, Values: values})
		}
	}
	return ds
}

// Consolidate reads sources and writes the merged dataset to output. When
// no source is usable it returns ErrNoPartitions and leaves output alone.
// A failure to write returns a *WriteError.
func (c *Consolidator) Consolidate(ctx context.Context, sources []string, output string, r progress.Range) (Stats, error) {
	ds, stats, err := c.Read(ctx, sources, r)
	if err != nil {
		if errors.Is(err, ErrNoPartitions) {
			c.opts.Logger.Warn("nothing to consolidate", "output", output, "sources", len(sources))
			c.opts.Sink.OnLog(fmt.Sprintf("no partition could be processed for %s", output))
		}
		return stats, err
	}

	if err := WriteFile(output, ds); err != nil {
		c.opts.Sink.OnError(output, err.Error())
		return stats, err
	}
	stats.Output = output

	c.opts.Logger.Info("dataset written",
		"output", output,
		"rows", stats.Rows,
		"parsed", stats.Parsed,
		"skipped", stats.Skipped,
	)
	c.opts.Sink.OnLog(fmt.Sprintf("consolidated %d rows into %s", stats.Rows, output))
	return stats, nil
}

// WriteFile writes ds to path through a temporary file and a rename.
func WriteFile(path string, ds *Dataset) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &WriteError{Path: path, Err: err}
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return &WriteError{Path: path, Err: err}
	}

	if err := WriteCSV(f, ds); err != nil {
		f.Close()
		os.Remove(tmp)
		return &WriteError{Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return &WriteError{Path: path, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return &WriteError{Path: path, Err: err}
	}
	return nil
}
