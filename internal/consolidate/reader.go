package consolidate

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// partition is one parsed source file, reduced to the rows that passed the
// id filter.
type partition struct {
	path   string
	name   string
	header []string
	rows   [][]string
	stats  FileStats
}

// decode returns a reader over data as UTF-8 text.
func decode(data []byte) io.Reader {
	if utf8.Valid(data) {
		return transform.NewReader(bytes.NewReader(data), unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	}
	return transform.NewReader(bytes.NewReader(data), charmap.Windows1252.NewDecoder())
}

// readPartition parses path. The returned error is always a *ParseError.
func (c *Consolidator) readPartition(path string) (*partition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}

	br := bufio.NewReader(decode(data))
	for i := 0; i < c.opts.SkipLines; i++ {
		if _, err := br.ReadString('\n'); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, &ParseError{Path: path, Err: fmt.Errorf("file ends before header line %d", c.opts.SkipLines+1)}
			}
			return nil, &ParseError{Path: path, Err: err}
		}
	}

	r := csv.NewReader(br)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.ReuseRecord = false

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("missing header line")
		}
		return nil, &ParseError{Path: path, Err: err}
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	idCol := -1
	for i, name := range header {
		if name == c.opts.IDColumn {
			idCol = i
			break
		}
	}
	if idCol < 0 {
		return nil, &ParseError{Path: path, Err: fmt.Errorf("%w %q", ErrMissingColumn, c.opts.IDColumn)}
	}

	p := &partition{
		path:   path,
		name:   filepath.Base(path),
		header: header,
		stats:  FileStats{Path: path},
	}

	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			p.stats.BadLines++
			continue
		}
		if err != nil {
			return nil, &ParseError{Path: path, Err: err}
		}
		if len(rec) == 1 && rec[0] == "" {
			continue
		}

		p.stats.Rows++
		if len(rec) > len(header) {
			p.stats.BadLines++
			continue
		}
		for len(rec) < len(header) {
			rec = append(rec, "")
		}
		if !strings.HasPrefix(rec[idCol], c.opts.IDPrefix) {
			continue
		}
		p.rows = append(p.rows, rec)
	}
	p.stats.Kept = len(p.rows)
	return p, nil
}
