package consolidate

import (
	"errors"
	"fmt"
)

// ErrNoPartitions is returned when none of the sources could be used.
var ErrNoPartitions = errors.New("consolidate: no usable partitions")

// ErrMissingColumn is wrapped by a ParseError when the header lacks the id
// column.
var ErrMissingColumn = errors.New("consolidate: header is missing column")

// ParseError reports a partition that could not be read. The partition is
// left out of the dataset.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// WriteError reports that the dataset could not be written.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
