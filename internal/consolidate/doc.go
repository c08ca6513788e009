// Package consolidate merges downloaded report partitions into a single
// dataset per category.
//
// Each partition starts with three preamble lines written by the report
// server; the fourth line is the CSV header. Only rows whose NumeroTramite
// starts with "LM" are kept, and every kept row is tagged with the base
// name of the partition it came from in the ARCHIVO_ORIGEN column.
//
// Partitions are decoded as UTF-8 (a leading BOM is dropped). Files that
// are not valid UTF-8 are decoded as Windows-1252, which is what the report
// server emits for older extracts.
//
// The dataset is written with a UTF-8 BOM and every field quoted, to a
// temporary file that is renamed over the output once complete.
package consolidate
