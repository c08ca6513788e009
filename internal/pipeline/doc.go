// Package pipeline runs a reportsync batch end to end.
//
// A run plans the (category, year, status) partitions, sweeps stale locks,
// creates the output tree, downloads through the worker pool, consolidates
// each category in parallel and finally records the outcomes: ledger rows,
// metrics, a YAML summary under {output}/.reportsync and, when a bucket is
// configured, a published copy of every consolidated file.
//
// Progress is split 80/20 between the download and consolidation phases
// and never moves backwards.
package pipeline
