// Package config defines configuration structures for the reportsync CLI.
//
// Configuration can be provided via:
//   - Command-line flags
//   - Environment variables (REPORTSYNC_ prefix)
//   - YAML configuration file
//
// Later sources override earlier ones: defaults, then the file, then the
// environment, then flags (see [Config.Merge]).
//
// # Example
//
//	base_url: http://172.27.230.27/ReportServer
//	output_dir: descargas
//	workers: 7
//	chunk_size: 8KiB
//	inter_chunk_delay: 1s
//	categories:
//	  - {name: CCM, id: 58}
//	  - {name: PRR, id: 57}
//	lock:
//	  stale_max_age: 0s
//	  wait_timeout: 30s
//	retry:
//	  attempts: 5
//	  backoff: 5s
package config
