// Package plan turns report dimensions into download tasks.
//
// Planning is pure: [Plan] takes categories, years and status codes and
// returns one [Group] per category holding the cross product as [Task]
// values, years in the outer loop and statuses in the inner one. The order
// is stable so file enumeration is reproducible.
//
// # Layout
//
//	{root}/{Category}/{year}_{status}.csv                raw partition
//	{root}/{Category}/consolidado_total_{Category}.csv   consolidated dataset
//
// [Take] and [Partitions] inspect the disk and are kept apart from planning.
package plan
