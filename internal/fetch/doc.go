// Package fetch downloads one report partition to disk.
//
// A fetch owns its destination through the lock package for the duration
// of each attempt, streams the response into dest+".tmp", checks the size
// against the advertised content length and renames the temporary file
// over the destination. Readers of the destination therefore see either the
// previous complete file or the new complete file.
//
// Failures are classified into a [Kind]. [Policy] decides from the kind
// whether another attempt is made and how long to wait before it.
package fetch
