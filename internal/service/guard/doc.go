// Package guard keeps two generator runs on the same host from staging and
// packaging at the same time.
//
// The guard is an exclusive, non-blocking lock on a well-known file. The kernel
// drops the lock when the process exits, so a crashed run never blocks the next one.
package guard
