// Package generator builds the external scripts package end to end.
//
// A run checks for root, takes the single-instance lock, stages every script the
// Sal server lists under a fresh payload root and hands the payload to pkgbuild.
// The first failure aborts the run and no artifact is reported.
package generator
