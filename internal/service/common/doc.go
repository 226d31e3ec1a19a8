// Package common holds helpers shared by several services.
//
// It provides a bounded-time HTTP client for the Sal server (connect and
// request timeouts, optional retry with exponential backoff) and utilities to
// detect the current actor and whether it has root privileges.
//
//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common
