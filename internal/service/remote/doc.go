// Package remote retrieves the external scripts manifest and script contents
// from the Sal server's preflight-v2 endpoints.
package remote
