// Package config resolves the packager settings and persists applied defaults.
//
// Resolve merges command-line overrides, SAL_* environment variables, the YAML
// settings file and built-in defaults, and reports whether the server URL fell
// back to the default. Persist writes such a default back to the settings file
// as a separate, explicit step.
package config
