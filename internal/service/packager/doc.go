// Package packager turns a staged payload into an installable macOS package.
//
// It bundles a preinstall script that wipes the previous install directory,
// invokes pkgbuild with a date-based version, and optionally records a YAML
// description of the files that went into the artifact.
package packager
