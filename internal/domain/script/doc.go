// Package script contains core domain types for external scripts.
//
// It defines Descriptor (one remote script), Manifest (the ordered set of
// scripts required for a run) and the error taxonomy shared by the pipeline
// stages that fetch, stage and package them.
package script
