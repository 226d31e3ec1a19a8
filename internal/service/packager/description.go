package packager

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/oshokin/sal-scripts-packager/internal/repository/staging"
	"github.com/oshokin/sal-scripts-packager/internal/version"
)

const (
	// DescriptionSuffix is appended to the artifact path to name its build report.
	DescriptionSuffix = ".yaml"

	// DescriptionFileMode is used for the written report.
	DescriptionFileMode os.FileMode = 0o644
)

// errHashUnavailable is returned when the checksum function is not linked in.
var errHashUnavailable = errors.New("hash function is unavailable")

// Description records what went into a built artifact.
type Description struct {
	// Version is the artifact version, YYYY.MM.DD.
	Version string `yaml:"version"`
	// Identifier is the package identifier.
	Identifier string `yaml:"identifier"`
	// Artifact is the artifact file name.
	Artifact string `yaml:"artifact"`
	// GeneratorVersion is the version of the binary that built the artifact.
	GeneratorVersion string `yaml:"generator_version"`
	// RunID correlates the report with the logs of the run.
	RunID string `yaml:"run_id,omitempty"`
	// Files maps staged script paths (relative to the install directory) to
	// base64-encoded checksums.
	Files map[string]string `yaml:"files"`
}

// Describe collects a Description for an artifact built from tree.
func Describe(tree *staging.Tree, artifact, artifactVersion, runID string) (*Description, error) {
	files, err := tree.Files()
	if err != nil {
		return nil, err
	}

	desc := &Description{
		Version:          artifactVersion,
		Identifier:       Identifier,
		Artifact:         filepath.Base(artifact),
		GeneratorVersion: version.Short(),
		RunID:            runID,
		Files:            make(map[string]string, len(files)),
	}

	for _, rel := range files {
		checksum, err := GetFileChecksum(filepath.Join(tree.ScriptsDir(), filepath.FromSlash(rel)))
		if err != nil {
			return nil, err
		}

		desc.Files[rel] = base64.StdEncoding.EncodeToString(checksum)
	}

	return desc, nil
}

// DescriptionPath returns where the report of an artifact is written.
func DescriptionPath(artifact string) string {
	return strings.TrimSuffix(artifact, ArtifactExtension) + DescriptionSuffix
}

// Save writes the description as YAML.
func (d *Description) Save(path string) error {
	contents, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal description: %w", err)
	}

	if err = os.WriteFile(path, contents, DescriptionFileMode); err != nil {
		return fmt.Errorf("write description: %w", err)
	}

	return nil
}

// GetFileChecksum computes the staging checksum of a file.
func GetFileChecksum(path string) ([]byte, error) {
	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}

	if !staging.ChecksumFunction.Available() {
		return nil, fmt.Errorf("checksum calculation not possible: %w", errHashUnavailable)
	}

	hasher := staging.ChecksumFunction.New()
	if _, err = hasher.Write(contents); err != nil {
		return nil, fmt.Errorf("calculate checksum: %w", err)
	}

	return hasher.Sum(nil), nil
}
