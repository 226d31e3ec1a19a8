package script

import (
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strings"
)

// HashLength is the length of a hex-encoded SHA-256 digest advertised by the server.
const HashLength = 64

var (
	// errEmptyName is returned when a plugin or filename is blank.
	errEmptyName = errors.New("name must not be empty")
	// errUnsafeName is returned when a name would escape its namespace directory.
	errUnsafeName = errors.New("name must be a single path element")
	// errBadHash is returned when the advertised hash is not a hex SHA-256 digest.
	errBadHash = errors.New("hash must be a hex-encoded sha256 digest")
)

// Descriptor identifies one remote script.
type Descriptor struct {
	// Plugin is the namespace the script belongs to, both on the server and on disk.
	Plugin string
	// Filename is the script name inside its namespace directory.
	Filename string
	// Hash is the optional hex SHA-256 of the script content announced by the server.
	Hash string
}

// Key uniquely identifies a descriptor within a manifest.
type Key struct {
	Plugin   string
	Filename string
}

// Key returns the (plugin, filename) pair of the descriptor.
func (d Descriptor) Key() Key {
	return Key{
		Plugin:   d.Plugin,
		Filename: d.Filename,
	}
}

// RelativePath returns the slash-separated location of the script below the install directory.
func (d Descriptor) RelativePath() string {
	return path.Join(d.Plugin, d.Filename)
}

// String implements fmt.Stringer.
func (d Descriptor) String() string {
	return d.RelativePath()
}

// Checksum decodes the advertised hash. It returns nil when the server sent none.
func (d Descriptor) Checksum() ([]byte, error) {
	if d.Hash == "" {
		return nil, nil
	}

	if len(d.Hash) != HashLength {
		return nil, fmt.Errorf("%s: %w", d, errBadHash)
	}

	sum, err := hex.DecodeString(d.Hash)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d, errBadHash)
	}

	return sum, nil
}

// Validate checks that both names are safe to use as path elements and the hash is well formed.
func (d Descriptor) Validate() error {
	if err := validateName(d.Plugin); err != nil {
		return fmt.Errorf("plugin %q: %w", d.Plugin, err)
	}

	if err := validateName(d.Filename); err != nil {
		return fmt.Errorf("filename %q: %w", d.Filename, err)
	}

	if _, err := d.Checksum(); err != nil {
		return err
	}

	return nil
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errEmptyName
	}

	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return errUnsafeName
	}

	return nil
}
