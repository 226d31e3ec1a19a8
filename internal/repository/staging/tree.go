package staging

import (
	"bytes"
	"context"
	"crypto"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	goupdate "github.com/doitdistributed/go-update"

	"github.com/oshokin/sal-scripts-packager/internal/domain/script"
	"github.com/oshokin/sal-scripts-packager/internal/logger"

	// Ensure SHA256 available for checksum verification.
	_ "crypto/sha256"
)

const (
	// DefaultInstallDir is where the scripts land on the managed endpoint.
	DefaultInstallDir = "/usr/local/sal/external_scripts"

	// DirMode is used for every directory of the payload.
	DirMode os.FileMode = 0o755

	// ScriptMode makes staged scripts executable by owner, group and others.
	ScriptMode os.FileMode = 0o755

	// ChecksumFunction matches the hash advertised by the server.
	ChecksumFunction crypto.Hash = crypto.SHA256

	// tempPattern names the payload roots created by New.
	tempPattern = "sal-scripts-payload-"
)

var (
	// errRelativeInstallDir is returned when the install dir is not absolute.
	errRelativeInstallDir = errors.New("install directory must be absolute")
	// errTreeRemoved is returned when the tree is used after Remove.
	errTreeRemoved = errors.New("staging tree has been removed")
)

// Writer stores fetched script content.
type Writer interface {
	WriteScript(descriptor script.Descriptor, content []byte) error
}

// Tree is a temporary payload root mirroring the on-disk layout of the endpoint.
// A Tree is created fresh for every run and never reused.
type Tree struct {
	// root is the payload root handed to the packaging tool.
	root string
	// scriptsDir is root joined with the install directory.
	scriptsDir string
}

// New creates a fresh payload root under the system temp directory and the install
// directory inside it.
func New(installDir string) (*Tree, error) {
	return NewIn("", installDir)
}

// NewIn is like New but creates the payload root inside parent.
func NewIn(parent, installDir string) (*Tree, error) {
	if installDir == "" {
		installDir = DefaultInstallDir
	}

	if !filepath.IsAbs(installDir) {
		return nil, fmt.Errorf("%s: %w", installDir, errRelativeInstallDir)
	}

	root, err := os.MkdirTemp(parent, tempPattern)
	if err != nil {
		return nil, fmt.Errorf("create payload root: %w", err)
	}

	// MkdirTemp uses 0700; the payload must be readable once installed.
	if err = os.Chmod(root, DirMode); err != nil {
		_ = os.RemoveAll(root)

		return nil, fmt.Errorf("chmod payload root: %w", err)
	}

	scriptsDir := filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(filepath.ToSlash(installDir), "/")))
	if err = os.MkdirAll(scriptsDir, DirMode); err != nil {
		_ = os.RemoveAll(root)

		return nil, fmt.Errorf("create install directory: %w", err)
	}

	return &Tree{
		root:       root,
		scriptsDir: scriptsDir,
	}, nil
}

// Root returns the payload root.
func (t *Tree) Root() string {
	return t.root
}

// ScriptsDir returns the directory receiving namespace directories.
func (t *Tree) ScriptsDir() string {
	return t.scriptsDir
}

// EnsureNamespaceDirs creates one directory per distinct plugin of the manifest.
// Existing directories are left alone.
func (t *Tree) EnsureNamespaceDirs(ctx context.Context, manifest *script.Manifest) error {
	if t.root == "" {
		return errTreeRemoved
	}

	for _, namespace := range manifest.Namespaces() {
		dir := filepath.Join(t.scriptsDir, namespace)

		if err := os.MkdirAll(dir, DirMode); err != nil {
			return fmt.Errorf("create namespace directory %s: %w", namespace, err)
		}

		logger.DebugKV(ctx, "Namespace directory ready", "path", dir)
	}

	return nil
}

// WriteScript stores content at <scripts dir>/<plugin>/<filename> and makes it executable.
// The write is atomic and verified against the descriptor hash when one was advertised.
func (t *Tree) WriteScript(descriptor script.Descriptor, content []byte) error {
	if t.root == "" {
		return errTreeRemoved
	}

	if err := descriptor.Validate(); err != nil {
		return err
	}

	checksum, err := descriptor.Checksum()
	if err != nil {
		return err
	}

	target := t.Path(descriptor)

	// go-update renames over an existing target, so make sure there is one.
	placeholder, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY, ScriptMode)
	if err != nil {
		return fmt.Errorf("create %s: %w", descriptor, err)
	}

	if err = placeholder.Close(); err != nil {
		return fmt.Errorf("create %s: %w", descriptor, err)
	}

	options := goupdate.Options{
		TargetPath: target,
		TargetMode: ScriptMode,
		Checksum:   checksum,
		Hash:       ChecksumFunction,
	}

	if err = goupdate.Apply(bytes.NewReader(content), options); err != nil {
		// No partial scripts stay in the tree.
		_ = os.Remove(target)

		return fmt.Errorf("write %s: %w", descriptor, err)
	}

	// Apply leaves a hidden backup behind if it cannot remove it.
	_ = os.Remove(filepath.Join(filepath.Dir(target), "."+filepath.Base(target)+".old"))

	// The umask may have stripped execute bits.
	if err = os.Chmod(target, ScriptMode); err != nil {
		return fmt.Errorf("chmod %s: %w", descriptor, err)
	}

	return nil
}

// Path returns where the descriptor's script lives inside the tree.
func (t *Tree) Path(descriptor script.Descriptor) string {
	return filepath.Join(t.scriptsDir, descriptor.Plugin, descriptor.Filename)
}

// Files lists every regular file below the scripts directory as sorted slash-separated
// paths relative to it.
func (t *Tree) Files() ([]string, error) {
	if t.root == "" {
		return nil, errTreeRemoved
	}

	var files []string

	err := filepath.WalkDir(t.scriptsDir, func(p string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if !entry.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(t.scriptsDir, p)
		if err != nil {
			return err
		}

		files = append(files, filepath.ToSlash(rel))

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list staged files: %w", err)
	}

	sort.Strings(files)

	return files, nil
}

// Remove deletes the payload root. It is safe to call more than once.
func (t *Tree) Remove() error {
	if t.root == "" {
		return nil
	}

	if err := os.RemoveAll(t.root); err != nil {
		return fmt.Errorf("remove payload root: %w", err)
	}

	t.root = ""

	return nil
}
