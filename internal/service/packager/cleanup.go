package packager

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"mvdan.cc/sh/v3/syntax"

	"github.com/oshokin/sal-scripts-packager/internal/repository/staging"
)

const (
	// PreinstallName is the script name the packaging tool runs before laying down the payload.
	PreinstallName = "preinstall"

	// scriptsDirName is the directory handed to the packaging tool via --scripts.
	scriptsDirName = "Scripts"

	// scriptsTempPattern names the temporary parents of the Scripts directory.
	scriptsTempPattern = "sal-scripts-bundle-"
)

// errUnsafeInstallDir is returned for install directories rm -rf must never receive.
var errUnsafeInstallDir = errors.New("refusing to generate cleanup for this directory")

// CleanupScript renders the preinstall script that removes the previous install
// directory recursively, so every install starts from an empty directory.
func CleanupScript(installDir string) (string, error) {
	cleaned := filepath.Clean(installDir)
	if !filepath.IsAbs(cleaned) || cleaned == string(filepath.Separator) {
		return "", fmt.Errorf("%q: %w", installDir, errUnsafeInstallDir)
	}

	quoted, err := syntax.Quote(cleaned, syntax.LangBash)
	if err != nil {
		return "", fmt.Errorf("quote install dir: %w", err)
	}

	script := "#!/bin/bash\n/bin/rm -rf " + quoted + "\n"

	// Never ship a script the installer could not run.
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash))
	if _, err = parser.Parse(strings.NewReader(script), PreinstallName); err != nil {
		return "", fmt.Errorf("parse cleanup script: %w", err)
	}

	return script, nil
}

// writeScriptsDir creates a fresh <tmp>/Scripts directory holding the preinstall script.
// It returns the Scripts directory and its temporary parent to remove afterwards.
func writeScriptsDir(installDir string) (scriptsDir, parent string, err error) {
	contents, err := CleanupScript(installDir)
	if err != nil {
		return "", "", err
	}

	parent, err = os.MkdirTemp("", scriptsTempPattern)
	if err != nil {
		return "", "", fmt.Errorf("create scripts bundle: %w", err)
	}

	scriptsDir = filepath.Join(parent, scriptsDirName)
	if err = os.MkdirAll(scriptsDir, staging.DirMode); err != nil {
		_ = os.RemoveAll(parent)

		return "", "", fmt.Errorf("create scripts bundle: %w", err)
	}

	path := filepath.Join(scriptsDir, PreinstallName)
	if err = os.WriteFile(path, []byte(contents), staging.ScriptMode); err != nil {
		_ = os.RemoveAll(parent)

		return "", "", fmt.Errorf("write %s: %w", PreinstallName, err)
	}

	if err = os.Chmod(path, staging.ScriptMode); err != nil {
		_ = os.RemoveAll(parent)

		return "", "", fmt.Errorf("chmod %s: %w", PreinstallName, err)
	}

	return scriptsDir, parent, nil
}
