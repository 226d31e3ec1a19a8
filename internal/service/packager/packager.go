package packager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/oshokin/sal-scripts-packager/internal/config"
	"github.com/oshokin/sal-scripts-packager/internal/domain/script"
	"github.com/oshokin/sal-scripts-packager/internal/logger"
	"github.com/oshokin/sal-scripts-packager/internal/repository/staging"
)

const (
	// Identifier is the reverse-domain package identifier.
	Identifier = "com.github.salopensource.sal.external_scripts"

	// ArtifactPrefix starts every artifact name.
	ArtifactPrefix = "sal_external_scripts-"

	// ArtifactExtension ends every artifact name.
	ArtifactExtension = ".pkg"

	// versionLayout renders the calendar date as YYYY.MM.DD.
	versionLayout = "2006.01.02"
)

// errArtifactMissing is returned when the tool reports success without producing the artifact.
var errArtifactMissing = errors.New("artifact was not produced")

// CommandRunner runs an external tool and returns its combined output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs tools with os/exec.
type ExecRunner struct{}

// Run implements CommandRunner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Options configures an Assembler.
type Options struct {
	// PkgbuildPath is the packaging tool. Defaults to config.DefaultPkgbuildPath.
	PkgbuildPath string
	// InstallDir is where the payload lands on the endpoint. Defaults to staging.DefaultInstallDir.
	InstallDir string
	// Runner executes the packaging tool. Defaults to ExecRunner.
	Runner CommandRunner
	// Now returns the build time. Defaults to time.Now.
	Now func() time.Time
}

// Assembler turns a staged payload into an installable artifact.
type Assembler struct {
	// pkgbuild is the packaging tool path.
	pkgbuild string
	// installDir is removed by the preinstall script.
	installDir string
	// runner executes pkgbuild.
	runner CommandRunner
	// now is the clock used for the version.
	now func() time.Time
}

// NewAssembler applies defaults to opts.
func NewAssembler(opts Options) *Assembler {
	a := &Assembler{
		pkgbuild:   opts.PkgbuildPath,
		installDir: opts.InstallDir,
		runner:     opts.Runner,
		now:        opts.Now,
	}

	if a.pkgbuild == "" {
		a.pkgbuild = config.DefaultPkgbuildPath
	}

	if a.installDir == "" {
		a.installDir = staging.DefaultInstallDir
	}

	if a.runner == nil {
		a.runner = ExecRunner{}
	}

	if a.now == nil {
		a.now = time.Now
	}

	return a
}

// Version renders the local calendar date of t as YYYY.MM.DD.
func Version(t time.Time) string {
	return t.Local().Format(versionLayout)
}

// ArtifactName returns the file name of the artifact for a version.
func ArtifactName(version string) string {
	return ArtifactPrefix + version + ArtifactExtension
}

// Build packages payloadRoot into outputDir and returns the artifact path and version.
// The packaging tool's exit status decides the outcome; its output is attached to failures.
func (a *Assembler) Build(ctx context.Context, payloadRoot, outputDir string) (artifact, version string, err error) {
	scriptsDir, bundle, err := writeScriptsDir(a.installDir)
	if err != nil {
		return "", "", err
	}

	// The bundle only lives for the tool invocation.
	defer func() {
		_ = os.RemoveAll(bundle)
	}()

	version = Version(a.now())
	artifact = filepath.Join(outputDir, ArtifactName(version))

	args := []string{
		"--root", payloadRoot,
		"--identifier", Identifier,
		"--version", version,
		"--scripts", scriptsDir,
		artifact,
	}

	logger.InfoKV(ctx, "Building package", "tool", a.pkgbuild, "version", version, "artifact", artifact)

	output, err := a.runner.Run(ctx, a.pkgbuild, args...)
	if err != nil {
		return "", "", &script.PackagingError{
			Tool:     a.pkgbuild,
			ExitCode: exitCode(err),
			Output:   output,
			Err:      err,
		}
	}

	logger.DebugKV(ctx, "Packaging tool output", "output", string(output))

	info, err := os.Stat(artifact)
	if err != nil {
		return "", "", &script.PackagingError{
			Tool:     a.pkgbuild,
			ExitCode: 0,
			Output:   output,
			Err:      fmt.Errorf("%w: %w", errArtifactMissing, err),
		}
	}

	logger.InfoKV(ctx, "Package built", "artifact", artifact, "size", info.Size())

	return artifact, version, nil
}

// exitCode extracts the process exit status, or -1 if the tool did not run to completion.
func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}

	return -1
}
