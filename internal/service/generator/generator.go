package generator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/oshokin/sal-scripts-packager/internal/config"
	"github.com/oshokin/sal-scripts-packager/internal/logger"
	"github.com/oshokin/sal-scripts-packager/internal/repository/staging"
	"github.com/oshokin/sal-scripts-packager/internal/service/common"
	"github.com/oshokin/sal-scripts-packager/internal/service/guard"
	"github.com/oshokin/sal-scripts-packager/internal/service/packager"
	"github.com/oshokin/sal-scripts-packager/internal/service/remote"
)

var (
	errNilOptions        = errors.New("options are required")
	errServerURLRequired = errors.New("server URL must be provided")
	errOutputNotDir      = errors.New("output path is not a directory")
	errStagingIncomplete = errors.New("staged files do not match the manifest")
)

// Options are inputs accepted by the generator entry point.
type Options struct {
	// ServerURL is the Sal server base URL.
	ServerURL string
	// OutputDir receives the artifact. Defaults to the working directory.
	OutputDir string
	// ConnectTimeout bounds establishing a connection.
	ConnectTimeout time.Duration
	// RequestTimeout bounds a whole request.
	RequestTimeout time.Duration
	// Retries is the number of extra attempts after a transport failure.
	Retries int
	// PkgbuildPath is the packaging tool.
	PkgbuildPath string
	// LockPath overrides the single-instance lock file.
	LockPath string
	// Report writes a YAML description next to the artifact.
	Report bool
	// Clean removes the staging tree once the artifact is built.
	Clean bool
	// Stdout receives the staging path. Defaults to os.Stdout.
	Stdout io.Writer
}

// Result describes a finished run.
type Result struct {
	// RunID correlates logs and the build description.
	RunID string
	// PayloadRoot is the staging tree root handed to the packaging tool.
	PayloadRoot string
	// ScriptsDir is the staged install directory.
	ScriptsDir string
	// Artifact is the path of the built package.
	Artifact string
	// Version is the artifact version.
	Version string
	// Description is the path of the written build description, if any.
	Description string
	// Scripts is the number of staged scripts.
	Scripts int
}

// environment holds the process-level dependencies of a run.
type environment struct {
	// geteuid returns the effective user id.
	geteuid func() int
	// commands executes the packaging tool.
	commands packager.CommandRunner
	// now is the clock used for the artifact version.
	now func() time.Time
}

// defaultEnvironment talks to the real operating system.
func defaultEnvironment() environment {
	return environment{
		geteuid:  os.Geteuid,
		commands: packager.ExecRunner{},
		now:      time.Now,
	}
}

// runner holds the state of a single generator execution.
type runner struct {
	opts *Options
	env  environment

	runID  string
	client *remote.Client
	tree   *staging.Tree
	lock   *guard.Lock
	result *Result
}

// Run executes the generator lifecycle and is the public entry point for the CLI.
func Run(ctx context.Context, opts *Options) error {
	_, err := run(ctx, opts, defaultEnvironment())

	return err
}

func run(ctx context.Context, opts *Options, env environment) (*Result, error) {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "generator")

	if opts == nil {
		return nil, errNilOptions
	}

	r := &runner{
		opts:   opts,
		env:    env,
		result: &Result{},
	}

	defer r.cleanup(ctx)

	result, err := r.run(ctx)
	if err != nil {
		logger.ErrorKV(ctx, "Generator run failed", "error", err)

		return nil, err
	}

	logger.InfoKV(ctx, "Generator completed", "artifact", result.Artifact)

	return result, nil
}

func (r *runner) run(ctx context.Context) (*Result, error) {
	// Nothing touches the network or the disk before the privilege check.
	if err := common.RequirePrivilege(r.env.geteuid()); err != nil {
		return nil, err
	}

	if err := r.prepare(ctx); err != nil {
		return nil, err
	}

	lock, err := guard.Acquire(ctx, r.opts.LockPath)
	if err != nil {
		return nil, err
	}

	r.lock = lock

	r.runID = uuid.NewString()
	r.result.RunID = r.runID
	ctx = logger.WithKV(ctx, "run_id", r.runID)

	if actor, actorErr := common.DetectActor(); actorErr == nil {
		logger.InfoKV(ctx, "Starting generator", "host", actor.Hostname, "user", actor.Username,
			"server", r.opts.ServerURL)
	}

	r.tree, err = staging.New(staging.DefaultInstallDir)
	if err != nil {
		return nil, err
	}

	r.result.PayloadRoot = r.tree.Root()
	r.result.ScriptsDir = r.tree.ScriptsDir()

	if _, err = fmt.Fprintln(r.stdout(), r.tree.ScriptsDir()); err != nil {
		return nil, fmt.Errorf("print staging path: %w", err)
	}

	if err = r.stage(ctx); err != nil {
		return nil, err
	}

	if err = r.assemble(ctx); err != nil {
		return nil, err
	}

	return r.result, nil
}

// prepare validates the options and builds the server client.
func (r *runner) prepare(ctx context.Context) error {
	if r.opts.ServerURL == "" {
		return errServerURLRequired
	}

	if err := config.ValidateServerURL(r.opts.ServerURL); err != nil {
		return err
	}

	if r.opts.OutputDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve working directory: %w", err)
		}

		r.opts.OutputDir = wd
	}

	outputDir, err := filepath.Abs(r.opts.OutputDir)
	if err != nil {
		return fmt.Errorf("resolve output directory: %w", err)
	}

	info, err := os.Stat(outputDir)
	if err != nil {
		return fmt.Errorf("output directory: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("%s: %w", outputDir, errOutputNotDir)
	}

	r.opts.OutputDir = outputDir

	getter, err := common.NewClient(r.opts.ServerURL,
		common.WithConnectTimeout(r.opts.ConnectTimeout),
		common.WithRequestTimeout(r.opts.RequestTimeout),
		common.WithRetries(r.opts.Retries),
	)
	if err != nil {
		return err
	}

	r.client = remote.NewClient(getter)

	logger.DebugKV(ctx, "Options validated", "server", r.opts.ServerURL, "output", r.opts.OutputDir)

	return nil
}

// stage fetches the manifest and every script it lists into the tree.
func (r *runner) stage(ctx context.Context) error {
	manifest, err := r.client.FetchManifest(ctx)
	if err != nil {
		return err
	}

	logger.InfoKV(ctx, "Manifest fetched", "scripts", manifest.Len())

	if manifest.IsEmpty() {
		return nil
	}

	if err = r.tree.EnsureNamespaceDirs(ctx, manifest); err != nil {
		return err
	}

	for _, descriptor := range manifest.Scripts {
		if err = ctx.Err(); err != nil {
			return err
		}

		if err = r.client.FetchScript(ctx, descriptor, r.tree); err != nil {
			return err
		}
	}

	files, err := r.tree.Files()
	if err != nil {
		return err
	}

	if len(files) != manifest.Len() {
		return fmt.Errorf("%w: expected %d, found %d", errStagingIncomplete, manifest.Len(), len(files))
	}

	r.result.Scripts = len(files)

	return nil
}

// assemble builds the artifact and the optional description.
func (r *runner) assemble(ctx context.Context) error {
	assembler := packager.NewAssembler(packager.Options{
		PkgbuildPath: r.opts.PkgbuildPath,
		InstallDir:   staging.DefaultInstallDir,
		Runner:       r.env.commands,
		Now:          r.env.now,
	})

	artifact, artifactVersion, err := assembler.Build(ctx, r.tree.Root(), r.opts.OutputDir)
	if err != nil {
		return err
	}

	r.result.Artifact = artifact
	r.result.Version = artifactVersion

	if !r.opts.Report {
		return nil
	}

	desc, err := packager.Describe(r.tree, artifact, artifactVersion, r.runID)
	if err != nil {
		return err
	}

	path := packager.DescriptionPath(artifact)
	if err = desc.Save(path); err != nil {
		return err
	}

	r.result.Description = path

	logger.InfoKV(ctx, "Build description saved", "path", path)

	return nil
}

// cleanup releases the lock and removes the staging tree when asked to.
func (r *runner) cleanup(ctx context.Context) {
	if r.tree != nil && r.opts.Clean {
		if err := r.tree.Remove(); err != nil {
			logger.WarnKV(ctx, "Failed to remove staging tree", "path", r.tree.Root(), "error", err)
		}
	}

	if err := r.lock.Release(); err != nil {
		logger.WarnKV(ctx, "Failed to release run lock", "path", r.lock.Path(), "error", err)
	}
}

func (r *runner) stdout() io.Writer {
	if r.opts.Stdout != nil {
		return r.opts.Stdout
	}

	return os.Stdout
}
