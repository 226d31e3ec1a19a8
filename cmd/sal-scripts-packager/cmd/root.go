package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/sal-scripts-packager/internal/config"
	"github.com/oshokin/sal-scripts-packager/internal/logger"
	"github.com/oshokin/sal-scripts-packager/internal/service/common"
	"github.com/oshokin/sal-scripts-packager/internal/service/generator"
	"github.com/oshokin/sal-scripts-packager/internal/version"
)

// errUnknownLogLevel is returned for --log-level values zap does not know.
var errUnknownLogLevel = errors.New("unknown log level")

var (
	// configPath to the configuration YAML file.
	configPath string
	// serverURL overrides the server URL from the environment and the config file.
	serverURL string
	// outputDir receives the artifact.
	outputDir string
	// retries is the number of extra attempts for a failed request.
	retries int
	// pkgbuildPath overrides the packaging tool.
	pkgbuildPath string
	// report writes a build description next to the artifact.
	report bool
	// clean removes the staging tree when the run ends.
	clean bool
	// logLevel is the minimum level written to stderr.
	logLevel string

	// rootCmd represents the base command for generating the external scripts package.
	rootCmd = &cobra.Command{
		Use:   "sal-scripts-packager",
		Short: "Build a macOS package with the external scripts of a Sal server.",
		Long: `Fetches the external scripts configured on a Sal server and wraps them into a
dated installer package (sal_external_scripts-YYYY.MM.DD.pkg) built with pkgbuild.

The package installs every script under /usr/local/sal/external_scripts/<plugin>/<filename>
and removes the previous install directory first, so stale scripts never survive an upgrade.

The server URL is taken from --serverurl, then SAL_SERVER_URL, then server_url in the
configuration file, and finally defaults to http://sal. A defaulted URL is written to the
configuration file for later editing. Must be run as root.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			return run(ctx, os.Geteuid)
		},
	}
)

// Execute runs the sal-scripts-packager CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// run checks privileges, resolves the configuration and starts the generator.
// Nothing is written before the privilege check passes.
func run(ctx context.Context, geteuid func() int) error {
	if err := common.RequirePrivilege(geteuid()); err != nil {
		return err
	}

	level, ok := logger.ParseLogLevel(logLevel)
	if !ok {
		return fmt.Errorf("%q: %w", logLevel, errUnknownLogLevel)
	}

	logger.SetLevel(level)

	resolution, err := config.Resolve(configPath, config.Overrides{
		ServerURL:    serverURL,
		Retries:      retries,
		PkgbuildPath: pkgbuildPath,
	})
	if err != nil {
		return err
	}

	logger.DebugKV(ctx, "Configuration resolved",
		"server", resolution.Config.ServerURL, "source", resolution.ServerURLSource)

	if err = config.Persist(configPath, resolution); err != nil {
		logger.WarnKV(ctx, "Unable to save the default server URL", "path", configPath, "error", err)
	}

	options := &generator.Options{
		ServerURL:      resolution.Config.ServerURL,
		OutputDir:      outputDir,
		ConnectTimeout: resolution.Config.ConnectTimeout,
		RequestTimeout: resolution.Config.RequestTimeout,
		Retries:        resolution.Config.Retries,
		PkgbuildPath:   resolution.Config.PkgbuildPath,
		Report:         report,
		Clean:          clean,
		Stdout:         os.Stdout,
	}

	return generator.Run(ctx, options)
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	flags := rootCmd.Flags()
	flags.StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	flags.StringVar(&serverURL, "serverurl", "", "Sal server URL (overrides SAL_SERVER_URL and the config file)")
	flags.StringVarP(&outputDir, "output-dir", "o", "", "directory receiving the package (default: working directory)")
	flags.IntVar(&retries, "retries", 0, fmt.Sprintf("extra attempts for failed requests (0-%d)", config.MaxRetries))
	flags.StringVar(&pkgbuildPath, "pkgbuild", "", "packaging tool (default: "+config.DefaultPkgbuildPath+")")
	flags.BoolVar(&report, "report", false, "write a YAML build description next to the package")
	flags.BoolVar(&clean, "clean", false, "remove the staging directory when the run ends")
	flags.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
}
