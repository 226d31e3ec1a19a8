package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds the settings of the packager.
type Config struct {
	// ServerURL is the base URL of the Sal server serving the external scripts.
	ServerURL string `yaml:"server_url"`
	// ConnectTimeout bounds establishing a connection to the server.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// RequestTimeout bounds a whole request, including reading the body.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// Retries is the number of extra attempts for a failed request. Zero disables retrying.
	Retries int `yaml:"retries"`
	// PkgbuildPath is the packaging tool to invoke.
	PkgbuildPath string `yaml:"pkgbuild_path"`
}

// Source tells where the server URL was taken from.
type Source string

const (
	// SourceFlag means the value came from the command line.
	SourceFlag Source = "flag"
	// SourceEnv means the value came from the SAL_SERVER_URL environment variable.
	SourceEnv Source = "env"
	// SourceFile means the value came from the configuration file.
	SourceFile Source = "file"
	// SourceDefault means no value was configured and DefaultServerURL was used.
	SourceDefault Source = "default"
)

// Resolution is the outcome of resolving the configuration.
type Resolution struct {
	// Config is the effective configuration.
	Config *Config
	// ServerURLSource records where Config.ServerURL came from.
	ServerURLSource Source
	// DefaultApplied is true when the server URL fell back to DefaultServerURL.
	DefaultApplied bool
}

// Overrides are values supplied on the command line. Zero values mean "not set".
type Overrides struct {
	ServerURL    string
	Retries      int
	PkgbuildPath string
}

const (
	// DefaultConfigFilename is the default filename for packager settings.
	DefaultConfigFilename = "sal-scripts-packager.yaml"

	// DefaultServerURL is used when no server URL is configured anywhere.
	DefaultServerURL = "http://sal"

	// DefaultConnectTimeout is the default bound for establishing a connection.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultRequestTimeout is the default bound for a whole request.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultPkgbuildPath is the native packaging tool.
	DefaultPkgbuildPath = "/usr/bin/pkgbuild"

	// MaxRetries caps the number of extra attempts per request.
	MaxRetries = 10

	// DefaultFilePermissions is the default file permission for config files.
	DefaultFilePermissions = 0o600

	// envPrefix is prepended to upper-cased keys when looking up environment variables.
	envPrefix = "SAL"

	keyServerURL      = "server_url"
	keyConnectTimeout = "connect_timeout"
	keyRequestTimeout = "request_timeout"
	keyRetries        = "retries"
	keyPkgbuildPath   = "pkgbuild_path"
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errServerURLRequired is returned when the server URL is missing.
	errServerURLRequired = errors.New("server URL must be provided")
	// errServerURLScheme is returned when the server URL is not http(s).
	errServerURLScheme = errors.New("server URL must use http or https")
	// errBadRetries is returned when the retry count is out of range.
	errBadRetries = errors.New("retries out of range")
)

// Resolve builds the effective configuration from, in order of precedence,
// the command-line overrides, SAL_* environment variables, the YAML file at
// path and the built-in defaults. A missing file is not an error.
// Resolve never writes anything; see Persist.
func Resolve(path string, overrides Overrides) (*Resolution, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	v := viper.New()
	v.SetConfigFile(filepath.Clean(path))
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault(keyConnectTimeout, DefaultConnectTimeout)
	v.SetDefault(keyRequestTimeout, DefaultRequestTimeout)
	v.SetDefault(keyRetries, 0)
	v.SetDefault(keyPkgbuildPath, DefaultPkgbuildPath)

	if err := v.ReadInConfig(); err != nil && !isNotExist(err) {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	cfg := &Config{
		ConnectTimeout: v.GetDuration(keyConnectTimeout),
		RequestTimeout: v.GetDuration(keyRequestTimeout),
		Retries:        v.GetInt(keyRetries),
		PkgbuildPath:   v.GetString(keyPkgbuildPath),
	}

	res := &Resolution{Config: cfg}

	switch {
	case strings.TrimSpace(overrides.ServerURL) != "":
		cfg.ServerURL = overrides.ServerURL
		res.ServerURLSource = SourceFlag
	case os.Getenv(envPrefix+"_"+strings.ToUpper(keyServerURL)) != "":
		cfg.ServerURL = v.GetString(keyServerURL)
		res.ServerURLSource = SourceEnv
	case v.GetString(keyServerURL) != "":
		cfg.ServerURL = v.GetString(keyServerURL)
		res.ServerURLSource = SourceFile
	default:
		cfg.ServerURL = DefaultServerURL
		res.ServerURLSource = SourceDefault
		res.DefaultApplied = true
	}

	if overrides.Retries > 0 {
		cfg.Retries = overrides.Retries
	}

	if overrides.PkgbuildPath != "" {
		cfg.PkgbuildPath = overrides.PkgbuildPath
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return res, nil
}

// Persist writes the applied default server URL to the file at path so that
// administrators can discover and edit it. Existing keys in the file are kept.
// It does nothing when no default was applied.
func Persist(path string, res *Resolution) error {
	if res == nil || res.Config == nil {
		return errConfigIsNotSet
	}

	if !res.DefaultApplied {
		return nil
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	path = filepath.Clean(path)

	document := make(map[string]any)

	contents, err := os.ReadFile(path)

	switch {
	case err == nil:
		if err = yaml.Unmarshal(contents, &document); err != nil {
			return fmt.Errorf("unmarshal settings: %w", err)
		}

		if document == nil {
			document = make(map[string]any)
		}
	case errors.Is(err, fs.ErrNotExist):
		// Start from an empty document.
	default:
		return fmt.Errorf("read settings: %w", err)
	}

	document[keyServerURL] = res.Config.ServerURL

	data, err := yaml.Marshal(document)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Restrict permissions.
	if err = os.WriteFile(path, data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Save writes the whole configuration to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Restrict permissions.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate checks the provided settings for required fields and formatting,
// filling in defaults for zero tuning values.
func Validate(settings *Config) error {
	if settings == nil {
		return errConfigIsNotSet
	}

	if err := ValidateServerURL(settings.ServerURL); err != nil {
		return err
	}

	if settings.ConnectTimeout <= 0 {
		settings.ConnectTimeout = DefaultConnectTimeout
	}

	if settings.RequestTimeout <= 0 {
		settings.RequestTimeout = DefaultRequestTimeout
	}

	if settings.Retries < 0 || settings.Retries > MaxRetries {
		return fmt.Errorf("%d not in [0, %d]: %w", settings.Retries, MaxRetries, errBadRetries)
	}

	if settings.PkgbuildPath == "" {
		settings.PkgbuildPath = DefaultPkgbuildPath
	}

	return nil
}

// ValidateServerURL checks that raw is an absolute http(s) URL with a host.
func ValidateServerURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errServerURLRequired
	}

	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s: %w", raw, errServerURLScheme)
	}

	if u.Host == "" {
		return fmt.Errorf("%s: %w", raw, errServerURLRequired)
	}

	return nil
}

func isNotExist(err error) bool {
	var notFound viper.ConfigFileNotFoundError

	return errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
}
