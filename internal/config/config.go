// Package config loads the host configuration from TOML with
// environment-variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Errors returned by configuration operations.
var (
	// ErrValidationFailed indicates the loaded configuration is unusable.
	ErrValidationFailed = errors.New("validation failed")
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "HEARTH_"

// Config is the host configuration.
type Config struct {
	// PluginPaths are searched in order during discovery. Earlier paths
	// win on duplicate plugin ids.
	PluginPaths []string `toml:"plugin_paths"`

	// StorageDir holds per-plugin JSON storage documents.
	StorageDir string `toml:"storage_dir"`

	// LogLevel is a logrus level name (trace, debug, info, warn, error).
	LogLevel string `toml:"log_level"`

	// LogFormat is "text" or "json".
	LogFormat string `toml:"log_format"`

	// ActivationTimeout bounds each plugin's entry point, as a Go
	// duration string. Empty means no deadline.
	ActivationTimeout string `toml:"activation_timeout"`

	// CallTimeout bounds each call into a Lua plugin.
	CallTimeout string `toml:"call_timeout"`

	// Watch enables re-discovery when plugin directories change.
	Watch bool `toml:"watch"`
}

// ParseError describes a configuration file that failed to parse.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Default returns the built-in configuration.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		PluginPaths: []string{
			filepath.Join(home, ".config", "hearth", "extensions"),
			filepath.Join(".", ".hearth", "extensions"),
		},
		StorageDir:        filepath.Join(home, ".local", "share", "hearth", "storage"),
		LogLevel:          "info",
		LogFormat:         "text",
		ActivationTimeout: "10s",
		Watch:             false,
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "hearth", "config.toml")
}

// Load reads the configuration file at path, layered over the defaults
// and under environment overrides. A missing file is not an error; the
// defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, &ParseError{Path: path, Err: err}
		}
	case os.IsNotExist(err):
		// Defaults apply.
	default:
		return cfg, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overlays HEARTH_* environment variables.
func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv(EnvPrefix + "PLUGIN_PATHS"); ok {
		c.PluginPaths = splitPaths(v)
	}
	if v, ok := os.LookupEnv(EnvPrefix + "STORAGE_DIR"); ok {
		c.StorageDir = v
	}
	if v, ok := os.LookupEnv(EnvPrefix + "LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := os.LookupEnv(EnvPrefix + "LOG_FORMAT"); ok {
		c.LogFormat = v
	}
	if v, ok := os.LookupEnv(EnvPrefix + "ACTIVATION_TIMEOUT"); ok {
		c.ActivationTimeout = v
	}
	if v, ok := os.LookupEnv(EnvPrefix + "WATCH"); ok {
		c.Watch = v == "1" || strings.EqualFold(v, "true")
	}
}

func splitPaths(v string) []string {
	var paths []string
	for _, p := range strings.Split(v, string(os.PathListSeparator)) {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// Validate checks the configuration for values that cannot be used.
func (c *Config) Validate() error {
	if len(c.PluginPaths) == 0 {
		return fmt.Errorf("%w: no plugin paths", ErrValidationFailed)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrValidationFailed, c.LogFormat)
	}
	if _, err := c.activationTimeout(); err != nil {
		return fmt.Errorf("%w: activation_timeout: %v", ErrValidationFailed, err)
	}
	if _, err := c.callTimeout(); err != nil {
		return fmt.Errorf("%w: call_timeout: %v", ErrValidationFailed, err)
	}
	return nil
}

// ActivationTimeoutDuration returns the parsed activation deadline.
// Zero means no deadline.
func (c *Config) ActivationTimeoutDuration() time.Duration {
	d, _ := c.activationTimeout()
	return d
}

// CallTimeoutDuration returns the parsed Lua call deadline. Zero means
// the runtime default.
func (c *Config) CallTimeoutDuration() time.Duration {
	d, _ := c.callTimeout()
	return d
}

func (c *Config) activationTimeout() (time.Duration, error) {
	if c.ActivationTimeout == "" {
		return 0, nil
	}
	return time.ParseDuration(c.ActivationTimeout)
}

func (c *Config) callTimeout() (time.Duration, error) {
	if c.CallTimeout == "" {
		return 0, nil
	}
	return time.ParseDuration(c.CallTimeout)
}
