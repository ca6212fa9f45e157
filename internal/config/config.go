package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultGHCiPath           = "ghci"
	defaultStopTimeout        = 2 * time.Second
	defaultRequestTimeout     = 5 * time.Second
	defaultNegotiateTimeout   = 3 * time.Second
	defaultMaxPendingOutputMB = 1
	defaultLogLevel           = "info"
	defaultLogMaxFiles        = 10
)

// Config stores runtime settings loaded from TOML files.
type Config struct {
	// BootTidalPath is an explicit boot script; empty means the bundled one.
	BootTidalPath string
	// UseBootFileInCurrentDirectory prefers <WorkspaceDir>/BootTidal.hs.
	UseBootFileInCurrentDirectory bool
	GHCiPath                      string
	UseStackGHCi                  bool
	// LauncherFallback switches between stack and ghci when the configured
	// launcher is missing from PATH.
	LauncherFallback bool
	// ShowGHCiOutput keeps the interpreter's normal verbosity (no -v0).
	ShowGHCiOutput bool
	// ShowOutputInConsoleChannel mirrors raw interpreter output to the console.
	ShowOutputInConsoleChannel bool
	// PebbleEnabled loads the capability module and negotiates it at boot.
	PebbleEnabled bool
	// ExtensionPath is the resource root holding BootTidal.hs and pebble/.
	ExtensionPath string
	// WorkspaceDir is the open workspace; empty means none.
	WorkspaceDir          string
	StopTimeout           time.Duration
	RequestTimeout        time.Duration
	NegotiateTimeout      time.Duration
	MaxPendingOutputBytes int
	OTelEndpoint          string
	LogLevel              string
	LogMaxFiles           int
}

type fileConfig struct {
	BootTidalPath                 *string       `toml:"boot_tidal_path"`
	UseBootFileInCurrentDirectory *bool         `toml:"use_boot_file_in_current_directory"`
	GHCiPath                      *string       `toml:"ghci_path"`
	UseStackGHCi                  *bool         `toml:"use_stack_ghci"`
	LauncherFallback              *bool         `toml:"launcher_fallback"`
	ShowGHCiOutput                *bool         `toml:"show_ghci_output"`
	ShowOutputInConsoleChannel    *bool         `toml:"show_output_in_console_channel"`
	ExtensionPath                 *string       `toml:"extension_path"`
	WorkspaceDir                  *string       `toml:"workspace_dir"`
	StopTimeout                   *string       `toml:"stop_timeout"`
	RequestTimeout                *string       `toml:"request_timeout"`
	NegotiateTimeout              *string       `toml:"negotiate_timeout"`
	MaxPendingOutputMB            *int          `toml:"max_pending_output_mb"`
	LogLevel                      *string       `toml:"log_level"`
	LogMaxFiles                   *int          `toml:"log_max_files"`
	Pebble                        *pebbleConfig `toml:"pebble"`
	OTel                          *otelConfig   `toml:"otel"`
}

type pebbleConfig struct {
	Enable *bool `toml:"enable"`
}

type otelConfig struct {
	Endpoint *string `toml:"endpoint"`
}

// Load reads config from ~/.tidald/config.toml and overlays a project-local .tidald/config.toml.
func Load(ctx context.Context) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	_ = ctx
	return loadFrom(homeDir, workingDir)
}

func loadFrom(homeDir, workingDir string) (*Config, error) {
	cfg := defaults(homeDir, workingDir)

	paths := []string{
		filepath.Join(homeDir, ".tidald", "config.toml"),
		filepath.Join(workingDir, ".tidald", "config.toml"),
	}
	for _, path := range paths {
		if err := overlayFromFile(&cfg, path, homeDir); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

func defaults(homeDir, workingDir string) Config {
	return Config{
		GHCiPath:              defaultGHCiPath,
		ExtensionPath:         filepath.Join(homeDir, ".tidald", "resources"),
		WorkspaceDir:          workingDir,
		StopTimeout:           defaultStopTimeout,
		RequestTimeout:        defaultRequestTimeout,
		NegotiateTimeout:      defaultNegotiateTimeout,
		MaxPendingOutputBytes: defaultMaxPendingOutputMB * 1024 * 1024,
		LogLevel:              defaultLogLevel,
		LogMaxFiles:           defaultLogMaxFiles,
	}
}

// ResourcePath maps a path inside the resource bundle to an absolute location.
func (c *Config) ResourcePath(parts ...string) string {
	root := ""
	if c != nil {
		root = c.ExtensionPath
	}
	elems := append([]string{root}, parts...)
	joined := filepath.Join(elems...)
	if abs, err := filepath.Abs(joined); err == nil {
		return abs
	}
	return joined
}

// Validate reports settings that cannot drive a session.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	if !c.UseStackGHCi && strings.TrimSpace(c.GHCiPath) == "" {
		return errors.New("ghci_path must not be empty unless use_stack_ghci is set")
	}
	for key, value := range map[string]time.Duration{
		"stop_timeout":      c.StopTimeout,
		"request_timeout":   c.RequestTimeout,
		"negotiate_timeout": c.NegotiateTimeout,
	} {
		if value <= 0 {
			return fmt.Errorf("%s must be > 0, got %s", key, value)
		}
	}
	if c.MaxPendingOutputBytes <= 0 {
		return fmt.Errorf("max pending output must be > 0, got %d bytes", c.MaxPendingOutputBytes)
	}
	return nil
}

func overlayFromFile(cfg *Config, path, homeDir string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	meta, err := toml.DecodeFile(path, &decoded)
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return fmt.Errorf("decode config file %q: unsupported keys %s", path, strings.Join(keys, ", "))
	}

	applyPathOverrides(cfg, decoded, homeDir)
	applyFlagOverrides(cfg, decoded)
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyLimitOverrides(cfg, decoded, path); err != nil {
		return err
	}
	return nil
}

func applyPathOverrides(cfg *Config, decoded fileConfig, homeDir string) {
	if decoded.BootTidalPath != nil {
		cfg.BootTidalPath = expandHome(*decoded.BootTidalPath, homeDir)
	}
	if decoded.GHCiPath != nil {
		cfg.GHCiPath = expandHome(*decoded.GHCiPath, homeDir)
	}
	if decoded.ExtensionPath != nil {
		cfg.ExtensionPath = expandHome(*decoded.ExtensionPath, homeDir)
	}
	if decoded.WorkspaceDir != nil {
		cfg.WorkspaceDir = expandHome(*decoded.WorkspaceDir, homeDir)
	}
	if decoded.LogLevel != nil {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(*decoded.LogLevel))
	}
	if decoded.OTel != nil && decoded.OTel.Endpoint != nil {
		cfg.OTelEndpoint = strings.TrimSpace(*decoded.OTel.Endpoint)
	}
}

func applyFlagOverrides(cfg *Config, decoded fileConfig) {
	if decoded.UseBootFileInCurrentDirectory != nil {
		cfg.UseBootFileInCurrentDirectory = *decoded.UseBootFileInCurrentDirectory
	}
	if decoded.UseStackGHCi != nil {
		cfg.UseStackGHCi = *decoded.UseStackGHCi
	}
	if decoded.LauncherFallback != nil {
		cfg.LauncherFallback = *decoded.LauncherFallback
	}
	if decoded.ShowGHCiOutput != nil {
		cfg.ShowGHCiOutput = *decoded.ShowGHCiOutput
	}
	if decoded.ShowOutputInConsoleChannel != nil {
		cfg.ShowOutputInConsoleChannel = *decoded.ShowOutputInConsoleChannel
	}
	if decoded.Pebble != nil && decoded.Pebble.Enable != nil {
		cfg.PebbleEnabled = *decoded.Pebble.Enable
	}
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	overrides := []struct {
		value  *string
		key    string
		target *time.Duration
	}{
		{decoded.StopTimeout, "stop_timeout", &cfg.StopTimeout},
		{decoded.RequestTimeout, "request_timeout", &cfg.RequestTimeout},
		{decoded.NegotiateTimeout, "negotiate_timeout", &cfg.NegotiateTimeout},
	}
	for _, override := range overrides {
		if override.value == nil {
			continue
		}
		parsed, err := parseDuration(*override.value, override.key, path)
		if err != nil {
			return err
		}
		*override.target = parsed
	}
	return nil
}

func applyLimitOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.MaxPendingOutputMB != nil {
		if *decoded.MaxPendingOutputMB <= 0 {
			return fmt.Errorf("parse max_pending_output_mb in %q: must be > 0", path)
		}
		cfg.MaxPendingOutputBytes = *decoded.MaxPendingOutputMB * 1024 * 1024
	}
	if decoded.LogMaxFiles != nil {
		if *decoded.LogMaxFiles <= 0 {
			return fmt.Errorf("parse log_max_files in %q: must be > 0", path)
		}
		cfg.LogMaxFiles = *decoded.LogMaxFiles
	}
	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("parse %s in %q: must be > 0", key, path)
	}
	return parsed, nil
}

func expandHome(value, homeDir string) string {
	value = strings.TrimSpace(value)
	if value == "~" {
		return homeDir
	}
	if strings.HasPrefix(value, "~/") {
		return filepath.Join(homeDir, value[2:])
	}
	return value
}
