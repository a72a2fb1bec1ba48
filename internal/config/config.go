package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

//go:embed sample_config.toml
var sampleConfig string

// EnvPrefix scopes environment overrides, e.g. CAMWATCH_MATCHING_ENGINES=2.
const EnvPrefix = "CAMWATCH_"

// Identity is one person to search for.
type Identity struct {
	Name      string `toml:"name" yaml:"name"`
	Reference string `toml:"reference" yaml:"reference"`
}

// Capture configures how camera frames are acquired.
type Capture struct {
	Backend       string   `toml:"backend" yaml:"backend" env:"BACKEND"`
	Sources       []string `toml:"sources" yaml:"sources" env:"SOURCES" envSeparator:","`
	Width         int      `toml:"width" yaml:"width" env:"WIDTH"`
	Height        int      `toml:"height" yaml:"height" env:"HEIGHT"`
	WarmupTimeout Duration `toml:"warmup_timeout" yaml:"warmup_timeout" env:"WARMUP_TIMEOUT"`
	// MaxFrameAge is how long a camera's newest frame keeps being used when
	// no fresher one arrives. Zero disables the bound.
	MaxFrameAge Duration `toml:"max_frame_age" yaml:"max_frame_age" env:"MAX_FRAME_AGE"`
}

// Matching configures the face verification backend.
type Matching struct {
	Backend        string   `toml:"backend" yaml:"backend" env:"BACKEND"`
	Model          string   `toml:"model" yaml:"model" env:"MODEL"`
	Detector       string   `toml:"detector" yaml:"detector" env:"DETECTOR"`
	Engines        int      `toml:"engines" yaml:"engines" env:"ENGINES"`
	WorkerScript   string   `toml:"worker_script" yaml:"worker_script" env:"WORKER_SCRIPT"`
	Python         string   `toml:"python" yaml:"python" env:"PYTHON"`
	HTTPURL        string   `toml:"http_url" yaml:"http_url" env:"HTTP_URL"`
	RequestTimeout Duration `toml:"request_timeout" yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	// WorstDistance is the "no match" distance reported for unmatched identities.
	WorstDistance float64 `toml:"worst_distance" yaml:"worst_distance" env:"WORST_DISTANCE"`
}

// Dispatch configures the driving loop and how often a matching pass starts.
type Dispatch struct {
	Tick          Duration `toml:"tick" yaml:"tick" env:"TICK"`
	Interval      int      `toml:"interval" yaml:"interval" env:"INTERVAL"`
	ShutdownGrace Duration `toml:"shutdown_grace" yaml:"shutdown_grace" env:"SHUTDOWN_GRACE"`
}

// Display configures where annotated views go.
type Display struct {
	Backend  string  `toml:"backend" yaml:"backend" env:"BACKEND"`
	HTTPBind string  `toml:"http_bind" yaml:"http_bind" env:"HTTP_BIND"`
	Scale    float64 `toml:"scale" yaml:"scale" env:"SCALE"`
}

// Logging contains configuration for log output.
type Logging struct {
	Level  string `toml:"level" yaml:"level" env:"LEVEL"`
	Format string `toml:"format" yaml:"format" env:"FORMAT"`
	File   string `toml:"file" yaml:"file" env:"FILE"`
}

// Runtime holds process-level settings.
type Runtime struct {
	LockFile string `toml:"lock_file" yaml:"lock_file" env:"LOCK_FILE"`
}

// Config encapsulates all configuration values for camwatch.
//
// Sections:
//   - Identities: names and reference images, in display order
//   - Capture: camera origins and capture backend
//   - Matching: verification backend, model and engine count
//   - Dispatch: tick period, pass interval and shutdown grace
//   - Display: window, HTTP or headless output
//   - Logging: level, format and optional file
//   - Runtime: instance lock
type Config struct {
	Identities []Identity `toml:"identities" yaml:"identities"`
	Capture    Capture    `toml:"capture" yaml:"capture" envPrefix:"CAPTURE_"`
	Matching   Matching   `toml:"matching" yaml:"matching" envPrefix:"MATCHING_"`
	Dispatch   Dispatch   `toml:"dispatch" yaml:"dispatch" envPrefix:"DISPATCH_"`
	Display    Display    `toml:"display" yaml:"display" envPrefix:"DISPLAY_"`
	Logging    Logging    `toml:"logging" yaml:"logging" envPrefix:"LOGGING_"`
	Runtime    Runtime    `toml:"runtime" yaml:"runtime" envPrefix:"RUNTIME_"`
}

// DefaultConfigPath returns the per-user configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/camwatch/config.toml")
}

// Load locates, parses, and validates a configuration file, then applies
// CAMWATCH_* environment overrides. A missing file yields the defaults.
// It returns the config, the resolved path and whether that file existed.
func Load(path string) (*Config, string, bool, error) {
	cfg, resolvedPath, exists, err := Read(path)
	if err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return cfg, resolvedPath, exists, nil
}

// Read is Load without validation, for callers that apply further overrides
// and then call Finalize.
func Read(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		if err := decodeFile(resolvedPath, &cfg); err != nil {
			return nil, "", false, err
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, "", false, fmt.Errorf("parse env: %w", err)
	}

	baseDir := ""
	if exists {
		baseDir = filepath.Dir(resolvedPath)
	}
	if err := cfg.normalize(baseDir); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolvedPath, exists, nil
}

// Finalize normalizes and validates a config built or modified in code, such
// as after CLI flag overrides. Relative reference paths resolve against the
// working directory.
func (c *Config) Finalize() error {
	if err := c.normalize(""); err != nil {
		return err
	}
	return c.Validate()
}

func decodeFile(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("parse config: %w", err)
		}
	default:
		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	}
	return nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	projectPath, err := filepath.Abs("camwatch.toml")
	if err != nil {
		return "", false, err
	}
	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}

	return defaultPath, false, nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Encode renders the effective configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	return toml.Marshal(c)
}

// Duration is a time.Duration written as "33ms" or "5s" in config files and
// environment variables.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}
