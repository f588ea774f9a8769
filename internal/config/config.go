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

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

//go:embed sample_config.yaml
var sampleConfig string

// Catalog environments.
const (
	EnvironmentTest       = "test"
	EnvironmentProduction = "production"
)

// Catalog holds the remote record API connection settings.
type Catalog struct {
	Environment   string `yaml:"environment" toml:"environment"`
	TestURL       string `yaml:"test_url" toml:"test_url"`
	ProductionURL string `yaml:"production_url" toml:"production_url"`
	Username      string `yaml:"username" toml:"username"`
	Password      string `yaml:"password" toml:"password"`

	RequestTimeoutSeconds int     `yaml:"request_timeout_seconds" toml:"request_timeout_seconds"`
	RateLimitRPS          float64 `yaml:"rate_limit_rps" toml:"rate_limit_rps"`
}

// Retry bounds transient-failure retries per remote call.
type Retry struct {
	MaxAttempts int     `yaml:"max_attempts" toml:"max_attempts"`
	BaseDelayMS int     `yaml:"base_delay_ms" toml:"base_delay_ms"`
	MaxDelayMS  int     `yaml:"max_delay_ms" toml:"max_delay_ms"`
	Multiplier  float64 `yaml:"multiplier" toml:"multiplier"`
	Jitter      float64 `yaml:"jitter" toml:"jitter"`
}

// Pipeline controls the scheduler and run planning.
type Pipeline struct {
	Workers                 int `yaml:"workers" toml:"workers"`
	ItemTimeoutSeconds      int `yaml:"item_timeout_seconds" toml:"item_timeout_seconds"`
	MaxReprocess            int `yaml:"max_reprocess" toml:"max_reprocess"`
	ProgressIntervalSeconds int `yaml:"progress_interval_seconds" toml:"progress_interval_seconds"`
	ProgressWindowSeconds   int `yaml:"progress_window_seconds" toml:"progress_window_seconds"`
}

// Dataset describes the input CSV layout.
type Dataset struct {
	Path              string   `yaml:"path" toml:"path"`
	Encoding          string   `yaml:"encoding" toml:"encoding"`
	Delimiter         string   `yaml:"delimiter" toml:"delimiter"`
	RefColumns        []string `yaml:"ref_columns" toml:"ref_columns"`
	IdentifierColumns []string `yaml:"identifier_columns" toml:"identifier_columns"`
	KnownBadColumn    string   `yaml:"known_bad_column" toml:"known_bad_column"`
	ReasonColumn      string   `yaml:"reason_column" toml:"reason_column"`
	NameColumn        string   `yaml:"name_column" toml:"name_column"`
}

// Identifier configures how desired identifiers are written.
type Identifier struct {
	SourceTag       string `yaml:"source_tag" toml:"source_tag"`
	ExclusiveSource bool   `yaml:"exclusive_source" toml:"exclusive_source"`
}

// Ledger locates the outcome ledger.
type Ledger struct {
	Path string `yaml:"path" toml:"path"`
}

// Snapshots configures the pre-update record snapshot store.
type Snapshots struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Logging contains log output configuration.
type Logging struct {
	Format string `yaml:"format" toml:"format"`
	Level  string `yaml:"level" toml:"level"`
	File   string `yaml:"file" toml:"file"`
}

// Config aggregates every setting the CLI needs.
type Config struct {
	Catalog    Catalog    `yaml:"catalog" toml:"catalog"`
	Retry      Retry      `yaml:"retry" toml:"retry"`
	Pipeline   Pipeline   `yaml:"pipeline" toml:"pipeline"`
	Dataset    Dataset    `yaml:"dataset" toml:"dataset"`
	Identifier Identifier `yaml:"identifier" toml:"identifier"`
	Ledger     Ledger     `yaml:"ledger" toml:"ledger"`
	Snapshots  Snapshots  `yaml:"snapshots" toml:"snapshots"`
	Logging    Logging    `yaml:"logging" toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/catalog-ark-enricher/config.yaml")
}

// Load locates, parses, and validates a configuration file. A missing file is
// not an error: defaults and environment fallbacks apply.
func Load(path string) (*Config, string, bool, error) {
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

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func decodeFile(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		dec := toml.NewDecoder(file)
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	default:
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
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

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	candidates := []string{defaultPath}
	for _, name := range []string{"enricher.yaml", "enricher.yml", "enricher.toml"} {
		projectPath, err := filepath.Abs(name)
		if err != nil {
			return "", false, err
		}
		candidates = append(candidates, projectPath)
	}
	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, true, nil
		}
	}

	return defaultPath, false, nil
}

// BaseURL returns the catalog URL for the selected environment.
func (c *Config) BaseURL() string {
	if c.Catalog.Environment == EnvironmentProduction {
		return c.Catalog.ProductionURL
	}
	return c.Catalog.TestURL
}

// RequestTimeout returns the per-call HTTP timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Catalog.RequestTimeoutSeconds) * time.Second
}

// ItemTimeout returns the per-item processing deadline.
func (c *Config) ItemTimeout() time.Duration {
	return time.Duration(c.Pipeline.ItemTimeoutSeconds) * time.Second
}

// ProgressInterval returns how often live progress is logged during a run.
func (c *Config) ProgressInterval() time.Duration {
	return time.Duration(c.Pipeline.ProgressIntervalSeconds) * time.Second
}

// ProgressWindow returns the trailing window used for throughput estimates.
func (c *Config) ProgressWindow() time.Duration {
	return time.Duration(c.Pipeline.ProgressWindowSeconds) * time.Second
}

// RetryBaseDelay returns the first backoff sleep.
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Retry.BaseDelayMS) * time.Millisecond
}

// RetryMaxDelay returns the backoff cap.
func (c *Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.Retry.MaxDelayMS) * time.Millisecond
}

// ExpandPath resolves a leading ~ and returns an absolute path.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
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
	abs, err := filepath.Abs(pathValue)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}
	return abs, nil
}

// CreateSample writes the sample configuration to path, creating parent directories.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
