package config

import (
	"errors"
	"fmt"
	"net/url"
	"unicode/utf8"
)

// Validate ensures the configuration is usable for offline commands
// (status, triage, resolve). Commands that talk to the catalog also call
// ValidateCatalog.
func (c *Config) Validate() error {
	if err := c.validateEnvironment(); err != nil {
		return err
	}
	if err := c.validateRetry(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateDataset(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	return c.validateLogging()
}

// ValidateCatalog checks the settings needed to reach the remote catalog.
func (c *Config) ValidateCatalog() error {
	base := c.BaseURL()
	if base == "" {
		return fmt.Errorf("catalog.%s_url is required. Set ASPACE_URL env var or edit %s (create with 'enricher config init')", c.Catalog.Environment, configHint())
	}
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("catalog.%s_url must be an absolute http(s) URL, got %q", c.Catalog.Environment, base)
	}
	if c.Catalog.Username == "" {
		return fmt.Errorf("catalog.username is required. Set ASPACE_USERNAME env var or edit %s", configHint())
	}
	if c.Catalog.Password == "" {
		return errors.New("catalog.password is required. Set ASPACE_PASSWORD env var")
	}
	if c.Catalog.RateLimitRPS < 0 {
		return errors.New("catalog.rate_limit_rps must be >= 0")
	}
	return nil
}

func configHint() string {
	path, err := DefaultConfigPath()
	if err != nil {
		return "~/.config/catalog-ark-enricher/config.yaml"
	}
	return path
}

func (c *Config) validateEnvironment() error {
	switch c.Catalog.Environment {
	case EnvironmentTest, EnvironmentProduction:
		return nil
	default:
		return fmt.Errorf("catalog.environment must be %q or %q, got %q", EnvironmentTest, EnvironmentProduction, c.Catalog.Environment)
	}
}

func (c *Config) validateRetry() error {
	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be >= 1")
	}
	if c.Retry.BaseDelayMS < 0 || c.Retry.MaxDelayMS < 0 {
		return errors.New("retry delays must be >= 0")
	}
	if c.Retry.Multiplier != 0 && c.Retry.Multiplier < 1 {
		return errors.New("retry.multiplier must be >= 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return errors.New("retry.jitter must be between 0 and 1")
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if c.Pipeline.Workers < 1 {
		return errors.New("pipeline.workers must be >= 1")
	}
	if c.Pipeline.ItemTimeoutSeconds < 1 {
		return errors.New("pipeline.item_timeout_seconds must be >= 1")
	}
	if c.Pipeline.MaxReprocess < 1 {
		return errors.New("pipeline.max_reprocess must be >= 1")
	}
	if c.Pipeline.ProgressIntervalSeconds < 0 || c.Pipeline.ProgressWindowSeconds < 0 {
		return errors.New("pipeline progress settings must be >= 0")
	}
	return nil
}

func (c *Config) validateDataset() error {
	if utf8.RuneCountInString(c.Dataset.Delimiter) != 1 {
		return fmt.Errorf("dataset.delimiter must be a single character, got %q", c.Dataset.Delimiter)
	}
	return nil
}

func (c *Config) validateStorage() error {
	if c.Ledger.Path == "" {
		return errors.New("ledger.path must be set")
	}
	if c.Snapshots.Enabled && c.Snapshots.Path == "" {
		return errors.New("snapshots.path must be set when snapshots.enabled is true")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "auto", "json", "console", "text":
	default:
		return fmt.Errorf("logging.format must be auto, json, console or text, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	return nil
}
