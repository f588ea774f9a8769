package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeCatalog()
	c.normalizeDataset()
	c.normalizeIdentifier()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Ledger.Path, err = expandPath(strings.TrimSpace(c.Ledger.Path)); err != nil {
		return fmt.Errorf("ledger.path: %w", err)
	}
	if c.Snapshots.Path, err = expandPath(strings.TrimSpace(c.Snapshots.Path)); err != nil {
		return fmt.Errorf("snapshots.path: %w", err)
	}
	if c.Dataset.Path, err = expandPath(strings.TrimSpace(c.Dataset.Path)); err != nil {
		return fmt.Errorf("dataset.path: %w", err)
	}
	if c.Logging.File, err = expandPath(strings.TrimSpace(c.Logging.File)); err != nil {
		return fmt.Errorf("logging.file: %w", err)
	}
	return nil
}

func (c *Config) normalizeCatalog() {
	c.Catalog.Environment = strings.ToLower(strings.TrimSpace(c.Catalog.Environment))
	if c.Catalog.Environment == "" {
		c.Catalog.Environment = defaultEnvironment
	}
	c.Catalog.TestURL = trimURL(c.Catalog.TestURL)
	c.Catalog.ProductionURL = trimURL(c.Catalog.ProductionURL)
	if value, ok := os.LookupEnv("ASPACE_URL"); ok && c.BaseURL() == "" {
		c.SetBaseURL(value)
	}
	c.Catalog.Username = strings.TrimSpace(c.Catalog.Username)
	if c.Catalog.Username == "" {
		c.Catalog.Username = strings.TrimSpace(os.Getenv("ASPACE_USERNAME"))
	}
	if c.Catalog.Password == "" {
		c.Catalog.Password = os.Getenv("ASPACE_PASSWORD")
	}
	if c.Catalog.RequestTimeoutSeconds <= 0 {
		c.Catalog.RequestTimeoutSeconds = defaultRequestTimeoutSeconds
	}
}

// SetBaseURL overrides the URL of the currently selected environment.
func (c *Config) SetBaseURL(value string) {
	if c.Catalog.Environment == EnvironmentProduction {
		c.Catalog.ProductionURL = trimURL(value)
		return
	}
	c.Catalog.TestURL = trimURL(value)
}

func (c *Config) normalizeDataset() {
	c.Dataset.Encoding = strings.TrimSpace(c.Dataset.Encoding)
	if c.Dataset.Encoding == "" {
		c.Dataset.Encoding = defaultEncoding
	}
	if c.Dataset.Delimiter == "" {
		c.Dataset.Delimiter = defaultDelimiter
	}
	c.Dataset.RefColumns = cleanList(c.Dataset.RefColumns)
	if len(c.Dataset.RefColumns) == 0 {
		c.Dataset.RefColumns = append([]string(nil), defaultRefColumns...)
	}
	c.Dataset.IdentifierColumns = cleanList(c.Dataset.IdentifierColumns)
	if len(c.Dataset.IdentifierColumns) == 0 {
		c.Dataset.IdentifierColumns = append([]string(nil), defaultIdentifierColumns...)
	}
	c.Dataset.KnownBadColumn = strings.TrimSpace(c.Dataset.KnownBadColumn)
	c.Dataset.ReasonColumn = strings.TrimSpace(c.Dataset.ReasonColumn)
	c.Dataset.NameColumn = strings.TrimSpace(c.Dataset.NameColumn)
}

func (c *Config) normalizeIdentifier() {
	c.Identifier.SourceTag = strings.TrimSpace(c.Identifier.SourceTag)
	if c.Identifier.SourceTag == "" {
		c.Identifier.SourceTag = defaultSourceTag
	}
}

func (c *Config) normalizeLogging() {
	format := strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if format == "" {
		format = defaultLogFormat
	}
	c.Logging.Format = format
	level := strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if level == "" {
		level = defaultLogLevel
	}
	c.Logging.Level = level
}

func trimURL(value string) string {
	return strings.TrimRight(strings.TrimSpace(value), "/")
}

func cleanList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// UseEnvironment switches the catalog environment after loading, re-applying
// the ASPACE_URL fallback for the newly selected URL.
func (c *Config) UseEnvironment(env string) error {
	c.Catalog.Environment = strings.ToLower(strings.TrimSpace(env))
	if err := c.validateEnvironment(); err != nil {
		return err
	}
	if value, ok := os.LookupEnv("ASPACE_URL"); ok && c.BaseURL() == "" {
		c.SetBaseURL(value)
	}
	return nil
}
