package main

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/shpitdev/catalog-ark-enricher/internal/catalog"
	"github.com/shpitdev/catalog-ark-enricher/internal/config"
	"github.com/shpitdev/catalog-ark-enricher/internal/dataset"
	"github.com/shpitdev/catalog-ark-enricher/internal/logging"
	"github.com/shpitdev/catalog-ark-enricher/internal/reconcile"
	"github.com/shpitdev/catalog-ark-enricher/internal/retry"
	"github.com/shpitdev/catalog-ark-enricher/internal/version"
)

func newRootCommand() *cobra.Command {
	var configFlag string
	var logLevel string
	var logFormat string

	ctx := newCommandContext(&configFlag, &logLevel, &logFormat)

	rootCmd := &cobra.Command{
		Use:           "enricher",
		Short:         "Add SNAC ARKs to ArchivesSpace agent records",
		Version:       version.Current,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipConfig(cmd) {
				return nil
			}
			if _, err := ctx.ensureConfig(); err != nil {
				return usageError(err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError(err)
	})

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path (.yaml or .toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format override (auto, console, json)")

	rootCmd.AddCommand(newRunCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newTriageCommand(ctx))
	rootCmd.AddCommand(newResolveCommand(ctx))
	rootCmd.AddCommand(newVerifyCommand(ctx))
	rootCmd.AddCommand(newSnapshotCommand(ctx))
	rootCmd.AddCommand(newConfigCommand())

	return rootCmd
}

type commandContext struct {
	configFlag *string
	logLevel   *string
	logFormat  *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag, logLevel, logFormat *string) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		logLevel:   logLevel,
		logFormat:  logFormat,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if v := flagValue(c.logLevel); v != "" {
			cfg.Logging.Level = strings.ToLower(v)
		}
		if v := flagValue(c.logFormat); v != "" {
			cfg.Logging.Format = strings.ToLower(v)
		}
		if err := cfg.Validate(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) logger(cfg *config.Config) (*slog.Logger, error) {
	outputs := []string{"stderr"}
	if cfg.Logging.File != "" {
		outputs = append(outputs, cfg.Logging.File)
	}
	logger, err := logging.New(logging.Options{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: outputs,
	})
	if err != nil {
		return nil, usageError(fmt.Errorf("configure logging: %w", err))
	}
	return logger, nil
}

// catalogClient builds the remote client. Missing credentials are a usage error.
func (c *commandContext) catalogClient(cfg *config.Config, logger *slog.Logger) (*catalog.Client, error) {
	if err := cfg.ValidateCatalog(); err != nil {
		return nil, usageError(err)
	}
	client, err := catalog.NewClient(catalog.Options{
		BaseURL:        cfg.BaseURL(),
		Username:       cfg.Catalog.Username,
		Password:       cfg.Catalog.Password,
		RequestTimeout: cfg.RequestTimeout(),
		RateLimitRPS:   cfg.Catalog.RateLimitRPS,
		Retry: retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay(),
			Multiplier:  cfg.Retry.Multiplier,
			MaxDelay:    cfg.RetryMaxDelay(),
			JitterFrac:  cfg.Retry.Jitter,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, usageError(err)
	}
	return client, nil
}

func reconcilerFor(cfg *config.Config) reconcile.Reconciler {
	return reconcile.Reconciler{
		SourceTag:       cfg.Identifier.SourceTag,
		ExclusiveSource: cfg.Identifier.ExclusiveSource,
	}
}

func datasetOptions(cfg *config.Config) dataset.Options {
	delim, _ := utf8.DecodeRuneInString(cfg.Dataset.Delimiter)
	return dataset.Options{
		Columns: dataset.Columns{
			Ref:         cfg.Dataset.RefColumns,
			Identifiers: cfg.Dataset.IdentifierColumns,
			KnownBad:    cfg.Dataset.KnownBadColumn,
			Reason:      cfg.Dataset.ReasonColumn,
			Name:        cfg.Dataset.NameColumn,
		},
		Encoding:  cfg.Dataset.Encoding,
		Delimiter: delim,
		BaseURL:   cfg.BaseURL(),
	}
}

func flagValue(p *string) string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(*p)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
