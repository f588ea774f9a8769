package config

const (
	defaultEnvironment           = EnvironmentTest
	defaultRequestTimeoutSeconds = 60
	defaultRetryMaxAttempts      = 3
	defaultRetryBaseDelayMS      = 500
	defaultRetryMaxDelayMS       = 8000
	defaultRetryMultiplier       = 2.0
	defaultRetryJitter           = 0.2
	defaultWorkers               = 4
	defaultItemTimeoutSeconds    = 120
	defaultMaxReprocess          = 5
	defaultProgressSeconds       = 30
	defaultProgressWindowSeconds = 300
	defaultSourceTag             = "snac"
	defaultEncoding              = "utf-8"
	defaultDelimiter             = ","
	defaultKnownBadColumn        = "aspace_error"
	defaultReasonColumn          = "error_reason"
	defaultNameColumn            = "agent_name"
	defaultLedgerPath            = "~/.local/share/catalog-ark-enricher/ledger.jsonl"
	defaultSnapshotPath          = "~/.local/share/catalog-ark-enricher/snapshots.db"
	defaultLogFormat             = "auto"
	defaultLogLevel              = "info"
)

var (
	defaultRefColumns        = []string{"aspace_uri", "original_agent_uri_old_spreadsheet", "aspace_agent_uri_final"}
	defaultIdentifierColumns = []string{"snac_ark_final", "snac_ark_new", "snac_ark"}
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Catalog: Catalog{
			Environment:           defaultEnvironment,
			RequestTimeoutSeconds: defaultRequestTimeoutSeconds,
		},
		Retry: Retry{
			MaxAttempts: defaultRetryMaxAttempts,
			BaseDelayMS: defaultRetryBaseDelayMS,
			MaxDelayMS:  defaultRetryMaxDelayMS,
			Multiplier:  defaultRetryMultiplier,
			Jitter:      defaultRetryJitter,
		},
		Pipeline: Pipeline{
			Workers:                 defaultWorkers,
			ItemTimeoutSeconds:      defaultItemTimeoutSeconds,
			MaxReprocess:            defaultMaxReprocess,
			ProgressIntervalSeconds: defaultProgressSeconds,
			ProgressWindowSeconds:   defaultProgressWindowSeconds,
		},
		Dataset: Dataset{
			Encoding:          defaultEncoding,
			Delimiter:         defaultDelimiter,
			RefColumns:        append([]string(nil), defaultRefColumns...),
			IdentifierColumns: append([]string(nil), defaultIdentifierColumns...),
			KnownBadColumn:    defaultKnownBadColumn,
			ReasonColumn:      defaultReasonColumn,
			NameColumn:        defaultNameColumn,
		},
		Identifier: Identifier{
			SourceTag: defaultSourceTag,
		},
		Ledger: Ledger{
			Path: defaultLedgerPath,
		},
		Snapshots: Snapshots{
			Enabled: true,
			Path:    defaultSnapshotPath,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
