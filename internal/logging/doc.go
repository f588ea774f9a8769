// Package logging builds the slog loggers used by the enricher binaries.
//
// Two handlers are available: a compact console handler for terminals and a
// JSON handler for log files and pipelines. Format "auto" picks the console
// handler when stdout is a terminal. Output can fan out to several
// destinations so a run log file is written alongside stdout.
//
// Remote calls are logged with the Field* keys defined here so the call log
// can be filtered by record ref and operation.
package logging
