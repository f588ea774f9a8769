package logging_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shpitdev/catalog-ark-enricher/internal/logging"
)

func TestJSONLoggerWritesFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logs", "run.log")
	logger, err := logging.New(logging.Options{Level: "info", Format: "json", OutputPaths: []string{path}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("record fetched",
		logging.String(logging.FieldRecordRef, "/agents/people/7"),
		logging.Int(logging.FieldAttempt, 2),
	)
	logger.Debug("hidden")

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected exactly one line (debug filtered), got %d: %q", len(lines), raw)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry["msg"] != "record fetched" || entry["level"] != "info" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if _, ok := entry["ts"]; !ok {
		t.Fatalf("expected ts key, got %v", entry)
	}
	if entry[logging.FieldRecordRef] != "/agents/people/7" {
		t.Fatalf("missing record_ref: %v", entry)
	}
}

func TestConsoleLoggerFormatsComponentAndQuotes(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "console.log")
	logger, err := logging.New(logging.Options{Level: "info", Format: "console", OutputPaths: []string{path}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logging.NewComponentLogger(logger, "catalog").Warn("update rejected",
		logging.String(logging.FieldReason, "two words"),
	)

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := string(raw)
	if !strings.Contains(line, "WARN catalog: update rejected") {
		t.Fatalf("unexpected console line: %q", line)
	}
	if !strings.Contains(line, `reason="two words"`) {
		t.Fatalf("expected quoted value, got %q", line)
	}
	if strings.Contains(line, "component=") {
		t.Fatalf("component should be rendered as prefix, got %q", line)
	}
}

func TestUnsupportedFormat(t *testing.T) {
	t.Parallel()

	if _, err := logging.New(logging.Options{Format: "xml", OutputPaths: []string{filepath.Join(t.TempDir(), "x.log")}}); err == nil {
		t.Fatalf("expected error for unsupported format")
	}
}

func TestNopLoggerDiscards(t *testing.T) {
	t.Parallel()

	logger := logging.NewNop()
	if logger.Enabled(t.Context(), 12) {
		t.Fatalf("nop logger should not be enabled")
	}
	logger.Error("ignored")
}
