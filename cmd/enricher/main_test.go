package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shpitdev/catalog-ark-enricher/internal/app"
	"github.com/shpitdev/catalog-ark-enricher/internal/mockcatalog"
)

type cliHarness struct {
	srv     *mockcatalog.Server
	dir     string
	config  string
	dataset string
}

func newCLIHarness(t *testing.T) *cliHarness {
	t.Helper()
	for _, key := range []string{"ASPACE_URL", "ASPACE_USERNAME", "ASPACE_PASSWORD"} {
		t.Setenv(key, "")
		_ = os.Unsetenv(key)
	}
	t.Setenv("HOME", t.TempDir())

	srv := mockcatalog.New()
	srv.RequireCredentials("admin", "pw")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	dir := t.TempDir()
	h := &cliHarness{srv: srv, dir: dir, config: filepath.Join(dir, "enricher.yaml"), dataset: filepath.Join(dir, "agents.csv")}
	cfg := fmt.Sprintf(`catalog:
  test_url: %s
  username: admin
  password: pw
retry:
  base_delay_ms: 1
  max_delay_ms: 2
pipeline:
  workers: 2
  progress_interval_seconds: 0
ledger:
  path: %s
snapshots:
  path: %s
logging:
  format: json
`, ts.URL, filepath.Join(dir, "ledger.jsonl"), filepath.Join(dir, "snapshots.db"))
	if err := os.WriteFile(h.config, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return h
}

func (h *cliHarness) seed(t *testing.T, refs ...string) {
	t.Helper()
	var b strings.Builder
	b.WriteString("aspace_uri,snac_ark_final,agent_name\n")
	for i, ref := range refs {
		if err := h.srv.Put(ref, map[string]any{"lock_version": 0, "agent_record_identifiers": []any{}}); err != nil {
			t.Fatal(err)
		}
		fmt.Fprintf(&b, "%s,http://n2t.net/ark:/99166/w6%03d,Agent %d\n", ref, i, i)
	}
	if err := os.WriteFile(h.dataset, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (h *cliHarness) exec(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"--config", h.config}, args...)
	code := execute(context.Background(), full, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestCLI_RunStatusVerifySnapshot(t *testing.T) {
	h := newCLIHarness(t)
	h.seed(t, "/agents/people/1", "/agents/corporate_entities/2")

	code, out, errOut := h.exec(t, "run", "--dataset", h.dataset)
	if code != app.ExitOK {
		t.Fatalf("run exit=%d stdout=%s stderr=%s", code, out, errOut)
	}
	if !strings.Contains(out, "updated") {
		t.Fatalf("expected summary table, got:\n%s", out)
	}
	if !strings.Contains(out, "Snapshots saved: 2") {
		t.Fatalf("expected snapshot count, got:\n%s", out)
	}
	if strings.Contains(errOut, "pw") && strings.Contains(errOut, "password") {
		t.Fatalf("password leaked into logs:\n%s", errOut)
	}

	code, out, _ = h.exec(t, "status")
	if code != app.ExitOK || !strings.Contains(out, "updated") {
		t.Fatalf("status exit=%d out=%s", code, out)
	}

	code, out, _ = h.exec(t, "triage")
	if code != app.ExitOK || !strings.Contains(out, "Nothing to triage") {
		t.Fatalf("triage exit=%d out=%s", code, out)
	}

	code, out, errOut = h.exec(t, "verify", "--sample", "5")
	if code != app.ExitOK || !strings.Contains(out, "2/2 verified") {
		t.Fatalf("verify exit=%d out=%s stderr=%s", code, out, errOut)
	}

	code, out, _ = h.exec(t, "snapshot", "show", "/agents/people/1")
	if code != app.ExitOK || !strings.Contains(out, `"agent_record_identifiers": []`) {
		t.Fatalf("snapshot show exit=%d out=%s", code, out)
	}
}

func TestCLI_FailedRecordExitsNonZeroAndResolves(t *testing.T) {
	h := newCLIHarness(t)
	h.seed(t, "/agents/people/1")
	if err := os.WriteFile(h.dataset, []byte("aspace_uri,snac_ark_final\n/agents/people/1,ark:/1\n/agents/people/404,ark:/2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	code, out, _ := h.exec(t, "run", "--dataset", h.dataset)
	if code != app.ExitFailed {
		t.Fatalf("expected exit %d, got %d\n%s", app.ExitFailed, code, out)
	}
	if !strings.Contains(out, "/agents/people/404") || !strings.Contains(out, "not_found") {
		t.Fatalf("expected triage entry in summary:\n%s", out)
	}

	code, out, _ = h.exec(t, "triage")
	if code != app.ExitOK || !strings.Contains(out, "/agents/people/404") {
		t.Fatalf("triage exit=%d out=%s", code, out)
	}

	code, out, errOut := h.exec(t, "resolve", "/agents/people/404", "--note", "record merged")
	if code != app.ExitOK {
		t.Fatalf("resolve exit=%d out=%s stderr=%s", code, out, errOut)
	}
	code, out, _ = h.exec(t, "triage")
	if code != app.ExitOK || !strings.Contains(out, "Nothing to triage") {
		t.Fatalf("triage after resolve exit=%d out=%s", code, out)
	}

	code, _, _ = h.exec(t, "run", "--dataset", h.dataset, "--resume")
	if code != app.ExitOK {
		t.Fatalf("resumed run should skip resolved refs, exit=%d", code)
	}
}

func TestCLI_UsageErrors(t *testing.T) {
	h := newCLIHarness(t)

	cases := map[string][]string{
		"missing_dataset": {"run"},
		"unknown_flag":    {"run", "--bogus"},
		"bad_workers":     {"run", "--dataset", h.dataset, "--workers", "0"},
		"bad_environment": {"run", "--dataset", h.dataset, "--environment", "staging"},
		"verify_no_args":  {"verify"},
		"resolve_no_args": {"resolve"},
		"unknown_command": {"frobnicate"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			code, out, errOut := h.exec(t, args...)
			if code != app.ExitUsage {
				t.Fatalf("expected exit %d, got %d (stdout=%s stderr=%s)", app.ExitUsage, code, out, errOut)
			}
		})
	}
}

func TestCLI_MissingCredentialsIsUsageError(t *testing.T) {
	h := newCLIHarness(t)
	h.seed(t, "/agents/people/1")
	cfg := "catalog:\n  test_url: http://127.0.0.1:1\nledger:\n  path: " + filepath.Join(h.dir, "l.jsonl") + "\n"
	if err := os.WriteFile(h.config, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	code, _, errOut := h.exec(t, "run", "--dataset", h.dataset)
	if code != app.ExitUsage || !strings.Contains(errOut, "ASPACE_USERNAME") {
		t.Fatalf("expected credentials usage error, got exit=%d stderr=%s", code, errOut)
	}
}

func TestCLI_ConfigInit(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	target := filepath.Join(t.TempDir(), "conf", "enricher.yaml")

	var stdout, stderr bytes.Buffer
	if code := execute(context.Background(), []string{"config", "init", target}, &stdout, &stderr); code != app.ExitOK {
		t.Fatalf("config init exit=%d stderr=%s", code, stderr.String())
	}
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("sample not written: %v", err)
	}
	if code := execute(context.Background(), []string{"config", "init", target}, &stdout, &stderr); code != app.ExitUsage {
		t.Fatalf("expected refusal to overwrite, exit=%d", code)
	}
	if code := execute(context.Background(), []string{"config", "init", target, "--overwrite"}, &stdout, &stderr); code != app.ExitOK {
		t.Fatalf("overwrite exit=%d stderr=%s", code, stderr.String())
	}
}
