package app_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shpitdev/catalog-ark-enricher/internal/app"
	"github.com/shpitdev/catalog-ark-enricher/internal/catalog"
	"github.com/shpitdev/catalog-ark-enricher/internal/ledger"
	"github.com/shpitdev/catalog-ark-enricher/internal/mockcatalog"
	"github.com/shpitdev/catalog-ark-enricher/internal/reconcile"
	"github.com/shpitdev/catalog-ark-enricher/internal/retry"
)

func ark(n int) string { return fmt.Sprintf("http://n2t.net/ark:/99166/w6%04d", n) }

func person(n int) string { return fmt.Sprintf("/agents/people/%d", n) }

type harness struct {
	srv        *mockcatalog.Server
	client     *catalog.Client
	ledgerPath string
	dir        string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	srv := mockcatalog.New()
	srv.RequireCredentials("admin", "admin")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	client, err := catalog.NewClient(catalog.Options{
		BaseURL:  ts.URL,
		Username: "admin",
		Password: "admin",
		Retry: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
		},
	})
	require.NoError(t, err)

	dir := t.TempDir()
	return &harness{srv: srv, client: client, dir: dir, ledgerPath: filepath.Join(dir, "ledger.jsonl")}
}

// seed stores people 1..n with a single naf identifier each.
func (h *harness) seed(t *testing.T, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		require.NoError(t, h.srv.Put(person(i), map[string]any{
			"lock_version": 1,
			"title":        fmt.Sprintf("Person %d", i),
			"agent_record_identifiers": []any{
				map[string]any{"record_identifier": fmt.Sprintf("n%d", i), "source": "naf", "primary_identifier": true},
			},
		}))
	}
}

func (h *harness) dataset(t *testing.T, refs ...int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("aspace_uri,snac_ark_final,agent_name\n")
	for _, n := range refs {
		fmt.Fprintf(&b, "%s,%s,Person %d\n", person(n), ark(n), n)
	}
	path := filepath.Join(h.dir, fmt.Sprintf("dataset-%d.csv", time.Now().UnixNano()))
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func (h *harness) run(t *testing.T, opts app.Options) app.Summary {
	t.Helper()
	l, err := ledger.Open(h.ledgerPath)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, l.Close())
	}()

	if opts.Workers == 0 {
		opts.Workers = 3
	}
	if opts.ItemTimeout == 0 {
		opts.ItemTimeout = 5 * time.Second
	}
	summary, err := app.Run(context.Background(), app.Deps{
		Client:     h.client,
		Reconciler: reconcile.Reconciler{SourceTag: "snac"},
		Ledger:     l,
	}, opts)
	require.NoError(t, err)
	return summary
}

func (h *harness) identifiers(t *testing.T, ref string) []map[string]any {
	t.Helper()
	rec, ok := h.srv.Record(ref)
	require.True(t, ok, "record %s missing", ref)
	raw, _ := rec[catalog.IdentifiersKey].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, e := range raw {
		out = append(out, e.(map[string]any))
	}
	return out
}

func (h *harness) countValue(t *testing.T, ref, value string) int {
	t.Helper()
	n := 0
	for _, e := range h.identifiers(t, ref) {
		if e["record_identifier"] == value {
			n++
		}
	}
	return n
}

func TestRun_FiveRowsWithTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, 5)
	require.NoError(t, h.srv.Put(person(4), map[string]any{
		"lock_version": 3,
		"agent_record_identifiers": []any{
			map[string]any{"record_identifier": ark(4), "source": "snac"},
		},
	}))
	h.srv.Inject(person(5), mockcatalog.Fault{Op: "fetch", Delay: 3 * time.Second})

	summary := h.run(t, app.Options{
		DatasetPath: h.dataset(t, 1, 2, 3, 4, 5),
		ItemTimeout: 300 * time.Millisecond,
	})

	assert.Equal(t, 5, summary.Planned)
	assert.Equal(t, 5, summary.Recorded)
	assert.Equal(t, 3, summary.Counts[ledger.KindUpdated])
	assert.Equal(t, 1, summary.Counts[ledger.KindSkipped])
	assert.Equal(t, 1, summary.Counts[ledger.KindFailed])
	assert.Equal(t, 1, summary.Reasons[ledger.ReasonAlreadyPresent])
	assert.Equal(t, 1, summary.Reasons[ledger.ReasonTimeout])
	assert.Equal(t, app.ExitFailed, summary.ExitCode())

	require.Len(t, summary.Triage, 1)
	assert.Equal(t, person(5), summary.Triage[0].Ref)
	assert.Equal(t, ledger.ReasonTimeout, summary.Triage[0].Reason)

	for _, n := range []int{1, 2, 3} {
		assert.Equal(t, 1, h.countValue(t, person(n), ark(n)), "person %d", n)
	}
	assert.Zero(t, h.srv.CountCalls(http.MethodPost, person(4)))

	outcomes, err := ledger.ReadFile(h.ledgerPath)
	require.NoError(t, err)
	require.Len(t, outcomes, 5)
	for _, o := range outcomes {
		assert.Equal(t, summary.RunID, o.RunID)
		assert.Equal(t, 1, o.Attempt)
	}
}

func TestRun_ConflictIsAmbiguousAndRunCompletes(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, 3)
	h.srv.Inject(person(2), mockcatalog.Fault{Op: "update", Status: http.StatusConflict, Times: 1})

	summary := h.run(t, app.Options{DatasetPath: h.dataset(t, 1, 2, 3)})

	assert.Equal(t, 3, summary.Recorded)
	assert.Equal(t, 2, summary.Counts[ledger.KindUpdated])
	assert.Equal(t, 1, summary.Counts[ledger.KindAmbiguous])
	assert.Equal(t, app.ExitOK, summary.ExitCode())
	require.Len(t, summary.Triage, 1)
	assert.Equal(t, person(2), summary.Triage[0].Ref)
	assert.Equal(t, ledger.ReasonConflict, summary.Triage[0].Reason)
	assert.Zero(t, h.countValue(t, person(2), ark(2)))
}

func TestRun_SecondRunIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, 4)
	path := h.dataset(t, 1, 2, 3, 4)

	first := h.run(t, app.Options{DatasetPath: path})
	require.Equal(t, 4, first.Counts[ledger.KindUpdated])

	second := h.run(t, app.Options{DatasetPath: path})
	assert.Equal(t, 4, second.Counts[ledger.KindSkipped])
	assert.Equal(t, 4, second.Reasons[ledger.ReasonAlreadyPresent])
	assert.Zero(t, second.Counts[ledger.KindUpdated])
	assert.NotEqual(t, first.RunID, second.RunID)

	for n := 1; n <= 4; n++ {
		assert.Equal(t, 1, h.countValue(t, person(n), ark(n)), "person %d", n)
		assert.Equal(t, 1, h.srv.CountCalls(http.MethodPost, person(n)), "person %d", n)
	}
}

func TestRun_ResumeSkipsCompletedRefs(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, 5)
	path := h.dataset(t, 1, 2, 3, 4, 5)

	first := h.run(t, app.Options{DatasetPath: path, Limit: 2, Workers: 1})
	require.Equal(t, 2, first.Planned)
	require.Equal(t, 2, first.Counts[ledger.KindUpdated])

	second := h.run(t, app.Options{DatasetPath: path, Resume: true})
	assert.Equal(t, 2, second.Resumed)
	assert.Equal(t, 3, second.Dispatched)
	assert.Equal(t, 3, second.Counts[ledger.KindUpdated])

	for n := 1; n <= 5; n++ {
		assert.Equal(t, 1, h.srv.CountCalls(http.MethodGet, person(n)), "person %d fetched more than once", n)
		assert.Equal(t, 1, h.countValue(t, person(n), ark(n)))
	}

	third := h.run(t, app.Options{DatasetPath: path, Resume: true})
	assert.Zero(t, third.Dispatched)
	assert.Equal(t, 5, third.Resumed)
	assert.Equal(t, app.ExitOK, third.ExitCode())
}

func TestRun_QuarantineAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, 1)
	path := h.dataset(t, 1, 9)

	for i := 0; i < 2; i++ {
		s := h.run(t, app.Options{DatasetPath: path, Resume: true, MaxReprocess: 2})
		require.Equal(t, 1, s.Reasons[ledger.ReasonNotFound], "run %d", i)
	}

	third := h.run(t, app.Options{DatasetPath: path, Resume: true, MaxReprocess: 2})
	assert.Equal(t, []string{person(9)}, third.Quarantined)
	assert.Zero(t, third.Dispatched)
	assert.Equal(t, 2, h.srv.CountCalls(http.MethodGet, person(9)))

	forced := h.run(t, app.Options{DatasetPath: path, Resume: true, MaxReprocess: 2, IncludeQuarantined: true})
	assert.Equal(t, 1, forced.Dispatched)
	require.Len(t, forced.Triage, 1)
	assert.Equal(t, 3, forced.Triage[0].Attempt)

	outcomes, err := ledger.ReadFile(h.ledgerPath)
	require.NoError(t, err)
	items := app.Triage(outcomes, "", 2)
	require.Len(t, items, 1)
	assert.True(t, items[0].Quarantined)
	assert.Equal(t, 3, items[0].ConsecutiveFailures)
}

func TestRun_DryRunWritesNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, 2)
	path := h.dataset(t, 1, 2)

	dry := h.run(t, app.Options{DatasetPath: path, DryRun: true})
	assert.Equal(t, 2, dry.Reasons[ledger.ReasonDryRun])
	assert.Equal(t, app.ExitOK, dry.ExitCode())
	assert.Zero(t, h.srv.CountCalls(http.MethodPost, person(1)))

	live := h.run(t, app.Options{DatasetPath: path, Resume: true})
	assert.Zero(t, live.Resumed, "dry-run outcomes must not count as completed")
	assert.Equal(t, 2, live.Counts[ledger.KindUpdated])
}

func TestRun_ExcludedRowsAreCounted(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, 3)
	path := filepath.Join(h.dir, "mixed.csv")
	body := "aspace_uri,snac_ark_final,aspace_error\n" +
		person(1) + "," + ark(1) + ",\n" +
		person(2) + "," + ark(2) + ",yes\n" +
		person(3) + ",,\n" +
		person(1) + "," + ark(1) + ",\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	summary := h.run(t, app.Options{DatasetPath: path})
	assert.Equal(t, 4, summary.Rows)
	assert.Equal(t, 1, summary.Excluded["known_bad"])
	assert.Equal(t, 1, summary.Excluded["parse_error"])
	assert.Equal(t, 1, summary.Excluded["duplicate"])
	assert.Equal(t, 1, summary.Dispatched)
}

func TestRun_MissingDatasetIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	l, err := ledger.Open(h.ledgerPath)
	require.NoError(t, err)
	defer l.Close()

	_, err = app.Run(context.Background(), app.Deps{Client: h.client, Ledger: l}, app.Options{
		DatasetPath: filepath.Join(h.dir, "nope.csv"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open dataset")
}
