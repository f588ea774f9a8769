package ledger_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shpitdev/catalog-ark-enricher/internal/ledger"
)

var t0 = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func TestAppendLineFormat(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := ledger.Open(path)
	require.NoError(t, err)

	outcomes := []ledger.Outcome{
		{RunID: "run-1", Ref: "/agents/people/1", Kind: ledger.KindUpdated, Identifier: "http://n2t.net/ark:/99166/w6bs2r0p", Name: "Dvořák, Antonín", Row: 1, Attempt: 1, Calls: 2, LockVersion: 4, Timestamp: t0},
		{RunID: "run-1", Ref: "/agents/people/2", Kind: ledger.KindSkipped, Reason: ledger.ReasonAlreadyPresent, Identifier: "http://n2t.net/ark:/99166/w6x", Row: 2, Attempt: 1, Calls: 1, Timestamp: t0.Add(time.Second)},
		{RunID: "run-1", Ref: "/agents/people/3", Kind: ledger.KindFailed, Reason: ledger.ReasonTimeout, Detail: "context deadline exceeded", Row: 3, Attempt: 2, Calls: 1, Timestamp: t0.Add(2 * time.Second)},
		{RunID: "run-1", Ref: "/agents/people/4", Kind: ledger.KindAmbiguous, Reason: ledger.ReasonConflict, Detail: "record conflict", Row: 4, Attempt: 1, Calls: 2, Timestamp: t0.Add(3 * time.Second), DryRun: true},
	}
	for _, o := range outcomes {
		require.NoError(t, l.Append(o))
	}
	require.NoError(t, l.Close())

	got, err := os.ReadFile(path)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "ledger_lines", got)
}

func TestSecondProcessIsRejected(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	first, err := ledger.Open(path)
	require.NoError(t, err)

	_, err = ledger.Open(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrLocked))

	require.NoError(t, first.Close())
	second, err := ledger.Open(path)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestConcurrentAppendsDoNotInterleave(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := ledger.Open(path)
	require.NoError(t, err)

	const workers, perWorker = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				ref := fmt.Sprintf("/agents/people/%d", w*perWorker+i)
				assert.NoError(t, l.Append(ledger.Outcome{RunID: "r", Ref: ref, Kind: ledger.KindUpdated, Detail: strings.Repeat("x", 512)}))
			}
		}(w)
	}
	wg.Wait()
	require.NoError(t, l.Close())

	outcomes, err := ledger.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, outcomes, workers*perWorker)
}

func TestReadToleratesTornTail(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	content := `{"run_id":"r","record_ref":"/a/1","kind":"updated","attempt":1,"ts":"2026-03-14T09:26:53Z"}` + "\n" +
		`{"run_id":"r","record_ref":"/a/2","kind":"upd`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	outcomes, err := ledger.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "/a/1", outcomes[0].Ref)

	// Reopening isolates the torn line so the next append is readable.
	l, err := ledger.Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Append(ledger.Outcome{RunID: "r2", Ref: "/a/3", Kind: ledger.KindUpdated}))
	require.NoError(t, l.Close())

	outcomes, err = ledger.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, "/a/3", outcomes[1].Ref)
}

func TestReadFileMissing(t *testing.T) {
	t.Parallel()

	outcomes, err := ledger.ReadFile(filepath.Join(t.TempDir(), "nope.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, outcomes)
}

func TestHistory(t *testing.T) {
	t.Parallel()

	outcomes := []ledger.Outcome{
		{RunID: "1", Ref: "/a/1", Kind: ledger.KindUpdated},
		{RunID: "1", Ref: "/a/2", Kind: ledger.KindFailed, Reason: ledger.ReasonTimeout},
		{RunID: "1", Ref: "/a/3", Kind: ledger.KindAmbiguous, Reason: ledger.ReasonConflict},
		{RunID: "1", Ref: "/a/4", Kind: ledger.KindSkipped, Reason: ledger.ReasonDryRun, DryRun: true},
		{RunID: "2", Ref: "/a/2", Kind: ledger.KindFailed, Reason: ledger.ReasonTimeout},
		{RunID: "2", Ref: "/a/3", Kind: ledger.KindSkipped, Reason: ledger.ReasonOperatorResolved},
	}
	h := ledger.BuildHistory(outcomes)

	assert.Contains(t, h.Completed, "/a/1")
	assert.Contains(t, h.Completed, "/a/3")
	assert.NotContains(t, h.Completed, "/a/2")
	assert.NotContains(t, h.Completed, "/a/4", "dry-run outcomes never settle a ref")

	assert.Equal(t, 2, h.Attempts["/a/2"])
	assert.Equal(t, 1, h.Attempts["/a/3"], "operator resolution is not a processing attempt")
	assert.Equal(t, 2, h.ConsecutiveFailures["/a/2"])
	assert.Equal(t, 0, h.ConsecutiveFailures["/a/3"])
	assert.Equal(t, ledger.ReasonOperatorResolved, h.Last["/a/3"].Reason)
}

func TestLatestAndRuns(t *testing.T) {
	t.Parallel()

	outcomes := []ledger.Outcome{
		{RunID: "a", Ref: "/a/1", Kind: ledger.KindFailed, Timestamp: t0},
		{RunID: "a", Ref: "/a/2", Kind: ledger.KindUpdated, Timestamp: t0.Add(time.Second)},
		{RunID: "b", Ref: "/a/1", Kind: ledger.KindUpdated, Timestamp: t0.Add(time.Hour)},
	}

	all := ledger.Latest(outcomes, "")
	require.Len(t, all, 2)
	assert.Equal(t, "/a/2", all[0].Ref)
	assert.Equal(t, ledger.KindUpdated, all[1].Kind)

	runA := ledger.Latest(outcomes, "a")
	require.Len(t, runA, 2)
	assert.Equal(t, ledger.KindFailed, runA[0].Kind)

	runs := ledger.Runs(outcomes)
	require.Len(t, runs, 2)
	assert.Equal(t, "a", runs[0].ID)
	assert.Equal(t, 2, runs[0].Outcomes)
	assert.Equal(t, "b", ledger.LastRunID(outcomes))
}

func TestResolveAppendsOperatorOutcome(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := ledger.Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Resolve("op-1", "/a/9", "  merged by hand "))
	require.NoError(t, l.Close())

	completed, err := ledger.LoadCompletedRefs(path)
	require.NoError(t, err)
	assert.Contains(t, completed, "/a/9")

	outcomes, err := ledger.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "merged by hand", outcomes[0].Detail)
	assert.False(t, outcomes[0].Timestamp.IsZero())
}
