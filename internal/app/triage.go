package app

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/shpitdev/catalog-ark-enricher/internal/ledger"
)

// TriageItem is a ref waiting for operator attention.
type TriageItem struct {
	ledger.Outcome
	ConsecutiveFailures int
	Quarantined         bool
}

// Triage lists failed and ambiguous refs. With a runID it reports the latest
// outcome per ref within that run. Without one it reports every ref whose
// most recent outcome across all runs still needs attention.
func Triage(outcomes []ledger.Outcome, runID string, maxReprocess int) []TriageItem {
	history := ledger.BuildHistory(outcomes)
	var latest []ledger.Outcome
	if runID != "" {
		latest = ledger.Latest(outcomes, runID)
	} else {
		for _, o := range history.Last {
			latest = append(latest, o)
		}
		sort.Slice(latest, func(a, b int) bool { return latest[a].Timestamp.Before(latest[b].Timestamp) })
	}

	var items []TriageItem
	for _, o := range latest {
		if !o.NeedsTriage() {
			continue
		}
		n := history.ConsecutiveFailures[o.Ref]
		items = append(items, TriageItem{
			Outcome:             o,
			ConsecutiveFailures: n,
			Quarantined:         maxReprocess > 0 && n >= maxReprocess,
		})
	}
	return items
}

// Resolve records an operator resolution for each ref. Refs absent from the
// ledger are rejected before anything is written. It returns the resolution
// run ID.
func Resolve(l *ledger.Ledger, outcomes []ledger.Outcome, refs []string, note string) (string, error) {
	history := ledger.BuildHistory(outcomes)
	var unknown []string
	for _, ref := range refs {
		if _, ok := history.Last[ref]; !ok {
			unknown = append(unknown, ref)
		}
	}
	if len(unknown) > 0 {
		return "", fmt.Errorf("refs not found in ledger: %s", strings.Join(unknown, ", "))
	}
	runID := uuid.NewString()
	for _, ref := range refs {
		if err := l.Resolve(runID, ref, note); err != nil {
			return runID, err
		}
	}
	return runID, nil
}
