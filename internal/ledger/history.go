package ledger

import (
	"sort"
	"time"
)

// History is the per-ref view of every run recorded in a ledger.
type History struct {
	// Completed holds refs with a terminal outcome from any run.
	Completed map[string]struct{}
	// Attempts counts non-dry-run processing outcomes per ref.
	Attempts map[string]int
	// ConsecutiveFailures counts failed or ambiguous outcomes since the last
	// terminal one.
	ConsecutiveFailures map[string]int
	// Last is the most recent non-dry-run outcome per ref.
	Last map[string]Outcome
}

// BuildHistory folds outcomes in ledger order. Dry-run outcomes are ignored.
func BuildHistory(outcomes []Outcome) History {
	h := History{
		Completed:           make(map[string]struct{}),
		Attempts:            make(map[string]int),
		ConsecutiveFailures: make(map[string]int),
		Last:                make(map[string]Outcome),
	}
	for _, o := range outcomes {
		if o.DryRun {
			continue
		}
		h.Last[o.Ref] = o
		if o.Reason != ReasonOperatorResolved {
			h.Attempts[o.Ref]++
		}
		if o.Terminal() {
			h.Completed[o.Ref] = struct{}{}
			h.ConsecutiveFailures[o.Ref] = 0
			continue
		}
		h.ConsecutiveFailures[o.Ref]++
	}
	return h
}

// LoadCompletedRefs returns every ref with a terminal outcome in the ledger at path.
func LoadCompletedRefs(path string) (map[string]struct{}, error) {
	outcomes, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return BuildHistory(outcomes).Completed, nil
}

// Latest returns the last outcome per ref, restricted to runID when it is
// not empty. Results keep the order in which each ref's latest outcome was
// appended.
func Latest(outcomes []Outcome, runID string) []Outcome {
	last := make(map[string]int)
	for i, o := range outcomes {
		if runID != "" && o.RunID != runID {
			continue
		}
		last[o.Ref] = i
	}
	out := make([]Outcome, 0, len(last))
	for i, o := range outcomes {
		if j, ok := last[o.Ref]; ok && j == i {
			out = append(out, o)
		}
	}
	return out
}

// Run summarizes one run found in a ledger.
type Run struct {
	ID       string
	Started  time.Time
	Finished time.Time
	Outcomes int
	DryRun   bool
}

// Runs lists runs ordered by start time.
func Runs(outcomes []Outcome) []Run {
	idx := make(map[string]int)
	var runs []Run
	for _, o := range outcomes {
		i, ok := idx[o.RunID]
		if !ok {
			i = len(runs)
			idx[o.RunID] = i
			runs = append(runs, Run{ID: o.RunID, Started: o.Timestamp, DryRun: o.DryRun})
		}
		r := &runs[i]
		r.Outcomes++
		if o.Timestamp.Before(r.Started) {
			r.Started = o.Timestamp
		}
		if o.Timestamp.After(r.Finished) {
			r.Finished = o.Timestamp
		}
		r.DryRun = r.DryRun && o.DryRun
	}
	sort.SliceStable(runs, func(a, b int) bool { return runs[a].Started.Before(runs[b].Started) })
	return runs
}

// LastRunID returns the most recently started run, or "" for an empty ledger.
func LastRunID(outcomes []Outcome) string {
	runs := Runs(outcomes)
	if len(runs) == 0 {
		return ""
	}
	return runs[len(runs)-1].ID
}
