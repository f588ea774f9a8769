package app

import (
	"sort"

	"github.com/shpitdev/catalog-ark-enricher/internal/dataset"
	"github.com/shpitdev/catalog-ark-enricher/internal/ledger"
)

type admission int

const (
	admitPending admission = iota
	admitResumed
	admitQuarantined
)

// runPlan decides which dataset items a run dispatches, based on the ledger
// history of earlier runs.
type runPlan struct {
	history            ledger.History
	resume             bool
	includeQuarantined bool
	maxReprocess       int
}

func (p runPlan) admit(item dataset.WorkItem) admission {
	if p.resume {
		if _, done := p.history.Completed[item.Ref]; done {
			return admitResumed
		}
	}
	if !p.includeQuarantined && p.quarantined(item.Ref) {
		return admitQuarantined
	}
	return admitPending
}

func (p runPlan) quarantined(ref string) bool {
	if p.maxReprocess <= 0 {
		return false
	}
	return p.history.ConsecutiveFailures[ref] >= p.maxReprocess
}

// planCounts is the result of the planning pass over the dataset.
type planCounts struct {
	pending     int
	resumed     int
	quarantined []string
	stats       dataset.Stats
}

// limited returns how many items the run will dispatch.
func (c planCounts) limited(limit int) int {
	if limit > 0 && c.pending > limit {
		return limit
	}
	return c.pending
}

func (p runPlan) count(items func(fn func(dataset.WorkItem) error) (dataset.Stats, error)) (planCounts, error) {
	var c planCounts
	stats, err := items(func(item dataset.WorkItem) error {
		switch p.admit(item) {
		case admitResumed:
			c.resumed++
		case admitQuarantined:
			c.quarantined = append(c.quarantined, item.Ref)
		default:
			c.pending++
		}
		return nil
	})
	if err != nil {
		return planCounts{}, err
	}
	sort.Strings(c.quarantined)
	c.stats = stats
	return c, nil
}
