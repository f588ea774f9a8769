package app

import (
	"sort"
	"sync"
	"time"

	"github.com/shpitdev/catalog-ark-enricher/internal/ledger"
)

// Exit codes returned by the CLI.
const (
	ExitOK     = 0
	ExitFailed = 1
	ExitUsage  = 2
)

// Summary is the end-of-run report.
type Summary struct {
	RunID    string
	DryRun   bool
	Started  time.Time
	Finished time.Time

	// Rows is the number of data rows read from the dataset.
	Rows int
	// Planned is the number of items the run intended to dispatch.
	Planned    int
	Dispatched int
	Recorded   int
	Stopped    bool

	Counts  map[ledger.Kind]int
	Reasons map[string]int

	Excluded    map[string]int
	Resumed     int
	Quarantined []string

	// Triage lists this run's failed and ambiguous outcomes in record order.
	Triage []ledger.Outcome
}

// Failed returns the number of failed outcomes.
func (s Summary) Failed() int { return s.Counts[ledger.KindFailed] }

// ExitCode maps the summary to a process exit code. Only a complete run with
// no failed outcome is a success.
func (s Summary) ExitCode() int {
	if s.Failed() > 0 || s.Stopped {
		return ExitFailed
	}
	return ExitOK
}

// Duration is the wall-clock time of the run.
func (s Summary) Duration() time.Duration {
	if s.Finished.IsZero() {
		return 0
	}
	return s.Finished.Sub(s.Started)
}

// tally accumulates outcomes reported concurrently by workers.
type tally struct {
	mu      sync.Mutex
	counts  map[ledger.Kind]int
	reasons map[string]int
	triage  []ledger.Outcome
}

func newTally() *tally {
	return &tally{
		counts:  make(map[ledger.Kind]int),
		reasons: make(map[string]int),
	}
}

func (t *tally) observe(o ledger.Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[o.Kind]++
	if o.Reason != "" {
		t.reasons[o.Reason]++
	}
	if o.NeedsTriage() {
		t.triage = append(t.triage, o)
	}
}

func (t *tally) fill(s *Summary) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s.Counts = make(map[ledger.Kind]int, len(ledger.Kinds))
	for _, k := range ledger.Kinds {
		s.Counts[k] = t.counts[k]
	}
	s.Reasons = make(map[string]int, len(t.reasons))
	for k, v := range t.reasons {
		s.Reasons[k] = v
	}
	s.Triage = append([]ledger.Outcome(nil), t.triage...)
	sort.SliceStable(s.Triage, func(a, b int) bool { return s.Triage[a].Row < s.Triage[b].Row })
}
