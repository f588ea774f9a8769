// Package progress derives run counters from the ledger file. It never
// locks the ledger, so figures may trail the writer by one append.
package progress

import (
	"context"
	"time"

	"github.com/shpitdev/catalog-ark-enricher/internal/ledger"
)

// DefaultWindow is the trailing window used for the completion rate.
const DefaultWindow = 5 * time.Minute

// minRateSpan keeps the first few outcomes from producing a runaway rate.
const minRateSpan = 30 * time.Second

// Snapshot is a point-in-time view of one run.
type Snapshot struct {
	RunID  string
	Counts map[ledger.Kind]int
	// Done is the number of distinct refs with an outcome in the run.
	Done  int
	Total int
	// Rate is items per minute over the trailing window.
	Rate      float64
	Elapsed   time.Duration
	Remaining time.Duration
	// RemainingKnown is false when no rate or total is available.
	RemainingKnown bool
	Started        time.Time
	LastUpdate     time.Time
}

// Summarize computes a snapshot for runID. total is the expected number of
// items, zero when unknown.
func Summarize(outcomes []ledger.Outcome, runID string, total int, window time.Duration, now time.Time) Snapshot {
	return summarize(outcomes, runID, total, window, now, time.Time{})
}

// summarize measures elapsed time from started when it precedes the first
// outcome of the run.
func summarize(outcomes []ledger.Outcome, runID string, total int, window time.Duration, now, started time.Time) Snapshot {
	if window <= 0 {
		window = DefaultWindow
	}
	s := Snapshot{RunID: runID, Total: total, Counts: make(map[ledger.Kind]int, len(ledger.Kinds))}
	for _, k := range ledger.Kinds {
		s.Counts[k] = 0
	}

	latest := ledger.Latest(outcomes, runID)
	inWindow := 0
	for _, o := range latest {
		s.Counts[o.Kind]++
		if s.Started.IsZero() || o.Timestamp.Before(s.Started) {
			s.Started = o.Timestamp
		}
		if o.Timestamp.After(s.LastUpdate) {
			s.LastUpdate = o.Timestamp
		}
		if !o.Timestamp.Before(now.Add(-window)) {
			inWindow++
		}
	}
	s.Done = len(latest)
	if s.Done == 0 {
		return s
	}
	if !started.IsZero() && started.Before(s.Started) {
		s.Started = started
	}

	s.Elapsed = now.Sub(s.Started)
	if s.Elapsed < 0 {
		s.Elapsed = 0
	}
	span := window
	if s.Elapsed < span {
		span = s.Elapsed
	}
	if span < minRateSpan {
		span = minRateSpan
	}
	s.Rate = float64(inWindow) / span.Minutes()
	if total > 0 && s.Rate > 0 {
		left := total - s.Done
		if left < 0 {
			left = 0
		}
		s.Remaining = time.Duration(float64(left) / s.Rate * float64(time.Minute))
		s.RemainingKnown = true
	}
	return s
}

// Reporter reads a ledger file on demand.
type Reporter struct {
	Path   string
	Window time.Duration
	// Started is the run start, when known. Elapsed and rate are measured
	// from it instead of the first outcome.
	Started time.Time
	Now     func() time.Time
}

// Snapshot reads the ledger and summarizes runID. An empty runID selects the
// most recent run.
func (r Reporter) Snapshot(runID string, total int) (Snapshot, error) {
	outcomes, err := ledger.ReadFile(r.Path)
	if err != nil {
		return Snapshot{}, err
	}
	if runID == "" {
		runID = ledger.LastRunID(outcomes)
	}
	return summarize(outcomes, runID, total, r.Window, r.now(), r.Started), nil
}

// Watch calls fn with a fresh snapshot every interval until ctx is done.
// Read errors are passed to fn and do not stop the loop.
func (r Reporter) Watch(ctx context.Context, interval time.Duration, runID string, total int, fn func(Snapshot, error)) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn(r.Snapshot(runID, total))
		}
	}
}

func (r Reporter) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}
