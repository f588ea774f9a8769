package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/shpitdev/catalog-ark-enricher/internal/app"
	"github.com/shpitdev/catalog-ark-enricher/internal/ledger"
	"github.com/shpitdev/catalog-ark-enricher/internal/progress"
	"github.com/shpitdev/catalog-ark-enricher/internal/redact"
)

const detailWidth = 96

func printSummary(w io.Writer, s app.Summary) {
	mode := "live"
	if s.DryRun {
		mode = "dry-run"
	}
	fmt.Fprintf(w, "Run %s (%s) finished in %s\n", s.RunID, mode, s.Duration().Round(time.Millisecond))
	if s.Stopped {
		fmt.Fprintln(w, "Run was interrupted; pending records were not dispatched.")
	}

	rows := [][]string{
		{"rows read", strconv.Itoa(s.Rows)},
		{"planned", strconv.Itoa(s.Planned)},
		{"dispatched", strconv.Itoa(s.Dispatched)},
		{"resumed (already done)", strconv.Itoa(s.Resumed)},
		{"quarantined", strconv.Itoa(len(s.Quarantined))},
	}
	for _, reason := range sortedKeys(s.Excluded) {
		rows = append(rows, []string{"excluded: " + reason, strconv.Itoa(s.Excluded[reason])})
	}
	for _, k := range ledger.Kinds {
		rows = append(rows, []string{string(k), strconv.Itoa(s.Counts[k])})
	}
	for _, reason := range sortedKeys(s.Reasons) {
		rows = append(rows, []string{"  " + reason, strconv.Itoa(s.Reasons[reason])})
	}
	fmt.Fprintln(w, renderTable([]string{"Metric", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))

	if len(s.Triage) > 0 {
		fmt.Fprintf(w, "\nNeeds triage (%d):\n", len(s.Triage))
		fmt.Fprintln(w, renderOutcomes(s.Triage))
	}
	if len(s.Quarantined) > 0 {
		fmt.Fprintf(w, "\nQuarantined, not dispatched (%d); rerun with --include-quarantined or resolve:\n", len(s.Quarantined))
		for _, ref := range s.Quarantined {
			fmt.Fprintf(w, "  %s\n", ref)
		}
	}
}

func renderOutcomes(outcomes []ledger.Outcome) string {
	rows := make([][]string, 0, len(outcomes))
	for _, o := range outcomes {
		rows = append(rows, []string{o.Ref, string(o.Kind), o.Reason, redact.Truncate(o.Detail, detailWidth)})
	}
	return renderTable([]string{"Ref", "Kind", "Reason", "Detail"}, rows, nil)
}

func renderTriage(items []app.TriageItem) string {
	rows := make([][]string, 0, len(items))
	for _, it := range items {
		rows = append(rows, []string{
			it.Ref,
			string(it.Kind),
			it.Reason,
			strconv.Itoa(it.ConsecutiveFailures),
			yesNo(it.Quarantined),
			redact.Truncate(it.Detail, detailWidth),
		})
	}
	return renderTable(
		[]string{"Ref", "Kind", "Reason", "Failures", "Quarantined", "Detail"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
	)
}

func renderProgress(s progress.Snapshot) string {
	rows := [][]string{
		{"run", s.RunID},
		{"done", progressDone(s)},
	}
	for _, k := range ledger.Kinds {
		rows = append(rows, []string{string(k), strconv.Itoa(s.Counts[k])})
	}
	rows = append(rows,
		[]string{"rate", fmt.Sprintf("%.1f/min", s.Rate)},
		[]string{"elapsed", s.Elapsed.Round(time.Second).String()},
	)
	if s.RemainingKnown {
		rows = append(rows, []string{"remaining", s.Remaining.Round(time.Second).String()})
	}
	if !s.LastUpdate.IsZero() {
		rows = append(rows, []string{"last update", s.LastUpdate.Local().Format(time.DateTime)})
	}
	return renderTable([]string{"Field", "Value"}, rows, []columnAlignment{alignLeft, alignRight})
}

func progressDone(s progress.Snapshot) string {
	if s.Total > 0 {
		return fmt.Sprintf("%d/%d", s.Done, s.Total)
	}
	return strconv.Itoa(s.Done)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k, v := range m {
		if v > 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
