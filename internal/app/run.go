// Package app wires the dataset, catalog client, scheduler and ledger into
// enrichment runs and the operator commands built around them.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shpitdev/catalog-ark-enricher/internal/dataset"
	"github.com/shpitdev/catalog-ark-enricher/internal/ledger"
	"github.com/shpitdev/catalog-ark-enricher/internal/logging"
	"github.com/shpitdev/catalog-ark-enricher/internal/pipeline"
	"github.com/shpitdev/catalog-ark-enricher/internal/progress"
	"github.com/shpitdev/catalog-ark-enricher/internal/reconcile"
)

// OutcomeLedger is the append side of the ledger plus the file it lives in.
type OutcomeLedger interface {
	Append(o ledger.Outcome) error
	Path() string
}

// Deps are the collaborators of a run.
type Deps struct {
	Client     pipeline.RecordClient
	Reconciler reconcile.Reconciler
	Ledger     OutcomeLedger
	// Snapshots is optional.
	Snapshots pipeline.SnapshotSaver
	Logger    *slog.Logger
	Now       func() time.Time
}

// Options controls one run.
type Options struct {
	RunID       string
	DatasetPath string
	Dataset     dataset.Options

	Workers     int
	ItemTimeout time.Duration

	Resume             bool
	DryRun             bool
	Limit              int
	IncludeQuarantined bool
	MaxReprocess       int

	ProgressInterval time.Duration
	ProgressWindow   time.Duration
}

var errLimitReached = errors.New("limit reached")

// Run executes one enrichment run and returns its summary. The error is
// non-nil only for fatal conditions: an unreadable dataset or ledger, or a
// failed ledger append.
func Run(ctx context.Context, deps Deps, opts Options) (Summary, error) {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	logger = logger.With(logging.String(logging.FieldRunID, runID))

	summary := Summary{RunID: runID, DryRun: opts.DryRun, Started: now()}

	prior, err := ledger.ReadFile(deps.Ledger.Path())
	if err != nil {
		return summary, fmt.Errorf("read ledger: %w", err)
	}
	history := ledger.BuildHistory(prior)

	ds, err := dataset.Open(opts.DatasetPath, opts.Dataset)
	if err != nil {
		return summary, fmt.Errorf("open dataset: %w", err)
	}

	plan := runPlan{
		history:            history,
		resume:             opts.Resume,
		includeQuarantined: opts.IncludeQuarantined,
		maxReprocess:       opts.MaxReprocess,
	}
	counts, err := plan.count(func(fn func(dataset.WorkItem) error) (dataset.Stats, error) {
		return ds.Each(ctx, fn)
	})
	if err != nil {
		return summary, fmt.Errorf("plan run: %w", err)
	}
	for _, m := range counts.stats.Malformed {
		logger.Warn("dataset row excluded", logging.Args(
			logging.Int("row", m.Row),
			logging.String("field", m.Field),
			logging.String(logging.FieldReason, m.Msg),
		)...)
	}
	summary.Rows = counts.stats.Rows
	summary.Excluded = counts.stats.Excluded
	summary.Resumed = counts.resumed
	summary.Quarantined = counts.quarantined
	summary.Planned = counts.limited(opts.Limit)

	logger.Info("run start", logging.Args(
		logging.String("dataset", ds.Path()),
		logging.Int("rows", counts.stats.Rows),
		logging.Int("planned", summary.Planned),
		logging.Int("resumed", counts.resumed),
		logging.Int("quarantined", len(counts.quarantined)),
		logging.Int("excluded", counts.stats.ExcludedTotal()),
		logging.Int("workers", opts.Workers),
		logging.Bool("dry_run", opts.DryRun),
	)...)

	enricher := &pipeline.Enricher{
		Client:        deps.Client,
		Reconciler:    deps.Reconciler,
		Snapshots:     deps.Snapshots,
		DryRun:        opts.DryRun,
		RunID:         runID,
		PriorAttempts: func(ref string) int { return history.Attempts[ref] },
		Logger:        logging.NewComponentLogger(logger, "enricher"),
	}

	feed := func(ctx context.Context, yield func(dataset.WorkItem) error) error {
		sent := 0
		_, err := ds.Each(ctx, func(item dataset.WorkItem) error {
			if plan.admit(item) != admitPending {
				return nil
			}
			if opts.Limit > 0 && sent >= opts.Limit {
				return errLimitReached
			}
			sent++
			return yield(item)
		})
		if errors.Is(err, errLimitReached) {
			return nil
		}
		return err
	}

	watchCtx, stopWatch := context.WithCancel(context.WithoutCancel(ctx))
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		reporter := progress.Reporter{Path: deps.Ledger.Path(), Window: opts.ProgressWindow, Started: summary.Started, Now: now}
		reporter.Watch(watchCtx, opts.ProgressInterval, runID, summary.Planned, func(s progress.Snapshot, err error) {
			if err != nil {
				logger.Warn("progress unavailable", logging.Error(err))
				return
			}
			logProgress(logger, s)
		})
	}()

	t := newTally()
	sink := runSink{ledger: deps.Ledger, runID: runID, dryRun: opts.DryRun}
	res, runErr := pipeline.Run(ctx, feed, enricher, sink, pipeline.Options{
		Workers:     opts.Workers,
		ItemTimeout: opts.ItemTimeout,
		OnTimeout:   enricher.Timeout,
		OnOutcome:   t.observe,
	})
	stopWatch()
	<-watchDone

	summary.Dispatched = res.Dispatched
	summary.Recorded = res.Recorded
	summary.Stopped = res.Stopped
	summary.Finished = now()
	t.fill(&summary)

	attrs := []logging.Attr{
		logging.Int("dispatched", res.Dispatched),
		logging.Int("recorded", res.Recorded),
		logging.Bool("stopped", res.Stopped),
		logging.Duration("duration", summary.Duration()),
	}
	for _, k := range ledger.Kinds {
		attrs = append(attrs, logging.Int(string(k), summary.Counts[k]))
	}
	if runErr != nil {
		logger.Error("run aborted", logging.Args(append(attrs, logging.Error(runErr))...)...)
		return summary, runErr
	}
	logger.Info("run complete", logging.Args(attrs...)...)
	return summary, nil
}

func logProgress(logger *slog.Logger, s progress.Snapshot) {
	attrs := []logging.Attr{
		logging.Int("done", s.Done),
		logging.Int("total", s.Total),
		logging.Float64("per_minute", s.Rate),
		logging.Duration("elapsed", s.Elapsed),
	}
	if s.RemainingKnown {
		attrs = append(attrs, logging.Duration("remaining", s.Remaining))
	}
	for _, k := range ledger.Kinds {
		attrs = append(attrs, logging.Int(string(k), s.Counts[k]))
	}
	logger.Info("progress", logging.Args(attrs...)...)
}

// runSink stamps run-level fields on outcomes built outside the enricher
// (panics, scheduler timeouts) before appending them.
type runSink struct {
	ledger OutcomeLedger
	runID  string
	dryRun bool
}

func (s runSink) Append(o ledger.Outcome) error {
	if o.RunID == "" {
		o.RunID = s.runID
	}
	o.DryRun = s.dryRun
	return s.ledger.Append(o)
}
