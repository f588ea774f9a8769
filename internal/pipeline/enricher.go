package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shpitdev/catalog-ark-enricher/internal/catalog"
	"github.com/shpitdev/catalog-ark-enricher/internal/dataset"
	"github.com/shpitdev/catalog-ark-enricher/internal/ledger"
	"github.com/shpitdev/catalog-ark-enricher/internal/logging"
	"github.com/shpitdev/catalog-ark-enricher/internal/reconcile"
	"github.com/shpitdev/catalog-ark-enricher/internal/redact"
	"github.com/shpitdev/catalog-ark-enricher/internal/retry"
	"github.com/shpitdev/catalog-ark-enricher/internal/snapshot"
)

const detailMax = 512

// RecordClient is the subset of the catalog client used by Enricher.
type RecordClient interface {
	Fetch(ctx context.Context, ref string) (*catalog.Record, error)
	Update(ctx context.Context, ref string, rec *catalog.Record) (catalog.UpdateResult, error)
}

// SnapshotSaver stores a record image before it is overwritten.
type SnapshotSaver interface {
	Save(ctx context.Context, snap snapshot.Snapshot) error
}

// Enricher is the per-item unit of work: fetch, reconcile, update.
type Enricher struct {
	Client     RecordClient
	Reconciler reconcile.Reconciler
	// Snapshots is optional.
	Snapshots SnapshotSaver
	// DryRun stops after reconciliation.
	DryRun bool
	RunID  string
	// PriorAttempts returns how often ref was processed by earlier runs.
	PriorAttempts func(ref string) int
	Logger        *slog.Logger
}

// Process implements Processor.
func (e *Enricher) Process(ctx context.Context, item dataset.WorkItem) ledger.Outcome {
	ctx, tally := retry.WithTally(ctx)
	out := e.process(ctx, item)
	out.RunID = e.RunID
	out.Ref = item.Ref
	out.Identifier = item.Identifier
	out.Name = item.Name
	out.Row = item.Row
	out.Attempt = e.attempt(item.Ref)
	out.Calls = tally.Attempts()
	out.DryRun = e.DryRun

	e.logger().Info("outcome recorded", logging.Args(
		logging.String(logging.FieldRecordRef, out.Ref),
		logging.String(logging.FieldOutcome, string(out.Kind)),
		logging.String(logging.FieldReason, out.Reason),
		logging.Int(logging.FieldAttempt, out.Attempt),
		logging.Int("calls", out.Calls),
	)...)
	return out
}

// Timeout builds the outcome for an item abandoned by the scheduler.
func (e *Enricher) Timeout(item dataset.WorkItem, err error) ledger.Outcome {
	return ledger.Outcome{
		RunID:      e.RunID,
		Ref:        item.Ref,
		Kind:       ledger.KindFailed,
		Reason:     ledger.ReasonTimeout,
		Detail:     redact.Truncate(err.Error(), detailMax),
		Identifier: item.Identifier,
		Name:       item.Name,
		Row:        item.Row,
		Attempt:    e.attempt(item.Ref),
		DryRun:     e.DryRun,
	}
}

func (e *Enricher) process(ctx context.Context, item dataset.WorkItem) ledger.Outcome {
	rec, err := e.Client.Fetch(ctx, item.Ref)
	if err != nil {
		return failure(ctx, "fetch", err)
	}

	m := e.Reconciler.Decide(rec.Identifiers, item.Identifier)
	switch m.Kind {
	case reconcile.NoOp:
		return ledger.Outcome{Kind: ledger.KindSkipped, Reason: ledger.ReasonAlreadyPresent, LockVersion: rec.LockVersion()}
	case reconcile.Conflict:
		detail := "record already carries a different identifier from this source"
		if m.Existing != nil {
			detail = fmt.Sprintf("existing %s identifier %q", m.Existing.Source, m.Existing.Value)
		}
		return ledger.Outcome{Kind: ledger.KindAmbiguous, Reason: ledger.ReasonSourceConflict, Detail: redact.Truncate(detail, detailMax), LockVersion: rec.LockVersion()}
	}

	if e.DryRun {
		return ledger.Outcome{Kind: ledger.KindSkipped, Reason: ledger.ReasonDryRun, LockVersion: rec.LockVersion()}
	}

	if e.Snapshots != nil {
		body, err := json.Marshal(rec)
		if err != nil {
			return internal(fmt.Errorf("encode snapshot: %w", err))
		}
		if err := e.Snapshots.Save(ctx, snapshot.Snapshot{
			Ref:         item.Ref,
			RunID:       e.RunID,
			LockVersion: rec.LockVersion(),
			Body:        body,
		}); err != nil {
			return internal(fmt.Errorf("save snapshot: %w", err))
		}
	}

	reconcile.Apply(rec, m)
	res, err := e.Client.Update(ctx, item.Ref, rec)
	if err != nil {
		var conflict *catalog.ConflictError
		if errors.As(err, &conflict) {
			if out, ok := e.recheck(ctx, item); ok {
				return out
			}
		}
		return failure(ctx, "update", err)
	}
	return ledger.Outcome{Kind: ledger.KindUpdated, LockVersion: res.LockVersion}
}

// recheck re-reads a record after a conflicting write. A retried POST whose
// first attempt committed sees 409 for its stale lock_version; when the
// identifier is already on the record the write is counted as done.
func (e *Enricher) recheck(ctx context.Context, item dataset.WorkItem) (ledger.Outcome, bool) {
	rec, err := e.Client.Fetch(ctx, item.Ref)
	if err != nil {
		return ledger.Outcome{}, false
	}
	if e.Reconciler.Decide(rec.Identifiers, item.Identifier).Kind != reconcile.NoOp {
		return ledger.Outcome{}, false
	}
	e.logger().Info("conflict resolved on re-read", logging.Args(
		logging.String(logging.FieldRecordRef, item.Ref),
		logging.Int("lock_version", rec.LockVersion()),
	)...)
	return ledger.Outcome{Kind: ledger.KindUpdated, LockVersion: rec.LockVersion()}, true
}

// failure maps a client error onto an outcome. The item deadline takes
// precedence over whatever error the client surfaced.
func failure(ctx context.Context, op string, err error) ledger.Outcome {
	detail := redact.Truncate(op+": "+err.Error(), detailMax)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ledger.Outcome{Kind: ledger.KindFailed, Reason: ledger.ReasonTimeout, Detail: detail}
	}

	var (
		notFound   *catalog.NotFoundError
		conflict   *catalog.ConflictError
		validation *catalog.ValidationError
		exhausted  *retry.ExhaustedError
	)
	switch {
	case errors.As(err, &notFound):
		return ledger.Outcome{Kind: ledger.KindFailed, Reason: ledger.ReasonNotFound, Detail: detail}
	case errors.As(err, &conflict):
		return ledger.Outcome{Kind: ledger.KindAmbiguous, Reason: ledger.ReasonConflict, Detail: detail}
	case errors.As(err, &validation):
		return ledger.Outcome{Kind: ledger.KindFailed, Reason: ledger.ReasonValidation, Detail: detail}
	case errors.As(err, &exhausted), catalog.IsTransient(err):
		return ledger.Outcome{Kind: ledger.KindFailed, Reason: ledger.ReasonTransientExhausted, Detail: detail}
	case errors.Is(err, context.DeadlineExceeded):
		return ledger.Outcome{Kind: ledger.KindFailed, Reason: ledger.ReasonTimeout, Detail: detail}
	default:
		return ledger.Outcome{Kind: ledger.KindFailed, Reason: ledger.ReasonInternal, Detail: detail}
	}
}

func internal(err error) ledger.Outcome {
	return ledger.Outcome{Kind: ledger.KindFailed, Reason: ledger.ReasonInternal, Detail: redact.Truncate(err.Error(), detailMax)}
}

func (e *Enricher) attempt(ref string) int {
	if e.PriorAttempts == nil {
		return 1
	}
	return e.PriorAttempts(ref) + 1
}

func (e *Enricher) logger() *slog.Logger {
	if e.Logger == nil {
		return logging.NewNop()
	}
	return e.Logger
}
