// Package pipeline fans work items out to a fixed pool of workers and records
// exactly one ledger outcome per dispatched item.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shpitdev/catalog-ark-enricher/internal/dataset"
	"github.com/shpitdev/catalog-ark-enricher/internal/ledger"
	"github.com/shpitdev/catalog-ark-enricher/internal/redact"
)

// Processor turns one work item into one outcome. It must honour ctx.
type Processor interface {
	Process(ctx context.Context, item dataset.WorkItem) ledger.Outcome
}

// ProcessFunc adapts a function to the Processor interface.
type ProcessFunc func(ctx context.Context, item dataset.WorkItem) ledger.Outcome

func (f ProcessFunc) Process(ctx context.Context, item dataset.WorkItem) ledger.Outcome {
	return f(ctx, item)
}

// Sink persists outcomes. An error is fatal to the run.
type Sink interface {
	Append(o ledger.Outcome) error
}

// Feed streams items to yield until the source is exhausted, ctx is done or
// yield returns an error.
type Feed func(ctx context.Context, yield func(dataset.WorkItem) error) error

// Options configures Run.
type Options struct {
	Workers int
	// ItemTimeout bounds one item end to end, retries included.
	ItemTimeout time.Duration
	// OnTimeout builds the outcome for an item whose processor overran
	// ItemTimeout. Defaults to a bare Failed(timeout).
	OnTimeout func(item dataset.WorkItem, err error) ledger.Outcome
	// OnOutcome observes every outcome after it has been recorded.
	OnOutcome func(o ledger.Outcome)
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.ItemTimeout <= 0 {
		o.ItemTimeout = 2 * time.Minute
	}
	if o.OnTimeout == nil {
		o.OnTimeout = func(item dataset.WorkItem, err error) ledger.Outcome {
			return ledger.Outcome{
				Ref:        item.Ref,
				Kind:       ledger.KindFailed,
				Reason:     ledger.ReasonTimeout,
				Detail:     redact.Truncate(err.Error(), 256),
				Identifier: item.Identifier,
				Name:       item.Name,
				Row:        item.Row,
			}
		}
	}
	return o
}

// Result describes how a run ended.
type Result struct {
	Dispatched int
	Recorded   int
	// Stopped is true when ctx was cancelled before the feed was exhausted.
	Stopped bool
}

var errStopped = errors.New("dispatch stopped")

// Run dispatches items from feed to opts.Workers workers.
//
// Cancelling ctx stops dispatch only: items already handed to a worker run
// on a context detached from ctx and bounded by ItemTimeout, and their
// outcomes are still recorded. A feed or sink error aborts the run.
func Run(ctx context.Context, feed Feed, proc Processor, sink Sink, opts Options) (Result, error) {
	opts = opts.withDefaults()

	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	jobs := make(chan dataset.WorkItem)

	feedCtx, cancelFeed := context.WithCancel(ctx)
	defer cancelFeed()
	stopFeedOnFailure := context.AfterFunc(gctx, cancelFeed)
	defer stopFeedOnFailure()

	var (
		dispatched atomic.Int64
		recorded   atomic.Int64
		stopped    atomic.Bool
	)

	g.Go(func() error {
		defer close(jobs)
		err := feed(feedCtx, func(item dataset.WorkItem) error {
			// select picks at random among ready cases, so a stop must win
			// before an idle worker can take the item.
			if feedCtx.Err() != nil {
				return errStopped
			}
			select {
			case jobs <- item:
				dispatched.Add(1)
				return nil
			case <-feedCtx.Done():
				return errStopped
			}
		})
		switch {
		case err == nil:
			return nil
		case gctx.Err() != nil:
			// A worker failed; its error is the one reported.
			return nil
		case ctx.Err() != nil:
			stopped.Store(true)
			return nil
		case errors.Is(err, errStopped):
			return nil
		default:
			return fmt.Errorf("load work items: %w", err)
		}
	})

	for i := 0; i < opts.Workers; i++ {
		g.Go(func() error {
			for item := range jobs {
				out := runItem(ctx, item, proc, opts)
				if err := sink.Append(out); err != nil {
					return fmt.Errorf("record outcome for %s: %w", item.Ref, err)
				}
				recorded.Add(1)
				if opts.OnOutcome != nil {
					opts.OnOutcome(out)
				}
			}
			return nil
		})
	}

	err := g.Wait()
	return Result{
		Dispatched: int(dispatched.Load()),
		Recorded:   int(recorded.Load()),
		Stopped:    stopped.Load(),
	}, err
}

// runItem processes item under its own deadline. A processor that overruns
// the deadline is abandoned and the item is recorded as timed out.
func runItem(parent context.Context, item dataset.WorkItem, proc Processor, opts Options) ledger.Outcome {
	itemCtx, cancel := context.WithTimeout(context.WithoutCancel(parent), opts.ItemTimeout)
	defer cancel()

	done := make(chan ledger.Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- ledger.Outcome{
					Ref:        item.Ref,
					Kind:       ledger.KindFailed,
					Reason:     ledger.ReasonInternal,
					Detail:     redact.Truncate(fmt.Sprintf("panic: %v", r), 256),
					Identifier: item.Identifier,
					Name:       item.Name,
					Row:        item.Row,
				}
			}
		}()
		done <- proc.Process(itemCtx, item)
	}()

	var out ledger.Outcome
	select {
	case out = <-done:
	case <-itemCtx.Done():
		select {
		case out = <-done:
		default:
			out = opts.OnTimeout(item, itemCtx.Err())
		}
	}
	if out.Ref == "" {
		out.Ref = item.Ref
	}
	return out
}
