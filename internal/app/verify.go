package app

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/shpitdev/catalog-ark-enricher/internal/ledger"
	"github.com/shpitdev/catalog-ark-enricher/internal/pipeline"
	"github.com/shpitdev/catalog-ark-enricher/internal/reconcile"
	"github.com/shpitdev/catalog-ark-enricher/internal/redact"
)

// VerifyTarget is a ref and the identifier it is expected to carry.
type VerifyTarget struct {
	Ref        string
	Identifier string
}

// VerifyResult is the live state of one target.
type VerifyResult struct {
	VerifyTarget
	Present bool
	Err     error
}

// VerifyTargets picks targets from ledger history. Explicit refs use the
// identifier of their latest outcome; unknown refs are returned separately.
// With no refs, sample picks that many random refs whose latest outcome is
// updated. A sample of zero or less returns every updated ref.
func VerifyTargets(outcomes []ledger.Outcome, refs []string, sample int, rng *rand.Rand) ([]VerifyTarget, []string) {
	history := ledger.BuildHistory(outcomes)
	if len(refs) > 0 {
		var (
			targets []VerifyTarget
			unknown []string
		)
		for _, ref := range refs {
			last, ok := history.Last[ref]
			if !ok || last.Identifier == "" {
				unknown = append(unknown, ref)
				continue
			}
			targets = append(targets, VerifyTarget{Ref: ref, Identifier: last.Identifier})
		}
		return targets, unknown
	}

	var updated []VerifyTarget
	for ref, last := range history.Last {
		if last.Kind == ledger.KindUpdated && last.Identifier != "" {
			updated = append(updated, VerifyTarget{Ref: ref, Identifier: last.Identifier})
		}
	}
	sort.Slice(updated, func(a, b int) bool { return updated[a].Ref < updated[b].Ref })
	if sample <= 0 || sample >= len(updated) {
		return updated, nil
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	rng.Shuffle(len(updated), func(i, j int) { updated[i], updated[j] = updated[j], updated[i] })
	picked := updated[:sample]
	sort.Slice(picked, func(a, b int) bool { return picked[a].Ref < picked[b].Ref })
	return picked, nil
}

// Verify re-fetches every target and reports whether its identifier is on
// the live record. Results keep the order of targets.
func Verify(ctx context.Context, client pipeline.RecordClient, rec reconcile.Reconciler, targets []VerifyTarget, workers int) []VerifyResult {
	if workers <= 0 {
		workers = 4
	}
	results := make([]VerifyResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, target := range targets {
		g.Go(func() error {
			results[i] = verifyOne(gctx, client, rec, target)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func verifyOne(ctx context.Context, client pipeline.RecordClient, rec reconcile.Reconciler, target VerifyTarget) VerifyResult {
	res := VerifyResult{VerifyTarget: target}
	record, err := client.Fetch(ctx, target.Ref)
	if err != nil {
		res.Err = fmt.Errorf("fetch %s: %s", target.Ref, redact.Truncate(err.Error(), 256))
		return res
	}
	res.Present = rec.Decide(record.Identifiers, target.Identifier).Kind == reconcile.NoOp
	return res
}
