// Package reconcile decides whether a record needs the desired identifier
// appended. It performs no I/O.
package reconcile

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/shpitdev/catalog-ark-enricher/internal/catalog"
)

// DefaultSourceTag is the source recorded on appended entries.
const DefaultSourceTag = "snac"

// Kind is the decision for one record.
type Kind int

const (
	NoOp Kind = iota
	Append
	Conflict
)

func (k Kind) String() string {
	switch k {
	case NoOp:
		return "noop"
	case Append:
		return "append"
	case Conflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Mutation is the computed delta for one record.
type Mutation struct {
	Kind Kind
	// Entry is the entry to append when Kind is Append.
	Entry catalog.IdentifierEntry
	// Existing is the matching entry for NoOp, or the clashing entry for Conflict.
	Existing *catalog.IdentifierEntry
}

// Reconciler holds the decision parameters.
type Reconciler struct {
	SourceTag string
	// ExclusiveSource treats an entry with SourceTag but a different value as a
	// conflict instead of appending a second identifier from the same source.
	ExclusiveSource bool
}

// Normalize returns the comparison key for an identifier value.
func Normalize(v string) string {
	// A Caser is stateful and must not be shared between workers.
	return cases.Fold().String(norm.NFC.String(strings.TrimSpace(v)))
}

// Decide scans identifiers for desired. Any source counts as a match.
func (r Reconciler) Decide(identifiers []catalog.IdentifierEntry, desired string) Mutation {
	want := Normalize(desired)
	for i := range identifiers {
		if Normalize(identifiers[i].Value) == want {
			existing := identifiers[i]
			return Mutation{Kind: NoOp, Existing: &existing}
		}
	}

	tag := r.sourceTag()
	if r.ExclusiveSource {
		for i := range identifiers {
			if strings.EqualFold(strings.TrimSpace(identifiers[i].Source), tag) {
				existing := identifiers[i]
				return Mutation{Kind: Conflict, Existing: &existing}
			}
		}
	}
	return Mutation{
		Kind:  Append,
		Entry: catalog.NewIdentifierEntry(strings.TrimSpace(desired), tag),
	}
}

// Apply appends the mutation's entry to rec. Existing entries are never
// reordered, removed or changed.
func Apply(rec *catalog.Record, m Mutation) {
	if rec == nil || m.Kind != Append {
		return
	}
	rec.Identifiers = append(rec.Identifiers, m.Entry)
}

func (r Reconciler) sourceTag() string {
	if tag := strings.TrimSpace(r.SourceTag); tag != "" {
		return tag
	}
	return DefaultSourceTag
}
