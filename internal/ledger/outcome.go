package ledger

import "time"

// Kind is the outcome category.
type Kind string

const (
	KindSkipped   Kind = "skipped"
	KindUpdated   Kind = "updated"
	KindFailed    Kind = "failed"
	KindAmbiguous Kind = "ambiguous"
)

// Kinds lists every kind in report order.
var Kinds = []Kind{KindUpdated, KindSkipped, KindFailed, KindAmbiguous}

// Reason codes.
const (
	ReasonAlreadyPresent     = "already_present"
	ReasonDryRun             = "dry_run"
	ReasonOperatorResolved   = "operator_resolved"
	ReasonNotFound           = "not_found"
	ReasonTransientExhausted = "transient_exhausted"
	ReasonValidation         = "validation"
	ReasonTimeout            = "timeout"
	ReasonInternal           = "internal"
	ReasonConflict           = "conflict"
	ReasonSourceConflict     = "source_conflict"
)

// Outcome is one line of the ledger.
type Outcome struct {
	RunID      string    `json:"run_id"`
	Ref        string    `json:"record_ref"`
	Kind       Kind      `json:"kind"`
	Reason     string    `json:"reason,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Identifier string    `json:"identifier,omitempty"`
	Name       string    `json:"name,omitempty"`
	Row        int       `json:"row,omitempty"`
	// Attempt counts how many times this ref has been processed across runs.
	Attempt int `json:"attempt"`
	// Calls is the number of remote calls made for this outcome, retries included.
	Calls       int       `json:"calls,omitempty"`
	LockVersion int       `json:"lock_version,omitempty"`
	Timestamp   time.Time `json:"ts"`
	DryRun      bool      `json:"dry_run,omitempty"`
}

// Terminal reports whether the outcome settles the ref for future runs.
func (o Outcome) Terminal() bool {
	if o.DryRun {
		return false
	}
	return o.Kind == KindUpdated || o.Kind == KindSkipped
}

// NeedsTriage reports whether an operator should look at the outcome.
func (o Outcome) NeedsTriage() bool {
	return o.Kind == KindFailed || o.Kind == KindAmbiguous
}
