package catalog

import (
	"encoding/json"
	"fmt"
)

const (
	// IdentifiersKey is the record field holding the identifier collection.
	IdentifiersKey = "agent_record_identifiers"

	identifierModelType = "agent_record_identifier"
)

// Record is a catalog record narrowed to the identifier collection. Every
// other field is kept as raw JSON and written back unchanged.
type Record struct {
	Identifiers []IdentifierEntry

	fields         map[string]json.RawMessage
	hadIdentifiers bool
}

// LockVersion returns the optimistic-locking counter, or -1 when absent.
func (r *Record) LockVersion() int {
	if r == nil {
		return -1
	}
	raw, ok := r.fields["lock_version"]
	if !ok {
		return -1
	}
	var v int
	if err := json.Unmarshal(raw, &v); err != nil {
		return -1
	}
	return v
}

// Field returns a passthrough field as raw JSON.
func (r *Record) Field(key string) (json.RawMessage, bool) {
	if r == nil {
		return nil, false
	}
	v, ok := r.fields[key]
	return v, ok
}

func (r *Record) UnmarshalJSON(b []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	if fields == nil {
		return fmt.Errorf("record: expected JSON object")
	}
	r.Identifiers = nil
	r.hadIdentifiers = false
	if raw, ok := fields[IdentifiersKey]; ok {
		r.hadIdentifiers = true
		if err := json.Unmarshal(raw, &r.Identifiers); err != nil {
			return fmt.Errorf("record: decode %s: %w", IdentifiersKey, err)
		}
		delete(fields, IdentifiersKey)
	}
	r.fields = fields
	return nil
}

func (r Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(r.fields)+1)
	for k, v := range r.fields {
		out[k] = v
	}
	if r.hadIdentifiers || len(r.Identifiers) > 0 {
		ids := r.Identifiers
		if ids == nil {
			ids = []IdentifierEntry{}
		}
		raw, err := json.Marshal(ids)
		if err != nil {
			return nil, err
		}
		out[IdentifiersKey] = raw
	}
	return json.Marshal(out)
}

// IdentifierEntry is one element of the identifier collection. Keys other
// than value, source and primary flag are preserved.
type IdentifierEntry struct {
	Value   string
	Source  string
	Primary bool

	extra map[string]json.RawMessage
}

// NewIdentifierEntry builds a non-primary entry ready to append.
func NewIdentifierEntry(value, source string) IdentifierEntry {
	return IdentifierEntry{Value: value, Source: source}
}

func (e *IdentifierEntry) UnmarshalJSON(b []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	*e = IdentifierEntry{}
	if raw, ok := fields["record_identifier"]; ok {
		if err := json.Unmarshal(raw, &e.Value); err != nil {
			return fmt.Errorf("identifier entry: record_identifier: %w", err)
		}
		delete(fields, "record_identifier")
	}
	if raw, ok := fields["source"]; ok {
		if err := json.Unmarshal(raw, &e.Source); err != nil {
			return fmt.Errorf("identifier entry: source: %w", err)
		}
		delete(fields, "source")
	}
	if raw, ok := fields["primary_identifier"]; ok {
		if err := json.Unmarshal(raw, &e.Primary); err != nil {
			return fmt.Errorf("identifier entry: primary_identifier: %w", err)
		}
		delete(fields, "primary_identifier")
	}
	if len(fields) > 0 {
		e.extra = fields
	}
	return nil
}

func (e IdentifierEntry) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.extra)+4)
	for k, v := range e.extra {
		out[k] = v
	}
	out["record_identifier"] = e.Value
	out["source"] = e.Source
	out["primary_identifier"] = e.Primary
	if _, ok := out["jsonmodel_type"]; !ok {
		out["jsonmodel_type"] = identifierModelType
	}
	return json.Marshal(out)
}
