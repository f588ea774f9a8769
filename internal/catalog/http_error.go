package catalog

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/shpitdev/catalog-ark-enricher/internal/redact"
)

// snippetMax bounds how much of a response body ends up in errors and the ledger.
const snippetMax = 256

// HTTPError is a sanitized summary of a non-2xx catalog API response.
//
// Raw bodies are never kept: they can carry session tokens or personal data.
type HTTPError struct {
	Op         string
	StatusCode int
	Status     string
	// Message is the service's "error" field, flattened and redacted.
	Message string
	// Snippet is a redacted, truncated hint for responses without an error envelope.
	Snippet string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "catalog http error"
	}
	parts := []string{
		fmt.Sprintf("catalog api error: op=%s status=%s", strings.TrimSpace(e.Op), strings.TrimSpace(e.Status)),
	}
	if strings.TrimSpace(e.Message) != "" {
		parts = append(parts, "error="+strings.TrimSpace(e.Message))
	}
	if strings.TrimSpace(e.Snippet) != "" {
		parts = append(parts, "body="+strings.TrimSpace(e.Snippet))
	}
	return strings.Join(parts, " ")
}

// errorEnvelope is the shape the catalog uses for failures. "error" is either
// a string or an object mapping field names to message lists.
type errorEnvelope struct {
	Error json.RawMessage `json:"error"`
}

func newHTTPError(op string, resp *http.Response, body []byte) *HTTPError {
	h := &HTTPError{Op: op}
	if resp != nil {
		h.StatusCode = resp.StatusCode
		h.Status = resp.Status
	}

	var env errorEnvelope
	if len(body) > 0 && json.Unmarshal(body, &env) == nil && len(env.Error) > 0 {
		if msg := flattenErrorField(env.Error); msg != "" {
			h.Message = redact.Truncate(msg, snippetMax)
			return h
		}
	}
	h.Snippet = redact.Truncate(string(body), snippetMax)
	return h
}

func flattenErrorField(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}
	var fields map[string]json.RawMessage
	if json.Unmarshal(raw, &fields) != nil {
		return strings.TrimSpace(string(raw))
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		var msgs []string
		if json.Unmarshal(fields[k], &msgs) == nil {
			parts = append(parts, k+": "+strings.Join(msgs, ", "))
			continue
		}
		parts = append(parts, k+": "+strings.TrimSpace(string(fields[k])))
	}
	return strings.Join(parts, "; ")
}
