package mockcatalog

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const sessionHeader = "X-ArchivesSpace-Session"

// Call records a request made to the mock service.
type Call struct {
	Method string
	Path   string
	Status int
}

// Fault makes the server misbehave for one record.
type Fault struct {
	// Op limits the fault to "fetch" or "update". Empty matches both.
	Op string
	// Status is returned instead of serving the request. Zero serves normally
	// after Delay.
	Status int
	// Times is how many requests the fault applies to. Zero means every request.
	Times int
	// Delay is slept before answering; it ends early if the client goes away.
	Delay time.Duration
	// RetryAfter is sent as the Retry-After header when set.
	RetryAfter string
	// Body overrides the default error body.
	Body string
	// Commit applies the update before answering with Status, as when the
	// write lands but its acknowledgement is lost.
	Commit bool
}

// Server implements the single-record read/write surface of an
// ArchivesSpace-like catalog.
type Server struct {
	mu       sync.Mutex
	records  map[string]json.RawMessage
	faults   map[string][]*Fault
	sessions map[string]struct{}
	calls    []Call

	username string
	password string

	// persistDir, when set, receives every successful update.
	persistDir string
}

// New constructs an empty server. Login accepts any credentials until
// RequireCredentials is called.
func New() *Server {
	return &Server{
		records:  make(map[string]json.RawMessage),
		faults:   make(map[string][]*Fault),
		sessions: make(map[string]struct{}),
	}
}

// RequireCredentials restricts login to the given username and password.
func (s *Server) RequireCredentials(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username = username
	s.password = password
}

// Put stores record under ref, replacing any previous version.
func (s *Server) Put(ref string, record any) error {
	b, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", ref, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[ref] = b
	return nil
}

// Record returns the stored record for ref decoded into a generic map.
func (s *Server) Record(ref string) (map[string]any, bool) {
	s.mu.Lock()
	raw, ok := s.records[ref]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false
	}
	return out, true
}

// Inject registers a fault for ref. Faults are consumed in registration order.
func (s *Server) Inject(ref string, f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := f
	s.faults[ref] = append(s.faults[ref], &cp)
}

// ExpireSessions forgets every issued session token.
func (s *Server) ExpireSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]struct{})
}

// Calls returns a snapshot of calls made to the server.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CountCalls returns how many requests hit path with method.
func (s *Server) CountCalls(method, path string) int {
	n := 0
	for _, c := range s.Calls() {
		if c.Method == method && c.Path == path {
			n++
		}
	}
	return n
}

// LoadDir loads every *.json file under dir. The path relative to dir,
// without the extension, is the record ref (agents/people/1.json serves
// /agents/people/1). Updates are written back to the same files.
func (s *Server) LoadDir(dir string) error {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".json") {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if !json.Valid(b) {
			return fmt.Errorf("invalid JSON in %s", path)
		}
		ref := "/" + filepath.ToSlash(strings.TrimSuffix(rel, filepath.Ext(rel)))
		s.mu.Lock()
		s.records[ref] = b
		s.mu.Unlock()
		return nil
	})
	if err != nil {
		return fmt.Errorf("load records from %s: %w", dir, err)
	}
	s.mu.Lock()
	s.persistDir = dir
	s.mu.Unlock()
	return nil
}

// Handler returns an http.Handler that serves the mock API.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serve)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		s.mu.Lock()
		s.calls = append(s.calls, Call{Method: r.Method, Path: r.URL.Path, Status: rec.status})
		s.mu.Unlock()
	}()

	if strings.HasPrefix(r.URL.Path, "/users/") && strings.HasSuffix(r.URL.Path, "/login") {
		s.handleLogin(rec, r)
		return
	}
	if !s.authorized(r) {
		writeError(rec, http.StatusPreconditionFailed, "No session or session expired", "")
		return
	}

	ref := r.URL.Path
	switch r.Method {
	case http.MethodGet:
		if s.applyFault(rec, r, ref, "fetch") {
			return
		}
		s.handleFetch(rec, ref)
	case http.MethodPost:
		if s.applyFault(rec, r, ref, "update") {
			return
		}
		s.handleUpdate(rec, r, ref)
	default:
		writeError(rec, http.StatusMethodNotAllowed, "method not allowed", "")
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	user := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/users/"), "/login")
	pass := r.FormValue("password")

	s.mu.Lock()
	wantUser, wantPass := s.username, s.password
	s.mu.Unlock()
	if wantUser != "" && (user != wantUser || pass != wantPass) {
		writeError(w, http.StatusForbidden, "Login failed", "")
		return
	}

	token := newToken()
	s.mu.Lock()
	s.sessions[token] = struct{}{}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"session": token, "user": map[string]any{"username": user}})
}

func (s *Server) authorized(r *http.Request) bool {
	token := r.Header.Get(sessionHeader)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[token]
	return ok
}

// applyFault consumes the next matching fault for ref and reports whether
// the response has been written.
func (s *Server) applyFault(w http.ResponseWriter, r *http.Request, ref, op string) bool {
	s.mu.Lock()
	var fault *Fault
	for _, f := range s.faults[ref] {
		if f.Op != "" && f.Op != op {
			continue
		}
		fault = f
		break
	}
	var snapshot Fault
	if fault != nil {
		snapshot = *fault
		if fault.Times > 0 {
			fault.Times--
			if fault.Times == 0 {
				s.removeFaultLocked(ref, fault)
			}
		}
	}
	s.mu.Unlock()
	if fault == nil {
		return false
	}

	if snapshot.Delay > 0 {
		t := time.NewTimer(snapshot.Delay)
		select {
		case <-t.C:
		case <-r.Context().Done():
			t.Stop()
			return true
		}
	}
	if snapshot.Status == 0 {
		return false
	}
	if snapshot.Commit && op == "update" {
		s.handleUpdate(&discardResponse{header: http.Header{}}, r, ref)
	}
	if snapshot.RetryAfter != "" {
		w.Header().Set("Retry-After", snapshot.RetryAfter)
	}
	writeError(w, snapshot.Status, http.StatusText(snapshot.Status), snapshot.Body)
	return true
}

// discardResponse swallows the real answer to a committed faulty update.
type discardResponse struct {
	header http.Header
}

func (d *discardResponse) Header() http.Header { return d.header }

func (d *discardResponse) Write(b []byte) (int, error) { return len(b), nil }

func (d *discardResponse) WriteHeader(int) {}

func (s *Server) removeFaultLocked(ref string, target *Fault) {
	list := s.faults[ref]
	for i, f := range list {
		if f == target {
			s.faults[ref] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(s.faults[ref]) == 0 {
		delete(s.faults, ref)
	}
}

func (s *Server) handleFetch(w http.ResponseWriter, ref string) {
	s.mu.Lock()
	raw, ok := s.records[ref]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "Record not found", "")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, ref string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body", "")
		return
	}
	var incoming map[string]json.RawMessage
	if err := json.Unmarshal(body, &incoming); err != nil || incoming == nil {
		writeError(w, http.StatusBadRequest, "malformed JSON", "")
		return
	}
	if msg := validateIdentifiers(incoming["agent_record_identifiers"]); msg != "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": map[string][]string{"agent_record_identifiers": {msg}},
		})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[ref]
	if !ok {
		writeError(w, http.StatusNotFound, "Record not found", "")
		return
	}
	curVersion := lockVersion(current)
	if v := lockVersionField(incoming); v != curVersion {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": map[string][]string{"lock_version": {fmt.Sprintf("record has been updated (expected %d, got %d)", curVersion, v)}},
		})
		return
	}
	next := curVersion + 1
	incoming["lock_version"] = json.RawMessage(strconv.Itoa(next))
	stored, err := json.Marshal(incoming)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode record", "")
		return
	}
	s.records[ref] = stored
	if s.persistDir != "" {
		path := filepath.Join(s.persistDir, filepath.FromSlash(strings.TrimPrefix(ref, "/"))+".json")
		if err := os.WriteFile(path, stored, 0o644); err != nil {
			writeError(w, http.StatusInternalServerError, "persist record", "")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "Updated",
		"uri":          ref,
		"lock_version": next,
	})
}

func validateIdentifiers(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var entries []map[string]any
	if err := json.Unmarshal(raw, &entries); err != nil {
		return "must be an array of objects"
	}
	primaries := 0
	for i, e := range entries {
		v, _ := e["record_identifier"].(string)
		if strings.TrimSpace(v) == "" {
			return fmt.Sprintf("entry %d: record_identifier is required", i)
		}
		if p, _ := e["primary_identifier"].(bool); p {
			primaries++
		}
	}
	if primaries > 1 {
		return "only one identifier may be primary"
	}
	return ""
}

func lockVersion(raw json.RawMessage) int {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return 0
	}
	return lockVersionField(fields)
}

func lockVersionField(fields map[string]json.RawMessage) int {
	var v int
	if raw, ok := fields["lock_version"]; ok {
		_ = json.Unmarshal(raw, &v)
	}
	return v
}

func writeError(w http.ResponseWriter, status int, msg, body string) {
	if body != "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
		return
	}
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newToken() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
