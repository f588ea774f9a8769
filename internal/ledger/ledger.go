// Package ledger persists one JSON line per outcome. The file is append-only
// and safe to tail while a run is writing it.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when another process holds the ledger.
var ErrLocked = errors.New("ledger is in use by another process")

// Ledger is the append side of the outcome log. It is safe for concurrent use.
type Ledger struct {
	path string
	lock *flock.Flock

	mu     sync.Mutex
	f      *os.File
	closed bool

	now func() time.Time
}

// Open acquires the ledger's lock file and opens it for appending.
func Open(path string) (*Ledger, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure ledger directory: %w", err)
		}
	}

	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire ledger lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrLocked)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := terminateTornLine(f); err != nil {
		_ = f.Close()
		_ = lock.Unlock()
		return nil, err
	}
	return &Ledger{path: path, lock: lock, f: f, now: time.Now}, nil
}

// terminateTornLine appends a newline when a previous process crashed
// mid-write, so the partial line stays isolated.
func terminateTornLine(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat ledger: %w", err)
	}
	if info.Size() == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return fmt.Errorf("read ledger tail: %w", err)
	}
	if last[0] == '\n' {
		return nil
	}
	if _, err := f.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("repair ledger tail: %w", err)
	}
	return f.Sync()
}

// Path returns the ledger file path.
func (l *Ledger) Path() string { return l.path }

// Append writes o as one line and syncs it to disk before returning.
// A zero Timestamp is set to the current time.
func (l *Ledger) Append(o Outcome) error {
	if o.Timestamp.IsZero() {
		o.Timestamp = l.now()
	}
	o.Timestamp = o.Timestamp.UTC()
	line, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode outcome for %s: %w", o.Ref, err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("append to closed ledger")
	}
	if _, err := l.f.Write(line); err != nil {
		return fmt.Errorf("append outcome for %s: %w", o.Ref, err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("sync ledger: %w", err)
	}
	return nil
}

// Resolve records an operator decision that ref needs no further processing.
func (l *Ledger) Resolve(runID, ref, note string) error {
	return l.Append(Outcome{
		RunID:  runID,
		Ref:    ref,
		Kind:   KindSkipped,
		Reason: ReasonOperatorResolved,
		Detail: strings.TrimSpace(note),
	})
}

// Close flushes and releases the ledger.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	err := l.f.Close()
	if uerr := l.lock.Unlock(); uerr != nil && err == nil {
		err = uerr
	}
	return err
}

// ReadFile parses every complete line of the ledger at path. A missing file
// yields no outcomes. Lines that do not decode (a torn tail while a writer is
// active) are skipped.
func ReadFile(path string) ([]Outcome, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	out, _, err := Read(f)
	return out, err
}

// Read parses outcomes from r and reports how many lines were skipped.
func Read(r io.Reader) ([]Outcome, int, error) {
	dec := newLineReader(r)
	var (
		out     []Outcome
		skipped int
	)
	for {
		line, err := dec.next()
		if errors.Is(err, io.EOF) {
			return out, skipped, nil
		}
		if err != nil {
			return out, skipped, fmt.Errorf("read ledger: %w", err)
		}
		if len(line) == 0 {
			continue
		}
		var o Outcome
		if err := json.Unmarshal(line, &o); err != nil || o.Ref == "" {
			skipped++
			continue
		}
		out = append(out, o)
	}
}
