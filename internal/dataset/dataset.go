// Package dataset streams enrichment work items from a delimited file.
package dataset

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Exclusion reasons reported in Stats.
const (
	ExcludedKnownBad   = "known_bad"
	ExcludedDuplicate  = "duplicate"
	ExcludedParseError = "parse_error"
)

// WorkItem is one intended enrichment.
type WorkItem struct {
	// Ref is the service-relative record reference, e.g. /agents/people/12.
	Ref        string
	Identifier string
	Name       string
	KnownBad   bool
	Reason     string
	// Row is the 1-based data row number (header excluded).
	Row int
}

// Columns names the header fields. Ref and Identifiers are ordered fallback
// lists: the first non-empty cell wins.
type Columns struct {
	Ref         []string
	Identifiers []string
	KnownBad    string
	Reason      string
	Name        string
}

// DefaultColumns matches the reconciliation exports this tool was built for.
func DefaultColumns() Columns {
	return Columns{
		Ref:         []string{"aspace_uri", "original_agent_uri_old_spreadsheet", "aspace_agent_uri_final"},
		Identifiers: []string{"snac_ark_final", "snac_ark_new", "snac_ark"},
		KnownBad:    "aspace_error",
		Reason:      "error_reason",
		Name:        "agent_name",
	}
}

// Options controls parsing.
type Options struct {
	Columns Columns
	// Encoding is any IANA/WHATWG name plus "utf-8-sig". Defaults to utf-8.
	// A byte order mark always takes precedence.
	Encoding string
	// Delimiter defaults to ','.
	Delimiter rune
	// BaseURL is stripped from refs given as absolute URLs.
	BaseURL string
	// Offset skips that many deduplicated items before yielding.
	Offset int
	// Limit caps the number of yielded items. Zero means no limit.
	Limit int
}

// Stats summarizes one pass over the dataset.
type Stats struct {
	Rows      int
	Yielded   int
	Skipped   int
	Truncated bool
	Excluded  map[string]int
	Malformed []*MalformedDatasetError
}

// ExcludedTotal sums every exclusion reason.
func (s Stats) ExcludedTotal() int {
	n := 0
	for _, v := range s.Excluded {
		n += v
	}
	return n
}

// MalformedDatasetError describes a row missing required fields.
type MalformedDatasetError struct {
	Row   int
	Field string
	Msg   string
}

func (e *MalformedDatasetError) Error() string {
	if e == nil {
		return "malformed dataset row"
	}
	return fmt.Sprintf("malformed dataset row %d: %s: %s", e.Row, e.Field, e.Msg)
}

// Dataset is a lazily read dataset file. Every call to Each re-reads the file.
type Dataset struct {
	path string
	opts Options
	enc  encoding.Encoding
}

// Open validates the file and its header. It fails if the file cannot be
// read or a required column is missing.
func Open(path string, opts Options) (*Dataset, error) {
	if len(opts.Columns.Ref) == 0 && len(opts.Columns.Identifiers) == 0 {
		opts.Columns = DefaultColumns()
	}
	if opts.Delimiter == 0 {
		opts.Delimiter = ','
	}
	enc, err := lookupEncoding(opts.Encoding)
	if err != nil {
		return nil, err
	}
	d := &Dataset{path: path, opts: opts, enc: enc}

	f, cr, err := d.open()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	if _, err := d.readHeader(cr); err != nil {
		return nil, err
	}
	return d, nil
}

// Path returns the dataset file path.
func (d *Dataset) Path() string { return d.path }

// Each streams deduplicated, non-excluded work items to fn. Duplicate refs
// resolve to the last occurrence. A non-nil error from fn stops the pass and
// is returned.
func (d *Dataset) Each(ctx context.Context, fn func(WorkItem) error) (Stats, error) {
	last, err := d.lastOccurrences(ctx)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Excluded: map[string]int{}}
	f, cr, err := d.open()
	if err != nil {
		return stats, err
	}
	defer func() {
		_ = f.Close()
	}()
	idx, err := d.readHeader(cr)
	if err != nil {
		return stats, err
	}

	for row := 1; ; row++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				stats.Rows++
				stats.Excluded[ExcludedParseError]++
				stats.Malformed = append(stats.Malformed, &MalformedDatasetError{Row: row, Field: "row", Msg: pe.Err.Error()})
				continue
			}
			return stats, fmt.Errorf("read %s: %w", d.path, err)
		}
		stats.Rows++

		item, perr := d.parseRow(idx, rec, row)
		if perr != nil {
			stats.Excluded[ExcludedParseError]++
			stats.Malformed = append(stats.Malformed, perr)
			continue
		}
		if last[item.Ref] != row {
			stats.Excluded[ExcludedDuplicate]++
			continue
		}
		if item.KnownBad {
			stats.Excluded[ExcludedKnownBad]++
			continue
		}
		if stats.Skipped < d.opts.Offset {
			stats.Skipped++
			continue
		}
		if d.opts.Limit > 0 && stats.Yielded >= d.opts.Limit {
			stats.Truncated = true
			break
		}
		if err := fn(item); err != nil {
			return stats, err
		}
		stats.Yielded++
	}
	return stats, nil
}

// Items loads every work item into memory. Intended for small datasets and tests.
func (d *Dataset) Items(ctx context.Context) ([]WorkItem, Stats, error) {
	var items []WorkItem
	stats, err := d.Each(ctx, func(it WorkItem) error {
		items = append(items, it)
		return nil
	})
	return items, stats, err
}

// lastOccurrences maps each ref to the row number of its final occurrence.
func (d *Dataset) lastOccurrences(ctx context.Context) (map[string]int, error) {
	f, cr, err := d.open()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	idx, err := d.readHeader(cr)
	if err != nil {
		return nil, err
	}
	last := make(map[string]int)
	for row := 1; ; row++ {
		if row%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return last, nil
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", d.path, err)
		}
		if ref := d.normalizeRef(firstNonEmpty(rec, idx.ref)); ref != "" {
			last[ref] = row
		}
	}
}

type headerIndex struct {
	ref         []int
	identifiers []int
	knownBad    int
	reason      int
	name        int
}

func (d *Dataset) open() (*os.File, *csv.Reader, error) {
	f, err := os.Open(d.path)
	if err != nil {
		return nil, nil, fmt.Errorf("open dataset: %w", err)
	}
	r := transform.NewReader(f, unicode.BOMOverride(d.enc.NewDecoder()))
	cr := csv.NewReader(r)
	cr.Comma = d.opts.Delimiter
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true
	return f, cr, nil
}

func (d *Dataset) readHeader(cr *csv.Reader) (headerIndex, error) {
	header, err := cr.Read()
	if err != nil {
		return headerIndex{}, fmt.Errorf("read header of %s: %w", d.path, err)
	}
	pos := make(map[string]int, len(header))
	for i, col := range header {
		key := strings.ToLower(strings.TrimSpace(col))
		if _, dup := pos[key]; !dup {
			pos[key] = i
		}
	}
	find := func(name string) int {
		if name == "" {
			return -1
		}
		if i, ok := pos[strings.ToLower(strings.TrimSpace(name))]; ok {
			return i
		}
		return -1
	}

	idx := headerIndex{
		knownBad: find(d.opts.Columns.KnownBad),
		reason:   find(d.opts.Columns.Reason),
		name:     find(d.opts.Columns.Name),
	}
	for _, c := range d.opts.Columns.Ref {
		if i := find(c); i >= 0 {
			idx.ref = append(idx.ref, i)
		}
	}
	for _, c := range d.opts.Columns.Identifiers {
		if i := find(c); i >= 0 {
			idx.identifiers = append(idx.identifiers, i)
		}
	}
	if len(idx.ref) == 0 {
		return headerIndex{}, fmt.Errorf("dataset %s: missing record ref column (want one of %s)", d.path, strings.Join(d.opts.Columns.Ref, ", "))
	}
	if len(idx.identifiers) == 0 {
		return headerIndex{}, fmt.Errorf("dataset %s: missing identifier column (want one of %s)", d.path, strings.Join(d.opts.Columns.Identifiers, ", "))
	}
	return idx, nil
}

func (d *Dataset) parseRow(idx headerIndex, rec []string, row int) (WorkItem, *MalformedDatasetError) {
	ref := d.normalizeRef(firstNonEmpty(rec, idx.ref))
	if ref == "" {
		return WorkItem{}, &MalformedDatasetError{Row: row, Field: "record_ref", Msg: "missing value"}
	}
	id := strings.TrimSpace(firstNonEmpty(rec, idx.identifiers))
	if id == "" {
		return WorkItem{}, &MalformedDatasetError{Row: row, Field: "identifier", Msg: "missing value for " + ref}
	}
	item := WorkItem{
		Ref:        ref,
		Identifier: id,
		Name:       strings.TrimSpace(cell(rec, idx.name)),
		Reason:     strings.TrimSpace(cell(rec, idx.reason)),
		Row:        row,
	}
	if flag := strings.TrimSpace(cell(rec, idx.knownBad)); flag != "" {
		item.KnownBad = parseFlag(flag)
		if item.KnownBad && item.Reason == "" && !isFlagWord(flag) {
			item.Reason = flag
		}
	}
	return item, nil
}

// normalizeRef strips the service base URL (or any scheme and host) and
// guarantees a leading slash.
func (d *Dataset) normalizeRef(raw string) string {
	ref := strings.TrimSpace(raw)
	if ref == "" {
		return ""
	}
	if base := strings.TrimRight(strings.TrimSpace(d.opts.BaseURL), "/"); base != "" && strings.HasPrefix(ref, base) {
		ref = strings.TrimPrefix(ref, base)
	} else if strings.Contains(ref, "://") {
		if u, err := url.Parse(ref); err == nil {
			ref = u.Path
		}
	}
	if ref == "" || ref == "/" {
		return ""
	}
	if !strings.HasPrefix(ref, "/") {
		ref = "/" + ref
	}
	return strings.TrimRight(ref, "/")
}

func lookupEncoding(name string) (encoding.Encoding, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "", "utf-8", "utf8", "utf-8-sig", "utf_8_sig":
		return unicode.UTF8, nil
	}
	enc, err := htmlindex.Get(n)
	if err != nil {
		return nil, fmt.Errorf("dataset encoding %q: %w", name, err)
	}
	return enc, nil
}

func firstNonEmpty(rec []string, idx []int) string {
	for _, i := range idx {
		if v := strings.TrimSpace(cell(rec, i)); v != "" && !isNullToken(v) {
			return v
		}
	}
	return ""
}

func cell(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return rec[i]
}

func isNullToken(v string) bool {
	switch strings.ToLower(v) {
	case "nan", "null", "none", "n/a":
		return true
	}
	return false
}

// parseFlag treats explicit yes-words and free-text error messages as set.
func parseFlag(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "false", "0", "no", "n", "nan", "none", "null":
		return false
	}
	return true
}

func isFlagWord(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y", "x":
		return true
	}
	return false
}
