package dataset_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shpitdev/catalog-ark-enricher/internal/dataset"
)

func writeFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.csv")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestEach_DedupKnownBadAndMalformed(t *testing.T) {
	t.Parallel()

	csv := "aspace_uri,snac_ark_final,aspace_error,error_reason,agent_name\n" +
		"/agents/people/1,ark:/1,,,First\n" +
		"/agents/people/2,ark:/2,,,Second\n" +
		"/agents/people/1,ark:/1b,,,First again\n" +
		",ark:/9,,,No ref\n" +
		"/agents/people/3,,,,No identifier\n" +
		"/agents/people/4,ark:/4,Record not found,,Broken\n" +
		"/agents/people/5,ark:/5,true,merged upstream,Flagged\n"
	ds, err := dataset.Open(writeFile(t, []byte(csv)), dataset.Options{})
	require.NoError(t, err)

	items, stats, err := ds.Items(context.Background())
	require.NoError(t, err)

	require.Len(t, items, 2)
	assert.Equal(t, "/agents/people/2", items[0].Ref)
	assert.Equal(t, "/agents/people/1", items[1].Ref)
	assert.Equal(t, "ark:/1b", items[1].Identifier, "last occurrence wins")
	assert.Equal(t, "First again", items[1].Name)

	assert.Equal(t, 7, stats.Rows)
	assert.Equal(t, 2, stats.Yielded)
	assert.Equal(t, 1, stats.Excluded[dataset.ExcludedDuplicate])
	assert.Equal(t, 2, stats.Excluded[dataset.ExcludedKnownBad])
	assert.Equal(t, 2, stats.Excluded[dataset.ExcludedParseError])
	assert.Equal(t, 5, stats.ExcludedTotal())
	require.Len(t, stats.Malformed, 2)
	assert.Equal(t, "record_ref", stats.Malformed[0].Field)
	assert.Equal(t, "identifier", stats.Malformed[1].Field)
}

func TestEach_IsRestartable(t *testing.T) {
	t.Parallel()

	path := writeFile(t, []byte("aspace_uri,snac_ark\n/agents/people/1,ark:/1\n"))
	ds, err := dataset.Open(path, dataset.Options{})
	require.NoError(t, err)

	first, _, err := ds.Items(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Re-iteration reads the file again rather than a cached copy.
	require.NoError(t, os.WriteFile(path, []byte("aspace_uri,snac_ark\n/agents/people/1,ark:/1\n/agents/people/2,ark:/2\n"), 0o644))
	second, _, err := ds.Items(context.Background())
	require.NoError(t, err)
	assert.Len(t, second, 2)
}

func TestEach_IdentifierColumnFallback(t *testing.T) {
	t.Parallel()

	csv := "aspace_uri,snac_ark_final,snac_ark_new,snac_ark\n" +
		"/agents/people/1,,ark:/new,ark:/old\n" +
		"/agents/people/2,ark:/final,ark:/new,ark:/old\n" +
		"/agents/people/3,NaN,,ark:/old\n"
	ds, err := dataset.Open(writeFile(t, []byte(csv)), dataset.Options{})
	require.NoError(t, err)
	items, _, err := ds.Items(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "ark:/new", items[0].Identifier)
	assert.Equal(t, "ark:/final", items[1].Identifier)
	assert.Equal(t, "ark:/old", items[2].Identifier)
}

func TestEach_NormalizesRefs(t *testing.T) {
	t.Parallel()

	csv := "aspace_uri,snac_ark\n" +
		"https://aspace.example.edu/api/agents/people/1,ark:/1\n" +
		"agents/corporate_entities/2,ark:/2\n" +
		"http://other.host/agents/families/3/,ark:/3\n"
	ds, err := dataset.Open(writeFile(t, []byte(csv)), dataset.Options{BaseURL: "https://aspace.example.edu/api/"})
	require.NoError(t, err)
	items, _, err := ds.Items(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "/agents/people/1", items[0].Ref)
	assert.Equal(t, "/agents/corporate_entities/2", items[1].Ref)
	assert.Equal(t, "/agents/families/3", items[2].Ref)
}

func TestEach_DecodesDeclaredEncoding(t *testing.T) {
	t.Parallel()

	// "Dvořák" is not representable in windows-1252; use "Müller" (0xFC) and "Café" (0xE9).
	raw := []byte("aspace_uri,snac_ark,agent_name\n/agents/people/1,ark:/1,M\xfcller\n/agents/people/2,ark:/2,Caf\xe9\n")
	ds, err := dataset.Open(writeFile(t, raw), dataset.Options{Encoding: "windows-1252"})
	require.NoError(t, err)
	items, _, err := ds.Items(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "Müller", items[0].Name)
	assert.Equal(t, "Café", items[1].Name)
}

func TestEach_StripsUTF8BOM(t *testing.T) {
	t.Parallel()

	raw := append([]byte{0xEF, 0xBB, 0xBF}, []byte("ASPACE_URI,SNAC_ARK,agent_name\n/agents/people/1,ark:/1,Dvořák\n")...)
	ds, err := dataset.Open(writeFile(t, raw), dataset.Options{Encoding: "utf-8-sig"})
	require.NoError(t, err)
	items, _, err := ds.Items(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Dvořák", items[0].Name)
}

func TestEach_OffsetAndLimit(t *testing.T) {
	t.Parallel()

	csv := "aspace_uri,snac_ark\n/a/1,x1\n/a/2,x2\n/a/3,x3\n/a/4,x4\n"
	ds, err := dataset.Open(writeFile(t, []byte(csv)), dataset.Options{Offset: 1, Limit: 2})
	require.NoError(t, err)
	items, stats, err := ds.Items(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "/a/2", items[0].Ref)
	assert.Equal(t, "/a/3", items[1].Ref)
	assert.True(t, stats.Truncated)
	assert.Equal(t, 1, stats.Skipped)
}

func TestEach_CallbackErrorStops(t *testing.T) {
	t.Parallel()

	ds, err := dataset.Open(writeFile(t, []byte("aspace_uri,snac_ark\n/a/1,x\n/a/2,y\n")), dataset.Options{})
	require.NoError(t, err)
	stop := errors.New("stop")
	calls := 0
	_, err = ds.Each(context.Background(), func(dataset.WorkItem) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestOpen_FatalConditions(t *testing.T) {
	t.Parallel()

	_, err := dataset.Open(filepath.Join(t.TempDir(), "missing.csv"), dataset.Options{})
	assert.Error(t, err, "unreadable file")

	_, err = dataset.Open(writeFile(t, []byte("uri,ark\n/a/1,x\n")), dataset.Options{})
	assert.ErrorContains(t, err, "missing record ref column")

	_, err = dataset.Open(writeFile(t, []byte("aspace_uri,ark\n/a/1,x\n")), dataset.Options{})
	assert.ErrorContains(t, err, "missing identifier column")

	_, err = dataset.Open(writeFile(t, []byte("aspace_uri,snac_ark\n")), dataset.Options{Encoding: "klingon"})
	assert.ErrorContains(t, err, "encoding")
}

func TestMalformedDatasetErrorMessage(t *testing.T) {
	t.Parallel()

	err := error(&dataset.MalformedDatasetError{Row: 4, Field: "record_ref", Msg: "missing value"})
	var mde *dataset.MalformedDatasetError
	require.True(t, errors.As(err, &mde))
	assert.Equal(t, "malformed dataset row 4: record_ref: missing value", err.Error())
}
