package catalog_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shpitdev/catalog-ark-enricher/internal/catalog"
)

func TestRecordPassthroughKeepsUnknownFields(t *testing.T) {
	t.Parallel()

	in := `{
		"lock_version": 7,
		"names": [{"primary_name": "Curie", "rest_of_name": "Marie"}],
		"agent_record_identifiers": [
			{"record_identifier": "n80", "source": "naf", "primary_identifier": true, "identifier_type": "local", "jsonmodel_type": "agent_record_identifier"}
		],
		"dates_of_existence": []
	}`
	var rec catalog.Record
	require.NoError(t, json.Unmarshal([]byte(in), &rec))
	require.Len(t, rec.Identifiers, 1)
	assert.Equal(t, 7, rec.LockVersion())

	out, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.JSONEq(t, in, string(out))
}

func TestRecordWithoutIdentifiersKey(t *testing.T) {
	t.Parallel()

	var rec catalog.Record
	require.NoError(t, json.Unmarshal([]byte(`{"lock_version":0}`), &rec))
	assert.Empty(t, rec.Identifiers)
	assert.Equal(t, 0, rec.LockVersion())

	out, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.JSONEq(t, `{"lock_version":0}`, string(out), "absent collection stays absent")

	rec.Identifiers = append(rec.Identifiers, catalog.NewIdentifierEntry("ark:/1", "snac"))
	out, err = json.Marshal(rec)
	require.NoError(t, err)
	assert.JSONEq(t, `{"lock_version":0,"agent_record_identifiers":[{"record_identifier":"ark:/1","source":"snac","primary_identifier":false,"jsonmodel_type":"agent_record_identifier"}]}`, string(out))
}

func TestRecordRejectsNonObject(t *testing.T) {
	t.Parallel()

	var rec catalog.Record
	assert.Error(t, json.Unmarshal([]byte(`[]`), &rec))
	assert.Error(t, json.Unmarshal([]byte(`null`), &rec))
}

func TestRecordLockVersionMissing(t *testing.T) {
	t.Parallel()

	var rec catalog.Record
	require.NoError(t, json.Unmarshal([]byte(`{}`), &rec))
	assert.Equal(t, -1, rec.LockVersion())
}
