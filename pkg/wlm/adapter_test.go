package wlm

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"gotest.tools/v3/assert"
)

func TestNormalizePythonRepr(t *testing.T) {
	raw := `[{u'id': 1, u'label': u'a'}]`
	got := Normalize(raw)
	assert.Equal(t, got, `[{"id": 1, "label": "a"}]`)
}

func TestParseInstancesFromPythonRepr(t *testing.T) {
	raw := `[{u'id': 1, u'bytes': 1073741824, u'label': u'a'}]`
	instances, err := ParseInstances(raw)
	assert.NilError(t, err)
	want := []Instance{{ID: 1, Bytes: 1073741824, Label: "a"}}
	if diff := cmp.Diff(want, instances); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestParsePoolsMissingFieldsDefault(t *testing.T) {
	raw := `[{"id": "default"}]`
	pools, err := ParsePools(raw)
	assert.NilError(t, err)
	assert.Equal(t, len(pools), 1)
	assert.Equal(t, pools[0].ID, "default")
	assert.Equal(t, pools[0].Granularity, int64(0))
}

func TestParseSessionsUnknownKeysIgnored(t *testing.T) {
	raw := `[{"id": 7, "token": "42", "owner": 1000, "extra_unknown_field": "x"}]`
	sessions, err := ParseSessions(raw)
	assert.NilError(t, err)
	assert.Equal(t, sessions[0].Token, "42")
	assert.Equal(t, sessions[0].UserID, int64(1000))
}

func TestParseConfigurationsNestedLinks(t *testing.T) {
	raw := `[{"id": "cfg1", "links": {"instance": 9}}]`
	cfgs, err := ParseConfigurations(raw)
	assert.NilError(t, err)
	assert.Equal(t, cfgs[0].InstanceID, int64(9))
}

func TestDecodeListEnvelope(t *testing.T) {
	raw := `{"instances": [{"id": 3, "bytes": 512, "label": "b"}]}`
	instances, err := ParseInstances(raw)
	assert.NilError(t, err)
	assert.Equal(t, len(instances), 1)
	assert.Equal(t, instances[0].ID, int64(3))
}

func TestEmptyOutput(t *testing.T) {
	pools, err := ParsePools("")
	assert.NilError(t, err)
	assert.Equal(t, len(pools), 0)
}
