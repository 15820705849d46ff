package directive

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestParseJobDWCapacity(t *testing.T) {
	spec, err := Parse("#DW jobdw capacity=1GiB access_mode=striped type=scratch\n#!/bin/bash\necho hi\n", 100, Policy{})
	assert.NilError(t, err)
	assert.Equal(t, spec.JobBytes, int64(1<<30))
	assert.Equal(t, spec.Access, "striped")
	assert.Equal(t, spec.Type, "scratch")
	assert.Equal(t, spec.Raw, "SLURM_JOB=SIZE=1073741824,ACCESS=striped,TYPE=scratch")
}

func TestParseStopsAtNonHashLine(t *testing.T) {
	spec, err := Parse("#DW jobdw capacity=1GiB\necho not-a-directive\n#DW jobdw capacity=999GiB\n", 100, Policy{})
	assert.NilError(t, err)
	assert.Equal(t, spec.JobBytes, int64(1<<30))
}

func TestSwapRollsIntoTotal(t *testing.T) {
	spec, err := Parse("#DW swap 4\n#DW jobdw capacity=1GiB\n", 100, Policy{})
	assert.NilError(t, err)
	spec.ResolveSwap(8)
	assert.Equal(t, spec.TotalBytes, int64(1<<30)+4*8*(1<<30))
}

func TestCreatePersistentRequiresPrivilege(t *testing.T) {
	_, err := Parse("#BB create_persistent name=foo capacity=1GiB\n", 100, Policy{})
	assert.ErrorContains(t, err, "invalid request")

	spec, err := Parse("#BB create_persistent name=foo capacity=1GiB\n", 100, Policy{AllowUserPersistence: true})
	assert.NilError(t, err)
	assert.Equal(t, len(spec.Persistent), 1)
	assert.Equal(t, spec.Persistent[0].Op, OpCreate)
	assert.Equal(t, spec.Persistent[0].SizeBytes, int64(1<<30))
}

func TestCreatePersistentRejectsDigitLeadingName(t *testing.T) {
	_, err := Parse("#BB create_persistent name=1foo capacity=1GiB\n", 1, Policy{AllowUserPersistence: true})
	assert.ErrorContains(t, err, "must not begin with a digit")
}

func TestDestroyPersistentHurry(t *testing.T) {
	spec, err := Parse("#BB destroy_persistent name=foo hurry\n", 1, Policy{AllowUserPersistence: true})
	assert.NilError(t, err)
	assert.Equal(t, spec.Persistent[0].Op, OpDestroy)
	assert.Equal(t, spec.Persistent[0].Hurry, true)
}

func TestPersistentUseRoundTrips(t *testing.T) {
	spec, err := Parse("#DW persistentdw name=scratchpad\n", 1, Policy{})
	assert.NilError(t, err)
	decoded, err := Decode(spec.Raw)
	assert.NilError(t, err)
	assert.Equal(t, decoded.Persistent[0].Name, "scratchpad")
	assert.Equal(t, decoded.Persistent[0].Op, OpUse)
}

func TestParserIdempotence(t *testing.T) {
	scripts := []string{
		"#DW jobdw capacity=2GiB access_mode=private type=scratch\n#DW swap 1\n",
		"#BB create_persistent name=alpha capacity=10GiB access=striped type=scratch\n",
		"#BB destroy_persistent name=alpha hurry\n",
		"#DW persistentdw name=alpha\n",
	}
	for _, script := range scripts {
		spec, err := Parse(script, 1, Policy{AllowUserPersistence: true})
		assert.NilError(t, err)
		spec.ResolveSwap(4)
		decoded, err := Decode(spec.Raw)
		assert.NilError(t, err)
		assert.Equal(t, decoded.Raw, spec.Raw)
	}
}

func TestNodeCountMarker(t *testing.T) {
	spec, err := Parse("#DW jobdw capacity=4nodes\n", 1, Policy{})
	assert.NilError(t, err)
	assert.Equal(t, len(spec.GRES), 1)
	assert.Equal(t, spec.GRES[0].Name, "nodes")
	assert.Equal(t, spec.GRES[0].Count, int64(4))
	assert.Equal(t, spec.Raw, "SLURM_GRES=nodes:4")
}

func TestInteractiveCapacityAndSwap(t *testing.T) {
	spec, err := ParseInteractive("capacity=1GiB swap=2", 4)
	assert.NilError(t, err)
	assert.Equal(t, spec.JobBytes, int64(1<<30))
	assert.Equal(t, spec.SwapGiB, int64(2))
	assert.Equal(t, spec.TotalBytes, int64(1<<30)+2*4*(1<<30))
}

func TestEmpty(t *testing.T) {
	spec, err := Parse("#!/bin/bash\necho hi\n", 1, Policy{})
	assert.NilError(t, err)
	assert.Assert(t, spec.Empty())
}
