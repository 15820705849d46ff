package facade

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/hpc-tools/dws-burstbuffer/pkg/agent"
	"github.com/hpc-tools/dws-burstbuffer/pkg/config"
	"github.com/hpc-tools/dws-burstbuffer/pkg/hostiface"
	"github.com/hpc-tools/dws-burstbuffer/pkg/lifecycle"
	"github.com/hpc-tools/dws-burstbuffer/pkg/planner"
	"github.com/hpc-tools/dws-burstbuffer/pkg/planstate"
	"github.com/hpc-tools/dws-burstbuffer/pkg/runner"
	"github.com/hpc-tools/dws-burstbuffer/pkg/store"
)

// fakeJob is a minimal hostiface.JobDescriptor a test can inspect
// after the facade mutates it.
type fakeJob struct {
	sync.RWMutex
	id        uint32
	uid       uint32
	nodes     uint32
	nodeList  []string
	account   string
	partition string
	qos       string
	priority  uint32
	start     time.Time
	script    string
	bb        string
	env       map[string]string
	stateDesc string
}

func newFakeJob(id, uid uint32, script string) *fakeJob {
	return &fakeJob{id: id, uid: uid, nodes: 1, nodeList: []string{"nid00001"}, priority: 100, start: time.Now(), script: script, env: map[string]string{}}
}

func (j *fakeJob) JobID() uint32               { return j.id }
func (j *fakeJob) UserID() uint32              { return j.uid }
func (j *fakeJob) NodeCount() uint32           { return j.nodes }
func (j *fakeJob) NodeList() []string          { return j.nodeList }
func (j *fakeJob) Account() string             { return j.account }
func (j *fakeJob) Partition() string           { return j.partition }
func (j *fakeJob) QOS() string                 { return j.qos }
func (j *fakeJob) Priority() uint32            { return j.priority }
func (j *fakeJob) StartTime() time.Time        { return j.start }
func (j *fakeJob) ScriptBody() string          { return j.script }
func (j *fakeJob) InteractiveBB() string       { return "" }
func (j *fakeJob) BurstBufferField() string    { return j.bb }
func (j *fakeJob) SetBurstBufferField(s string) { j.bb = s }
func (j *fakeJob) SetPriority(p uint32)        { j.priority = p }
func (j *fakeJob) SetStateReason(string)       {}
func (j *fakeJob) SetStateDesc(s string)       { j.stateDesc = s }
func (j *fakeJob) SetEnv(k, v string)          { j.env[k] = v }

type fakeQueue struct {
	jobs []*fakeJob
	i    int
}

func (q *fakeQueue) Next() (hostiface.JobDescriptor, bool) {
	if q.i >= len(q.jobs) {
		return nil, false
	}
	j := q.jobs[q.i]
	q.i++
	return j, true
}

func fakeCLI(t *testing.T, cases string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake_wlm_cli")
	body := "#!/bin/sh\nfn=\"$2\"\ncase \"$fn\" in\n" + cases + "\n*) exit 0 ;;\nesac\n"
	assert.NilError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.SetupTimeout = time.Second
	cfg.StageInTimeout = time.Second
	cfg.PreRunTimeout = time.Second
	cfg.StageOutTimeout = time.Second
	cfg.PostRunTimeout = time.Second
	cfg.TeardownTimeout = time.Second
	cfg.JobProcessTimeout = time.Second
	cfg.AllowUserPersistence = true
	cfg.StateSaveDir = t.TempDir()
	cfg.TotalSpaceBytes = 10 << 30
	return cfg
}

func waitFor(t *testing.T, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func TestValidateCreatesPlanForScratchRequest(t *testing.T) {
	cli := fakeCLI(t, "")
	cfg := testConfig(t)
	st := store.New(16)
	pl := planner.New(cfg, st)
	eng := lifecycle.NewEngine(cfg, runner.New(cli), st, 4)
	f := New(func() config.Config { return cfg }, st, pl, eng, nil)

	job := newFakeJob(1, 10, "#DW jobdw capacity=1GiB access_mode=striped type=scratch\n#!/bin/bash\necho hi\n")
	assert.NilError(t, f.Validate(job))

	bp := st.Plan(1)
	assert.Assert(t, bp != nil)
	assert.Equal(t, bp.TotalBytes, int64(1<<30))
	assert.Assert(t, job.bb != "")
}

func TestValidateRefusesRequestOverUserSizeLimit(t *testing.T) {
	cli := fakeCLI(t, "")
	cfg := testConfig(t)
	cfg.UserSizeLimitBytes = 1 << 30
	st := store.New(16)
	pl := planner.New(cfg, st)
	eng := lifecycle.NewEngine(cfg, runner.New(cli), st, 4)
	f := New(func() config.Config { return cfg }, st, pl, eng, nil)

	job := newFakeJob(1, 10, "#DW jobdw capacity=2GiB access_mode=striped type=scratch\n#!/bin/bash\necho hi\n")
	err := f.Validate(job)
	assert.ErrorContains(t, err, "size limit")
	assert.Assert(t, st.Plan(1) == nil)
}

func TestValidateRefusesNonOwnerPersistentDestroy(t *testing.T) {
	cli := fakeCLI(t, "")
	cfg := testConfig(t)
	st := store.New(16)
	pl := planner.New(cfg, st)
	eng := lifecycle.NewEngine(cfg, runner.New(cli), st, 4)
	f := New(func() config.Config { return cfg }, st, pl, eng, nil)

	st.PutAllocation(&store.Allocation{OwnerUserID: 1, Name: "scratchpad", State: planstate.Allocated})

	job := newFakeJob(2, 2, "#BB destroy_persistent name=scratchpad\n#!/bin/bash\necho hi\n")
	err := f.Validate(job)
	assert.ErrorContains(t, err, "may not destroy")
	assert.Equal(t, job.priority, uint32(0))
}

func TestGetEstStartReturnsJobStartWhenCapacityFits(t *testing.T) {
	cli := fakeCLI(t, "")
	cfg := testConfig(t)
	st := store.New(16)
	pl := planner.New(cfg, st)
	eng := lifecycle.NewEngine(cfg, runner.New(cli), st, 4)
	f := New(func() config.Config { return cfg }, st, pl, eng, nil)

	job := newFakeJob(3, 10, "#DW jobdw capacity=1GiB\n#!/bin/bash\necho hi\n")
	assert.NilError(t, f.Validate(job))

	est := f.GetEstStart(job)
	assert.Assert(t, est.Equal(job.StartTime()))
}

func TestGetEstStartDoesNotMutateStoreOnNoCapacity(t *testing.T) {
	cli := fakeCLI(t, "")
	cfg := testConfig(t)
	cfg.TotalSpaceBytes = 1 << 30
	st := store.New(16)
	endTime := time.Now().Add(time.Hour)
	st.PutAllocation(&store.Allocation{OwnerUserID: 1, JobID: 99, SizeBytes: 1 << 30, ProjectedEndTime: endTime})
	pl := planner.New(cfg, st)
	eng := lifecycle.NewEngine(cfg, runner.New(cli), st, 4)
	f := New(func() config.Config { return cfg }, st, pl, eng, nil)

	job := newFakeJob(4, 2, "#DW jobdw capacity=1GiB\n#!/bin/bash\necho hi\n")
	assert.NilError(t, f.Validate(job))

	est := f.GetEstStart(job)
	assert.Assert(t, est.After(job.StartTime()))
	// the read-only estimate must not have preempted the existing allocation.
	victim := st.AllocationByJobID(99)
	assert.Equal(t, victim.State, planstate.State(0))
	assert.Assert(t, victim.ProjectedEndTime.Equal(endTime))
}

func TestTryStageInAdmitsAndBeginsProvisioning(t *testing.T) {
	cli := fakeCLI(t, "")
	cfg := testConfig(t)
	st := store.New(16)
	pl := planner.New(cfg, st)
	eng := lifecycle.NewEngine(cfg, runner.New(cli), st, 4)
	f := New(func() config.Config { return cfg }, st, pl, eng, nil)

	job := newFakeJob(6, 11, "#DW jobdw capacity=1GiB\n#!/bin/bash\necho hi\n")
	assert.NilError(t, f.Validate(job))

	q := &fakeQueue{jobs: []*fakeJob{job}}
	f.TryStageIn(context.Background(), q)

	p := eng.Get(6)
	assert.Assert(t, p != nil)
	waitFor(t, func() bool { return p.Data.State != planstate.Pending })
}

func TestStatePackFiltersToOwnAllocationsForNonPrivilegedCaller(t *testing.T) {
	cli := fakeCLI(t, "")
	cfg := testConfig(t)
	st := store.New(16)
	pl := planner.New(cfg, st)
	eng := lifecycle.NewEngine(cfg, runner.New(cli), st, 4)
	f := New(func() config.Config { return cfg }, st, pl, eng, nil)

	st.PutAllocation(&store.Allocation{OwnerUserID: 20, Name: "mine", SizeBytes: 1 << 20})
	st.PutAllocation(&store.Allocation{OwnerUserID: 21, Name: "theirs", SizeBytes: 1 << 20})

	sp := f.StatePack(20)
	assert.Equal(t, len(sp.Allocations), 1)
	assert.Equal(t, sp.Allocations[0].Name, "mine")

	admin := cfg
	admin.PrivilegedUsers = []uint32{0}
	fAdmin := New(func() config.Config { return admin }, st, pl, eng, nil)
	spAll := fAdmin.StatePack(0)
	assert.Equal(t, len(spAll.Allocations), 2)
}

// TestPersistentBufferSurvivesRestart grounds spec.md §8 scenario 4: a
// persistent buffer's account/partition/QoS attribution, which the
// external subsystem itself does not track, is recovered from the
// snapshot once a fresh process rediscovers the session.
func TestPersistentBufferSurvivesRestart(t *testing.T) {
	cli := fakeCLI(t, `create_persistent) exit 0 ;;`)
	cfg := testConfig(t)
	st1 := store.New(16)
	pl1 := planner.New(cfg, st1)
	eng1 := lifecycle.NewEngine(cfg, runner.New(cli), st1, 4)
	f1 := New(func() config.Config { return cfg }, st1, pl1, eng1, nil)

	job := newFakeJob(5, 7, "#BB create_persistent name=scratchpad capacity=1GiB\n#!/bin/bash\necho hi\n")
	job.account = "physics"
	assert.NilError(t, f1.Validate(job))
	p := eng1.Get(5)
	assert.Assert(t, p != nil)
	assert.NilError(t, eng1.BeginProvisioning(context.Background(), p, lifecycle.StepInput{JobID: 5, UserID: 7}))

	waitFor(t, func() bool { return st1.AllocationByName(7, "scratchpad") != nil })
	alloc := st1.AllocationByName(7, "scratchpad")
	alloc.Account = "physics"

	assert.NilError(t, store.WriteSnapshot(cfg.StateSaveDir, cfg.EmulationMode, st1.SnapshotRecords()))

	// Simulate a fresh process: new store, planner, engine and agent
	// rediscovering the same session from the external subsystem.
	cli2 := fakeCLI(t, `show_sessions) echo '[{"token": "scratchpad", "owner": 7}]' ;;`)
	st2 := store.New(16)
	pl2 := planner.New(cfg, st2)
	eng2 := lifecycle.NewEngine(cfg, runner.New(cli2), st2, 4)
	a2 := agent.New(func() config.Config { return cfg }, runner.New(cli2), st2, pl2, nil, eng2)
	assert.NilError(t, a2.LoadSnapshot(cfg))

	a2.Pass(context.Background())

	got := st2.AllocationByName(7, "scratchpad")
	assert.Assert(t, got != nil)
	assert.Equal(t, got.Account, "physics")
}
