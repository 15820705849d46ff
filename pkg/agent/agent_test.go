package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/hpc-tools/dws-burstbuffer/pkg/config"
	"github.com/hpc-tools/dws-burstbuffer/pkg/hostiface"
	"github.com/hpc-tools/dws-burstbuffer/pkg/lifecycle"
	"github.com/hpc-tools/dws-burstbuffer/pkg/planner"
	"github.com/hpc-tools/dws-burstbuffer/pkg/planstate"
	"github.com/hpc-tools/dws-burstbuffer/pkg/runner"
	"github.com/hpc-tools/dws-burstbuffer/pkg/store"
)

func fakeCLIScript(t *testing.T, cases string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake_wlm_cli")
	body := "#!/bin/sh\nfn=\"$2\"\ncase \"$fn\" in\n" + cases + "\n*) exit 0 ;;\nesac\n"
	assert.NilError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func TestReconcileSessionsCreatesNewAllocation(t *testing.T) {
	cli := fakeCLIScript(t, `show_sessions) echo '[{"token": "myscratch", "owner": 7}]' ;;`)
	cfg := config.Default()
	st := store.New(16)
	pl := planner.New(cfg, st)
	eng := lifecycle.NewEngine(cfg, runner.New(cli), st, 2)
	a := New(func() config.Config { return cfg }, runner.New(cli), st, pl, nil, eng)

	a.Pass(context.Background())

	got := st.AllocationByName(7, "myscratch")
	assert.Assert(t, got != nil)
}

func TestReclaimVestigialFreesUnseenAllocation(t *testing.T) {
	cli := fakeCLIScript(t, "")
	cfg := config.Default()
	st := store.New(16)
	pl := planner.New(cfg, st)
	eng := lifecycle.NewEngine(cfg, runner.New(cli), st, 2)
	a := New(func() config.Config { return cfg }, runner.New(cli), st, pl, nil, eng)

	st.PutAllocation(&store.Allocation{OwnerUserID: 1, Name: "stale", LastSeen: time.Now().Add(-time.Hour)})

	a.Pass(context.Background())
	a.Pass(context.Background())

	assert.Assert(t, st.AllocationByName(1, "stale") == nil)
}

func TestApplyPoolsUpdatesPlannerCapacity(t *testing.T) {
	cli := fakeCLIScript(t, `show_pools) echo '[{"id": "default", "granularity": 1073741824, "quantity": 5368709120}]' ;;`)
	cfg := config.Default()
	st := store.New(16)
	pl := planner.New(cfg, st)
	eng := lifecycle.NewEngine(cfg, runner.New(cli), st, 2)
	a := New(func() config.Config { return cfg }, runner.New(cli), st, pl, nil, eng)

	a.Pass(context.Background())

	plan := &store.BufferPlan{JobID: 1, TotalBytes: 4 << 30}
	d := pl.Admit(plan, planner.Candidate{UserID: 1, StartTime: time.Now()}, nil, time.Now(), func(*store.Allocation) {})
	assert.Equal(t, d, planner.Start)
}

// TestEnforceTimeoutsUsesStateEnteredAtNotSubmission grounds spec.md
// §4.4's stage-in timeout: it must fire off time spent in the
// *current* state, not time since the plan was first created, or a
// job that idled a while before reaching staging_in has its timeout
// budget silently shortened.
func TestEnforceTimeoutsUsesStateEnteredAtNotSubmission(t *testing.T) {
	cli := fakeCLIScript(t, "")
	cfg := config.Default()
	cfg.StageInTimeout = time.Minute
	st := store.New(16)
	pl := planner.New(cfg, st)
	eng := lifecycle.NewEngine(cfg, runner.New(cli), st, 2)
	a := New(func() config.Config { return cfg }, runner.New(cli), st, pl, nil, eng)

	bp := &store.BufferPlan{
		JobID: 9, TotalBytes: 1 << 30, State: planstate.StagingIn,
		// Submitted well over an hour ago, but only just entered
		// staging_in: with the bug this reads as already overrun.
		StateEnteredAt: time.Now(),
	}
	p := lifecycle.NewPlan(bp)
	st.PutPlan(bp)
	eng.Track(p)

	a.enforceTimeouts(cfg, time.Now())
	assert.Equal(t, p.State(), planstate.StagingIn)

	bp.StateEnteredAt = time.Now().Add(-2 * time.Minute)
	a.enforceTimeouts(cfg, time.Now())
	assert.Assert(t, p.Hurry)
}

// fakeHosts counts DefaultAttribution calls so tests can assert the
// accounting handle cache actually avoids repeat lookups.
type fakeHosts struct {
	defaultCalls int
}

func (h *fakeHosts) Reservations(time.Time) []hostiface.Reservation { return nil }
func (h *fakeHosts) Exists(uint32) bool                             { return true }
func (h *fakeHosts) DefaultAttribution(uint32) (string, string, string, bool) {
	h.defaultCalls++
	return "physics", "batch", "normal", true
}

// TestAttributionForCachesWithinAPassAndResetsAcrossPasses grounds the
// accounting handle cache (spec.md §4.7): repeated lookups for the
// same user within one pass must not re-run DefaultAttribution, but a
// fresh pass invalidates the cache since the host's own accounting
// could have changed underneath it.
func TestAttributionForCachesWithinAPassAndResetsAcrossPasses(t *testing.T) {
	cli := fakeCLIScript(t, "")
	cfg := config.Default()
	st := store.New(16)
	pl := planner.New(cfg, st)
	eng := lifecycle.NewEngine(cfg, runner.New(cli), st, 2)
	hosts := &fakeHosts{}
	a := New(func() config.Config { return cfg }, runner.New(cli), st, pl, hosts, eng)

	acct1, _, _ := a.attributionFor(42)
	acct2, _, _ := a.attributionFor(42)
	assert.Equal(t, acct1, "physics")
	assert.Equal(t, acct2, "physics")
	assert.Equal(t, hosts.defaultCalls, 1)

	a.Pass(context.Background())

	a.attributionFor(42)
	assert.Equal(t, hosts.defaultCalls, 2)
}

func TestPersistentCreatedFlagTriggersSnapshot(t *testing.T) {
	cli := fakeCLIScript(t, "")
	cfg := config.Default()
	cfg.StateSaveDir = t.TempDir()
	st := store.New(16)
	pl := planner.New(cfg, st)
	eng := lifecycle.NewEngine(cfg, runner.New(cli), st, 2)
	a := New(func() config.Config { return cfg }, runner.New(cli), st, pl, nil, eng)

	st.PutAllocation(&store.Allocation{OwnerUserID: 1, Name: "kept", State: planstate.Allocated, CreateTime: time.Now()})
	a.NotePersistentCreated()

	a.Pass(context.Background())

	records, err := store.ReadSnapshot(cfg.StateSaveDir, false)
	assert.NilError(t, err)
	assert.Equal(t, len(records), 1)
	assert.Equal(t, records[0].Name, "kept")
}
