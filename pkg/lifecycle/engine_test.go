package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/hpc-tools/dws-burstbuffer/pkg/config"
	"github.com/hpc-tools/dws-burstbuffer/pkg/directive"
	"github.com/hpc-tools/dws-burstbuffer/pkg/planstate"
	"github.com/hpc-tools/dws-burstbuffer/pkg/runner"
	"github.com/hpc-tools/dws-burstbuffer/pkg/store"
)

// fakeCLI writes an executable shell script that dispatches on the
// runner's "--function <name>" prefix, matching the external
// subsystem's actual argv convention (spec.md §6).
func fakeCLI(t *testing.T, cases string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake_wlm_cli")
	body := "#!/bin/sh\nfn=\"$2\"\ncase \"$fn\" in\n" + cases + "\n*) exit 0 ;;\nesac\n"
	assert.NilError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func waitForState(t *testing.T, p *Plan, want planstate.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, still at %s", want, p.State())
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.SetupTimeout = time.Second
	cfg.StageInTimeout = time.Second
	cfg.PreRunTimeout = time.Second
	cfg.StageOutTimeout = time.Second
	cfg.PostRunTimeout = time.Second
	cfg.TeardownTimeout = time.Second
	return cfg
}

// TestHappyPathJobScratch exercises the full pending -> ... -> complete
// path for a plain scratch allocation with no persistent sub-operations.
func TestHappyPathJobScratch(t *testing.T) {
	cli := fakeCLI(t, "")
	eng := NewEngine(testConfig(), runner.New(cli), store.New(16), 4)
	ctx := context.Background()

	bp := &store.BufferPlan{JobID: 1, TotalBytes: 1 << 30, State: planstate.Pending}
	p := NewPlan(bp)
	in := StepInput{JobID: 1, UserID: 10, ScriptPath: "/tmp/job.sh", Capacity: "default:1073741824"}

	assert.NilError(t, eng.BeginProvisioning(ctx, p, in))
	waitForState(t, p, planstate.StagedIn)
	assert.Assert(t, eng.store.AllocationByJobID(1) != nil)

	eng.JobBegin(ctx, p, in)
	waitForState(t, p, planstate.Running)

	eng.StartStageOut(ctx, p, in)
	waitForState(t, p, planstate.Complete)
	assert.Assert(t, eng.store.AllocationByJobID(1) == nil)
}

// TestStageInErrorForcesTeardown exercises spec.md §8's stage-in
// failure scenario: a nonzero data_in forces an immediate hurried
// teardown instead of leaving the plan stuck in staging_in.
func TestStageInErrorForcesTeardown(t *testing.T) {
	cli := fakeCLI(t, `data_in) echo "stage-in exploded" 1>&2; exit 3 ;;`)
	eng := NewEngine(testConfig(), runner.New(cli), store.New(16), 4)
	ctx := context.Background()

	bp := &store.BufferPlan{JobID: 2, TotalBytes: 1 << 30, State: planstate.Pending}
	p := NewPlan(bp)
	in := StepInput{JobID: 2, UserID: 11, ScriptPath: "/tmp/job2.sh", Capacity: "default:1073741824"}

	assert.NilError(t, eng.BeginProvisioning(ctx, p, in))
	waitForState(t, p, planstate.Complete)
	assert.Assert(t, p.Hurry)
	assert.Assert(t, len(bp.StateDesc) > 0)
}

// TestPreRunErrorForcesTeardownFromStagedIn grounds spec.md §8's
// pre_run failure scenario: JobBegin only ever runs after stage-in has
// already moved the plan to staged_in (per TestHappyPathJobScratch
// above), so the forced teardown this triggers must fire from
// staged_in, not staging_in, or the plan gets stuck there forever.
func TestPreRunErrorForcesTeardownFromStagedIn(t *testing.T) {
	cli := fakeCLI(t, `pre_run) echo "pre-run exploded" 1>&2; exit 3 ;;`)
	eng := NewEngine(testConfig(), runner.New(cli), store.New(16), 4)
	ctx := context.Background()

	bp := &store.BufferPlan{JobID: 4, TotalBytes: 1 << 30, State: planstate.Pending}
	p := NewPlan(bp)
	in := StepInput{JobID: 4, UserID: 13, ScriptPath: "/tmp/job4.sh", Capacity: "default:1073741824"}

	assert.NilError(t, eng.BeginProvisioning(ctx, p, in))
	waitForState(t, p, planstate.StagedIn)

	eng.JobBegin(ctx, p, in)
	waitForState(t, p, planstate.Complete)
	assert.Assert(t, p.Hurry)
	assert.Assert(t, len(bp.StateDesc) > 0)
	assert.Assert(t, eng.store.AllocationByJobID(4) == nil)
	assert.Assert(t, eng.Get(4) == nil)
}

// TestTeardownTreatsTokenNotFoundAsSuccess grounds the idempotent
// teardown property directly against the engine's runTeardown helper.
func TestTeardownTreatsTokenNotFoundAsSuccess(t *testing.T) {
	cli := fakeCLI(t, `teardown) echo "token not found" 1>&2; exit 1 ;;`)
	eng := NewEngine(testConfig(), runner.New(cli), store.New(16), 4)
	ok := eng.runTeardown(context.Background(), "999", "", false)
	assert.Assert(t, ok)
}

// TestPersistentCreateSubOpGatesStageIn checks that a plan carrying a
// create_persistent sub-operation only reaches staging_in once that
// sub-operation has finished.
func TestPersistentCreateSubOpGatesStageIn(t *testing.T) {
	cli := fakeCLI(t, "")
	eng := NewEngine(testConfig(), runner.New(cli), store.New(16), 4)
	ctx := context.Background()

	bp := &store.BufferPlan{
		JobID:      3,
		TotalBytes: 1 << 30,
		State:      planstate.Pending,
		Persistent: []directive.PersistentOp{{Name: "scratchpad", Op: directive.OpCreate, SizeBytes: 1 << 30}},
	}
	p := NewPlan(bp)
	in := StepInput{JobID: 3, UserID: 12, ScriptPath: "/tmp/job3.sh", Capacity: "default:1073741824"}

	assert.NilError(t, eng.BeginProvisioning(ctx, p, in))
	waitForState(t, p, planstate.StagedIn)
	assert.Equal(t, p.SubOps[0].State, planstate.Allocated)
}
