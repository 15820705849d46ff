// Package lifecycle drives a single job's BufferPlan through the
// state machine spec.md §4.2 describes: pending through complete,
// with forced-teardown paths on error and persistent-buffer
// create/destroy sub-operations gating the allocating/deleting
// states. Each plan's transitions are serialized by its own state
// machine's lock, not by the state store's mutex; external command
// calls never happen while the store's mutex is held (spec.md §5).
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/hpc-tools/dws-burstbuffer/pkg/log"
	"github.com/hpc-tools/dws-burstbuffer/pkg/planstate"
)

// Event names for the plan-level state machine.
const (
	evAdmitProvision  = "admit_provision"  // pending -> allocating (creates and/or scratch)
	evAdmitDeleteOnly = "admit_delete_only" // pending -> deleting (destroy-only plan)
	evSubOpsToStageIn = "subops_to_stage_in"
	evSubOpsToComplete = "subops_to_complete"
	evDeleteToComplete = "delete_to_complete"
	evStageInOK       = "stage_in_ok"
	evJobBegin        = "job_begin"
	evRunningDone     = "running_done"
	evStageOutOK      = "stage_out_ok"
	evStageOutErr     = "stage_out_err"
	evTeardownOK      = "teardown_ok"
	evCancel          = "cancel"
)

// activeStates lists every state a job can be forced to teardown from.
var activeStates = []string{
	planstate.Pending.String(),
	planstate.Allocating.String(),
	planstate.Allocated.String(),
	planstate.StagingIn.String(),
	planstate.StagedIn.String(),
	planstate.Running.String(),
	planstate.StagingOut.String(),
	planstate.Deleting.String(),
}

// newFSM builds the state machine for one plan. plan is passed as
// event.Args[0] to every callback, mirroring the teacher's
// Application/FSM binding.
func newFSM(initial planstate.State) *fsm.FSM {
	return fsm.NewFSM(
		initial.String(),
		fsm.Events{
			{Name: evAdmitProvision, Src: []string{planstate.Pending.String()}, Dst: planstate.Allocating.String()},
			{Name: evAdmitDeleteOnly, Src: []string{planstate.Pending.String()}, Dst: planstate.Deleting.String()},
			{Name: evSubOpsToStageIn, Src: []string{planstate.Allocating.String()}, Dst: planstate.StagingIn.String()},
			{Name: evSubOpsToComplete, Src: []string{planstate.Allocating.String()}, Dst: planstate.Complete.String()},
			{Name: evDeleteToComplete, Src: []string{planstate.Deleting.String()}, Dst: planstate.Complete.String()},
			{Name: evStageInOK, Src: []string{planstate.StagingIn.String()}, Dst: planstate.StagedIn.String()},
			{Name: evJobBegin, Src: []string{planstate.StagedIn.String()}, Dst: planstate.Running.String()},
			{Name: evRunningDone, Src: []string{planstate.Running.String()}, Dst: planstate.StagingOut.String()},
			{Name: evStageOutOK, Src: []string{planstate.StagingOut.String()}, Dst: planstate.Teardown.String()},
			{Name: evStageOutErr, Src: []string{planstate.StagingOut.String()}, Dst: planstate.Teardown.String()},
			{Name: evTeardownOK, Src: []string{planstate.Teardown.String()}, Dst: planstate.Complete.String()},
			{Name: evCancel, Src: activeStates, Dst: planstate.Teardown.String()},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				plan := e.Args[0].(*Plan) //nolint:errcheck
				log.Log(log.Lifecycle).Info("plan state transition",
					zap.Uint32("job_id", plan.Data.JobID),
					zap.String("source", e.Src),
					zap.String("destination", e.Dst),
					zap.String("event", e.Event))
				plan.Data.State = planstate.State(stateIndex(e.Dst))
				// enforceTimeouts (pkg/agent) measures elapsed time
				// against entry into the *current* state, not original
				// submission, so every transition restamps this.
				plan.Data.StateEnteredAt = time.Now()
			},
		},
	)
}

var stateOrder = []planstate.State{
	planstate.Pending, planstate.Allocating, planstate.Allocated, planstate.StagingIn,
	planstate.StagedIn, planstate.Running, planstate.StagingOut, planstate.Teardown,
	planstate.Deleting, planstate.Deleted, planstate.Complete,
}

func stateIndex(name string) planstate.State {
	for _, s := range stateOrder {
		if s.String() == name {
			return s
		}
	}
	panic(fmt.Sprintf("lifecycle: unknown state name %q", name))
}
