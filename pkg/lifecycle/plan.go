package lifecycle

import (
	"context"

	"github.com/looplab/fsm"

	"github.com/hpc-tools/dws-burstbuffer/pkg/directive"
	"github.com/hpc-tools/dws-burstbuffer/pkg/planstate"
	"github.com/hpc-tools/dws-burstbuffer/pkg/store"
)

// SubOp tracks one persistent-buffer create/destroy/use directive
// embedded in a plan through its own small lifecycle (spec.md §4.2:
// "Persistent creates/destroys embedded in a plan are executed as
// sub-operations before the plan can leave allocating").
type SubOp struct {
	directive.PersistentOp
	State planstate.State
}

// Plan binds a BufferPlan to its state machine and its sub-operations.
type Plan struct {
	Data   *store.BufferPlan
	SubOps []*SubOp
	sm     *fsm.FSM
	Hurry  bool
}

// NewPlan wraps bp for lifecycle management, seeding one SubOp per
// persistent directive it carries.
func NewPlan(bp *store.BufferPlan) *Plan {
	p := &Plan{Data: bp}
	for _, op := range bp.Persistent {
		p.SubOps = append(p.SubOps, &SubOp{PersistentOp: op, State: planstate.Pending})
	}
	p.sm = newFSM(bp.State)
	return p
}

// HasCreateOrScratch reports whether this plan needs to enter
// allocating (as opposed to deleting) on admission.
func (p *Plan) HasCreateOrScratch() bool {
	if p.Data.TotalBytes > 0 {
		return true
	}
	for _, op := range p.SubOps {
		if op.Op == directive.OpCreate {
			return true
		}
	}
	return false
}

// SubOpsActive reports whether any sub-operation is still doing work;
// the plan may not leave allocating/deleting while this is true.
func (p *Plan) SubOpsActive() bool {
	for _, op := range p.SubOps {
		if op.State.Active() {
			return true
		}
	}
	return false
}

// State returns the plan's current lifecycle state.
func (p *Plan) State() planstate.State { return p.Data.State }

func (p *Plan) fire(ctx context.Context, event string) error {
	return p.sm.Event(ctx, event, p)
}

// CanFire reports whether event is currently a legal transition,
// without attempting it.
func (p *Plan) CanFire(event string) bool {
	return p.sm.Can(event)
}
