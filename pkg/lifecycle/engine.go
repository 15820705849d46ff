// Engine drives BufferPlans through their states by invoking the
// external command runner off the hot path and folding the result
// back into the plan's state machine (spec.md §4.2, §4.5).
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hpc-tools/dws-burstbuffer/pkg/artifacts"
	"github.com/hpc-tools/dws-burstbuffer/pkg/bberrors"
	"github.com/hpc-tools/dws-burstbuffer/pkg/config"
	"github.com/hpc-tools/dws-burstbuffer/pkg/directive"
	"github.com/hpc-tools/dws-burstbuffer/pkg/log"
	"github.com/hpc-tools/dws-burstbuffer/pkg/metrics"
	"github.com/hpc-tools/dws-burstbuffer/pkg/planstate"
	"github.com/hpc-tools/dws-burstbuffer/pkg/runner"
	"github.com/hpc-tools/dws-burstbuffer/pkg/store"
)

// External CLI function names (spec.md §6).
const (
	FnJobProcess        = "job_process"
	FnPaths             = "paths"
	FnSetup             = "setup"
	FnDataIn            = "data_in"
	FnPreRun            = "pre_run"
	FnDataOut           = "data_out"
	FnPostRun           = "post_run"
	FnTeardown          = "teardown"
	FnCreatePersistent  = "create_persistent"
	FnShowPools         = "show_pools"
	FnShowInstances     = "show_instances"
	FnShowSessions      = "show_sessions"
	FnShowConfigurations = "show_configurations"
)

// tokenNotFoundSubstr is the stderr substring the external subsystem uses
// to say "this token has already been torn down" (spec.md §6, §7).
const tokenNotFoundSubstr = "token not found"

// StepInput carries everything a lifecycle step needs about the job's
// on-disk artifacts and identity, translated by the facade from the
// host's own job record (spec.md §6 on-disk layout).
type StepInput struct {
	JobID       uint32
	Token       string // defaults to fmt.Sprint(JobID); a persistent buffer's name for sub-op steps
	UserID      uint32
	ScriptPath  string
	NIDListPath string
	PathFile    string // path of the "pathfile" artifact for paths/pre_run
	Hostnames   bool
	Capacity    string // "pool:size" flag value for setup/create_persistent
}

// Engine owns the dispatcher and runner used to advance every plan.
type Engine struct {
	cfg        config.Config
	runner     *runner.Runner
	store      *store.Store
	dispatcher *Dispatcher

	mu    sync.Mutex
	plans map[uint32]*Plan

	// OnPersistentCreated, if set, is called after a create_persistent
	// sub-operation succeeds, so the background agent can flag that the
	// snapshot needs rewriting without the engine importing pkg/agent.
	OnPersistentCreated func()
}

// NewEngine builds an Engine. concurrency bounds the worker pool
// (see Dispatcher).
func NewEngine(cfg config.Config, r *runner.Runner, st *store.Store, concurrency int) *Engine {
	return &Engine{
		cfg:        cfg,
		runner:     r,
		store:      st,
		dispatcher: NewDispatcher(concurrency),
		plans:      make(map[uint32]*Plan),
	}
}

// Track registers a Plan under its job id.
func (e *Engine) Track(p *Plan) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.plans[p.Data.JobID] = p
}

// Get returns the tracked Plan for jobID, if any.
func (e *Engine) Get(jobID uint32) *Plan {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.plans[jobID]
}

// Untrack removes a plan once it reaches Complete.
func (e *Engine) Untrack(jobID uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.plans, jobID)
}

// BeginProvisioning admits plan into allocating or deleting and
// dispatches a worker to run its persistent-buffer sub-operations, if
// any, before advancing to staging_in or complete. It returns
// immediately; the worker continues in the background.
func (e *Engine) BeginProvisioning(ctx context.Context, p *Plan, in StepInput) error {
	event := evAdmitDeleteOnly
	if p.HasCreateOrScratch() {
		event = evAdmitProvision
	}
	if err := p.fire(ctx, event); err != nil {
		return err
	}
	e.dispatcher.Go(func() {
		e.runSubOps(ctx, p, in)
	})
	return nil
}

func (e *Engine) runSubOps(ctx context.Context, p *Plan, in StepInput) {
	for _, op := range p.SubOps {
		switch op.Op {
		case directive.OpCreate:
			e.runCreateSubOp(ctx, p, op, in)
		case directive.OpDestroy:
			e.runDestroySubOp(ctx, p, op, in)
		case directive.OpUse:
			op.State = planstate.Allocated
		}
	}
	e.advanceAfterSubOps(ctx, p, in)
}

func (e *Engine) runCreateSubOp(ctx context.Context, p *Plan, op *SubOp, in StepInput) {
	op.State = planstate.Allocating
	argv := []string{
		"-c", e.cfg.CLIPath,
		"-t", op.Name,
		"-u", fmt.Sprint(in.UserID),
		"-C", fmt.Sprintf("%s:%d", poolName(op), op.SizeBytes),
	}
	if op.Access != "" {
		argv = append(argv, "-a", op.Access)
	}
	if op.Type != "" {
		argv = append(argv, "-T", op.Type)
	}
	res := e.runner.Run(ctx, FnCreatePersistent, argv, e.cfg.SetupTimeout)
	recordResult(FnCreatePersistent, res)
	// spec.md Design Notes §9: this CLI's exit code for
	// create_persistent has historically been unreliable; the core
	// trusts it anyway (documented decision, DESIGN.md).
	if res.ExitStatus != 0 {
		op.State = planstate.Teardown
		p.Data.StateDesc = fmt.Sprintf("FAIL_BURST_BUFFER_OP: %s: %s", FnCreatePersistent, res.Stderr)
		return
	}
	op.State = planstate.Allocated
	now := time.Now()
	e.store.PutAllocation(&store.Allocation{
		OwnerUserID: in.UserID,
		Name:        op.Name,
		SizeBytes:   op.SizeBytes,
		Account:     p.Data.Account,
		Partition:   p.Data.Partition,
		QOS:         p.Data.QOS,
		CreateTime:  now,
		LastSeen:    now,
		State:       planstate.Allocated,
	})
	if e.OnPersistentCreated != nil {
		e.OnPersistentCreated()
	}
}

func (e *Engine) runDestroySubOp(ctx context.Context, p *Plan, op *SubOp, in StepInput) {
	op.State = planstate.Deleting
	ok := e.runTeardown(ctx, op.Name, in.ScriptPath, op.Hurry)
	if !ok {
		op.State = planstate.Teardown
		p.Data.StateDesc = fmt.Sprintf("FAIL_BURST_BUFFER_OP: %s: destroy of %s failed", FnTeardown, op.Name)
		return
	}
	op.State = planstate.Deleted
}

func poolName(op *SubOp) string {
	if op.Type != "" {
		return op.Type
	}
	return "default"
}

func (e *Engine) advanceAfterSubOps(ctx context.Context, p *Plan, in StepInput) {
	if p.SubOpsActive() {
		return
	}
	switch p.State() {
	case planstate.Allocating:
		if p.Data.TotalBytes > 0 {
			if err := p.fire(ctx, evSubOpsToStageIn); err == nil {
				e.dispatcher.Go(func() { e.runStageIn(ctx, p, in) })
			}
		} else if err := p.fire(ctx, evSubOpsToComplete); err == nil {
			e.finishPlan(p)
		}
	case planstate.Deleting:
		if err := p.fire(ctx, evDeleteToComplete); err == nil {
			e.finishPlan(p)
		}
	}
}

// finishPlan drops a plan that reached complete, whether through
// runTeardownStep or directly (a persistent-only create/destroy with no
// job-scratch buffer); spec.md §3 destroys the plan on completion. Its
// artifact directory goes with it rather than waiting for the agent's
// next artifact-GC scan to notice the plan is gone.
func (e *Engine) finishPlan(p *Plan) {
	e.Untrack(p.Data.JobID)
	e.store.RemovePlan(p.Data.JobID)
	if e.cfg.StateSaveDir != "" {
		if err := artifacts.RemoveJobDir(e.cfg.StateSaveDir, p.Data.JobID); err != nil {
			log.Log(log.Lifecycle).Warn("removing job artifact directory failed", zap.Uint32("job_id", p.Data.JobID), zap.Error(err))
		}
	}
}

// StageIn drives setup+data_in for a plan already in staging_in on a
// dispatcher worker. BeginProvisioning reaches the same step on its own
// once a plan's sub-operations finish, so the facade does not call this.
func (e *Engine) StageIn(ctx context.Context, p *Plan, in StepInput) {
	e.dispatcher.Go(func() { e.runStageIn(ctx, p, in) })
}

func (e *Engine) runStageIn(ctx context.Context, p *Plan, in StepInput) {
	if p.State() != planstate.StagingIn {
		return
	}
	e.chargeScratchAllocation(p, in)
	token := stepToken(in)
	setupArgv := []string{
		"--token", token, "--caller", "SLURM",
		"--user", fmt.Sprint(in.UserID),
		"--capacity", in.Capacity,
		"--job", in.ScriptPath,
	}
	setupArgv = append(setupArgv, nidFlag(in)...)
	res := e.runner.Run(ctx, FnSetup, setupArgv, e.cfg.SetupTimeout)
	recordResult(FnSetup, res)
	if res.ExitStatus != 0 {
		e.forceTeardown(ctx, p, in, FnSetup, res, true)
		return
	}

	res = e.runner.Run(ctx, FnDataIn, []string{"--token", token, "--job", in.ScriptPath}, e.cfg.StageInTimeout)
	recordResult(FnDataIn, res)
	if res.ExitStatus != 0 {
		e.forceTeardown(ctx, p, in, FnDataIn, res, true)
		return
	}
	if err := p.fire(ctx, evStageInOK); err != nil {
		return
	}
}

// chargeScratchAllocation records the job-scratch allocation as
// stage-in begins, before setup runs (spec.md §3 Lifecycles: "Allocation
// (job-scratch): created when stage-in begins"). A failed stage-in frees
// it again through runTeardownStep.
func (e *Engine) chargeScratchAllocation(p *Plan, in StepInput) {
	if p.Data.TotalBytes <= 0 {
		return
	}
	now := time.Now()
	e.store.PutAllocation(&store.Allocation{
		OwnerUserID: in.UserID,
		JobID:       p.Data.JobID,
		SizeBytes:   p.Data.TotalBytes,
		Account:     p.Data.Account,
		Partition:   p.Data.Partition,
		QOS:         p.Data.QOS,
		CreateTime:  now,
		LastSeen:    now,
		State:       p.State(),
		GRES:        gresMap(p.Data.GRES),
	})
}

func gresMap(gres []directive.GenericResource) map[string]int64 {
	if len(gres) == 0 {
		return nil
	}
	m := make(map[string]int64, len(gres))
	for _, g := range gres {
		m[g.Name] = g.Count
	}
	return m
}

// JobBegin runs pre_run and advances the plan to running.
func (e *Engine) JobBegin(ctx context.Context, p *Plan, in StepInput) {
	e.dispatcher.Go(func() {
		token := stepToken(in)
		argv := []string{"--token", token, "--job", in.ScriptPath}
		argv = append(argv, nidFlag(in)...)
		res := e.runner.Run(ctx, FnPreRun, argv, e.cfg.PreRunTimeout)
		recordResult(FnPreRun, res)
		// spec.md Design Notes §9: pre_run's exit status is one of the
		// CLI functions whose reliability the original plugin
		// distrusted; trusted here per the same documented decision.
		if res.ExitStatus != 0 {
			e.forceTeardown(ctx, p, in, FnPreRun, res, true)
			return
		}
		p.fire(ctx, evJobBegin) //nolint:errcheck
	})
}

// StartStageOut runs data_out, post_run, then tears down.
func (e *Engine) StartStageOut(ctx context.Context, p *Plan, in StepInput) {
	if err := p.fire(ctx, evRunningDone); err != nil {
		log.Log(log.Lifecycle).Warn("start_stage_out: invalid transition", zap.Error(err))
		return
	}
	e.dispatcher.Go(func() {
		token := stepToken(in)
		res := e.runner.Run(ctx, FnDataOut, []string{"--token", token, "--job", in.ScriptPath}, e.cfg.StageOutTimeout)
		recordResult(FnDataOut, res)
		if res.ExitStatus != 0 {
			e.forceTeardownFrom(ctx, p, in, evStageOutErr, FnDataOut, res, true)
			return
		}
		res = e.runner.Run(ctx, FnPostRun, []string{"--token", token, "--job", in.ScriptPath}, e.cfg.PostRunTimeout)
		recordResult(FnPostRun, res)
		if res.ExitStatus != 0 {
			e.forceTeardownFrom(ctx, p, in, evStageOutErr, FnPostRun, res, true)
			return
		}
		p.fire(ctx, evStageOutOK) //nolint:errcheck
		e.runTeardownStep(ctx, p, in, p.Hurry)
	})
}

// Cancel forces a hurried teardown from whatever state the plan is in.
func (e *Engine) Cancel(ctx context.Context, p *Plan, in StepInput) {
	p.Hurry = true
	e.dispatcher.Go(func() {
		if p.State() != planstate.Teardown && p.State() != planstate.Complete {
			p.fire(ctx, evCancel) //nolint:errcheck
		}
		e.runTeardownStep(ctx, p, in, true)
	})
}

func (e *Engine) runTeardownStep(ctx context.Context, p *Plan, in StepInput, hurry bool) {
	token := stepToken(in)
	if e.runTeardown(ctx, token, in.ScriptPath, hurry) {
		p.fire(ctx, evTeardownOK) //nolint:errcheck
		if a := e.store.AllocationByJobID(p.Data.JobID); a != nil {
			e.store.FreeAllocation(a)
		}
		// spec.md §3: the plan itself is destroyed once teardown
		// completes, not merely marked complete.
		e.finishPlan(p)
		return
	}
	// A failed, non-idempotent teardown leaves the plan in Teardown;
	// only another Cancel call runs teardown for it again.
}

// runTeardown invokes the teardown function, treating a "token not
// found" stderr as success (spec.md §6, §7, §8 scenario "token not
// found is indistinguishable from success").
func (e *Engine) runTeardown(ctx context.Context, token, scriptPath string, hurry bool) bool {
	argv := []string{"--token", token}
	if scriptPath != "" {
		argv = append(argv, "--job", scriptPath)
	}
	if hurry {
		argv = append(argv, "--hurry")
	}
	res := e.runner.Run(ctx, FnTeardown, argv, e.cfg.TeardownTimeout)
	recordResult(FnTeardown, res)
	if res.ExitStatus == 0 {
		return true
	}
	if strings.Contains(strings.ToLower(res.Stderr), tokenNotFoundSubstr) {
		return true
	}
	return false
}

// forceTeardown fires evCancel rather than a state-specific error event,
// since a forced teardown can be triggered from any active state a step
// failure leaves the plan in (setup/data_in failing from staging_in,
// pre_run failing from staged_in) and evCancel's Src list already
// spans every one of them.
func (e *Engine) forceTeardown(ctx context.Context, p *Plan, in StepInput, function string, res runner.Result, hurry bool) {
	e.forceTeardownFrom(ctx, p, in, evCancel, function, res, hurry)
}

func (e *Engine) forceTeardownFrom(ctx context.Context, p *Plan, in StepInput, event, function string, res runner.Result, hurry bool) {
	p.Hurry = hurry
	p.Data.StateDesc = describeFailure(function, res)
	if err := p.fire(ctx, event); err != nil {
		log.Log(log.Lifecycle).Warn("forced teardown transition failed", zap.Error(err), zap.String("event", event))
	}
	e.runTeardownStep(ctx, p, in, hurry)
}

func describeFailure(function string, res runner.Result) string {
	return fmt.Sprintf("FAIL_BURST_BUFFER_OP: %s: %s", function, strings.TrimSpace(res.Stderr))
}

func stepToken(in StepInput) string {
	if in.Token != "" {
		return in.Token
	}
	return fmt.Sprint(in.JobID)
}

func nidFlag(in StepInput) []string {
	if in.NIDListPath == "" {
		return nil
	}
	if in.Hostnames {
		return []string{"--nodehostnamefile", in.NIDListPath}
	}
	return []string{"--nidlistfile", in.NIDListPath}
}

func recordResult(function string, res runner.Result) {
	result := "ok"
	switch {
	case res.TimedOut:
		result = "timeout"
	case res.ExitStatus != 0:
		result = "error"
	}
	metrics.ExternalCommand(function, result)
}

// RunJobProcess invokes job_process synchronously with the job's
// script path (spec.md §6: `job_process --job <script>`). Unlike the
// long-running stage operations the dispatcher runs asynchronously,
// validate2 needs this call's result before the job can be released
// to run, so it is not worth dispatching off-thread.
func (e *Engine) RunJobProcess(ctx context.Context, in StepInput) runner.Result {
	res := e.runner.Run(ctx, FnJobProcess, []string{"--job", in.ScriptPath}, e.cfg.JobProcessTimeout)
	recordResult(FnJobProcess, res)
	return res
}

// RunPaths invokes paths synchronously (spec.md §6:
// `paths --job <script> --token <jid> --pathfile <path>`), reporting
// the mount points a job's script can expect once stage-in completes;
// validate2 injects its output into the job's environment.
func (e *Engine) RunPaths(ctx context.Context, in StepInput) runner.Result {
	argv := []string{"--job", in.ScriptPath, "--token", stepToken(in), "--pathfile", in.PathFile}
	res := e.runner.Run(ctx, FnPaths, argv, e.cfg.JobProcessTimeout)
	recordResult(FnPaths, res)
	return res
}

// StateDescError builds the bberrors external-error value for a
// failed step, for callers (facade) that want a typed error back.
func StateDescError(function string, res runner.Result) error {
	return bberrors.New(bberrors.ExternalError, "%s: %s", function, strings.TrimSpace(res.Stderr))
}
