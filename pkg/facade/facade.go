// Package facade is the host-integration boundary (spec.md §4.8): the
// thin, synchronous adapter a host job scheduler calls into at each
// point of a job's life (validation, admission, stage-in/out, cancel,
// operator status). Every method here does the minimum work needed to
// answer the host immediately; anything that could block on an
// external command is handed to the lifecycle engine's worker pool
// (spec.md §5) rather than run inline.
//
// The host is responsible for acquiring its own job-write lock before
// calling any method that mutates a hostiface.JobDescriptor - spec.md
// §5 requires that lock ordered before the core's own state mutex, and
// only the host owns that lock, so the facade cannot acquire it itself.
// The facade's own read-only status queries take the job's read lock
// instead, so they never observe a record some other host goroutine is
// mid-mutation on.
package facade

import (
	"context"
	"fmt"
	"time"

	"github.com/hpc-tools/dws-burstbuffer/pkg/artifacts"
	"github.com/hpc-tools/dws-burstbuffer/pkg/bberrors"
	"github.com/hpc-tools/dws-burstbuffer/pkg/bbsize"
	"github.com/hpc-tools/dws-burstbuffer/pkg/config"
	"github.com/hpc-tools/dws-burstbuffer/pkg/directive"
	"github.com/hpc-tools/dws-burstbuffer/pkg/hostiface"
	"github.com/hpc-tools/dws-burstbuffer/pkg/lifecycle"
	"github.com/hpc-tools/dws-burstbuffer/pkg/planner"
	"github.com/hpc-tools/dws-burstbuffer/pkg/planstate"
	"github.com/hpc-tools/dws-burstbuffer/pkg/store"
)

// tresName is the TRES the host scheduler's accounting expects a
// burst-buffer request to be reported under (spec.md §4.8 xlate_bb_2_tres_str).
const tresName = "bb/cray"

// Facade binds every core component the host needs to reach.
type Facade struct {
	cfg     func() config.Config
	store   *store.Store
	planner *planner.Planner
	engine  *lifecycle.Engine
	hosts   hostiface.Scheduling
}

// New builds a Facade. hosts may be nil if the embedding process has
// no reservation table or accounting defaults to offer.
func New(cfgFn func() config.Config, st *store.Store, pl *planner.Planner, eng *lifecycle.Engine, hosts hostiface.Scheduling) *Facade {
	return &Facade{cfg: cfgFn, store: st, planner: pl, engine: eng, hosts: hosts}
}

func privilegedSet(users []uint32) map[uint32]bool {
	m := make(map[uint32]bool, len(users))
	for _, u := range users {
		m[u] = true
	}
	return m
}

func parseSpec(job hostiface.JobDescriptor, policy directive.Policy) (*directive.Spec, error) {
	if body := job.ScriptBody(); body != "" {
		return directive.Parse(body, job.UserID(), policy)
	}
	if line := job.InteractiveBB(); line != "" {
		return directive.ParseInteractive(line, int64(job.NodeCount()))
	}
	return &directive.Spec{}, nil
}

// Validate parses a job's directives, checks submitter permission and
// per-user size limit, and registers a pending BufferPlan (spec.md
// §4.1, §4.8 validate). A job with no burst-buffer request at all is
// left untouched.
func (f *Facade) Validate(job hostiface.JobDescriptor) error {
	cfg := f.cfg()
	if !cfg.IsAllowed(job.UserID()) {
		return bberrors.New(bberrors.PermissionDenied, "user %d is not permitted to request burst buffers", job.UserID())
	}

	policy := directive.Policy{Privileged: privilegedSet(cfg.PrivilegedUsers), AllowUserPersistence: cfg.AllowUserPersistence}
	spec, err := parseSpec(job, policy)
	if err != nil {
		return err
	}
	spec.ResolveSwap(int64(job.NodeCount()))
	if spec.Empty() {
		return nil
	}

	if err := f.checkPersistentDestroyOwnership(job, spec); err != nil {
		return err
	}

	job.SetBurstBufferField(spec.Raw)
	bp := &store.BufferPlan{
		JobID:          job.JobID(),
		Account:        job.Account(),
		Partition:      job.Partition(),
		QOS:            job.QOS(),
		TotalBytes:     spec.TotalBytes,
		SwapGiB:        spec.SwapGiB,
		SwapNodes:      spec.SwapNodes,
		GRES:           spec.GRES,
		Persistent:     spec.Persistent,
		State:          planstate.Pending,
		Spec:           spec,
		StateEnteredAt: time.Now(),
	}
	if !f.store.CheckLimitAndPutPlan(job.UserID(), spec.TotalBytes, cfg.UserSizeLimitBytes, bp) {
		return bberrors.New(bberrors.LimitExceeded, "user %d request would exceed the %d byte size limit", job.UserID(), cfg.UserSizeLimitBytes)
	}
	f.engine.Track(lifecycle.NewPlan(bp))
	return nil
}

// checkPersistentDestroyOwnership refuses a destroy_persistent request
// for a buffer the submitter does not own unless they are privileged:
// it holds the job at priority zero with a state reason so an operator
// can resolve it, and returns a PermissionDenied error (spec.md §4.2,
// the original plugin's priority-zero hold on a refused
// persistent-destroy).
func (f *Facade) checkPersistentDestroyOwnership(job hostiface.JobDescriptor, spec *directive.Spec) error {
	cfg := f.cfg()
	for _, op := range spec.Persistent {
		if op.Op != directive.OpDestroy {
			continue
		}
		if f.store.AllocationByName(job.UserID(), op.Name) != nil {
			continue
		}
		if cfg.IsPrivileged(job.UserID()) {
			continue
		}
		job.SetPriority(0)
		job.SetStateReason("BurstBufferPersistentDestroyDenied")
		job.SetStateDesc(fmt.Sprintf("user %d does not own persistent buffer %q", job.UserID(), op.Name))
		return bberrors.New(bberrors.PermissionDenied, "user %d may not destroy persistent buffer %q", job.UserID(), op.Name)
	}
	return nil
}

// Validate2 materializes a job's on-disk script artifact and calls
// job_process/paths so the job's environment carries whatever paths
// or identifiers the external subsystem reports back (spec.md §4.8
// validate2). Unlike stage-in/out, these are brief metadata calls the
// original plugin's own validate2 hook blocks on synchronously, so
// this runs them inline rather than through the dispatcher.
func (f *Facade) Validate2(job hostiface.JobDescriptor) error {
	bp := f.store.Plan(job.JobID())
	if bp == nil || bp.Spec == nil || bp.Spec.Empty() {
		return nil
	}
	cfg := f.cfg()
	dir, err := artifacts.EnsureJobDir(cfg.StateSaveDir, job.JobID())
	if err != nil {
		return bberrors.Wrap(bberrors.SnapshotIO, err, "creating job artifact directory")
	}
	scriptPath, err := artifacts.WriteScript(dir, job.ScriptBody())
	if err != nil {
		return bberrors.Wrap(bberrors.SnapshotIO, err, "writing job script")
	}

	ctx := context.Background()
	in := lifecycle.StepInput{
		JobID:      job.JobID(),
		UserID:     job.UserID(),
		ScriptPath: scriptPath,
		PathFile:   artifacts.PathFilePath(dir),
	}
	if res := f.engine.RunJobProcess(ctx, in); res.ExitStatus != 0 {
		return lifecycle.StateDescError(lifecycle.FnJobProcess, res)
	}
	res := f.engine.RunPaths(ctx, in)
	if res.ExitStatus != 0 {
		return lifecycle.StateDescError(lifecycle.FnPaths, res)
	}
	kv, ferr := artifacts.ReadPathFile(dir)
	if ferr != nil {
		kv = artifacts.ParseKeyValueLines(res.Stdout)
	}
	for k, v := range kv {
		job.SetEnv(k, v)
	}
	return nil
}

// SetTresCnt reports a job's burst-buffer request as TRES text
// (spec.md §4.8 xlate_bb_2_tres_str). A job with no plan or no byte
// request reports nothing.
func (f *Facade) SetTresCnt(job hostiface.JobDescriptor) string {
	job.RLock()
	defer job.RUnlock()
	bp := f.store.Plan(job.JobID())
	if bp == nil {
		return ""
	}
	return XlateBB2TresStr(bp.Spec)
}

// XlateBB2TresStr renders a Spec's byte total as "<tres>=<MB>" TRES
// text, the unit the host scheduler's TRES accounting expects.
func XlateBB2TresStr(spec *directive.Spec) string {
	if spec == nil || spec.TotalBytes == 0 {
		return ""
	}
	return fmt.Sprintf("%s=%d", tresName, spec.TotalBytes/bbsize.MiB)
}

// GetEstStart estimates when a pending job's stage-in could begin
// (spec.md §4.8 get_est_start). If the plan already fits within
// configured limits it reports the job's own start time; otherwise it
// reports a conservative delay rather than a precise figure, since the
// real delay depends on when some other job's allocation is freed.
func (f *Facade) GetEstStart(job hostiface.JobDescriptor) time.Time {
	job.RLock()
	defer job.RUnlock()
	bp := f.store.Plan(job.JobID())
	if bp == nil || bp.Spec == nil || bp.Spec.Empty() {
		return job.StartTime()
	}
	cand := planner.Candidate{UserID: job.UserID(), StartTime: job.StartTime()}
	if f.planner.Fits(bp, cand, f.reservations()) {
		return job.StartTime()
	}
	return job.StartTime().Add(f.cfg().StageInTimeout)
}

func (f *Facade) reservations() []hostiface.Reservation {
	if f.hosts == nil {
		return nil
	}
	return f.hosts.Reservations(time.Now())
}

// TryStageIn walks the host's pending queue in start-time order,
// admitting and beginning provisioning for every job the planner
// starts, skipping over a job the planner defers for limits, and
// stopping the whole pass as soon as the planner reports no capacity
// even after preemption (spec.md §4.3, §4.8 try_stage_in).
func (f *Facade) TryStageIn(ctx context.Context, queue hostiface.JobIterator) {
	now := time.Now()
	reservations := f.reservations()
	for {
		job, ok := queue.Next()
		if !ok {
			return
		}
		bp := f.store.Plan(job.JobID())
		if bp == nil || bp.State != planstate.Pending {
			continue
		}
		cand := planner.Candidate{UserID: job.UserID(), StartTime: job.StartTime()}
		decision := f.planner.Admit(bp, cand, reservations, now, func(victim *store.Allocation) {
			f.preempt(ctx, victim)
		})
		switch decision {
		case planner.Start:
			f.beginProvisioning(ctx, job, bp)
		case planner.Skip:
			continue
		case planner.Stop:
			return
		}
	}
}

func (f *Facade) beginProvisioning(ctx context.Context, job hostiface.JobDescriptor, bp *store.BufferPlan) {
	p := f.engine.Get(job.JobID())
	if p == nil {
		p = lifecycle.NewPlan(bp)
		f.engine.Track(p)
	}
	cfg := f.cfg()
	dir, dirErr := artifacts.EnsureJobDir(cfg.StateSaveDir, job.JobID())
	in := lifecycle.StepInput{
		JobID:      job.JobID(),
		UserID:     job.UserID(),
		ScriptPath: dir + "/script",
		PathFile:   artifacts.PathFilePath(dir),
		Capacity:   fmt.Sprintf("default:%d", bp.AddSpaceNeeded()),
		Hostnames:  cfg.NIDsAsHostnames,
	}
	if dirErr == nil {
		if nodes := job.NodeList(); len(nodes) > 0 {
			if path, werr := artifacts.WriteNIDList(dir, cfg.NIDsAsHostnames, nodes); werr == nil {
				in.NIDListPath = path
			}
		}
	}
	if err := f.engine.BeginProvisioning(ctx, p, in); err != nil {
		job.SetStateDesc(err.Error())
	}
}

// preempt is the planner's PreemptFunc: it looks up the owning plan
// for a victim allocation and forces a hurried cancel through the
// lifecycle engine. A victim with no job id or no tracked plan (a
// persistent buffer with no in-flight job) is left as it is.
func (f *Facade) preempt(ctx context.Context, victim *store.Allocation) {
	if victim.JobID == 0 {
		return
	}
	p := f.engine.Get(victim.JobID)
	if p == nil {
		return
	}
	f.engine.Cancel(ctx, p, lifecycle.StepInput{JobID: victim.JobID})
}

// TestStageIn reports a job's stage-in progress for the host's
// bb_g_job_test_stage_in / bb_g_job_begin poll (spec.md §4.8):
// 1 = still in progress, 0 = ready to run, -1 = failed.
func (f *Facade) TestStageIn(job hostiface.JobDescriptor) int {
	job.RLock()
	defer job.RUnlock()
	bp := f.store.Plan(job.JobID())
	if bp == nil || bp.Spec == nil || bp.Spec.Empty() {
		return 0
	}
	switch bp.State {
	case planstate.StagedIn, planstate.Running, planstate.StagingOut, planstate.Complete:
		return 0
	case planstate.Teardown, planstate.Deleted:
		return -1
	default:
		return 1
	}
}

// Begin runs pre_run and advances the plan to running (spec.md §4.8 begin).
func (f *Facade) Begin(ctx context.Context, job hostiface.JobDescriptor, nidListPath string) {
	p := f.engine.Get(job.JobID())
	if p == nil {
		return
	}
	cfg := f.cfg()
	dir := artifacts.JobDir(cfg.StateSaveDir, job.JobID())
	in := lifecycle.StepInput{
		JobID:       job.JobID(),
		UserID:      job.UserID(),
		ScriptPath:  dir + "/script",
		NIDListPath: nidListPath,
		Hostnames:   cfg.NIDsAsHostnames,
	}
	f.engine.JobBegin(ctx, p, in)
}

// StartStageOut begins data_out/post_run/teardown (spec.md §4.8 start_stage_out).
func (f *Facade) StartStageOut(ctx context.Context, job hostiface.JobDescriptor) {
	p := f.engine.Get(job.JobID())
	if p == nil {
		return
	}
	cfg := f.cfg()
	dir := artifacts.JobDir(cfg.StateSaveDir, job.JobID())
	f.engine.StartStageOut(ctx, p, lifecycle.StepInput{JobID: job.JobID(), UserID: job.UserID(), ScriptPath: dir + "/script"})
}

// TestStageOut reports stage-out progress the same way TestStageIn
// reports stage-in progress (spec.md §4.8 test_stage_out).
func (f *Facade) TestStageOut(job hostiface.JobDescriptor) int {
	job.RLock()
	defer job.RUnlock()
	bp := f.store.Plan(job.JobID())
	if bp == nil {
		return 0
	}
	switch bp.State {
	case planstate.Complete:
		return 0
	case planstate.StagingOut, planstate.Teardown:
		return 1
	default:
		return 0
	}
}

// Cancel forces a hurried teardown from whatever state the job's plan
// is in (spec.md §4.8 cancel), then drops the plan and its artifacts
// once teardown finishes.
func (f *Facade) Cancel(ctx context.Context, job hostiface.JobDescriptor) {
	p := f.engine.Get(job.JobID())
	if p == nil {
		return
	}
	f.engine.Cancel(ctx, p, lifecycle.StepInput{JobID: job.JobID()})
}

// JobStatus is one job-scratch plan's status line in a StatePack.
type JobStatus struct {
	JobID     uint32
	State     string
	StateDesc string
	Bytes     int64
}

// AllocationStatus is one allocation's status line in a StatePack,
// covering both job-scratch and persistent buffers.
type AllocationStatus struct {
	Name       string
	JobID      uint32
	OwnerUID   uint32
	Bytes      int64
	State      string
	Persistent bool
}

// StatePack is the read-only operator/status snapshot (spec.md §4.8
// state_pack). It is assembled directly from the store rather than
// through the host, so it reflects the core's own bookkeeping even
// if the host's job records have already been reaped.
type StatePack struct {
	TotalSpaceBytes int64
	UsedSpaceBytes  int64
	Jobs            []JobStatus
	Allocations     []AllocationStatus
}

// StatePack reports the current state for uid: a privileged caller
// (per cfg.IsPrivileged; uid 0 gets no special case) sees every job and
// allocation; anyone else sees only allocations they own. A pending
// plan carries no owner in the store until its stage-in creates an
// allocation, so per-user job filtering falls back to the plan's
// admitted allocation, if any; a plan with no allocation yet is only
// visible to a privileged caller.
func (f *Facade) StatePack(uid uint32) StatePack {
	cfg := f.cfg()
	privileged := cfg.IsPrivileged(uid)

	sp := StatePack{
		TotalSpaceBytes: cfg.TotalSpaceBytes,
		UsedSpaceBytes:  f.store.TotalUsedSpace(),
	}

	for _, plan := range f.store.AllPlans() {
		owner, known := f.planOwner(plan.JobID)
		if !privileged && (!known || owner != uid) {
			continue
		}
		sp.Jobs = append(sp.Jobs, JobStatus{
			JobID:     plan.JobID,
			State:     plan.State.String(),
			StateDesc: plan.StateDesc,
			Bytes:     plan.TotalBytes,
		})
	}

	var allocs []*store.Allocation
	if privileged {
		allocs = f.store.AllAllocations()
	} else {
		allocs = f.store.AllocationsByUser(uid)
	}
	for _, a := range allocs {
		sp.Allocations = append(sp.Allocations, AllocationStatus{
			Name:       a.Name,
			JobID:      a.JobID,
			OwnerUID:   a.OwnerUserID,
			Bytes:      a.SizeBytes,
			State:      a.State.String(),
			Persistent: a.IsPersistent(),
		})
	}
	return sp
}

func (f *Facade) planOwner(jobID uint32) (uid uint32, known bool) {
	if a := f.store.AllocationByJobID(jobID); a != nil {
		return a.OwnerUserID, true
	}
	return 0, false
}
