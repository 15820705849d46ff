// Package planner implements the capacity and quota admission test
// (spec.md §4.3): given a candidate BufferPlan, decide whether it may
// start now, must be skipped this tick, or should stop the whole
// iteration, attempting preemption of lower-priority in-progress
// stage-ins along the way.
package planner

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hpc-tools/dws-burstbuffer/pkg/bbsize"
	"github.com/hpc-tools/dws-burstbuffer/pkg/config"
	"github.com/hpc-tools/dws-burstbuffer/pkg/hostiface"
	"github.com/hpc-tools/dws-burstbuffer/pkg/log"
	"github.com/hpc-tools/dws-burstbuffer/pkg/metrics"
	"github.com/hpc-tools/dws-burstbuffer/pkg/planstate"
	"github.com/hpc-tools/dws-burstbuffer/pkg/store"
)

// Decision is the admission verdict for one candidate (spec.md §4.3).
type Decision int

const (
	Start Decision = iota // 0: may allocate now
	Skip                  // 1: exceeds a configured limit, try the next candidate
	Stop                  // 2: no capacity even after preemption, stop iterating
)

func (d Decision) String() string {
	switch d {
	case Start:
		return "start"
	case Skip:
		return "skip"
	default:
		return "stop"
	}
}

// PreemptFunc is invoked once per selected victim. The caller (the
// lifecycle engine) owns actually issuing the hurried teardown; the
// planner only decides who to preempt.
type PreemptFunc func(victim *store.Allocation)

// Candidate is the job-specific input Admit needs beyond the plan itself.
type Candidate struct {
	UserID    uint32
	StartTime time.Time
}

// Planner evaluates admission against the configured site limits and
// the live allocation table. The site config is the floor; the
// background agent overlays live pool telemetry on top of it via
// UpdateCapacity/UpdateGenericResource (spec.md §4.4 step 2), so cfg
// is guarded by a mutex rather than treated as immutable.
type Planner struct {
	mu    sync.RWMutex
	cfg   config.Config
	store *store.Store
}

// New builds a Planner bound to cfg and st.
func New(cfg config.Config, st *store.Store) *Planner {
	return &Planner{cfg: cfg, store: st}
}

// UpdateCapacity overlays the default pool's live granularity and
// total capacity onto the site config (spec.md §4.4 step 2).
func (p *Planner) UpdateCapacity(granularity, totalSpaceBytes int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.Granularity = granularity
	p.cfg.TotalSpaceBytes = totalSpaceBytes
}

// UpdateGenericResource overlays one non-default pool's reported
// capacity into the generic-resource limit table, adding an entry if
// the site config did not already declare that resource kind.
func (p *Planner) UpdateGenericResource(name string, available int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, g := range p.cfg.GenericResources {
		if g.Name == name {
			p.cfg.GenericResources[i].Available = available
			return
		}
	}
	p.cfg.GenericResources = append(p.cfg.GenericResources, config.GenericResourceLimit{Name: name, Available: available})
}

// deficits computes how far plan's request sits beyond the per-user,
// total, and per-generic-resource limits, without mutating anything.
// A non-nil skip return means the request can never be admitted
// regardless of preemption (an undefined or over-capacity generic
// resource) and callers must not attempt preemption in that case.
func (p *Planner) deficits(plan *store.BufferPlan, cand Candidate, reservations []hostiface.Reservation) (userNeed, totalNeed int64, gresNeed *bbsize.ResourceSet, skip *string) {
	addSpace := bbsize.RoundUp(plan.AddSpaceNeeded(), p.cfg.Granularity)

	if reason := p.attributionLimitExceeded(plan, addSpace); reason != nil {
		return 0, 0, nil, reason
	}

	var resvSpace int64
	for _, r := range reservations {
		if r.BurstBufferName == p.cfg.BurstBufferName {
			resvSpace += r.UsedSpaceBytes
		}
	}

	userUsage := p.store.UserUsage(cand.UserID)
	if p.cfg.UserSizeLimitBytes > 0 {
		userNeed = need(userUsage + addSpace - p.cfg.UserSizeLimitBytes)
	}

	usedSpace := p.store.TotalUsedSpace()
	if p.cfg.TotalSpaceBytes > 0 {
		totalNeed = need(usedSpace + addSpace + resvSpace - p.cfg.TotalSpaceBytes)
	}

	gresNeed = bbsize.NewResourceSet()
	for _, g := range plan.GRES {
		limit, ok := p.resourceLimit(g.Name)
		if !ok {
			reason := fmt.Sprintf("undefined generic resource %q", g.Name)
			return 0, 0, nil, &reason
		}
		if g.Count > limit.Available {
			reason := fmt.Sprintf("generic resource %q request %d exceeds site availability %d", g.Name, g.Count, limit.Available)
			return 0, 0, nil, &reason
		}
		used := p.gresInUse(g.Name)
		if n := need(used + g.Count - limit.Available); n > 0 {
			gresNeed.Set(g.Name, n)
		}
	}
	return userNeed, totalNeed, gresNeed, nil
}

// Admit runs the admission test for plan. When capacity is short it
// attempts preemption via preempt before returning; a Stop verdict
// after a successful preemption means the victims' teardown is now in
// flight and the caller should retry the same candidate next tick.
func (p *Planner) Admit(plan *store.BufferPlan, cand Candidate, reservations []hostiface.Reservation, now time.Time, preempt PreemptFunc) Decision {
	p.mu.RLock()
	defer p.mu.RUnlock()

	userNeed, totalNeed, gresNeed, skip := p.deficits(plan, cand, reservations)
	if skip != nil {
		return p.verdict(plan, Skip, "%s", *skip)
	}

	if userNeed <= 0 && totalNeed <= 0 && gresNeed.Empty() {
		return p.verdict(plan, Start, "within limits")
	}

	if p.attemptPreemption(cand, now, userNeed, totalNeed, gresNeed, preempt) {
		return p.verdict(plan, Stop, "preemption issued, retry next tick")
	}
	return p.verdict(plan, Stop, "insufficient capacity even after preemption")
}

// Fits reports whether plan could be admitted right now without
// attempting or simulating any preemption - a read-only check for
// callers (the facade's estimated-start-time query) that must not
// mark any allocation for teardown as a side effect.
func (p *Planner) Fits(plan *store.BufferPlan, cand Candidate, reservations []hostiface.Reservation) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	userNeed, totalNeed, gresNeed, skip := p.deficits(plan, cand, reservations)
	return skip == nil && userNeed <= 0 && totalNeed <= 0 && gresNeed.Empty()
}

func need(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// attributionLimitExceeded implements the original plugin's
// bb_limit_test: unlike the per-user/total deficits above, which feed
// into preemption, an account/partition/QoS limit is all-or-nothing -
// a request that would push the account (or partition, or QoS) over
// its configured ceiling is refused outright, never preempted for.
func (p *Planner) attributionLimitExceeded(plan *store.BufferPlan, addSpace int64) *string {
	if limit, ok := p.cfg.AccountSizeLimitBytes[plan.Account]; ok && plan.Account != "" {
		if p.store.AccountUsage(plan.Account)+addSpace > limit {
			reason := fmt.Sprintf("account %q request would exceed the %d byte account limit", plan.Account, limit)
			return &reason
		}
	}
	if limit, ok := p.cfg.PartitionSizeLimitBytes[plan.Partition]; ok && plan.Partition != "" {
		if p.store.PartitionUsage(plan.Partition)+addSpace > limit {
			reason := fmt.Sprintf("partition %q request would exceed the %d byte partition limit", plan.Partition, limit)
			return &reason
		}
	}
	if limit, ok := p.cfg.QOSSizeLimitBytes[plan.QOS]; ok && plan.QOS != "" {
		if p.store.QOSUsage(plan.QOS)+addSpace > limit {
			reason := fmt.Sprintf("QOS %q request would exceed the %d byte QOS limit", plan.QOS, limit)
			return &reason
		}
	}
	return nil
}

func (p *Planner) resourceLimit(name string) (config.GenericResourceLimit, bool) {
	for _, g := range p.cfg.GenericResources {
		if g.Name == name {
			return g, true
		}
	}
	return config.GenericResourceLimit{}, false
}

// gresInUse sums the generic-resource count charged by every
// still-active plan, since generic resources are not tracked as a
// separate usage counter the way byte capacity is.
func (p *Planner) gresInUse(name string) int64 {
	var used int64
	for _, plan := range p.store.AllPlans() {
		if plan.State == planstate.Complete {
			continue
		}
		for _, g := range plan.GRES {
			if g.Name == name {
				used += g.Count
			}
		}
	}
	return used
}

func (p *Planner) verdict(plan *store.BufferPlan, d Decision, format string, args ...interface{}) Decision {
	log.Log(log.Planner).Debug("admission decision",
		zap.Uint32("job_id", plan.JobID),
		zap.String("verdict", d.String()),
		zap.String("reason", fmt.Sprintf(format, args...)))
	metrics.AdmissionDecision(int(d))
	return d
}

// attemptPreemption walks preemptible allocations, selecting victims
// until every deficit is covered, and reports whether it succeeded.
// Per-user deficit is charged first against the same user's own
// allocations; the remainder, and the total/generic-resource deficits,
// are drawn from anyone (spec.md §4.3).
func (p *Planner) attemptPreemption(cand Candidate, now time.Time, userDeficit, totalDeficit int64, gresDeficit *bbsize.ResourceSet, preempt PreemptFunc) bool {
	victims := p.victimCandidates(now, cand.StartTime)
	p.sortVictims(victims)

	selected := make(map[*store.Allocation]bool)
	var coveredUser, coveredTotal int64
	coveredGRES := bbsize.NewResourceSet()

	take := func(v *store.Allocation) {
		selected[v] = true
		coveredTotal += v.SizeBytes
		if v.OwnerUserID == cand.UserID {
			coveredUser += v.SizeBytes
		}
		for name, n := range v.GRES {
			coveredGRES.Set(name, coveredGRES.Get(name)+n)
		}
	}

	if userDeficit > 0 {
		for _, v := range victims {
			if coveredUser >= userDeficit {
				break
			}
			if v.OwnerUserID != cand.UserID || selected[v] {
				continue
			}
			take(v)
		}
	}

	for _, v := range victims {
		if coveredTotal >= totalDeficit && gresSatisfied(coveredGRES, gresDeficit) {
			break
		}
		if selected[v] {
			continue
		}
		take(v)
	}

	if coveredUser < userDeficit || coveredTotal < totalDeficit || !gresSatisfied(coveredGRES, gresDeficit) {
		return false
	}

	for v := range selected {
		v.State = planstate.Teardown
		v.ProjectedEndTime = time.Time{}
		metrics.PreemptionIssued()
		preempt(v)
	}
	return true
}

func gresSatisfied(covered, needed *bbsize.ResourceSet) bool {
	if needed == nil {
		return true
	}
	for name, n := range needed.Quantities {
		if covered.Get(name) < n {
			return false
		}
	}
	return true
}

// victimCandidates returns allocations whose projected release lies
// in the future relative to both now and the candidate's own start
// time - i.e. they would still be holding capacity when the candidate
// wants it (spec.md §4.3).
func (p *Planner) victimCandidates(now, candidateStart time.Time) []*store.Allocation {
	var out []*store.Allocation
	for _, a := range p.store.AllAllocations() {
		if a.ProjectedEndTime.IsZero() {
			continue
		}
		if a.State == planstate.Teardown || a.State == planstate.Deleting || a.State == planstate.Deleted {
			continue
		}
		if a.ProjectedEndTime.After(now) && a.ProjectedEndTime.After(candidateStart) {
			out = append(out, a)
		}
	}
	return out
}

// sortVictims orders candidates by the configured preemption policy:
// "fifo" preempts the oldest allocation first, "largest_first"
// preempts the biggest one first, freeing the deficit in fewer victims.
func (p *Planner) sortVictims(victims []*store.Allocation) {
	switch p.cfg.PreemptionPolicy {
	case "largest_first":
		sort.Slice(victims, func(i, j int) bool { return victims[i].SizeBytes > victims[j].SizeBytes })
	default:
		sort.Slice(victims, func(i, j int) bool { return victims[i].CreateTime.Before(victims[j].CreateTime) })
	}
}
