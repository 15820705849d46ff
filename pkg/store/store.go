// Package store holds the core's in-memory bookkeeping (spec.md
// §4.7): a hash-bucketed allocation table, a plan table keyed by job
// id, and per-(user,account,partition,qos) usage counters, all
// guarded by the single state mutex spec.md §5 describes. It also
// owns the on-disk limit snapshot used to recover persistent-buffer
// attribution across restarts.
package store

import (
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru"

	"github.com/hpc-tools/dws-burstbuffer/pkg/directive"
	"github.com/hpc-tools/dws-burstbuffer/pkg/metrics"
	"github.com/hpc-tools/dws-burstbuffer/pkg/planstate"
)

// bucketCount is the number of allocation-table hash buckets, mirrors
// spec.md §4.7 "keyed by user_id mod H".
const bucketCount = 64

// Allocation is one live buffer (spec.md §3).
type Allocation struct {
	OwnerUserID uint32
	JobID       uint32 // 0 for a persistent buffer
	Name        string // "" for job-scratch
	SizeBytes   int64
	Account     string
	Partition   string
	QOS         string
	CreateTime  time.Time
	LastSeen    time.Time
	State       planstate.State

	// GRES mirrors the owning plan's generic-resource request at the
	// time the allocation was created, so the planner can credit a
	// preempted allocation's generic-resource share back to a
	// candidate without re-deriving it from a plan that may already
	// be gone.
	GRES map[string]int64

	// Emulation-mode only: reservation-held space tracked locally
	// rather than reported by the external subsystem.
	Reserved bool

	// ProjectedEndTime is when this allocation's capacity is expected
	// to be released, if known. No code in this module sets it, so it
	// stays zero unless a caller fills it in. Zero means "unknown" and
	// excludes the allocation from preemption consideration (spec.md
	// §4.3: only allocations with a use_time in the future are
	// preemptible).
	ProjectedEndTime time.Time
}

// IsPersistent reports whether this allocation is a named persistent
// buffer rather than a per-job scratch allocation.
func (a *Allocation) IsPersistent() bool { return a.JobID == 0 }

// BufferPlan is a job's burst-buffer request (spec.md §3).
type BufferPlan struct {
	JobID     uint32
	Account   string
	Partition string
	QOS       string

	TotalBytes int64
	SwapGiB    int64
	SwapNodes  int64
	GRES       []directive.GenericResource
	Persistent []directive.PersistentOp

	State     planstate.State
	Spec      *directive.Spec
	StateDesc string

	StateEnteredAt time.Time
}

// AddSpaceNeeded is the byte total this plan will add to used_space
// once admitted (spec.md §4.3 add_space).
func (p *BufferPlan) AddSpaceNeeded() int64 {
	total := p.TotalBytes
	for _, op := range p.Persistent {
		if op.Op == directive.OpCreate {
			total += op.SizeBytes
		}
	}
	return total
}

type usageKey struct {
	userID    uint32
	account   string
	partition string
	qos       string
}

// Store owns every in-memory table and the single mutex guarding them.
type Store struct {
	mu sync.Mutex

	buckets [bucketCount][]*Allocation
	byName  map[string]*Allocation // key: userID + "\x00" + name, persistent only
	byJob   map[uint32]*Allocation // job-scratch allocations keyed by job id

	plans map[uint32]*BufferPlan

	usage map[usageKey]int64
	users map[uint32]int64 // per-user cumulative size, independent of account/partition/qos

	handles *lru.Cache // accounting association handles, see handles.go
}

// New builds an empty Store. handleCacheSize bounds the accounting
// association-handle cache (spec.md §3 "weak reference... cached
// non-owning handle").
func New(handleCacheSize int) *Store {
	handles, _ := lru.New(handleCacheSize) //nolint:errcheck // only errors on size<=0
	return &Store{
		byName:  make(map[string]*Allocation),
		byJob:   make(map[uint32]*Allocation),
		plans:   make(map[uint32]*BufferPlan),
		usage:   make(map[usageKey]int64),
		users:   make(map[uint32]int64),
		handles: handles,
	}
}

func bucketFor(userID uint32) int {
	return int(userID) % bucketCount
}

// WithLock runs fn while holding the state mutex, letting a caller in
// this package compose a multi-step read-check-write sequence (see
// CheckLimitAndPutPlan) atomically. spec.md §5: the host job-write
// lock, when both are needed, must be acquired before this one -
// callers are responsible for that ordering since only the host owns
// its own lock.
func (s *Store) WithLock(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

// PutAllocation registers a new allocation and charges it against the
// usage counters. It takes the lock itself, so a compound operation
// that needs PutAllocation's effect under an already-held lock (see
// CheckLimitAndPutPlan) must inline that effect rather than call this
// method, which is not reentrant-safe.
func (s *Store) PutAllocation(a *Allocation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putAllocationLocked(a)
}

func (s *Store) putAllocationLocked(a *Allocation) {
	bucket := bucketFor(a.OwnerUserID)
	s.buckets[bucket] = append(s.buckets[bucket], a)
	if a.IsPersistent() {
		s.byName[nameKey(a.OwnerUserID, a.Name)] = a
	} else {
		s.byJob[a.JobID] = a
	}
	s.chargeLocked(a)
	kind := "scratch"
	if a.IsPersistent() {
		kind = "persistent"
	}
	metrics.AllocationCreated(kind)
	metrics.SetUsedSpace(s.totalUsedSpaceLocked())
}

func (s *Store) chargeLocked(a *Allocation) {
	s.users[a.OwnerUserID] += a.SizeBytes
	key := usageKey{a.OwnerUserID, a.Account, a.Partition, a.QOS}
	s.usage[key] += a.SizeBytes
}

func (s *Store) unchargeLocked(a *Allocation) {
	s.users[a.OwnerUserID] -= a.SizeBytes
	if s.users[a.OwnerUserID] <= 0 {
		delete(s.users, a.OwnerUserID)
	}
	key := usageKey{a.OwnerUserID, a.Account, a.Partition, a.QOS}
	s.usage[key] -= a.SizeBytes
	if s.usage[key] <= 0 {
		delete(s.usage, key)
	}
}

// totalUsedSpaceLocked is TotalUsedSpace for callers that already hold s.mu.
func (s *Store) totalUsedSpaceLocked() int64 {
	var total int64
	for _, v := range s.users {
		total += v
	}
	return total
}

// FreeAllocation removes an allocation from every table and its
// charged usage. It is a no-op if the allocation is not present.
func (s *Store) FreeAllocation(a *Allocation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freeAllocationLocked(a)
}

func (s *Store) freeAllocationLocked(a *Allocation) {
	bucket := bucketFor(a.OwnerUserID)
	entries := s.buckets[bucket]
	for i, e := range entries {
		if e == a {
			s.buckets[bucket] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if a.IsPersistent() {
		delete(s.byName, nameKey(a.OwnerUserID, a.Name))
	} else {
		delete(s.byJob, a.JobID)
	}
	s.unchargeLocked(a)
	kind := "scratch"
	if a.IsPersistent() {
		kind = "persistent"
	}
	metrics.AllocationFreed(kind)
	metrics.SetUsedSpace(s.totalUsedSpaceLocked())
}

// AllocationByJobID returns the job-scratch allocation for jobID, if any.
func (s *Store) AllocationByJobID(jobID uint32) *Allocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byJob[jobID]
}

// AllocationByName returns a user's persistent allocation by name.
func (s *Store) AllocationByName(userID uint32, name string) *Allocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byName[nameKey(userID, name)]
}

// AllocationsByUser returns every allocation (scratch and persistent)
// owned by userID, following the hash bucket's chain.
func (s *Store) AllocationsByUser(userID uint32) []*Allocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.buckets[bucketFor(userID)]
	out := make([]*Allocation, 0, len(bucket))
	for _, a := range bucket {
		if a.OwnerUserID == userID {
			out = append(out, a)
		}
	}
	return out
}

// AllAllocations returns every allocation across every bucket, for
// the agent's per-pass walk and for property tests.
func (s *Store) AllAllocations() []*Allocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Allocation
	for _, bucket := range s.buckets {
		out = append(out, bucket...)
	}
	return out
}

// UserUsage returns the current cumulative size charged to userID.
func (s *Store) UserUsage(userID uint32) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[userID]
}

// AccountUsage sums the size charged across every allocation
// attributed to account, regardless of owning user, for the planner's
// per-account limit check (spec.md §1, §4.3).
func (s *Store) AccountUsage(account string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for k, v := range s.usage {
		if k.account == account {
			total += v
		}
	}
	return total
}

// PartitionUsage sums the size charged across every allocation
// attributed to partition, for the planner's per-partition limit check.
func (s *Store) PartitionUsage(partition string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for k, v := range s.usage {
		if k.partition == partition {
			total += v
		}
	}
	return total
}

// QOSUsage sums the size charged across every allocation attributed
// to qos, for the planner's per-QoS limit check.
func (s *Store) QOSUsage(qos string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for k, v := range s.usage {
		if k.qos == qos {
			total += v
		}
	}
	return total
}

// TotalUsedSpace sums size across every allocation currently charged.
func (s *Store) TotalUsedSpace() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalUsedSpaceLocked()
}

// PutPlan registers or replaces a BufferPlan.
func (s *Store) PutPlan(p *BufferPlan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[p.JobID] = p
}

// CheckLimitAndPutPlan atomically tests whether userID's current usage
// plus addBytes would exceed limit (limit<=0 disables the check) and,
// only if it fits, registers p, under one lock acquisition. Usage
// counts only allocations already charged; a plan registered here adds
// nothing to it, so two submissions from the same user that each fit
// on their own both pass, even if together they exceed limit.
func (s *Store) CheckLimitAndPutPlan(userID uint32, addBytes, limit int64, p *BufferPlan) bool {
	admitted := true
	s.WithLock(func() {
		if limit > 0 && s.users[userID]+addBytes > limit {
			admitted = false
			return
		}
		s.plans[p.JobID] = p
	})
	return admitted
}

// Plan returns the BufferPlan for jobID, or nil.
func (s *Store) Plan(jobID uint32) *BufferPlan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plans[jobID]
}

// RemovePlan deletes the BufferPlan for jobID.
func (s *Store) RemovePlan(jobID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.plans, jobID)
}

// AllPlans returns every plan currently tracked.
func (s *Store) AllPlans() []*BufferPlan {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*BufferPlan, 0, len(s.plans))
	for _, p := range s.plans {
		out = append(out, p)
	}
	return out
}

func nameKey(userID uint32, name string) string {
	return strconv.FormatUint(uint64(userID), 10) + "\x00" + name
}
