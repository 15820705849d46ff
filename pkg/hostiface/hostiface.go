// Package hostiface defines the boundary between the burst-buffer
// core and its host job scheduler. spec.md §1 places the scheduler's
// configuration file, job-record structure, locking primitives, job
// queue and job iterator deliberately out of scope; this package is
// that boundary made concrete so the core can be built, wired and
// tested against a fake host without depending on any particular
// scheduler's internals.
package hostiface

import "time"

// JobDescriptor is the subset of the host's job record the core needs
// to read and, in a few places, annotate. The host owns the backing
// storage; the core never constructs one itself.
type JobDescriptor interface {
	JobLock

	JobID() uint32
	UserID() uint32
	NodeCount() uint32
	// NodeList returns the job's allocated node hostnames or numeric
	// node ids, in the flavor the site config selects (spec.md §6);
	// used to write the client_nids/client_nidlist artifact before
	// setup and pre_run. Empty until the host scheduler has actually
	// picked nodes for the job.
	NodeList() []string
	Account() string
	Partition() string
	QOS() string
	Priority() uint32
	StartTime() time.Time

	// ScriptBody returns the job script, or "" for an interactive job.
	ScriptBody() string
	// InteractiveBB returns the free-form burst-buffer flag string
	// supplied outside of a script, or "" if the job has a script.
	InteractiveBB() string

	// BurstBufferField is the canonical burst-buffer string the
	// directive parser wrote back (spec.md §4.1); later phases read
	// it instead of re-parsing the raw directive.
	BurstBufferField() string
	SetBurstBufferField(string)

	SetPriority(uint32)
	SetStateReason(string)
	SetStateDesc(string)

	// SetEnv injects a variable into the job's environment, used to
	// carry paths and values reported by the external CLI back to
	// the job at submission time (validate2).
	SetEnv(key, value string)
}

// Reservation is the burst-buffer-relevant projection of a host
// scheduler reservation (spec.md §4.3 resv_space).
type Reservation struct {
	BurstBufferName string
	UsedSpaceBytes  int64
	StartTime       time.Time
	EndTime         time.Time
}

// ReservationTable is queried by the planner for every admission test.
type ReservationTable interface {
	Reservations(now time.Time) []Reservation
}

// JobLock is the host's reader/writer lock over a single job record.
// spec.md §5 requires it ordered before the core's own state mutex
// whenever both are needed: the host holds Lock for the whole
// duration of a call into a JobDescriptor-mutating facade method, and
// the facade itself takes RLock/RUnlock around its own read-only
// status queries so they can't observe a job record mid-mutation from
// some other goroutine on the host side.
type JobLock interface {
	Lock()
	Unlock()
	RLock()
	RUnlock()
}

// AccountingDefaults resolves the account/partition/QoS a newly
// discovered persistent buffer (spec.md §4.4 step 3) should be
// attributed to when no sibling allocation for the same user exists.
type AccountingDefaults interface {
	DefaultAttribution(userID uint32) (account, partition, qos string, ok bool)
}

// JobExistence lets the agent (spec.md §4.4 step 4) tell whether a
// completed job's record has been reaped by the host scheduler yet.
type JobExistence interface {
	Exists(jobID uint32) bool
}

// JobIterator walks the host's pending queue in start-time order; the
// core consumes it rather than owning any queue itself (spec.md §1).
type JobIterator interface {
	Next() (JobDescriptor, bool)
}

// Scheduling is the aggregate of host services the planner and agent
// need on every pass.
type Scheduling interface {
	ReservationTable
	AccountingDefaults
	JobExistence
}
