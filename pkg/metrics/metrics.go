// Package metrics registers the Prometheus collectors the core
// exposes for observability: admission decisions, allocations,
// preemptions, external command results and agent pass durations.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const subsystem = "burst_buffer"

var (
	allocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "allocations_total",
			Help:      "Allocations created or freed, by kind (scratch/persistent) and action (created/freed).",
		}, []string{"kind", "action"})

	admissionDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "admission_decisions_total",
			Help:      "Planner admission verdicts: 0=start, 1=skip (limit), 2=stop (no capacity).",
		}, []string{"verdict"})

	preemptions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "preemptions_total",
			Help:      "In-progress stage-ins forced to hurried teardown to make room for a higher-priority job.",
		})

	externalCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "external_commands_total",
			Help:      "External CLI invocations by function and result (ok/error/timeout).",
		}, []string{"function", "result"})

	agentPassDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Subsystem: subsystem,
			Name:      "agent_pass_duration_seconds",
			Help:      "Duration of one background agent synchronization pass.",
			Buckets:   prometheus.DefBuckets,
		})

	snapshotWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "snapshot_writes_total",
			Help:      "Snapshot file writes by result (ok/error).",
		}, []string{"result"})

	vestigialReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "vestigial_allocations_reclaimed_total",
			Help:      "Allocations reclaimed because the external subsystem stopped reporting them, or their job disappeared.",
		})

	usedSpaceBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "used_space_bytes",
			Help:      "Currently charged burst-buffer capacity in bytes.",
		})

	collectors = []prometheus.Collector{
		allocations,
		admissionDecisions,
		preemptions,
		externalCommands,
		agentPassDuration,
		snapshotWrites,
		vestigialReclaimed,
		usedSpaceBytes,
	}
)

var registerOnce sync.Once

// Register installs all collectors into the default Prometheus registry.
func Register() {
	registerOnce.Do(func() {
		for _, c := range collectors {
			prometheus.MustRegister(c)
		}
	})
}

func AllocationCreated(kind string) { allocations.WithLabelValues(kind, "created").Inc() }
func AllocationFreed(kind string)   { allocations.WithLabelValues(kind, "freed").Inc() }

func AdmissionDecision(verdict int) {
	admissionDecisions.WithLabelValues(verdictLabel(verdict)).Inc()
}

func verdictLabel(v int) string {
	switch v {
	case 0:
		return "start"
	case 1:
		return "skip"
	default:
		return "stop"
	}
}

func PreemptionIssued() { preemptions.Inc() }

func ExternalCommand(function, result string) {
	externalCommands.WithLabelValues(function, result).Inc()
}

func ObserveAgentPass(d time.Duration) { agentPassDuration.Observe(d.Seconds()) }

func SnapshotWrite(ok bool) {
	if ok {
		snapshotWrites.WithLabelValues("ok").Inc()
		return
	}
	snapshotWrites.WithLabelValues("error").Inc()
}

func VestigialReclaimed() { vestigialReclaimed.Inc() }

func SetUsedSpace(bytes int64) { usedSpaceBytes.Set(float64(bytes)) }
