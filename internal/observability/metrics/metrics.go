package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "powerrail_"

	unknownLabel = "unknown"
)

var (
	registerOnce sync.Once

	observationsTotal   *prometheus.CounterVec
	observationsRejects prometheus.Counter
	sourceActive        *prometheus.GaugeVec
	probeErrors         *prometheus.CounterVec

	decisionsTotal *prometheus.CounterVec
	quietTimers    *prometheus.CounterVec

	attemptsTotal   *prometheus.CounterVec
	attemptLatency  *prometheus.HistogramVec
	resultsTotal    *prometheus.CounterVec
	dispatchSkipped prometheus.Counter
	sinkApplied     *prometheus.GaugeVec

	supervisorPhase prometheus.Gauge
)

// Init registers collectors on the default registry.
func Init() {
	InitWith(prometheus.DefaultRegisterer)
}

// InitWith registers collectors on reg. Only the first call has effect.
func InitWith(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		observationsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "observations_total",
				Help: "Accepted activity observations by source and activity",
			},
			[]string{"source", "activity"},
		)
		observationsRejects = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "observations_rejected_total",
				Help: "Observations rejected for unknown or invalid source",
			},
		)
		sourceActive = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "source_active",
				Help: "Last known source activity (1 active, 0 idle)",
			},
			[]string{"source"},
		)
		probeErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "source_probe_errors_total",
				Help: "Source probe failures reported as conservative activity",
			},
			[]string{"source"},
		)

		decisionsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "decisions_total",
				Help: "Emitted power decisions by state",
			},
			[]string{"state"},
		)
		quietTimers = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "quiet_period_timers_total",
				Help: "Quiet period timer lifecycle events",
			},
			[]string{"event"},
		)

		attemptsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "actuation_attempts_total",
				Help: "Sink actuation attempts by outcome",
			},
			[]string{"sink", "outcome"},
		)
		attemptLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "actuation_attempt_seconds",
				Help:    "Sink actuation attempt latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"sink"},
		)
		resultsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "actuation_results_total",
				Help: "Final per-sink outcome of a dispatch cycle",
			},
			[]string{"sink", "outcome"},
		)
		dispatchSkipped = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "dispatch_skipped_total",
				Help: "Decisions skipped because the state was already applied",
			},
		)
		sinkApplied = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "sink_applied_state",
				Help: "Last applied state per sink (1 on, 0 off, -1 unknown)",
			},
			[]string{"sink"},
		)

		supervisorPhase = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "supervisor_phase",
				Help: "Supervisor phase (0 starting, 1 running, 2 draining, 3 stopped)",
			},
		)

		reg.MustRegister(
			observationsTotal,
			observationsRejects,
			sourceActive,
			probeErrors,
			decisionsTotal,
			quietTimers,
			attemptsTotal,
			attemptLatency,
			resultsTotal,
			dispatchSkipped,
			sinkApplied,
			supervisorPhase,
		)
	})
}

// ObserveObservation counts an accepted observation.
func ObserveObservation(source, activity string, active bool) {
	if source == "" {
		source = unknownLabel
	}
	if observationsTotal != nil {
		observationsTotal.WithLabelValues(source, activity).Inc()
	}
	if sourceActive != nil {
		value := 0.0
		if active {
			value = 1
		}
		sourceActive.WithLabelValues(source).Set(value)
	}
}

// IncObservationRejected counts a rejected observation.
func IncObservationRejected() {
	if observationsRejects != nil {
		observationsRejects.Inc()
	}
}

// IncProbeError counts a failed source probe.
func IncProbeError(source string) {
	if source == "" {
		source = unknownLabel
	}
	if probeErrors != nil {
		probeErrors.WithLabelValues(source).Inc()
	}
}

// IncDecision counts an emitted decision.
func IncDecision(state string) {
	if state == "" {
		state = unknownLabel
	}
	if decisionsTotal != nil {
		decisionsTotal.WithLabelValues(state).Inc()
	}
}

// IncQuietTimer counts a quiet period timer event (scheduled, canceled, fired).
func IncQuietTimer(event string) {
	if quietTimers != nil {
		quietTimers.WithLabelValues(event).Inc()
	}
}

// ObserveAttempt records one actuation attempt.
func ObserveAttempt(sink, outcome string, duration time.Duration) {
	if sink == "" {
		sink = unknownLabel
	}
	if attemptsTotal != nil {
		attemptsTotal.WithLabelValues(sink, outcome).Inc()
	}
	if attemptLatency != nil {
		attemptLatency.WithLabelValues(sink).Observe(duration.Seconds())
	}
}

// IncResult counts the final outcome of a sink in one dispatch cycle.
func IncResult(sink, outcome string) {
	if sink == "" {
		sink = unknownLabel
	}
	if resultsTotal != nil {
		resultsTotal.WithLabelValues(sink, outcome).Inc()
	}
}

// IncDispatchSkipped counts a decision skipped as already applied.
func IncDispatchSkipped() {
	if dispatchSkipped != nil {
		dispatchSkipped.Inc()
	}
}

// SetSinkApplied records the last applied state of a sink.
func SetSinkApplied(sink string, value float64) {
	if sinkApplied != nil {
		sinkApplied.WithLabelValues(sink).Set(value)
	}
}

// SetSupervisorPhase records the supervisor phase ordinal.
func SetSupervisorPhase(phase int) {
	if supervisorPhase != nil {
		supervisorPhase.Set(float64(phase))
	}
}

// Quiet period timer events.
const (
	QuietTimerScheduled = "scheduled"
	QuietTimerCanceled  = "canceled"
	QuietTimerFired     = "fired"
)
