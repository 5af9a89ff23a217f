package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	transitionGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "presence_service",
		Subsystem: "persistence",
		Name:      "last_transition_committed_timestamp_seconds",
		Help:      "Unix timestamp of the most recent status transition committed to Postgres.",
	})
	transitionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence_service",
		Subsystem: "transitions",
		Name:      "events_recorded_total",
		Help:      "Number of activity events recorded, labeled by event type.",
	}, []string{"event_type"})
	autoClosedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence_service",
		Subsystem: "transitions",
		Name:      "activities_auto_closed_total",
		Help:      "Number of synthesized auto-stop/auto-end events, labeled by kind.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(transitionGauge, transitionCounter, autoClosedCounter)
}

// RecordTransitionCommitted updates the persistence watermark gauge.
func RecordTransitionCommitted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	transitionGauge.Set(float64(ts.Unix()))
}

// RecordEvent counts a recorded activity event.
func RecordEvent(eventType string) {
	transitionCounter.WithLabelValues(eventType).Inc()
}

// RecordAutoClosed counts a synthesized closing event. Kind is "task_stop" or
// "activity_end".
func RecordAutoClosed(kind string) {
	autoClosedCounter.WithLabelValues(kind).Inc()
}
