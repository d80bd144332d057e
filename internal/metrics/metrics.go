package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// NoteWritesTotal counts note write attempts by outcome.
	// Labels: outcome (accepted/conflict/locked/error)
	NoteWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lectern_note_writes_total",
			Help: "Total number of note write attempts by outcome",
		},
		[]string{"outcome"},
	)

	// LockRequestsTotal counts advisory lock operations by action and outcome.
	// Labels: action (acquire/refresh/release), outcome (acquired/already_mine/held_by_other/released/error)
	LockRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lectern_lock_requests_total",
			Help: "Total number of advisory lock operations by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	// ConflictsTotal counts note conflict lifecycle events.
	// Labels: event (detected/resolved)
	ConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lectern_note_conflicts_total",
			Help: "Total number of note conflict events",
		},
		[]string{"event"},
	)

	// ScrollLinkEventsTotal counts scroll-link coordinator decisions.
	// Labels: kind (visible_verse/peer_request/suppressed/dropped)
	ScrollLinkEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lectern_scrolllink_events_total",
			Help: "Total number of scroll-link coordinator events by kind",
		},
		[]string{"kind"},
	)

	// EditSessionsActive tracks currently open note edit sessions.
	EditSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lectern_edit_sessions_active",
			Help: "Number of currently open note edit sessions",
		},
	)

	// HTTPRequestDuration observes request latency per route.
	// Buckets cover fast local reads up to slow store round-trips.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lectern_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds by method, route and status",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route", "status"},
	)
)

// RecordNoteWrite records one write attempt with its outcome.
func RecordNoteWrite(outcome string) {
	NoteWritesTotal.WithLabelValues(outcome).Inc()
}

// RecordLockRequest records one lock operation with its outcome.
func RecordLockRequest(action, outcome string) {
	LockRequestsTotal.WithLabelValues(action, outcome).Inc()
}

// RecordConflictDetected records the detection of a divergent note version.
func RecordConflictDetected() {
	ConflictsTotal.WithLabelValues("detected").Inc()
}

// RecordConflictResolved records a user-resolved conflict.
func RecordConflictResolved() {
	ConflictsTotal.WithLabelValues("resolved").Inc()
}

// RecordScrollLinkEvent records a coordinator decision.
func RecordScrollLinkEvent(kind string) {
	ScrollLinkEventsTotal.WithLabelValues(kind).Inc()
}

// EditSessionOpened bumps the active edit session gauge.
func EditSessionOpened() {
	EditSessionsActive.Inc()
}

// EditSessionClosed lowers the active edit session gauge.
func EditSessionClosed() {
	EditSessionsActive.Dec()
}

// ObserveHTTPRequest records one served request.
func ObserveHTTPRequest(method, route string, status int, seconds float64) {
	HTTPRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(seconds)
}
