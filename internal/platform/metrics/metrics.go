// Package metrics holds the Prometheus collectors for the chat engine and
// the assignment lifecycle, plus the /metrics endpoint.
package metrics

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesObserved counts observations handed to a reconciler, by origin
	// and outcome (revealed, scheduled, duplicate).
	MessagesObserved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simchat",
			Name:      "messages_observed_total",
			Help:      "Chat message observations by origin and outcome.",
		},
		[]string{"origin", "outcome"},
	)

	// DeliveriesRevealed counts delayed messages that reached the visible set.
	DeliveriesRevealed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "simchat",
		Name:      "deliveries_revealed_total",
		Help:      "Delayed assistant messages revealed after simulated think-time.",
	})

	// DeliveriesCancelled counts pending deliveries discarded by teardown or resync.
	DeliveriesCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "simchat",
		Name:      "deliveries_cancelled_total",
		Help:      "Pending deliveries cancelled before reveal.",
	})

	// DeliveriesPending tracks pending deliveries across all open sessions.
	DeliveriesPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "simchat",
		Name:      "deliveries_pending",
		Help:      "Deliveries currently waiting for their reveal timer.",
	})

	// SessionsOpen tracks open chat sessions.
	SessionsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "simchat",
		Name:      "sessions_open",
		Help:      "Open chat sessions, one per assignment view.",
	})

	// OpeningsGenerated counts synthesized opening messages.
	OpeningsGenerated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "simchat",
		Name:      "openings_generated_total",
		Help:      "Opening messages synthesized by session bootstrap.",
	})

	// LifecycleTransitions counts assignment status transitions by target status and trigger.
	LifecycleTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simchat",
			Name:      "lifecycle_transitions_total",
			Help:      "Assignment status transitions.",
		},
		[]string{"status", "trigger"},
	)

	// FeedbackJobs counts feedback generation outcomes.
	FeedbackJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simchat",
			Name:      "feedback_jobs_total",
			Help:      "Feedback generation jobs by outcome.",
		},
		[]string{"outcome"},
	)

	// ActivationNotifications counts activation notification attempts by outcome.
	ActivationNotifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simchat",
			Name:      "activation_notifications_total",
			Help:      "Activation notification attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// PollCycles counts background lifecycle poll cycles by result.
	PollCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simchat",
			Name:      "poll_cycles_total",
			Help:      "Background lifecycle poll cycles.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		MessagesObserved,
		DeliveriesRevealed,
		DeliveriesCancelled,
		DeliveriesPending,
		SessionsOpen,
		OpeningsGenerated,
		LifecycleTransitions,
		FeedbackJobs,
		ActivationNotifications,
		PollCycles,
	)
}

// Handler exposes the default registry for echo.
func Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}
