package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels shared by the counters below.
const (
	OutcomeSuccess   = "success"
	OutcomeError     = "error"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
	OutcomeHandled   = "handled"
	OutcomeFailed    = "failed"
	OutcomeDiscarded = "discarded"
	OutcomeUnknown   = "unknown"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "ami_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "connector"},
		},
		[]string{"date", "sha", "version"},
	)

	connected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ami_connected",
		Help: "Whether the manager connection is established (1 or 0)",
	})

	actions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ami_actions_total",
			Help: "Actions sent to the manager by outcome",
		},
		[]string{"action", "outcome"},
	)

	actionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ami_action_duration_seconds",
			Help:    "Time from sending an action to its response",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	events = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ami_events_total",
			Help: "Events dispatched to the consumer by outcome",
		},
		[]string{"outcome"},
	)

	reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ami_reconnects_total",
		Help: "Connection attempts made by the reconnect timer",
	})

	queueMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ami_queue_messages_total",
			Help: "Work queue messages processed by class and outcome",
		},
		[]string{"class", "outcome"},
	)
)

// Source exposes the counters owned by the transport, decoder and client.
type Source interface {
	ReadBytes() uint64
	SentBytes() uint64
	MessageCount() uint64
	PendingActions() int
	EventBacklog() int
}

// Register registers all collectors with r. When src is not nil the
// observability counters are exported as gauges read at scrape time.
func Register(r prometheus.Registerer, src Source) {
	r.MustRegister(buildInfo, connected, actions, actionDuration, events, reconnects, queueMessages)
	if src == nil {
		return
	}
	r.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "ami_read_bytes",
			Help: "Bytes read from the manager since the last counter reset",
		}, func() float64 { return float64(src.ReadBytes()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "ami_sent_bytes",
			Help: "Bytes sent to the manager since the last counter reset",
		}, func() float64 { return float64(src.SentBytes()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "ami_message_count",
			Help: "Frames decoded since the last counter reset",
		}, func() float64 { return float64(src.MessageCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "ami_pending_actions",
			Help: "Actions awaiting a response",
		}, func() float64 { return float64(src.PendingActions()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "ami_event_backlog",
			Help: "Events queued for dispatch",
		}, func() float64 { return float64(src.EventBacklog()) }),
	)
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// SetConnected records the connection state.
func SetConnected(v bool) {
	if v {
		connected.Set(1)
	} else {
		connected.Set(0)
	}
}

// RecordAction counts a settled action and observes its round trip.
func RecordAction(action, outcome string, d time.Duration) {
	actions.WithLabelValues(action, outcome).Inc()
	actionDuration.WithLabelValues(action).Observe(d.Seconds())
}

// RecordEvent counts an event leaving the dispatch queue.
func RecordEvent(outcome string) {
	events.WithLabelValues(outcome).Inc()
}

// RecordReconnect counts a reconnect attempt.
func RecordReconnect() {
	reconnects.Inc()
}

// RecordQueueMessage counts a work queue message.
func RecordQueueMessage(class, outcome string) {
	queueMessages.WithLabelValues(class, outcome).Inc()
}
