package chatsync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus collectors for the synchronizer. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	messagesSent      prometheus.Counter
	sendFailures      prometheus.Counter
	retries           prometheus.Counter
	echoesReconciled  prometheus.Counter
	duplicatesDropped prometheus.Counter
	eventsDiscarded   prometheus.Counter
	connectionsLost   prometheus.Counter
	reconnects        prometheus.Counter
	historyLatency    prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      name,
			Help:      help,
		})
	}
	m := &Metrics{
		messagesSent:      counter("messages_sent_total", "Messages acknowledged by the server."),
		sendFailures:      counter("send_failures_total", "Sends that failed or were not acknowledged in time."),
		retries:           counter("send_retries_total", "Retries of failed messages."),
		echoesReconciled:  counter("echoes_reconciled_total", "Incoming events matched to a provisional message."),
		duplicatesDropped: counter("duplicates_dropped_total", "Incoming events dropped as already present."),
		eventsDiscarded:   counter("events_discarded_total", "Incoming events for a conversation that is not open."),
		connectionsLost:   counter("connections_lost_total", "Unintentional realtime disconnects."),
		reconnects:        counter("reconnects_total", "Successful realtime reconnects."),
		historyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chatsync",
			Name:      "history_load_seconds",
			Help:      "Latency of conversation history loads.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.messagesSent, m.sendFailures, m.retries, m.echoesReconciled,
			m.duplicatesDropped, m.eventsDiscarded, m.connectionsLost,
			m.reconnects, m.historyLatency,
		)
	}
	return m
}

func (m *Metrics) sent() {
	if m != nil {
		m.messagesSent.Inc()
	}
}

func (m *Metrics) sendFailed() {
	if m != nil {
		m.sendFailures.Inc()
	}
}

func (m *Metrics) retried() {
	if m != nil {
		m.retries.Inc()
	}
}

func (m *Metrics) echoMatched() {
	if m != nil {
		m.echoesReconciled.Inc()
	}
}

func (m *Metrics) duplicate() {
	if m != nil {
		m.duplicatesDropped.Inc()
	}
}

func (m *Metrics) discarded() {
	if m != nil {
		m.eventsDiscarded.Inc()
	}
}

func (m *Metrics) connectionLost() {
	if m != nil {
		m.connectionsLost.Inc()
	}
}

func (m *Metrics) reconnected() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) observeHistory(start time.Time) {
	if m != nil {
		m.historyLatency.Observe(time.Since(start).Seconds())
	}
}
