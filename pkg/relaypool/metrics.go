package relaypool

import "github.com/prometheus/client_golang/prometheus"

type meters struct {
	published  prometheus.Counter
	received   prometheus.Counter
	duplicates prometheus.Counter
	malformed  prometheus.Counter
	queued     prometheus.Counter
	reconnects prometheus.Counter
}

// newMeters builds pool counters. A nil registerer leaves them unregistered,
// which keeps tests and multiple pools in one process cheap.
func newMeters(reg prometheus.Registerer) *meters {
	m := &meters{
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "potluck_relay_events_published_total",
			Help: "Events delivered to at least one relay endpoint.",
		}),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "potluck_relay_events_received_total",
			Help: "Unique events received across all endpoints.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "potluck_relay_events_duplicate_total",
			Help: "Duplicate event deliveries suppressed.",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "potluck_relay_frames_malformed_total",
			Help: "Inbound frames or events dropped as malformed.",
		}),
		queued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "potluck_relay_events_queued_total",
			Help: "Events appended to the offline outbox.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "potluck_relay_reconnects_total",
			Help: "Successful endpoint (re)connections.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.published, m.received, m.duplicates,
			m.malformed, m.queued, m.reconnects)
	}
	return m
}
