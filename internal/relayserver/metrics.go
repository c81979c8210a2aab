package relayserver

import "github.com/prometheus/client_golang/prometheus"

type meters struct {
	clients  prometheus.Gauge
	accepted prometheus.Counter
	rejected prometheus.Counter
	dropped  prometheus.Counter
}

func newMeters(reg prometheus.Registerer) *meters {
	m := &meters{
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "potluck_relay_server_clients",
			Help: "Connected websocket clients.",
		}),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "potluck_relay_server_events_accepted_total",
			Help: "Events accepted and distributed.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "potluck_relay_server_events_rejected_total",
			Help: "Events rejected at ingest, typically bad signatures.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "potluck_relay_server_frames_dropped_total",
			Help: "Frames dropped on slow client send buffers.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.clients, m.accepted, m.rejected, m.dropped)
	}
	return m
}
