package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics are the relay's operational counters. Labels never carry
// payload data, vault ids, or device ids.
type metrics struct {
	connections     prometheus.Gauge
	rooms           prometheus.GaugeFunc
	framesRouted    *prometheus.CounterVec
	offlineBuffered prometheus.Counter
	offlineDrained  prometheus.Counter
	handshakeFails  *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer, hub *Hub) *metrics {
	m := &metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vaultsync",
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Currently authenticated WebSocket connections.",
		}),
		rooms: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "vaultsync",
			Subsystem: "relay",
			Name:      "rooms",
			Help:      "Live vault rooms.",
		}, func() float64 { return float64(hub.Len()) }),
		framesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vaultsync",
			Subsystem: "relay",
			Name:      "frames_routed_total",
			Help:      "Frames routed, by message type (encrypted frames count as \"opaque\").",
		}, []string{"type"}),
		offlineBuffered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vaultsync",
			Subsystem: "relay",
			Name:      "offline_frames_buffered_total",
			Help:      "Frames appended to offline device buffers.",
		}),
		offlineDrained: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vaultsync",
			Subsystem: "relay",
			Name:      "offline_frames_drained_total",
			Help:      "Buffered frames delivered on reconnect.",
		}),
		handshakeFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vaultsync",
			Subsystem: "relay",
			Name:      "handshake_failures_total",
			Help:      "Rejected hellos, by error code.",
		}, []string{"code"}),
	}

	reg.MustRegister(m.connections, m.rooms, m.framesRouted,
		m.offlineBuffered, m.offlineDrained, m.handshakeFails)

	return m
}
