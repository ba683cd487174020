// Package metrics exposes relay counters and gauges to Prometheus.
//
// Every method is safe on a nil *Metrics so components can run without
// instrumentation in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

type Metrics struct {
	gatherer prometheus.Gatherer

	packets          *prometheus.CounterVec
	frameFaults      *prometheus.CounterVec
	decoded          prometheus.Counter
	unknownFields    *prometheus.CounterVec
	linkUp           prometheus.Gauge
	linkDrops        prometheus.Counter
	dialAttempts     prometheus.Counter
	subscribers      prometheus.Gauge
	broadcastDropped prometheus.Counter
	writeErrors      prometheus.Counter
	storeRequests    *prometheus.CounterVec
	catchupRows      prometheus.Counter
	catchupCursor    prometheus.Gauge
}

// New registers the relay metrics with reg. A nil reg uses the default registry.
func New(reg prometheus.Registerer) (*Metrics, error) {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	m := &Metrics{
		gatherer: gatherer,
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_total",
			Help:      "Packets relayed to subscribers, by source.",
		}, []string{"source", "variant"}),
		frameFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_faults_total",
			Help:      "Dropped frame candidates and discarded stream residue.",
		}, []string{"reason"}),
		decoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_decoded_total",
			Help:      "Packets decoded into the snapshot.",
		}),
		unknownFields: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unknown_field_type_total",
			Help:      "Fields skipped because their type has no decoder.",
		}, []string{"field"}),
		linkUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "connected",
			Help:      "1 while the upstream link is connected.",
		}),
		linkDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "link_drops_total",
			Help:      "Upstream connections that ended by close, error or timeout.",
		}),
		dialAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "dial_attempts_total",
			Help:      "Upstream connection attempts.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "subscribers",
			Help:      "Registered downstream connections.",
		}),
		broadcastDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "dropped_total",
			Help:      "Packets not queued for a subscriber whose send queue was full.",
		}),
		writeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "write_errors_total",
			Help:      "Subscriber writes that failed and tore the connection down.",
		}),
		storeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "catchup",
			Name:      "store_requests_total",
			Help:      "Remote store requests, by outcome.",
		}, []string{"outcome"}),
		catchupRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "catchup",
			Name:      "rows_total",
			Help:      "Rows replayed from the remote store.",
		}),
		catchupCursor: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "catchup",
			Name:      "cursor_timestamp_ms",
			Help:      "Last remote store timestamp processed.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.packets, m.frameFaults, m.decoded, m.unknownFields, m.linkUp, m.linkDrops, m.dialAttempts,
		m.subscribers, m.broadcastDropped, m.writeErrors, m.storeRequests, m.catchupRows, m.catchupCursor,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler serves the registry the metrics were registered with.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) PacketRelayed(source string, framed bool) {
	if m == nil {
		return
	}
	variant := "unframed"
	if framed {
		variant = "framed"
	}
	m.packets.WithLabelValues(source, variant).Inc()
}

func (m *Metrics) BadPacketLength() {
	if m == nil {
		return
	}
	m.frameFaults.WithLabelValues("bad_length").Inc()
}

func (m *Metrics) MalformedStream() {
	if m == nil {
		return
	}
	m.frameFaults.WithLabelValues("malformed").Inc()
}

func (m *Metrics) Decoded() {
	if m == nil {
		return
	}
	m.decoded.Inc()
}

func (m *Metrics) UnknownFieldType(field string) {
	if m == nil {
		return
	}
	m.unknownFields.WithLabelValues(field).Inc()
}

func (m *Metrics) LinkConnected() {
	if m == nil {
		return
	}
	m.linkUp.Set(1)
}

func (m *Metrics) LinkDropped() {
	if m == nil {
		return
	}
	m.linkUp.Set(0)
	m.linkDrops.Inc()
}

func (m *Metrics) DialAttempt() {
	if m == nil {
		return
	}
	m.dialAttempts.Inc()
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

func (m *Metrics) BroadcastDropped() {
	if m == nil {
		return
	}
	m.broadcastDropped.Inc()
}

func (m *Metrics) WriteError() {
	if m == nil {
		return
	}
	m.writeErrors.Inc()
}

func (m *Metrics) StoreRequest(ok bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.storeRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CatchupRows(n int, cursor int64) {
	if m == nil {
		return
	}
	m.catchupRows.Add(float64(n))
	m.catchupCursor.Set(float64(cursor))
}
