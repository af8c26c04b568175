package neo

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats buckets match spec §6's per-request-kind time histogram exactly:
// 10µs, 100µs, 1ms, 10ms, 100ms, and an implicit overflow bucket (>100ms).
var statsBuckets = []float64{
	0.00001, // 10us
	0.0001,  // 100us
	0.001,   // 1ms
	0.01,    // 10ms
	0.1,     // 100ms
}

// Stats is the producer surface named in spec §6: per-connection byte
// counters and a send-queue dwell histogram, per-request-kind counts and
// duration histograms, and per-node aggregate gauges. It is backed by
// Prometheus collectors (github.com/prometheus/client_golang), pulled from
// the teacher pack's aistore dependency list.
type Stats struct {
	reg *prometheus.Registry

	bytesSent      *prometheus.CounterVec
	bytesReceived  *prometheus.CounterVec
	queueDwell     *prometheus.HistogramVec
	requestCount   *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec

	numRegistered       prometheus.Gauge
	numInitialising     prometheus.Gauge
	numConnected        prometheus.Gauge
	activeRequestCount  prometheus.Gauge
	maxRequestsGauge    prometheus.Gauge
}

// NewStats builds a Stats surface and registers its collectors with reg. If
// reg is nil, a private registry is created (useful for tests that do not
// want to pollute prometheus.DefaultRegisterer).
func NewStats(reg *prometheus.Registry) *Stats {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	s := &Stats{
		reg: reg,
		bytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "neo", Name: "bytes_sent_total",
			Help: "Bytes written to a node connection.",
		}, []string{"addr"}),
		bytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "neo", Name: "bytes_received_total",
			Help: "Bytes read from a node connection.",
		}, []string{"addr"}),
		queueDwell: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "neo", Name: "send_queue_dwell_seconds",
			Help:    "Time a request id spent queued before being sent.",
			Buckets: statsBuckets,
		}, []string{"addr"}),
		requestCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "neo", Name: "requests_total",
			Help: "Requests started, by kind.",
		}, []string{"kind"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "neo", Name: "request_duration_seconds",
			Help:    "Request duration from assignment to all_finished_notifier, by kind.",
			Buckets: statsBuckets,
		}, []string{"kind"}),
		numRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "neo", Name: "nodes_registered",
			Help: "Connections present in the ConnectionSet.",
		}),
		numInitialising: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "neo", Name: "nodes_initialising",
			Help: "All-nodes RoCs currently inside Initialiser.initialise.",
		}),
		numConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "neo", Name: "nodes_connected",
			Help: "Connections currently in the Connected state.",
		}),
		activeRequestCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "neo", Name: "active_requests",
			Help: "Live entries in the RequestSet.",
		}),
		maxRequestsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "neo", Name: "max_requests",
			Help: "RequestSet admission limit.",
		}),
	}
	reg.MustRegister(
		s.bytesSent, s.bytesReceived, s.queueDwell,
		s.requestCount, s.requestLatency,
		s.numRegistered, s.numInitialising, s.numConnected,
		s.activeRequestCount, s.maxRequestsGauge,
	)
	return s
}

// Registry returns the underlying Prometheus registry, e.g. to mount a
// promhttp.Handler; this package serves no HTTP endpoint itself.
func (s *Stats) Registry() *prometheus.Registry { return s.reg }

// connStats is the per-Connection view of Stats, closing over its address
// label so call sites don't repeat it.
type connStats struct {
	s    *Stats
	addr string
}

func (s *Stats) forConnection(addr string) *connStats {
	if s == nil {
		return nil
	}
	return &connStats{s: s, addr: addr}
}

func (c *connStats) addBytesSent(n int) {
	if c == nil {
		return
	}
	c.s.bytesSent.WithLabelValues(c.addr).Add(float64(n))
}

func (c *connStats) addBytesReceived(n int) {
	if c == nil {
		return
	}
	c.s.bytesReceived.WithLabelValues(c.addr).Add(float64(n))
}

func (c *connStats) observeDwell(d time.Duration) {
	if c == nil {
		return
	}
	c.s.queueDwell.WithLabelValues(c.addr).Observe(d.Seconds())
}

func (c *connStats) setConnected(connected bool) {
	if c == nil {
		return
	}
	if connected {
		c.s.numConnected.Inc()
	} else {
		c.s.numConnected.Dec()
	}
}

func (s *Stats) observeRequest(kind string, d time.Duration) {
	if s == nil {
		return
	}
	s.requestCount.WithLabelValues(kind).Inc()
	s.requestLatency.WithLabelValues(kind).Observe(d.Seconds())
}

func (s *Stats) setRegistered(n int)  { if s != nil { s.numRegistered.Set(float64(n)) } }
func (s *Stats) setMaxRequests(n int) { if s != nil { s.maxRequestsGauge.Set(float64(n)) } }
func (s *Stats) incInitialising()     { if s != nil { s.numInitialising.Inc() } }
func (s *Stats) decInitialising()     { if s != nil { s.numInitialising.Dec() } }
func (s *Stats) setActiveRequests(n int) {
	if s != nil {
		s.activeRequestCount.Set(float64(n))
	}
}
