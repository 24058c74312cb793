// Package metrics is the optional metrics sink collaborator described in
// spec.md §6: counters {ops_applied, ops_sent, ops_buffered, merges,
// conflicts, bytes_in, bytes_out}, gauges {peers_online, queue_depth},
// histograms {apply_latency_ms, send_latency_ms}. Per spec.md §3/§7's
// "global state / singleton managers become explicit optional
// collaborators injected at construction" redesign note, this is a value
// built with New and passed in rather than a package-level registry —
// unlike the prometheus.MustRegister-at-init style the storage-committee
// worker in the pack uses.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector bundles every metric named in spec.md §6 behind one handle.
// Nil-safe: a nil *Collector's methods are no-ops, so callers that don't
// care about metrics can pass nil everywhere instead of threading a
// feature flag through.
type Collector struct {
	opsApplied  *prometheus.CounterVec
	opsSent     *prometheus.CounterVec
	opsBuffered *prometheus.CounterVec
	merges      *prometheus.CounterVec
	conflicts   *prometheus.CounterVec
	bytesIn     prometheus.Counter
	bytesOut    prometheus.Counter

	peersOnline prometheus.Gauge
	queueDepth  prometheus.Gauge

	applyLatency prometheus.Histogram
	sendLatency  prometheus.Histogram
}

// New builds a Collector with every metric registered under namespace.
func New(namespace string, reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		opsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ops_applied_total",
			Help: "CRDT operations applied to local state, by collection.",
		}, []string{"collection"}),
		opsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ops_sent_total",
			Help: "Envelopes handed to the transport for delivery, by kind.",
		}, []string{"kind"}),
		opsBuffered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ops_buffered_total",
			Help: "Operations withheld pending a causal dependency.",
		}, []string{"collection"}),
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "merges_total",
			Help: "CRDT merges performed, by variant.",
		}, []string{"variant"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "conflicts_total",
			Help: "Merges that reported a non-trivial conflict, by kind.",
		}, []string{"kind"}),
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_in_total",
			Help: "Wire bytes received from the transport.",
		}),
		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_out_total",
			Help: "Wire bytes handed to the transport for send.",
		}),
		peersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "peers_online",
			Help: "Peers currently in the Connected or Degraded state.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth",
			Help: "Operations waiting in the outbound dispatch queue.",
		}),
		applyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "apply_latency_ms",
			Help:    "Time from OperationSink.Apply call to return, in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		sendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "send_latency_ms",
			Help:    "Time from outbound dequeue to Transport.Send return, in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
	}
	reg.MustRegister(
		c.opsApplied, c.opsSent, c.opsBuffered, c.merges, c.conflicts,
		c.bytesIn, c.bytesOut, c.peersOnline, c.queueDepth,
		c.applyLatency, c.sendLatency,
	)
	return c
}

func (c *Collector) OpApplied(collection string) {
	if c == nil {
		return
	}
	c.opsApplied.WithLabelValues(collection).Inc()
}

func (c *Collector) OpSent(kind string) {
	if c == nil {
		return
	}
	c.opsSent.WithLabelValues(kind).Inc()
}

func (c *Collector) OpBuffered(collection string) {
	if c == nil {
		return
	}
	c.opsBuffered.WithLabelValues(collection).Inc()
}

func (c *Collector) Merge(variant string) {
	if c == nil {
		return
	}
	c.merges.WithLabelValues(variant).Inc()
}

func (c *Collector) Conflict(kind string) {
	if c == nil {
		return
	}
	c.conflicts.WithLabelValues(kind).Inc()
}

func (c *Collector) BytesIn(n int) {
	if c == nil {
		return
	}
	c.bytesIn.Add(float64(n))
}

func (c *Collector) BytesOut(n int) {
	if c == nil {
		return
	}
	c.bytesOut.Add(float64(n))
}

func (c *Collector) SetPeersOnline(n int) {
	if c == nil {
		return
	}
	c.peersOnline.Set(float64(n))
}

func (c *Collector) SetQueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

func (c *Collector) ObserveApplyLatencyMS(ms float64) {
	if c == nil {
		return
	}
	c.applyLatency.Observe(ms)
}

func (c *Collector) ObserveSendLatencyMS(ms float64) {
	if c == nil {
		return
	}
	c.sendLatency.Observe(ms)
}
