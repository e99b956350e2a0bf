package lib

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors shared by every connection of a
// process. A nil *Metrics disables collection.
type Metrics struct {
	packetsOut     prometheus.Counter
	packetsIn      prometheus.Counter
	bytesOut       prometheus.Counter
	bytesIn        prometheus.Counter
	stalePackets   prometheus.Counter
	acks           prometheus.Counter
	naks           prometheus.Counter
	retransmits    prometheus.Counter
	bunchesIn      prometheus.Counter
	handshakes     *prometheus.CounterVec
	closes         *prometheus.CounterVec
	reliableQueued prometheus.Gauge
	connections    prometheus.Gauge
}

// NewMetrics registers the collectors with reg, or the default registerer
// when reg is nil.
func NewMetrics(reg prometheus.Registerer, namespace, subsystem string) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		})
	}

	return &Metrics{
		packetsOut:   counter("packets_sent_total", "Datagrams handed to the transport"),
		packetsIn:    counter("packets_received_total", "Datagrams accepted by a connection"),
		bytesOut:     counter("bytes_sent_total", "Bytes handed to the transport"),
		bytesIn:      counter("bytes_received_total", "Bytes accepted by a connection"),
		stalePackets: counter("stale_packets_total", "Packets dropped as out of order or replayed"),
		acks:         counter("acks_total", "Outgoing packets reported delivered"),
		naks:         counter("naks_total", "Outgoing packets reported lost"),
		retransmits:  counter("retransmits_total", "Reliable bunches written again after a loss"),
		bunchesIn:    counter("bunches_delivered_total", "Bunches delivered to the application"),
		handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "handshakes_total",
			Help:      "Listener handshake packets by outcome",
		}, []string{"result"}),
		closes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "closes_total",
			Help:      "Closed connections by reason",
		}, []string{"reason"}),
		reliableQueued: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reliable_in_flight",
			Help:      "Reliable bunches sent and not yet acked",
		}),
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections",
			Help:      "Open connections",
		}),
	}
}

func (m *Metrics) packetOut(n int) {
	if m == nil {
		return
	}
	m.packetsOut.Inc()
	m.bytesOut.Add(float64(n))
}

func (m *Metrics) packetIn(n int) {
	if m == nil {
		return
	}
	m.packetsIn.Inc()
	m.bytesIn.Add(float64(n))
}

func (m *Metrics) stale() {
	if m != nil {
		m.stalePackets.Inc()
	}
}

func (m *Metrics) delivery(ack bool) {
	if m == nil {
		return
	}
	if ack {
		m.acks.Inc()
	} else {
		m.naks.Inc()
	}
}

func (m *Metrics) retransmit(n int) {
	if m != nil {
		m.retransmits.Add(float64(n))
	}
}

func (m *Metrics) bunches(n int) {
	if m != nil {
		m.bunchesIn.Add(float64(n))
	}
}

func (m *Metrics) handshake(result string) {
	if m != nil {
		m.handshakes.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) closed(reason CloseReason, wasOpen bool) {
	if m == nil {
		return
	}
	m.closes.WithLabelValues(reason.String()).Inc()
	if wasOpen {
		m.connections.Dec()
	}
}

func (m *Metrics) opened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) reliable(delta int) {
	if m != nil {
		m.reliableQueued.Add(float64(delta))
	}
}
