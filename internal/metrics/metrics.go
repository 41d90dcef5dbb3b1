// Package metrics provides Prometheus metrics for the replay relay.
//
// All methods are safe to call on a nil *Metrics, which records nothing. Callers
// that run without metrics pass nil and pay no overhead.
package metrics

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Replay byte outcomes.
const (
	OutcomeStored       = "stored"       // Bytes that became part of a replay's reference stream.
	OutcomeDeduplicated = "deduplicated" // Bytes matching data already held for the replay.
	OutcomeDiverged     = "diverged"     // Bytes received after a stream disagreed with the reference.
)

// Metrics holds the relay's Prometheus collectors.
type Metrics struct {
	// ConnectionsAccepted counts connections that completed the handshake.
	ConnectionsAccepted prometheus.Counter

	// HandshakeFailures counts connections closed because the handshake failed.
	HandshakeFailures prometheus.Counter

	// Dispatched counts connections delivered to a worker queue, by worker.
	Dispatched *prometheus.CounterVec

	// DispatchCancelled counts dispatches abandoned due to cancellation, by worker.
	DispatchCancelled *prometheus.CounterVec

	// QueueDepth is the number of connections waiting in each worker queue.
	QueueDepth *prometheus.GaugeVec

	// ReplayBytes counts replay bytes received, by outcome.
	ReplayBytes *prometheus.CounterVec

	// Replays is the number of replays currently held in memory.
	Replays prometheus.Gauge

	// ReplaysEvicted counts replays released after their last stream ended.
	ReplaysEvicted prometheus.Counter
}

// New creates the relay metrics and registers them with reg.
// If reg is nil the collectors are created but not registered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replayrelay_connections_accepted_total",
			Help: "Total number of connections that completed the handshake",
		}),
		HandshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replayrelay_handshake_failures_total",
			Help: "Total number of connections closed because the handshake failed",
		}),
		Dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replayrelay_dispatched_total",
			Help: "Total number of connections delivered to a worker queue",
		}, []string{"worker"}),
		DispatchCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replayrelay_dispatch_cancelled_total",
			Help: "Total number of dispatches abandoned due to cancellation",
		}, []string{"worker"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "replayrelay_worker_queue_depth",
			Help: "Number of connections waiting in a worker queue",
		}, []string{"worker"}),
		ReplayBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replayrelay_replay_bytes_total",
			Help: "Total replay bytes received by outcome (stored, deduplicated, diverged)",
		}, []string{"outcome"}),
		Replays: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "replayrelay_replays",
			Help: "Number of replays currently held in memory",
		}),
		ReplaysEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replayrelay_replays_evicted_total",
			Help: "Total number of replays released after their last stream ended",
		}),
	}

	if reg != nil {
		m.ConnectionsAccepted = registerOrReuse(reg, m.ConnectionsAccepted).(prometheus.Counter)
		m.HandshakeFailures = registerOrReuse(reg, m.HandshakeFailures).(prometheus.Counter)
		m.Dispatched = registerOrReuse(reg, m.Dispatched).(*prometheus.CounterVec)
		m.DispatchCancelled = registerOrReuse(reg, m.DispatchCancelled).(*prometheus.CounterVec)
		m.QueueDepth = registerOrReuse(reg, m.QueueDepth).(*prometheus.GaugeVec)
		m.ReplayBytes = registerOrReuse(reg, m.ReplayBytes).(*prometheus.CounterVec)
		m.Replays = registerOrReuse(reg, m.Replays).(prometheus.Gauge)
		m.ReplaysEvicted = registerOrReuse(reg, m.ReplaysEvicted).(prometheus.Counter)
	}
	return m
}

// registerOrReuse registers c, returning the already registered collector instead
// if an identical one exists (e.g. a relay restarted within the same process).
func registerOrReuse(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}

func (m *Metrics) RecordConnectionAccepted() {
	if m == nil {
		return
	}
	m.ConnectionsAccepted.Inc()
}

func (m *Metrics) RecordHandshakeFailure() {
	if m == nil {
		return
	}
	m.HandshakeFailures.Inc()
}

func (m *Metrics) RecordDispatch(worker int) {
	if m == nil {
		return
	}
	m.Dispatched.WithLabelValues(strconv.Itoa(worker)).Inc()
}

func (m *Metrics) RecordDispatchCancelled(worker int) {
	if m == nil {
		return
	}
	m.DispatchCancelled.WithLabelValues(strconv.Itoa(worker)).Inc()
}

func (m *Metrics) SetQueueDepth(worker int, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(strconv.Itoa(worker)).Set(float64(depth))
}

// RecordReplayBytes adds n bytes to the given outcome. Non-positive n is ignored.
func (m *Metrics) RecordReplayBytes(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ReplayBytes.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) SetReplays(n int) {
	if m == nil {
		return
	}
	m.Replays.Set(float64(n))
}

func (m *Metrics) RecordReplaysEvicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ReplaysEvicted.Add(float64(n))
}
