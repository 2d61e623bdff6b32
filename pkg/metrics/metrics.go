// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for mCoAP.
//
// Every recording method is safe to call on a nil *Metrics, so components
// can take an optional instance without guarding each call.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for mCoAP.
type Metrics struct {
	// Transport metrics
	ActiveConnections *prometheus.GaugeVec
	TotalConnections  *prometheus.CounterVec
	FramingErrors     *prometheus.CounterVec
	DroppedPackets    *prometheus.CounterVec
	Messages          *prometheus.CounterVec

	// Exchange metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ExchangeDuration *prometheus.HistogramVec
	PendingExchanges prometheus.Gauge
	Retransmissions  prometheus.Counter
	Timeouts         prometheus.Counter
	Duplicates       prometheus.Counter
	Disconnects      prometheus.Counter

	// Capability metrics
	PayloadTooLarge prometheus.Counter
	NegotiatedPeers prometheus.Gauge

	// Cache metrics
	CacheEvictions *prometheus.CounterVec

	// Rate limiter metrics
	RateLimitedRequests prometheus.Counter

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec

	// Registration metrics
	Registrations *prometheus.CounterVec
}

// New creates a new Metrics instance registered with reg. A nil reg leaves
// the collectors unregistered.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "mcoap"
	}
	f := promauto.With(reg)

	return &Metrics{
		ActiveConnections: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently open stream connections",
			},
			[]string{"transport"},
		),
		TotalConnections: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of accepted or dialed stream connections",
			},
			[]string{"transport"},
		),
		FramingErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "framing_errors_total",
				Help:      "Total number of messages that could not be decoded",
			},
			[]string{"transport"},
		),
		DroppedPackets: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_packets_total",
				Help:      "Total number of inbound packets dropped before processing",
			},
			[]string{"transport", "reason"},
		),
		Messages: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_total",
				Help:      "Total number of CoAP messages by direction and kind",
			},
			[]string{"direction", "kind"},
		),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of inbound requests served",
			},
			[]string{"method", "code"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Time spent serving inbound requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		ExchangeDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "exchange_duration_seconds",
				Help:      "Time until an outbound exchange is resolved",
				Buckets:   []float64{.01, .05, .1, .5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"result"},
		),
		PendingExchanges: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_exchanges",
				Help:      "Number of outbound exchanges awaiting a response",
			},
		),
		Retransmissions: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retransmissions_total",
				Help:      "Total number of confirmable message retransmissions",
			},
		),
		Timeouts: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "timeouts_total",
				Help:      "Total number of exchanges failed after the last retransmission",
			},
		),
		Duplicates: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "duplicates_total",
				Help:      "Total number of duplicate inbound messages",
			},
		),
		Disconnects: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "disconnects_total",
				Help:      "Total number of peer disconnections",
			},
		),
		PayloadTooLarge: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payload_too_large_total",
				Help:      "Total number of messages refused for exceeding the peer capability",
			},
		),
		NegotiatedPeers: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "negotiated_peers",
				Help:      "Number of peers with a negotiated capability",
			},
		),
		CacheEvictions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_evictions_total",
				Help:      "Total number of cache entries evicted",
			},
			[]string{"cache", "reason"},
		),
		RateLimitedRequests: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_requests_total",
				Help:      "Total number of rate limited requests",
			},
		),
		CircuitBreakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"peer"},
		),
		CircuitBreakerTrips: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"peer"},
		),
		Registrations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "registrations_total",
				Help:      "Total number of registration attempts by operation and result",
			},
			[]string{"operation", "result"},
		),
	}
}

// ObserveRequest records a served request.
func (m *Metrics) ObserveRequest(method, code string, start time.Time) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, code).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

// ObserveExchange records a resolved outbound exchange.
func (m *Metrics) ObserveExchange(result string, start time.Time) {
	if m == nil {
		return
	}
	m.ExchangeDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
}

// Message counts a message sent ("out") or received ("in").
func (m *Metrics) Message(direction, kind string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(direction, kind).Inc()
}

// SetPending sets the number of pending exchanges.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingExchanges.Set(float64(n))
}

// Retransmission counts a retransmission.
func (m *Metrics) Retransmission() {
	if m == nil {
		return
	}
	m.Retransmissions.Inc()
}

// Timeout counts an exchange timeout.
func (m *Metrics) Timeout() {
	if m == nil {
		return
	}
	m.Timeouts.Inc()
}

// Duplicate counts a duplicate message.
func (m *Metrics) Duplicate() {
	if m == nil {
		return
	}
	m.Duplicates.Inc()
}

// Disconnect counts a peer disconnection.
func (m *Metrics) Disconnect() {
	if m == nil {
		return
	}
	m.Disconnects.Inc()
}

// TooLarge counts a refused oversized message.
func (m *Metrics) TooLarge() {
	if m == nil {
		return
	}
	m.PayloadTooLarge.Inc()
}

// SetNegotiatedPeers sets the number of negotiated peers.
func (m *Metrics) SetNegotiatedPeers(n int) {
	if m == nil {
		return
	}
	m.NegotiatedPeers.Set(float64(n))
}

// Evictions returns a cache eviction hook bound to the cache name.
func (m *Metrics) Evictions(cache string) func(reason string, n int) {
	if m == nil {
		return nil
	}
	return func(reason string, n int) {
		m.CacheEvictions.WithLabelValues(cache, reason).Add(float64(n))
	}
}

// RateLimited counts a rejected request.
func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.RateLimitedRequests.Inc()
}

// Connection tracks a stream connection; call the returned func on close.
func (m *Metrics) Connection(transport string) func() {
	if m == nil {
		return func() {}
	}
	m.TotalConnections.WithLabelValues(transport).Inc()
	m.ActiveConnections.WithLabelValues(transport).Inc()
	return func() { m.ActiveConnections.WithLabelValues(transport).Dec() }
}

// FramingError counts an undecodable message.
func (m *Metrics) FramingError(transport string) {
	if m == nil {
		return
	}
	m.FramingErrors.WithLabelValues(transport).Inc()
}

// Dropped counts a packet dropped before processing.
func (m *Metrics) Dropped(transport, reason string) {
	if m == nil {
		return
	}
	m.DroppedPackets.WithLabelValues(transport, reason).Inc()
}

// BreakerState records the state of a peer circuit breaker.
func (m *Metrics) BreakerState(peer string, state int, tripped bool) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(peer).Set(float64(state))
	if tripped {
		m.CircuitBreakerTrips.WithLabelValues(peer).Inc()
	}
}

// Registration counts a registration attempt.
func (m *Metrics) Registration(operation, result string) {
	if m == nil {
		return
	}
	m.Registrations.WithLabelValues(operation, result).Inc()
}
