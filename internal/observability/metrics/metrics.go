package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the collectors exported by nexusd. A nil *Metrics is valid
// and records nothing, so components can treat metrics as optional.
type Metrics struct {
	// Transfers counts Transaction Gate outcomes: sent, rejected or failed.
	Transfers *prometheus.CounterVec
	// TransferValue sums confirmed transfer value in the native unit.
	TransferValue prometheus.Counter
	// ConfirmDuration measures sign through confirm for accepted transfers.
	ConfirmDuration prometheus.Histogram
	// EscrowTransitions counts settlement state changes by event name.
	EscrowTransitions *prometheus.CounterVec
	// EscrowReleased sums milestone payments released to employees.
	EscrowReleased prometheus.Counter
	// FrozenWallets counts emergency freezes.
	FrozenWallets prometheus.Counter
	// RunningAgents tracks agent loops currently active in this process.
	RunningAgents prometheus.Gauge

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New registers every collector on reg. A nil reg gets a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		Transfers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_transfers_total",
			Help: "Transfers processed by the transaction gate, by outcome.",
		}, []string{"outcome"}),
		TransferValue: factory.NewCounter(prometheus.CounterOpts{
			Name: "nexus_transfer_value_total",
			Help: "Confirmed transfer value in the ledger native unit.",
		}),
		ConfirmDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "nexus_transfer_confirm_seconds",
			Help:    "Time from signing to network confirmation.",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		EscrowTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_escrow_transitions_total",
			Help: "Escrow and task lifecycle events.",
		}, []string{"event"}),
		EscrowReleased: factory.NewCounter(prometheus.CounterOpts{
			Name: "nexus_escrow_released_total",
			Help: "Milestone payments released from escrow.",
		}),
		FrozenWallets: factory.NewCounter(prometheus.CounterOpts{
			Name: "nexus_wallet_freezes_total",
			Help: "Emergency wallet freezes.",
		}),
		RunningAgents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nexus_agents_running",
			Help: "Agent loops running in this process.",
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_http_requests_total",
			Help: "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nexus_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
	}
}

// TransferOutcome increments the transfer counter for outcome.
func (m *Metrics) TransferOutcome(outcome string) {
	if m == nil {
		return
	}
	m.Transfers.WithLabelValues(outcome).Inc()
}

// TransferConfirmed records a confirmed transfer of value that took d.
func (m *Metrics) TransferConfirmed(value float64, d time.Duration) {
	if m == nil {
		return
	}
	m.Transfers.WithLabelValues("sent").Inc()
	m.TransferValue.Add(value)
	m.ConfirmDuration.Observe(d.Seconds())
}

// EscrowEvent increments the lifecycle counter for event.
func (m *Metrics) EscrowEvent(event string) {
	if m == nil {
		return
	}
	m.EscrowTransitions.WithLabelValues(event).Inc()
}

// Released adds a milestone payment to the release total.
func (m *Metrics) Released(amount float64) {
	if m == nil {
		return
	}
	m.EscrowReleased.Add(amount)
}

// Frozen counts a wallet freeze.
func (m *Metrics) Frozen() {
	if m == nil {
		return
	}
	m.FrozenWallets.Inc()
}

// AgentRunning adjusts the running agent gauge.
func (m *Metrics) AgentRunning(running bool) {
	if m == nil {
		return
	}
	if running {
		m.RunningAgents.Inc()
		return
	}
	m.RunningAgents.Dec()
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}
