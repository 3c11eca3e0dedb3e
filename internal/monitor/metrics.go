// Package monitor exposes prometheus collectors for the trading core.
package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pipelineOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quant_core_pipeline_outcome_total",
			Help: "Trading pipeline outcomes per tick",
		},
		[]string{"exchange", "symbol", "outcome"},
	)

	orderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quant_core_order_duration_seconds",
			Help:    "Order placement latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"exchange", "intent"},
	)

	orderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quant_core_order_error_total",
			Help: "Orders rejected by the exchange or failed in transport",
		},
		[]string{"exchange", "intent"},
	)

	streamReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quant_core_stream_reconnect_total",
			Help: "Unexpected stream closes followed by a reconnect",
		},
		[]string{"session"},
	)

	streamState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quant_core_stream_state",
			Help: "Current stream session state (0=disconnected 1=connecting 2=authenticating 3=subscribed 4=reconnecting 5=closed)",
		},
		[]string{"session"},
	)

	syncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quant_core_account_sync_duration_seconds",
			Help:    "Account reconciliation latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)

	syncErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quant_core_account_sync_error_total",
			Help: "Failed account or position fetches",
		},
		[]string{"stage"},
	)

	markPriceUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quant_core_mark_price_update_total",
			Help: "Mark price updates received from streams",
		},
		[]string{"exchange"},
	)

	activeUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quant_core_active_users",
			Help: "Users with a registered account sync",
		},
	)
)

// RecordOutcome counts one pipeline outcome.
func RecordOutcome(exchange, symbol, outcome string) {
	pipelineOutcomes.WithLabelValues(exchange, symbol, outcome).Inc()
}

// ObserveOrder records order latency and failure.
func ObserveOrder(exchange, intent string, started time.Time, err error) {
	orderDuration.WithLabelValues(exchange, intent).Observe(time.Since(started).Seconds())
	if err != nil {
		orderErrors.WithLabelValues(exchange, intent).Inc()
	}
}

// StreamReconnect counts one reconnect of a session.
func StreamReconnect(session string) {
	streamReconnects.WithLabelValues(session).Inc()
}

// SetStreamState publishes the numeric state of a session.
func SetStreamState(session string, state int) {
	streamState.WithLabelValues(session).Set(float64(state))
}

// ForgetStream drops the state series of a closed session.
func ForgetStream(session string) {
	streamState.DeleteLabelValues(session)
}

// ObserveSync records one reconciliation.
func ObserveSync(started time.Time) {
	syncDuration.Observe(time.Since(started).Seconds())
}

// SyncError counts a failed fetch at stage ("account", "positions").
func SyncError(stage string) {
	syncErrors.WithLabelValues(stage).Inc()
}

// MarkPriceUpdate counts n streamed mark prices.
func MarkPriceUpdate(exchange string, n int) {
	markPriceUpdates.WithLabelValues(exchange).Add(float64(n))
}

// SetActiveUsers publishes the number of synced users.
func SetActiveUsers(n int) {
	activeUsers.Set(float64(n))
}
