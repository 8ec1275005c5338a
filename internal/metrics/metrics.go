// Package metrics exposes prometheus collectors shared by the feed and engine.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ticks_total", Help: "Count of normalized price ticks emitted"},
		[]string{"coin"},
	)
	FeedReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "feed_reconnects_total", Help: "Websocket reconnect attempts"},
	)
	FeedErrors = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "feed_errors_total", Help: "Transport and decode errors absorbed by the feed"},
	)
	PositionsOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "positions_opened_total", Help: "Paper positions opened"},
		[]string{"coin"},
	)
	PositionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "positions_closed_total", Help: "Paper positions closed"},
		[]string{"coin", "reason"},
	)
	ConditionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "conditions_active", Help: "Entry conditions currently pending"},
	)
	EngineBalance = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "engine_balance", Help: "Paper account balance"},
	)
)

func init() {
	prometheus.MustRegister(
		TicksTotal,
		FeedReconnects,
		FeedErrors,
		PositionsOpened,
		PositionsClosed,
		ConditionsActive,
		EngineBalance,
	)
}
