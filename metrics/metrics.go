// Package metrics exposes prometheus collectors for the deterministic
// runtime on a dedicated registry. Metrics are observability only; nothing
// here feeds any hashed value.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the custom prometheus registry for ChronoLedger metrics.
var Registry = prometheus.NewRegistry()

var (
	// HoursExecuted counts successfully committed hours per run mode.
	HoursExecuted = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chronoledger",
			Subsystem: "engine",
			Name:      "hours_executed_total",
			Help:      "Committed deterministic hours",
		},
		[]string{"run_mode"},
	)

	// RowsEmitted counts emitted rows per table per run mode.
	RowsEmitted = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chronoledger",
			Subsystem: "engine",
			Name:      "rows_emitted_total",
			Help:      "Append-only rows emitted",
		},
		[]string{"run_mode", "table"},
	)

	// RiskEvents counts risk events by type and reason code.
	RiskEvents = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chronoledger",
			Subsystem: "engine",
			Name:      "risk_events_total",
			Help:      "Risk events emitted",
		},
		[]string{"event_type", "reason_code"},
	)

	// ReplayChecks counts replay comparisons by outcome.
	ReplayChecks = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chronoledger",
			Subsystem: "replay",
			Name:      "checks_total",
			Help:      "Replay comparisons by outcome",
		},
		[]string{"outcome"},
	)
)

// HourCounts carries per-table emission counts for one hour.
type HourCounts struct {
	TradeSignals   int
	OrderRequests  int
	OrderFills     int
	PositionLots   int
	ExecutedTrades int
	CashLedger     int
	RiskEvents     int
}

// RecordHourExecuted updates the execution counters for one committed hour.
func RecordHourExecuted(runMode string, counts *HourCounts) {
	HoursExecuted.WithLabelValues(runMode).Inc()
	RowsEmitted.WithLabelValues(runMode, "trade_signal").Add(float64(counts.TradeSignals))
	RowsEmitted.WithLabelValues(runMode, "order_request").Add(float64(counts.OrderRequests))
	RowsEmitted.WithLabelValues(runMode, "order_fill").Add(float64(counts.OrderFills))
	RowsEmitted.WithLabelValues(runMode, "position_lot").Add(float64(counts.PositionLots))
	RowsEmitted.WithLabelValues(runMode, "executed_trade").Add(float64(counts.ExecutedTrades))
	RowsEmitted.WithLabelValues(runMode, "cash_ledger").Add(float64(counts.CashLedger))
	RowsEmitted.WithLabelValues(runMode, "risk_event").Add(float64(counts.RiskEvents))
}

// RecordRiskEvent counts one emitted risk event.
func RecordRiskEvent(eventType, reasonCode string) {
	RiskEvents.WithLabelValues(eventType, reasonCode).Inc()
}

// RecordReplay counts one replay comparison outcome.
func RecordReplay(parity bool) {
	outcome := "mismatch"
	if parity {
		outcome = "parity"
	}
	ReplayChecks.WithLabelValues(outcome).Inc()
}
