// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FeedFramesTotal counts inbound feed events by type.
	FeedFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyarb_feed_frames_total",
		Help: "Inbound market feed events by type",
	}, []string{"type"})

	// FeedParseErrorsTotal counts frames that could not be decoded.
	FeedParseErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polyarb_feed_parse_errors_total",
		Help: "Market feed frames skipped because they could not be decoded",
	})

	// FeedReconnectsTotal counts reconnect attempts.
	FeedReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polyarb_feed_reconnects_total",
		Help: "Market feed reconnect attempts",
	})

	// FeedSubscribedTokens is the size of the subscription set.
	FeedSubscribedTokens = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polyarb_feed_subscribed_tokens",
		Help: "Tokens currently subscribed on the market feed",
	})

	// OpportunitiesTotal counts emitted opportunities by kind.
	OpportunitiesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyarb_opportunities_total",
		Help: "Executable opportunities emitted by the detector",
	}, []string{"kind"})

	// RejectsTotal counts evaluations that produced no opportunity.
	RejectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyarb_detector_rejects_total",
		Help: "Detector evaluations declined, by reason",
	}, []string{"kind", "reason"})

	// NetEdgeBps is the net edge of emitted opportunities.
	NetEdgeBps = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "polyarb_opportunity_net_edge_bps",
		Help:    "Net edge of emitted opportunities in basis points",
		Buckets: []float64{10, 25, 50, 100, 200, 500, 1000, 2000, 5000},
	}, []string{"kind"})

	// ScanDurationSeconds tracks full-scan latency.
	ScanDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "polyarb_scan_duration_seconds",
		Help:    "Duration of a full detector scan",
		Buckets: prometheus.DefBuckets,
	})

	// MarketsMonitored is the size of the market catalog.
	MarketsMonitored = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "polyarb_markets_monitored",
		Help: "Markets in the detector catalog by kind",
	}, []string{"kind"})

	// ActiveTrades is the number of trades being executed.
	ActiveTrades = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polyarb_active_trades",
		Help: "Trades currently in flight",
	})

	// TradesTotal counts trades by terminal state.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyarb_trades_total",
		Help: "Trades that reached a terminal or hand-off state",
	}, []string{"state"})

	// OrdersTotal counts gateway calls by operation and result.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyarb_orders_total",
		Help: "Order gateway calls by operation and result",
	}, []string{"op", "result"})

	// MergesTotal counts settlement outcomes.
	MergesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyarb_merges_total",
		Help: "Merge outcomes",
	}, []string{"result"})

	// MergeProfitUSD accumulates realized merge profit. A gauge, since a
	// merge can realize a loss.
	MergeProfitUSD = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polyarb_merge_profit_usd",
		Help: "Cumulative realized profit from successful merges in USD",
	})

	// MergeGasUSD accumulates gas spent on merges.
	MergeGasUSD = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polyarb_merge_gas_usd_total",
		Help: "Gas spent on merges in USD",
	})

	// RiskRejectsTotal counts opportunities stopped by the risk gate.
	RiskRejectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyarb_risk_rejects_total",
		Help: "Opportunities blocked by the risk gate, by reason",
	}, []string{"reason"})
)
