package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SpendsProcessed counts spend attempts by mode and outcome (cleared or the error kind)
var SpendsProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cashspend_spends_total",
		Help: "Total number of spend attempts processed by the engine",
	},
	[]string{"mode", "outcome"},
)

// SpendLatency records latency distribution for spend processing
var SpendLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "cashspend_spend_latency_seconds",
		Help:    "Latency in seconds to process individual spends",
		Buckets: prometheus.DefBuckets,
	},
)

// Cashback and withdrawal flows
var (
	CashbackDistributions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cashspend_cashback_distributions_total",
			Help: "Cashback distributions by category and result (paid or pending)",
		},
		[]string{"category", "result"},
	)

	PendingCashbackCleared = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cashspend_pending_cashback_cleared_total",
			Help: "Pending cashback entries paid out on retry",
		},
	)

	WithdrawalActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cashspend_withdrawal_actions_total",
			Help: "Withdrawal lifecycle actions",
		},
		[]string{"action"},
	)

	EventPublishFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cashspend_event_publish_failures_total",
			Help: "Domain events that no publisher accepted",
		},
	)
)

// Database connection pool metrics
var (
	DBOpenConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cashspend_db_open_connections",
			Help: "Number of open connections in the DB pool",
		},
		[]string{"db"},
	)

	DBInUseConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cashspend_db_in_use_connections",
			Help: "Number of in-use connections in the DB pool",
		},
		[]string{"db"},
	)
)

func init() {
	prometheus.MustRegister(SpendsProcessed, SpendLatency)
	prometheus.MustRegister(CashbackDistributions, PendingCashbackCleared, WithdrawalActions, EventPublishFailures)
	prometheus.MustRegister(DBOpenConns, DBInUseConns)
}
