// Package infra carries the ambient concerns: config, logging, metrics.
package infra

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersAccepted counts accepted orders by market, side and origin.
	OrdersAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moonride_orders_accepted_total",
		Help: "Total orders accepted",
	}, []string{"symbol", "side", "origin"})

	// OrdersRejected counts rejections by typed reason code.
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moonride_orders_rejected_total",
		Help: "Total orders rejected",
	}, []string{"reason"})

	// RoundsSettled counts settled rounds by resolution reason.
	RoundsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moonride_rounds_settled_total",
		Help: "Total rounds settled",
	}, []string{"symbol", "reason"})

	// SettlementFailures counts rounds whose ledger transaction rolled back.
	SettlementFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "moonride_settlement_failures_total",
		Help: "Settlement transactions rolled back",
	})

	// PoolVolume tracks the live staked volume per market side.
	PoolVolume = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "moonride_pool_volume",
		Help: "Live round pool volume",
	}, []string{"symbol", "side"})

	// WithdrawalBatches counts batch runs by terminal status.
	WithdrawalBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moonride_withdrawal_batches_total",
		Help: "Withdrawal batch runs",
	}, []string{"status"})

	// DepositsObserved counts confirmed vault deposits.
	DepositsObserved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "moonride_deposits_total",
		Help: "Vault deposit events credited",
	})

	// EpochRollovers counts leaderboard epoch resolutions.
	EpochRollovers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "moonride_epoch_rollovers_total",
		Help: "Leaderboard epochs resolved",
	})

	// WSClients tracks connected broadcast subscribers per market.
	WSClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "moonride_ws_clients",
		Help: "Connected websocket clients",
	}, []string{"symbol"})
)

// MetricsHandler returns the Prometheus scrape handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
