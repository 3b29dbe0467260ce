// Package metrics declares the Prometheus instruments exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AuctionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treasury_auctions_opened_total",
		Help: "Auction rounds opened, by pair.",
	}, []string{"pair"})

	BidsPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treasury_bids_total",
		Help: "Bids accepted, by pair.",
	}, []string{"pair"})

	RoundsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treasury_rounds_settled_total",
		Help: "Auction rounds fully settled, by pair.",
	}, []string{"pair"})

	AccountsRebalanced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "treasury_accounts_rebalanced_total",
		Help: "Accounts processed by the rebalance cycle.",
	})

	AccountsPaused = promauto.NewCounter(prometheus.CounterOpts{
		Name: "treasury_accounts_paused_total",
		Help: "Accounts moved to the paused registry.",
	})

	TradesEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "treasury_trades_emitted_total",
		Help: "Transfer instructions emitted by the decision engine.",
	})

	CyclesFinished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "treasury_cycles_finished_total",
		Help: "System rebalance cycles completed.",
	})
)
