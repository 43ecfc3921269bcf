package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PortfolioMetrics tracks the health of the account settlement and balance
// finalisation paths.
type PortfolioMetrics struct {
	actionsTotal      *prometheus.CounterVec
	actionReverts     *prometheus.CounterVec
	accountsSettled   prometheus.Counter
	assetsSettled     prometheus.Counter
	settlementRates   prometheus.Counter
	balanceFinalized  prometheus.Counter
	settleLagSeconds  prometheus.Gauge
}

var (
	portfolioOnce     sync.Once
	portfolioRegistry *PortfolioMetrics
)

// Portfolio returns the process-wide metrics handle, registering the
// collectors on first use.
func Portfolio() *PortfolioMetrics {
	portfolioOnce.Do(func() {
		portfolioRegistry = &PortfolioMetrics{
			actionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "portfolio_actions_total",
				Help: "Count of committed account actions by type.",
			}, []string{"action"}),
			actionReverts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "portfolio_action_reverts_total",
				Help: "Count of account actions that rolled back by type.",
			}, []string{"action"}),
			accountsSettled: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "portfolio_accounts_settled_total",
				Help: "Count of stale accounts transitioned to settled.",
			}),
			assetsSettled: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "portfolio_assets_settled_total",
				Help: "Count of matured assets folded into cash balances.",
			}),
			settlementRates: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "portfolio_settlement_rates_stored_total",
				Help: "Count of canonical settlement rates captured.",
			}),
			balanceFinalized: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "portfolio_balances_finalized_total",
				Help: "Count of balance records written at action finalisation.",
			}),
			settleLagSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "portfolio_last_settle_lag_seconds",
				Help: "Lag between block time and the settled boundary of the last settled account.",
			}),
		}
		prometheus.MustRegister(
			portfolioRegistry.actionsTotal,
			portfolioRegistry.actionReverts,
			portfolioRegistry.accountsSettled,
			portfolioRegistry.assetsSettled,
			portfolioRegistry.settlementRates,
			portfolioRegistry.balanceFinalized,
			portfolioRegistry.settleLagSeconds,
		)
	})
	return portfolioRegistry
}

// ActionCommitted records a successfully committed action.
func (m *PortfolioMetrics) ActionCommitted(action string) {
	if m == nil {
		return
	}
	m.actionsTotal.WithLabelValues(action).Inc()
}

// ActionReverted records an action discarded without mutation.
func (m *PortfolioMetrics) ActionReverted(action string) {
	if m == nil {
		return
	}
	m.actionReverts.WithLabelValues(action).Inc()
}

// AccountSettled records a completed settlement transition.
func (m *PortfolioMetrics) AccountSettled(assets int, lagSeconds float64) {
	if m == nil {
		return
	}
	m.accountsSettled.Inc()
	m.assetsSettled.Add(float64(assets))
	m.settleLagSeconds.Set(lagSeconds)
}

// SettlementRateStored records the capture of a canonical settlement rate.
func (m *PortfolioMetrics) SettlementRateStored() {
	if m == nil {
		return
	}
	m.settlementRates.Inc()
}

// BalanceFinalized records a persisted balance write.
func (m *PortfolioMetrics) BalanceFinalized() {
	if m == nil {
		return
	}
	m.balanceFinalized.Inc()
}
