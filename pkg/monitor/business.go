package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BusinessMetrics 定义业务监控指标
type BusinessMetrics struct {
	SubAccountAllocations  *prometheus.CounterVec
	SubAccountPoolInactive prometheus.Gauge
	StreamScheduleFailures prometheus.Counter
	BalanceSyncFailures    prometheus.Counter
	WithdrawalOutcomes     *prometheus.CounterVec
	WithdrawAmountTotal    *prometheus.CounterVec
	WithdrawalStuckTotal   prometheus.Counter
	ExchangeRequestSeconds *prometheus.HistogramVec
	ReconcileJobDuration   *prometheus.HistogramVec
}

// Business 全局业务指标实例, 包加载时注册到默认 Registry
var Business = newBusinessMetrics()

func newBusinessMetrics() *BusinessMetrics {
	return &BusinessMetrics{
		SubAccountAllocations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "subaccount_allocations_total",
			Help: "Sub-account allocations by kind (existing, recycled, created)",
		}, []string{"kind"}),
		SubAccountPoolInactive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "subaccount_pool_inactive",
			Help: "Inactive sub-accounts available for recycling",
		}),
		StreamScheduleFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "subaccount_stream_schedule_failures_total",
			Help: "Realtime stream jobs that could not be scheduled or failed to start",
		}),
		BalanceSyncFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "subaccount_balance_sync_failures_total",
			Help: "Balance synchronizations aborted because the exchange snapshot was unavailable",
		}),
		WithdrawalOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "subaccount_withdrawal_outcomes_total",
			Help: "Withdrawal attempts by terminal state",
		}, []string{"asset", "state"}),
		WithdrawAmountTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "subaccount_withdraw_amount_total",
			Help: "The total amount of submitted withdrawals",
		}, []string{"asset"}),
		WithdrawalStuckTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "subaccount_withdrawal_stuck_total",
			Help: "Withdrawals whose compensating transfer failed (manual intervention required)",
		}),
		ExchangeRequestSeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "subaccount_exchange_request_duration_seconds",
			Help:    "Latency of exchange REST calls",
			Buckets: []float64{0.05, 0.1, 0.3, 0.5, 1.0, 2.0, 5.0},
		}, []string{"endpoint", "outcome"}),
		ReconcileJobDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "subaccount_reconcile_job_duration_seconds",
			Help:    "Duration of periodic reconcile jobs",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
	}
}
