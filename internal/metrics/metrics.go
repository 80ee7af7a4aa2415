package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "points"

// Outcome labels shared by the counters below.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
	OutcomeSkipped  = "skipped"
	OutcomeAbandon  = "abandoned"
)

// Metrics exposes ledger-level instruments. A nil *Metrics is valid and
// records nothing, so services can be built without a registry in tests.
type Metrics struct {
	ledgerOps    *prometheus.CounterVec
	ledgerPoints *prometheus.CounterVec
	txRetries    prometheus.Counter
	taskRefunds  *prometheus.CounterVec
	redemptions  *prometheus.CounterVec
	taskPolls    *prometheus.CounterVec
}

// New registers the instruments on the given registerer.
// Passing nil uses prometheus.DefaultRegisterer.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		ledgerOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operations_total",
			Help:      "Ledger operations by kind and outcome.",
		}, []string{"op", "outcome"}),
		ledgerPoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_points_total",
			Help:      "Absolute points moved by committed ledger operations.",
		}, []string{"op"}),
		txRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_tx_retries_total",
			Help:      "Ledger transactions retried after a write conflict.",
		}),
		taskRefunds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_refunds_total",
			Help:      "Refund attempts for failed generation tasks.",
		}, []string{"outcome"}),
		redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redemptions_total",
			Help:      "Referral code redemption attempts.",
		}, []string{"outcome"}),
		taskPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_polls_total",
			Help:      "Provider status polls by reported status.",
		}, []string{"status"}),
	}

	registerer.MustRegister(m.ledgerOps, m.ledgerPoints, m.txRetries, m.taskRefunds, m.redemptions, m.taskPolls)
	return m
}

// LedgerOp counts one ledger operation; points is added only on success.
func (m *Metrics) LedgerOp(op, outcome string, points int64) {
	if m == nil {
		return
	}
	m.ledgerOps.WithLabelValues(op, outcome).Inc()
	if outcome == OutcomeSuccess && points > 0 {
		m.ledgerPoints.WithLabelValues(op).Add(float64(points))
	}
}

// TxRetry counts one retried ledger transaction.
func (m *Metrics) TxRetry() {
	if m == nil {
		return
	}
	m.txRetries.Inc()
}

// TaskRefund counts a refund attempt for a failed task.
func (m *Metrics) TaskRefund(outcome string) {
	if m == nil {
		return
	}
	m.taskRefunds.WithLabelValues(outcome).Inc()
}

// Redemption counts a code redemption attempt.
func (m *Metrics) Redemption(outcome string) {
	if m == nil {
		return
	}
	m.redemptions.WithLabelValues(outcome).Inc()
}

// TaskPoll counts a provider status poll.
func (m *Metrics) TaskPoll(status string) {
	if m == nil {
		return
	}
	m.taskPolls.WithLabelValues(status).Inc()
}
