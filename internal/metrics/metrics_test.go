package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestLedgerOp_CountsPointsOnlyOnSuccess(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.LedgerOp("consume", OutcomeSuccess, 40)
	m.LedgerOp("consume", OutcomeSuccess, 10)
	m.LedgerOp("consume", OutcomeRejected, 99)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ledgerOps.WithLabelValues("consume", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ledgerOps.WithLabelValues("consume", OutcomeRejected)))
	assert.Equal(t, 50.0, testutil.ToFloat64(m.ledgerPoints.WithLabelValues("consume")))
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.TxRetry()
	m.TxRetry()
	m.TaskRefund(OutcomeSuccess)
	m.Redemption(OutcomeRejected)
	m.TaskPoll("FAILED")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.txRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.taskRefunds.WithLabelValues(OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.redemptions.WithLabelValues(OutcomeRejected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.taskPolls.WithLabelValues("FAILED")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.LedgerOp("grant", OutcomeSuccess, 5)
		m.TxRetry()
		m.TaskRefund(OutcomeError)
		m.Redemption(OutcomeSuccess)
		m.TaskPoll("RUNNING")
	})
}
