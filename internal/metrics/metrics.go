package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the namespace all lockup metrics are defined under.
	Namespace = "lockup"
)

// Claim and refund outcome labels.
const (
	OutcomeReserved   = "reserved"
	OutcomeCommitted  = "committed"
	OutcomeRolledBack = "rolled_back"
	OutcomeFailed     = "failed"
	OutcomeRetried    = "retried"
	OutcomePending    = "pending"
	OutcomeStale      = "stale"
)

// NewCounter creates a CounterVec under the lockup namespace.
func NewCounter(name, subsystem, help string, labels []string) *prometheus.CounterVec {
	return promauto.NewCounterVec(prometheus.CounterOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
}

// NewHistogram creates a HistogramVec under the lockup namespace.
func NewHistogram(name, subsystem, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	return promauto.NewHistogramVec(prometheus.HistogramOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets}, labels)
}

var (
	claims = NewCounter(
		"claims_total",
		"settlement",
		"Claim transfer records by outcome",
		[]string{"outcome"},
	)
	refunds = NewCounter(
		"refunds_total",
		"settlement",
		"Termination refund records by outcome",
		[]string{"outcome"},
	)
	seized = NewCounter(
		"seized_accounts_total",
		"settlement",
		"Accounts with at least one lockup forfeited by seize",
		nil,
	)
	deposits = NewCounter(
		"lockups_created_total",
		"deposit",
		"Lockups created from deposit notifications by message kind",
		[]string{"kind"},
	)
	ledgerLatency = NewHistogram(
		"request_seconds",
		"ledger",
		"External ledger transfer request latency by result",
		[]string{"result"},
		prometheus.ExponentialBuckets(0.005, 2, 12),
	)
)

func ReportClaim(outcome string) {
	claims.WithLabelValues(outcome).Inc()
}

func ReportRefund(outcome string) {
	refunds.WithLabelValues(outcome).Inc()
}

// ReportClaimOrRefund reports outcome on the claim or refund counter.
func ReportClaimOrRefund(claim bool, outcome string) {
	if claim {
		ReportClaim(outcome)
		return
	}
	ReportRefund(outcome)
}

func ReportSeized(accounts int) {
	if accounts <= 0 {
		return
	}
	seized.WithLabelValues().Add(float64(accounts))
}

func ReportLockupsCreated(kind string, n int) {
	if n <= 0 {
		return
	}
	deposits.WithLabelValues(kind).Add(float64(n))
}

func ReportLedgerRequest(result string, elapsed time.Duration) {
	ledgerLatency.WithLabelValues(result).Observe(elapsed.Seconds())
}
