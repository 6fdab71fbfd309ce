package idempotency

import "github.com/prometheus/client_golang/prometheus"

var (
	// outcomes counts guarded calls by how they were answered.
	outcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idempotency_outcomes_total",
			Help: "Guarded requests by outcome (executed, replayed, unguarded, degraded).",
		},
		[]string{"outcome"},
	)

	// claimConflicts counts callers turned away while another held the claim.
	claimConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "idempotency_in_flight_conflicts_total",
			Help: "Requests rejected because the same key was still in flight.",
		},
	)

	// storeErrors counts store failures by protocol stage.
	storeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idempotency_store_errors_total",
			Help: "Idempotency store failures by stage.",
		},
		[]string{"stage"},
	)

	// claimsLost counts winners whose claim expired before they resolved.
	claimsLost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "idempotency_claims_lost_total",
			Help: "Resolves skipped because the claim had passed to another caller.",
		},
	)

	purged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "idempotency_purged_total",
			Help: "Expired idempotency records removed by the purge loop.",
		},
	)
)

func init() {
	prometheus.MustRegister(outcomes, claimConflicts, storeErrors, claimsLost, purged)
}

func observe(o Outcome) { outcomes.WithLabelValues(string(o)).Inc() }
