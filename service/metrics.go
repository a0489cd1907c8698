package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type ledgerMetrics struct {
	votesCast          prometheus.Counter
	duplicateVotes     prometheus.Counter
	castFailures       prometheus.Counter
	appendRetries      prometheus.Counter
	castLatency        prometheus.Histogram
	chainVerifications *prometheus.CounterVec
	orphansFound       prometheus.Counter
	orphansRepaired    prometheus.Counter
}

func (m *ledgerMetrics) init(promRegistry prometheus.Registerer) {
	promautoFactory := promauto.With(promRegistry)
	m.votesCast = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "voting_ledger_votes_cast_total",
		Help: "total number of votes recorded with their block",
	})
	m.duplicateVotes = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "voting_ledger_duplicate_votes_total",
		Help: "total number of casts rejected as duplicate",
	})
	m.castFailures = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "voting_ledger_cast_failures_total",
		Help: "total number of casts that failed to persist",
	})
	m.appendRetries = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "voting_ledger_append_retries_total",
		Help: "total number of block appends retried after an index conflict",
	})
	m.castLatency = promautoFactory.NewHistogram(prometheus.HistogramOpts{
		Name:    "voting_ledger_cast_duration_seconds",
		Help:    "latency of a vote cast including its block append",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~2s
	})
	m.chainVerifications = promautoFactory.NewCounterVec(prometheus.CounterOpts{
		Name: "voting_ledger_chain_verifications_total",
		Help: "total number of chain verifications by result",
	}, []string{"result"})
	m.orphansFound = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "voting_ledger_orphan_votes_found_total",
		Help: "total number of votes found without a block",
	})
	m.orphansRepaired = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "voting_ledger_orphan_votes_repaired_total",
		Help: "total number of orphan votes given their block",
	})
}
