package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"sigtree/backend/signals"
)

var (
	mTrees = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sigtree_trees_created_total",
		Help: "The total number of signal trees created.",
	}, []string{"type"})

	mCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sigtree_commands_total",
		Help: "The total number of top-level commands processed by signal trees.",
	}, []string{"type", "result"})

	mAborted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sigtree_commits_aborted_total",
		Help: "The total number of prepared commits that were aborted.",
	}, []string{"type"})

	mConfirmed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sigtree_async_confirmed_commands_total",
		Help: "The total number of commands confirmed on asynchronous trees.",
	})

	mTransactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sigtree_transactions_total",
		Help: "The total number of finished transactions.",
	}, []string{"kind", "outcome"})

	mEffectRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sigtree_effect_runs_total",
		Help: "The total number of effect runs.",
	}, []string{"outcome"})

	mComputedRecomputes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sigtree_computed_recomputes_total",
		Help: "The total number of times a computed value was recomputed.",
	})
)

func observeResults(typ TreeType, results map[signals.ID]signals.Result, cmds []signals.Command) {
	for _, c := range cmds {
		label := "rejected"
		if r, ok := results[c.CommandID()]; ok && r.Accepted() {
			label = "accepted"
		}
		mCommands.WithLabelValues(typ.String(), label).Inc()
	}
}
