package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	itemsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_reconcile_items_total",
			Help: "Inbox items processed by kind.",
		},
		[]string{"kind"},
	)

	duplicatesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_reconcile_duplicates_total",
			Help: "Message deliveries dropped because the id was already buffered.",
		},
	)

	staleDiscarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_reconcile_stale_responses_total",
			Help: "History responses discarded because the conversation changed.",
		},
	)

	mutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_reconcile_pending_mutations_total",
			Help: "Edits and deletes for absent messages, by outcome.",
		},
		[]string{"outcome"},
	)

	deferredDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_reconcile_deferred_dropped_total",
			Help: "Items held during the initial load and dropped over the limit.",
		},
	)

	inboxDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_reconcile_inbox_depth",
			Help: "Items waiting in the reconcile inbox.",
		},
	)

	inboxDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_reconcile_inbox_dropped_total",
			Help: "Items rejected because the inbox was full.",
		},
	)

	pendingOperations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_reconcile_pending_operations",
			Help: "Sends that are issued or failed and not yet confirmed.",
		},
	)
)

func init() {
	prometheus.MustRegister(itemsProcessed)
	prometheus.MustRegister(duplicatesDropped)
	prometheus.MustRegister(staleDiscarded)
	prometheus.MustRegister(mutations)
	prometheus.MustRegister(deferredDropped)
	prometheus.MustRegister(inboxDepth)
	prometheus.MustRegister(inboxDropped)
	prometheus.MustRegister(pendingOperations)
}
