package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Operation counters. Registered on the default registry; a process
// embedding several databases shares them, which is why every metric
// is a counter rather than per-instance state.
var (
	metricCollectionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quercus",
		Subsystem: "storage",
		Name:      "collections_created_total",
		Help:      "Collections created, including implicitly materialized ancestors.",
	})

	metricCollectionsRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quercus",
		Subsystem: "storage",
		Name:      "collections_removed_total",
		Help:      "Collections removed.",
	})

	metricDocumentsStored = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quercus",
		Subsystem: "storage",
		Name:      "documents_stored_total",
		Help:      "XML and binary resources stored.",
	})

	metricDocumentsRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quercus",
		Subsystem: "storage",
		Name:      "documents_removed_total",
		Help:      "XML and binary resources removed.",
	})

	metricNodesStored = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quercus",
		Subsystem: "storage",
		Name:      "nodes_stored_total",
		Help:      "Node records written to the structural store.",
	})

	metricReindexRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quercus",
		Subsystem: "storage",
		Name:      "reindex_runs_total",
		Help:      "Document reindex passes, partial or full.",
	})

	metricDefragRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quercus",
		Subsystem: "storage",
		Name:      "defrag_runs_total",
		Help:      "Document defragmentation passes.",
	})

	metricIndexDispatchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quercus",
		Subsystem: "storage",
		Name:      "index_dispatch_errors_total",
		Help:      "Index handler failures, skipped fail-open.",
	}, []string{"component", "handler"})

	metricTempDocsCollected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quercus",
		Subsystem: "storage",
		Name:      "temp_documents_collected_total",
		Help:      "Temporary fragments removed by cleanup.",
	})
)
