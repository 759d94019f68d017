// Package metrics exposes per-shard engine statistics as Prometheus
// gauges: document/row/vector/edge counts, WAL LSN, and an HNSW recall
// proxy, registered once at package init and served via promhttp.Handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DocCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshdb_doc_count",
			Help: "Live document count by shard",
		},
		[]string{"shard"},
	)

	RowCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshdb_row_count",
			Help: "Live row count by shard",
		},
		[]string{"shard"},
	)

	VectorCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshdb_vector_count",
			Help: "Live vector count by shard",
		},
		[]string{"shard"},
	)

	EdgeCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshdb_edge_count",
			Help: "Live mesh edge count by shard",
		},
		[]string{"shard"},
	)

	WALLSN = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshdb_wal_lsn",
			Help: "Current WAL LSN by shard",
		},
		[]string{"shard"},
	)

	// HNSWTombstoneRatio is tombstoned/total internal indexes in a vector
	// namespace's HNSW graph, a cheap stand-in for recall degradation:
	// tombstones accumulate until a rebuild reclaims them.
	HNSWTombstoneRatio = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshdb_hnsw_tombstone_ratio",
			Help: "Tombstoned-to-total ratio for an HNSW graph, by shard and namespace",
		},
		[]string{"shard", "namespace"},
	)
)

func init() {
	prometheus.MustRegister(DocCount)
	prometheus.MustRegister(RowCount)
	prometheus.MustRegister(VectorCount)
	prometheus.MustRegister(EdgeCount)
	prometheus.MustRegister(WALLSN)
	prometheus.MustRegister(HNSWTombstoneRatio)
}

// Handler serves the registered metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
