// Package metrics exposes process-global counters for the catalog engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var CacheHits = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "gaia_chunk_cache_hits_total",
		Help: "Chunk cache hits",
	},
)

var CacheMisses = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "gaia_chunk_cache_misses_total",
		Help: "Chunk cache misses",
	},
)

var CacheEvictions = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "gaia_chunk_cache_evictions_total",
		Help: "Chunks evicted from the cache",
	},
)

var CacheResidentBytes = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "gaia_chunk_cache_resident_bytes",
		Help: "Approximate memory held by resident chunks",
	},
)

var ChunkLoadFailures = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "gaia_chunk_load_failures_total",
		Help: "Chunk reads or decompressions that failed",
	},
)

var QueriesByKind = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gaia_queries_total",
		Help: "Catalog queries by kind",
	},
	[]string{"kind"},
)
