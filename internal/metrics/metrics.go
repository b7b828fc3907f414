package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace       = "splatstream"
	cacheSubsystem  = "cache"
	fetchSubsystem  = "fetch"
	assetsSubsystem = "assets"
)

var (
	// CacheRequests counts intercepted requests by outcome (hit, miss, bypass).
	CacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: cacheSubsystem,
			Name:      "requests_total",
			Help:      "Requests seen by the runtime cache, by outcome.",
		},
		[]string{"generation", "outcome"},
	)

	// CacheStores counts responses written to the cache.
	CacheStores = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: cacheSubsystem,
			Name:      "stores_total",
			Help:      "Responses stored by the runtime cache.",
		},
		[]string{"generation"},
	)

	// CachePurges counts generations deleted on activation.
	CachePurges = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: cacheSubsystem,
			Name:      "purged_generations_total",
			Help:      "Stale cache generations deleted on activation.",
		},
	)

	// FetchedBytes counts body bytes read by the streaming fetcher.
	FetchedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: fetchSubsystem,
			Name:      "bytes_total",
			Help:      "Body bytes received by the streaming fetcher.",
		},
	)

	// AssetLoads counts finished asset loads by result (loaded, failed, cancelled).
	AssetLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: assetsSubsystem,
			Name:      "loads_total",
			Help:      "Asset loads by terminal result.",
		},
		[]string{"result"},
	)
)

// RegisterMetrics registers every splatstream metric with reg.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(CacheRequests)
	reg.MustRegister(CacheStores)
	reg.MustRegister(CachePurges)
	reg.MustRegister(FetchedBytes)
	reg.MustRegister(AssetLoads)
}
