package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var GatewayRequestsTotal = promauto.With(prometheus.DefaultRegisterer).NewCounterVec(
	prometheus.CounterOpts{
		Name: "kportal_gateway_requests_total",
		Help: "Requests sent to the Kubernetes API server, by operation and response code.",
	},
	[]string{"operation", "code"},
)

var CacheFetchesTotal = promauto.With(prometheus.DefaultRegisterer).NewCounterVec(
	prometheus.CounterOpts{
		Name: "kportal_cache_fetches_total",
		Help: "Resource list fetches issued by the resource cache, by result.",
	},
	[]string{"result"},
)

var CacheHitsTotal = promauto.With(prometheus.DefaultRegisterer).NewCounter(
	prometheus.CounterOpts{
		Name: "kportal_cache_hits_total",
		Help: "Resource cache lookups answered from a cached index.",
	},
)

var ViewerLoadsTotal = promauto.With(prometheus.DefaultRegisterer).NewCounterVec(
	prometheus.CounterOpts{
		Name: "kportal_viewer_loads_total",
		Help: "Renderer loads performed by the viewer resolver, by source.",
	},
	[]string{"source"},
)

var GeneratorItemsTotal = promauto.With(prometheus.DefaultRegisterer).NewCounterVec(
	prometheus.CounterOpts{
		Name: "kportal_generator_items_total",
		Help: "Resource types processed by the generation pipeline, by result.",
	},
	[]string{"result"},
)

// Result labels.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Viewer source labels.
const (
	SourceGenerated = "generated"
	SourceBuiltin   = "builtin"
	SourceMissing   = "missing"
)
