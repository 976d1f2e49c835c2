package prometheus

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var runtimeOnce sync.Once

func registerRuntimeCollectors() {
	runtimeOnce.Do(func() {
		DefaultRegistry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler serves the default registry
func Handler() http.Handler {
	return HandlerFor(DefaultRegistry)
}

// HandlerFor serves the given gatherer
func HandlerFor(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// RegisterMetricsEndpoint registers the metrics endpoint on mux, along with
// the Go runtime and process collectors
func RegisterMetricsEndpoint(mux *http.ServeMux, path string) {
	if path == "" {
		path = "/metrics"
	}
	registerRuntimeCollectors()
	mux.Handle(path, Handler())
}
