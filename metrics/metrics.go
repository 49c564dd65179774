// Package metrics defines the prometheus instrumentation for the storage
// layer. Collectors live on an explicit Metrics value registered against a
// caller supplied registerer, so embedders and tests can keep isolated
// registries.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics holds the storage layer's collectors.
type Metrics struct {
	EntriesAppended prometheus.Counter
	EntriesCleaned  prometheus.Counter
	EntriesDropped  prometheus.Counter
	BytesReclaimed  prometheus.Counter
	Segments        prometheus.Gauge
}

// New returns storage metrics registered against reg.
// A nil reg leaves the collectors unregistered, which is useful in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EntriesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arclog_entries_appended_total",
			Help: "Total number of entries appended to storage",
		}),
		EntriesCleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arclog_entries_cleaned_total",
			Help: "Total number of entries marked eligible for reclamation",
		}),
		EntriesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arclog_entries_dropped_total",
			Help: "Total number of payloads physically reclaimed by compaction",
		}),
		BytesReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arclog_bytes_reclaimed_total",
			Help: "Total bytes recovered by segment compaction",
		}),
		Segments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arclog_segments",
			Help: "Current number of storage segments",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.EntriesAppended, m.EntriesCleaned, m.EntriesDropped, m.BytesReclaimed, m.Segments)
	}

	return m
}

// Serve exposes gatherer on /metrics at port. It blocks, so callers
// typically run it in a goroutine.
func Serve(log *logrus.Logger, gatherer prometheus.Gatherer, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf(":%d", port)
	log.Infof("prometheus exporter listening on %s", addr)

	return http.ListenAndServe(addr, mux)
}
