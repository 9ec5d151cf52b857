package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "guardline"

var (
	StoreOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_operations_total",
		Help:      "Store mutations by operation and result.",
	}, []string{"operation", "result"})

	IntegrationEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "integration_events_total",
		Help:      "Manual integration events by outcome.",
	}, []string{"result"})

	CatalogViewDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "catalog_view_duration_seconds",
		Help:      "Time spent building a catalog view.",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
	}, []string{"kind"})

	ConnectorsTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connectors_total",
		Help:      "Known connectors by category and connection status.",
	}, []string{"category", "connection_status"})

	ForwardDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "forward_deliveries_total",
		Help:      "Audit event deliveries to forwarders by result.",
	}, []string{"result"})
)

// Result labels.
const (
	ResultOK       = "ok"
	ResultError    = "error"
	ResultNotFound = "not_found"
	ResultRejected = "rejected"
	ResultNoop     = "noop"
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
