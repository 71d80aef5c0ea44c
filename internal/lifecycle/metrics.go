package lifecycle

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the lifecycle controller.
//
// Metrics:
//   - triagegate_lifecycle_items{state} - Items currently in each state
//   - triagegate_lifecycle_refusals_total - Approvals refused below the threshold
//   - triagegate_lifecycle_overrides_total - Refusals bypassed by override
//   - triagegate_lifecycle_worker_errors_total{worker} - Failed worker iterations
//   - triagegate_lifecycle_kb_updates_total - Runbooks learned from resolutions
//   - triagegate_lifecycle_processed_logs_total - Request logs inspected
type Metrics struct {
	Items          *prometheus.GaugeVec
	RefusalsTotal  prometheus.Counter
	OverridesTotal prometheus.Counter
	WorkerErrors   *prometheus.CounterVec
	KBUpdatesTotal prometheus.Counter
	ProcessedLogs  prometheus.Counter
}

// NewMetrics registers the controller metrics once per process.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			Items: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "triagegate_lifecycle_items",
					Help: "Number of lifecycle items by state",
				},
				[]string{"state"},
			),
			RefusalsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "triagegate_lifecycle_refusals_total",
				Help: "Total number of human approvals refused by the safety governor",
			}),
			OverridesTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "triagegate_lifecycle_overrides_total",
				Help: "Total number of forced overrides",
			}),
			WorkerErrors: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "triagegate_lifecycle_worker_errors_total",
					Help: "Total number of failed worker iterations",
				},
				[]string{"worker"},
			),
			KBUpdatesTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "triagegate_lifecycle_kb_updates_total",
				Help: "Total number of runbook entries learned from resolutions",
			}),
			ProcessedLogs: promauto.NewCounter(prometheus.CounterOpts{
				Name: "triagegate_lifecycle_processed_logs_total",
				Help: "Total number of request log lines inspected",
			}),
		}
	})
	return globalMetrics
}

func (m *Metrics) setCounts(counts map[State]int) {
	for s, n := range counts {
		m.Items.WithLabelValues(string(s)).Set(float64(n))
	}
}
