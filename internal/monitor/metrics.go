package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors, registered once at package init and updated on each
// Monitor tick. Worker and Retry Controller record no metrics of their own.
var (
	workersByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "emaildispatch_workers",
		Help: "Number of workers currently in each status.",
	}, []string{"status"})

	pendingBatchesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "emaildispatch_pending_batches",
		Help: "Number of batches currently pending claim.",
	})

	processingBatchesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "emaildispatch_processing_batches",
		Help: "Number of batches currently being processed.",
	})

	avgThroughputGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "emaildispatch_avg_throughput",
		Help: "Average sends-per-hour across workers, as last observed by the Monitor.",
	})

	alertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emaildispatch_alerts_total",
		Help: "Count of alerts raised by the Monitor, by metric and severity.",
	}, []string{"metric", "severity"})

	staleJobsReclaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emaildispatch_stale_jobs_reclaimed_total",
		Help: "Count of jobs reclaimed from stale workers.",
	})
)

func recordWorkerGauges(counts map[string]int) {
	for _, status := range []string{"idle", "busy", "offline", "error"} {
		workersByStatus.WithLabelValues(status).Set(float64(counts[status]))
	}
}
