package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	ModelsRegistered  prometheus.Gauge
	ModelEvents       *prometheus.CounterVec
	FeaturesExtracted *prometheus.CounterVec
	OperationSeconds  *prometheus.HistogramVec
	BackfillProcessed *prometheus.CounterVec
	ActiveWorkers     prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		ModelsRegistered: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "strata_models_registered",
			Help: "Current number of registered storage models.",
		}),
		ModelEvents: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "strata_model_events_total",
			Help: "Total number of model lifecycle events relayed to the host.",
		}, []string{"action", "identity"}),
		FeaturesExtracted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "strata_features_extracted_total",
			Help: "Total number of geometry features extracted from records.",
		}, []string{"identity"}),
		OperationSeconds: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "strata_adapter_operation_duration_seconds",
			Help:    "Duration of storage adapter operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"adapter", "operation"}),
		BackfillProcessed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "strata_backfill_records_processed_total",
			Help: "Total number of records processed by the feature backfill.",
		}, []string{"status"}),
		ActiveWorkers: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "strata_backfill_active_workers",
			Help: "Current number of active workers processing backfill records.",
		}),
	}
}
