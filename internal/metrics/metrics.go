package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QualityCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "metgo_quality_cycle_duration_seconds",
			Help:    "Quality monitor cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	QualityPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "metgo_quality_percent",
			Help: "Latest quality percent from the quality monitor",
		},
	)

	AlertsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metgo_alerts_generated_total",
			Help: "Alerts produced, by kind and severity",
		},
		[]string{"kind", "severity"},
	)

	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metgo_notifications_total",
			Help: "Notification attempts, by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	ObservationsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metgo_observations_ingested_total",
			Help: "Total observations successfully ingested",
		},
		[]string{"station", "fetcher"},
	)

	FetchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "metgo_fetch_latency_seconds",
			Help:    "Weather provider fetch latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"fetcher"},
	)

	TrainingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "metgo_training_duration_seconds",
			Help:    "Ensemble training duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"variable"},
	)

	ForecastRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metgo_forecast_requests_total",
			Help: "Forecast serving requests, by variable and status",
		},
		[]string{"variable", "status"},
	)
)
