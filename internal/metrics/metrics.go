package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the API
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// Optimizations counts optimization calls by the method that produced
	// the result and its outcome (ok, failed, empty).
	Optimizations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "vrp_optimizations_total", Help: "Optimizations by method and outcome."},
		[]string{"method", "outcome"},
	)
	OptimizationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "vrp_optimization_duration_seconds", Help: "Optimization wall time in seconds.", Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30}},
		[]string{"method"},
	)
	// Fallbacks counts requested strategies that degraded to the constructive heuristic
	Fallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "vrp_strategy_fallbacks_total", Help: "Strategy fallbacks by requested method and reason."},
		[]string{"from", "reason"},
	)
	RoadLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "vrp_road_lookups_total", Help: "Road geometry lookups by outcome."},
		[]string{"outcome"},
	)

	// WebhookDeliveries counts training webhook outcomes (ok, failed, dropped)
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "vrp_webhook_deliveries_total", Help: "Training webhook deliveries by outcome."},
		[]string{"outcome"},
	)

	TrainingEpisodes = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "vrp_training_episodes_total", Help: "Completed training episodes."},
	)
	TrainingReward = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "vrp_training_avg_reward", Help: "Moving average episode reward of the active run."},
	)
	TrainingEpsilon = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "vrp_training_epsilon", Help: "Exploration rate of the active run."},
	)
	TrainingActive = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "vrp_training_active", Help: "1 while a training run is active."},
	)
)

// RegisterDefault registers collectors to the default registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests, HTTPDuration)
		Registry.MustRegister(Optimizations, OptimizationDuration, Fallbacks, RoadLookups, WebhookDeliveries)
		Registry.MustRegister(TrainingEpisodes, TrainingReward, TrainingEpsilon, TrainingActive)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
