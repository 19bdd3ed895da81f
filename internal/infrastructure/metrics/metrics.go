// Package metrics exposes the pipeline's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ListingRadar/internal/domain"
)

const namespace = "listing_radar"

// Extraction outcomes as reported by the worker.
const (
	ExtractionClassified    = "classified"
	ExtractionLowConfidence = "low_confidence"
	ExtractionNotApplicable = "not_applicable"
	ExtractionFailed        = "failed"
	ExtractionDropped       = "dropped"
)

// DeliveryDuplicate counts dispatch attempts absorbed by the uniqueness constraint.
const DeliveryDuplicate = "duplicate"

var (
	ingestedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "messages_total",
		Help:      "Messages accepted at the ingestion boundary",
	}, []string{"result"})

	extractions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "extractions_total",
		Help:      "Jobs handled by the extraction worker by outcome",
	}, []string{"outcome"})

	deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "deliveries_total",
		Help:      "Delivery attempts by resulting status",
	}, []string{"status"})

	// classifierTokens labels: model, kind (prompt, completion)
	classifierTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "classifier",
		Name:      "tokens_total",
		Help:      "Tokens consumed by the classifier",
	}, []string{"model", "kind"})

	classifierCost = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "classifier",
		Name:      "cost_usd_total",
		Help:      "Classifier spend in USD",
	}, []string{"model"})

	classifierLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "classifier",
		Name:      "latency_seconds",
		Help:      "Classifier call latency in seconds",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
	}, []string{"status"})
)

// RecordIngest counts one ingestion call.
func RecordIngest(created bool) {
	result := "duplicate"
	if created {
		result = "created"
	}
	ingestedMessages.WithLabelValues(result).Inc()
}

// RecordExtraction counts one worker outcome.
func RecordExtraction(outcome string) {
	extractions.WithLabelValues(outcome).Inc()
}

// RecordDelivery counts one dispatch result; status is a delivery status or DeliveryDuplicate.
func RecordDelivery(status string) {
	deliveries.WithLabelValues(status).Inc()
}

// RecordClassifierCall observes one classifier round trip and its usage side channel.
func RecordClassifierCall(elapsed time.Duration, usage domain.Usage, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	classifierLatency.WithLabelValues(status).Observe(elapsed.Seconds())
	if err != nil {
		return
	}

	model := usage.Model
	if model == "" {
		model = "unknown"
	}
	if usage.PromptTokens > 0 {
		classifierTokens.WithLabelValues(model, "prompt").Add(float64(usage.PromptTokens))
	}
	if usage.CompletionTokens > 0 {
		classifierTokens.WithLabelValues(model, "completion").Add(float64(usage.CompletionTokens))
	}
	if usage.CostUSD > 0 {
		classifierCost.WithLabelValues(model).Add(usage.CostUSD)
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
