package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"ListingRadar/internal/domain"
)

func TestRecordIngest(t *testing.T) {
	before := testutil.ToFloat64(ingestedMessages.WithLabelValues("duplicate"))
	RecordIngest(false)
	assert.InDelta(t, before+1, testutil.ToFloat64(ingestedMessages.WithLabelValues("duplicate")), 1e-9)
}

func TestRecordClassifierCall(t *testing.T) {
	model := "test-model"
	RecordClassifierCall(120*time.Millisecond, domain.Usage{
		Model: model, PromptTokens: 100, CompletionTokens: 40, CostUSD: 0.002,
	}, nil)

	assert.InDelta(t, 100, testutil.ToFloat64(classifierTokens.WithLabelValues(model, "prompt")), 1e-9)
	assert.InDelta(t, 40, testutil.ToFloat64(classifierTokens.WithLabelValues(model, "completion")), 1e-9)
	assert.InDelta(t, 0.002, testutil.ToFloat64(classifierCost.WithLabelValues(model)), 1e-12)

	RecordClassifierCall(time.Second, domain.Usage{Model: model, PromptTokens: 999}, errors.New("boom"))
	assert.InDelta(t, 100, testutil.ToFloat64(classifierTokens.WithLabelValues(model, "prompt")), 1e-9)
}

func TestRecordExtractionAndDelivery(t *testing.T) {
	before := testutil.ToFloat64(extractions.WithLabelValues(ExtractionDropped))
	RecordExtraction(ExtractionDropped)
	assert.InDelta(t, before+1, testutil.ToFloat64(extractions.WithLabelValues(ExtractionDropped)), 1e-9)

	before = testutil.ToFloat64(deliveries.WithLabelValues(DeliveryDuplicate))
	RecordDelivery(DeliveryDuplicate)
	assert.InDelta(t, before+1, testutil.ToFloat64(deliveries.WithLabelValues(DeliveryDuplicate)), 1e-9)
}
