package utils

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsCollectorRecordsNothing(t *testing.T) {
	var mc *MetricsCollector

	assert.NotPanics(t, func() {
		mc.RecordRequest(http.MethodGet, "/health", http.StatusOK, time.Millisecond)
		mc.IncrementMessages("homeowner", "text")
		mc.IncrementConversations()
		mc.IncrementRegistryRaces()
		mc.IncrementAccessDenials("NOT_PAID")
		mc.IncrementDeliveries("message.created", true)
		mc.IncrementWithheld("message.created")
		mc.IncrementRetries("get_conversation")
	})
	assert.Zero(t, mc.Uptime())
	assert.Nil(t, mc.Registry())

	rec := httptest.NewRecorder()
	mc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeliveryOutcomes(t *testing.T) {
	mc := NewMetricsCollector()

	mc.IncrementDeliveries("message.created", true)
	mc.IncrementDeliveries("message.created", false)
	mc.IncrementWithheld("message.created")
	mc.IncrementWithheld("message.created")

	families, err := mc.Registry().Gather()
	require.NoError(t, err)

	outcomes := map[string]float64{}
	for _, family := range families {
		if family.GetName() != "tradechat_live_deliveries_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "outcome" {
					outcomes[label.GetValue()] = metric.GetCounter().GetValue()
				}
			}
		}
	}
	assert.Equal(t, map[string]float64{"pushed": 1, "offline": 1, "withheld": 2}, outcomes)
}
