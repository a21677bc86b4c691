package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.WebhookDelivery("applied")
	m.WebhookDelivery("applied")
	m.WebhookDelivery("duplicate_delivery")
	m.HTTPRequest("POST", "/webhooks/lemon", 200, 5*time.Millisecond)
	done := m.PollStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pollWaiters))
	done("verified")
	m.Purged(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.webhookDeliveries.WithLabelValues("applied")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.pollWaiters))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.purged))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `webhook_deliveries_total{outcome="duplicate_delivery"} 1`)
	assert.Contains(t, string(body), "http_requests_total")
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.WebhookDelivery("applied")
	m.Activation("requested")
	m.DeviceToken("ok")
	m.HTTPRequest("GET", "/", 200, time.Millisecond)
	m.PollStarted()("pending")
	m.Purged(1)
}

func TestRegisteringTwiceIsTolerated(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	require.NoError(t, err)
}
