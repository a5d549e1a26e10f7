package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersRecord(t *testing.T) {
	m := New()
	m.IntentCreated("crypto")
	m.IntentResolved("crypto", "completed", true)
	m.IntentResolved("crypto", "completed", false)
	m.PremiumGrant("promo", true)
	m.Webhook("invalid_signature")
	m.StarsCredited(5)
	m.StarsDebited(100)
	m.StarsDebited(-1)
	m.ProcessorCall("ok", 20*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.intentsCreated.WithLabelValues("crypto")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.intentsResolved.WithLabelValues("crypto", "completed", "duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhooks.WithLabelValues("invalid_signature")))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.stars.WithLabelValues("debit")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.IntentCreated("stars")
	m.Webhook("ok")
	m.HTTPRequest("/x", http.MethodGet, http.StatusOK)
	assert.Nil(t, m.Registry())
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.Webhook("applied")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "testbor_webhook_deliveries_total")
}
