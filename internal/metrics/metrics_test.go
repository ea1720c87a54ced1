package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/settlement/internal/domain"
)

func TestSettlementCounters(t *testing.T) {
	m := New("test")

	m.SettlementFinished(domain.SettlementFull, "completed")
	m.SettlementFinished(domain.SettlementFull, "completed")
	m.SettlementFinished("", "rejected")
	m.SettlementWriteFailed(domain.EntityReceivable)
	m.SideEffectFailed("restock")
	m.Reconciled(string(domain.CheckpointCompleted))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.settlements.WithLabelValues("full", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.settlements.WithLabelValues("none", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.writeFailures.WithLabelValues("receivable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sideEffectErrs.WithLabelValues("restock")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconciled.WithLabelValues("completed")))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New("")
	m.ObserveHTTP(http.MethodPost, "/api/v1/sales/{saleID}/returns", "201", 0.02)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "settlement_http_requests_total")
	assert.Contains(t, rec.Body.String(), `environment="unknown"`)
}
