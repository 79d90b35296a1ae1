package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordToolExecution(t *testing.T) {
	m := getMetrics()

	before := testutil.ToFloat64(m.toolExecutionTotal.WithLabelValues("metrics_probe", "success"))
	RecordToolExecution("metrics_probe", 20*time.Millisecond, true)
	after := testutil.ToFloat64(m.toolExecutionTotal.WithLabelValues("metrics_probe", "success"))

	assert.Equal(t, before+1, after)
}

func TestRecordToolRejection(t *testing.T) {
	m := getMetrics()

	RecordToolRejection("metrics_probe", "validation_failed")
	RecordToolRejection("metrics_probe", "validation_failed")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.toolRejectionsTotal.WithLabelValues("metrics_probe", "validation_failed")))
}

func TestLaneGauges(t *testing.T) {
	m := getMetrics()

	SetLaneQueueDepth("lane-metrics", 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.laneQueueDepth.WithLabelValues("lane-metrics")))

	SetActiveLanes(5)
	assert.Equal(t, 5.0, testutil.ToFloat64(m.activeLanes))

	DeleteLane("lane-metrics")
	RecordLaneCall("serial", time.Millisecond, false)
	RecordLaneEvictions(2)
}

func TestGuardCounters(t *testing.T) {
	m := getMetrics()

	before := testutil.ToFloat64(m.guardLoopsTotal)
	RecordGuardLoop()
	RecordGuardCompression()
	RecordGuardHardStop()
	RecordPolicyDecision(false)

	assert.Equal(t, before+1, testutil.ToFloat64(m.guardLoopsTotal))
}

func TestMetricsHandler(t *testing.T) {
	RecordPolicyDecision(true)

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "policy_decisions_total")
}
