package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsIndependentRegistries(t *testing.T) {
	m1 := New()
	m2 := New()
	require.NotNil(t, m1)
	require.NotNil(t, m2)
	assert.NotSame(t, m1.Registry(), m2.Registry())
}

func TestRecordActivityAndAuth(t *testing.T) {
	m := New()
	m.RecordActivity("replied")
	m.RecordActivity("replied")
	m.RecordActivity("unauthorized")
	m.RecordAuthFailure("kid")
	m.RecordAuthFailure("")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActivitiesTotal.WithLabelValues("replied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActivitiesTotal.WithLabelValues("unauthorized")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuthFailures.WithLabelValues("kid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuthFailures.WithLabelValues("unknown")))
}

func TestRecordTurnsAndSteps(t *testing.T) {
	m := New()
	m.RecordTurn("text")
	m.RecordProvisionStep("create_application", true)
	m.RecordProvisionStep("put_bot_service", false)
	m.RecordReply("ok")
	m.RecordCompletion("openai", false, 20*time.Millisecond)
	m.SetWSClients(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TurnsTotal.WithLabelValues("text")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProvisionSteps.WithLabelValues("create_application", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProvisionSteps.WithLabelValues("put_bot_service", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RepliesTotal.WithLabelValues("ok")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.WSClients))
	assert.Equal(t, 1, testutil.CollectAndCount(m.CompletionDuration))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordActivity("x")
		m.RecordAuthFailure("x")
		m.RecordTurn("x")
		m.RecordReply("x")
		m.RecordCompletion("x", true, time.Second)
		m.RecordProvisionStep("x", true)
		m.RecordHTTPRequest("GET", "/", "200", 0.1)
		m.SetWSClients(1)
	})
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.RecordHTTPRequest("POST", "/api/messages", "200", 0.05)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "teamsforge_http_requests_total")
	assert.Contains(t, string(body), `path="/api/messages"`)
}
