package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_ServesCollectors(t *testing.T) {
	TasksProcessed.WithLabelValues("dy", "success").Inc()

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `tether_worker_tasks_processed_total{outcome="success",platform="dy"}`)

	health, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestCounters_Increment(t *testing.T) {
	before := testutil.ToFloat64(Captures.WithLabelValues("timeout"))
	Captures.WithLabelValues("timeout").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(Captures.WithLabelValues("timeout")))
}
