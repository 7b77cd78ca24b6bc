package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.ConnectionOpened()
	c.JobCompleted("notify", 0.1)
	c.SetJobsByStatus("PENDING", 3)
	c.TaskFailed("cleanup")
}

func TestCollectorRecords(t *testing.T) {
	c := New()
	c.ConnectionOpened()
	c.ConnectionOpened()
	c.ConnectionClosed()
	c.JobEnqueued("notify")
	c.JobFailed("notify", 0.5)
	c.SetJobsByStatus("PENDING", 4)

	require.Equal(t, 1.0, testutil.ToFloat64(c.connections))
	require.Equal(t, 1.0, testutil.ToFloat64(c.jobsEnqueued.WithLabelValues("notify")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.jobsFailed.WithLabelValues("notify")))
	require.Equal(t, 4.0, testutil.ToFloat64(c.jobsByStatus.WithLabelValues("PENDING")))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "chatflow_ws_connections 1")
	require.Contains(t, string(body), `chatflow_jobs{status="PENDING"} 4`)
}
