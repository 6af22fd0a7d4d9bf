package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollectorRecords(t *testing.T) {
	t.Parallel()
	c, err := NewCollector()
	require.NoError(t, err)

	c.WorkerStarted()
	c.WorkerStarted()
	c.PostResult("success", 2*time.Second)
	c.PostResult("success", time.Second)
	c.PostResult("failed", time.Second)
	c.WorkerFinished("queue_exhausted")
	c.ReserveActivated()
	c.BanWave()
	c.QueueLength(4)
	c.SessionFinished("completed")

	require.Equal(t, 2.0, testutil.ToFloat64(c.posts.WithLabelValues("success")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.posts.WithLabelValues("failed")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.workersActive))
	require.Equal(t, 1.0, testutil.ToFloat64(c.workerFinished.WithLabelValues("queue_exhausted")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.reserve))
	require.Equal(t, 1.0, testutil.ToFloat64(c.banWaves))
	require.Equal(t, 4.0, testutil.ToFloat64(c.queueLength))
	require.Equal(t, 1.0, testutil.ToFloat64(c.sessions.WithLabelValues("completed")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	t.Parallel()
	c, err := NewCollector()
	require.NoError(t, err)
	c.PostResult("success", time.Second)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `postrunner_posts_total{outcome="success"} 1`)
	require.Contains(t, string(body), "go_goroutines")
}
