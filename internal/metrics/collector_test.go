package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	c, err := NewCollector(Config{Enabled: true})
	require.NoError(t, err)
	return c
}

func TestNewCollector_Defaults(t *testing.T) {
	c := newTestCollector(t)
	assert.Equal(t, "/metrics", c.config.Path)
	assert.Equal(t, "chunkfs", c.config.Namespace)
	assert.NotNil(t, c.registry)
}

func TestNewCollector_DisabledHasNoRegistry(t *testing.T) {
	c, err := NewCollector(Config{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, c.registry)
	assert.Nil(t, c.Handler())

	// Observations on a disabled collector are accepted and dropped.
	c.ObserveCacheHit()
	c.ObserveCacheMiss()
	c.ObserveCacheEviction(100)
	c.ObserveFetchFailure()
	c.ObserveCachedBytes(42)
	c.ObserveBackendRequest("s3", time.Millisecond, 1024, nil)
	require.NoError(t, c.RegisterPrefetchQueue(func() int { return 0 }))
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.ObserveCacheHit()
	c.ObserveBackendRequest("oss", time.Millisecond, 0, nil)
	assert.Nil(t, c.Handler())
	assert.NoError(t, c.Stop(context.Background()))
}

func TestCacheObservations(t *testing.T) {
	c := newTestCollector(t)

	c.ObserveCacheHit()
	c.ObserveCacheHit()
	c.ObserveCacheMiss()
	c.ObserveCacheEviction(4096)
	c.ObserveFetchFailure()
	c.ObserveCachedBytes(1 << 20)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.cacheRequests.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheRequests.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheEvictions))
	assert.Equal(t, 4096.0, testutil.ToFloat64(c.cacheEvictedB))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.fetchFailures))
	assert.Equal(t, float64(1<<20), testutil.ToFloat64(c.cachedBytes))
}

func TestBackendObservations(t *testing.T) {
	c := newTestCollector(t)

	c.ObserveBackendRequest("s3", 5*time.Millisecond, 2048, nil)
	c.ObserveBackendRequest("s3", 8*time.Millisecond, 0, errors.New("boom"))
	c.ObserveBackendRequest("registry", time.Millisecond, 512, nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.backendRequests.WithLabelValues("s3", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.backendRequests.WithLabelValues("s3", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.backendRequests.WithLabelValues("registry", "ok")))
	assert.Equal(t, 2048.0, testutil.ToFloat64(c.backendBytes.WithLabelValues("s3")))
	assert.Equal(t, 512.0, testutil.ToFloat64(c.backendBytes.WithLabelValues("registry")))
}

func TestPrefetchQueueGauge(t *testing.T) {
	c := newTestCollector(t)
	depth := 7
	require.NoError(t, c.RegisterPrefetchQueue(func() int { return depth }))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "chunkfs_prefetch_queue_depth 7")
}

func TestHandlerExposesCounters(t *testing.T) {
	c := newTestCollector(t)
	c.ObserveCacheHit()
	c.ObserveBackendRequest("localfs", time.Millisecond, 64, nil)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `chunkfs_cache_requests_total{outcome="hit"} 1`))
	assert.True(t, strings.Contains(body, `chunkfs_backend_requests_total{backend="localfs",status="ok"} 1`))
	assert.True(t, strings.Contains(body, "chunkfs_backend_request_duration_seconds_bucket"))
}
