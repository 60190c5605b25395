// Package metrics exposes the engine's telemetry over a private
// Prometheus registry. The collector implements the observer hooks of
// the cache and the backend client, so wiring it in is passing one value
// to two configs; everything stays inert when disabled.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config configures metrics exposition.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// Collector gathers cache, backend, and prefetch telemetry. A disabled
// collector accepts every observation and records nothing; a nil
// *Collector is likewise safe to pass as an observer.
type Collector struct {
	config   Config
	registry *prometheus.Registry

	cacheRequests   *prometheus.CounterVec
	cacheEvictions  prometheus.Counter
	cacheEvictedB   prometheus.Counter
	cachedBytes     prometheus.Gauge
	fetchFailures   prometheus.Counter
	backendRequests *prometheus.CounterVec
	backendLatency  *prometheus.HistogramVec
	backendBytes    *prometheus.CounterVec

	server *http.Server
}

// NewCollector builds a collector over a fresh private registry.
func NewCollector(cfg Config) (*Collector, error) {
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "chunkfs"
	}
	if !cfg.Enabled {
		return &Collector{config: cfg}, nil
	}

	c := &Collector{
		config:   cfg,
		registry: prometheus.NewRegistry(),
	}

	c.cacheRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Name:      "cache_requests_total",
		Help:      "Chunk cache lookups by outcome.",
	}, []string{"outcome"})

	c.cacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Name:      "cache_evictions_total",
		Help:      "Chunks evicted from the in-memory cache.",
	})

	c.cacheEvictedB = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Name:      "cache_evicted_bytes_total",
		Help:      "Decompressed bytes evicted from the in-memory cache.",
	})

	c.cachedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Name:      "cache_resident_bytes",
		Help:      "Decompressed bytes currently resident in memory.",
	})

	c.fetchFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Name:      "fetch_failures_total",
		Help:      "Chunk fetches that resolved to a failure.",
	})

	c.backendRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Name:      "backend_requests_total",
		Help:      "Backend range reads by backend kind and status.",
	}, []string{"backend", "status"})

	c.backendLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.Namespace,
		Name:      "backend_request_duration_seconds",
		Help:      "Backend range read latency including retries.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
	}, []string{"backend"})

	c.backendBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Name:      "backend_read_bytes_total",
		Help:      "Compressed bytes read from each backend kind.",
	}, []string{"backend"})

	for _, m := range []prometheus.Collector{
		c.cacheRequests,
		c.cacheEvictions,
		c.cacheEvictedB,
		c.cachedBytes,
		c.fetchFailures,
		c.backendRequests,
		c.backendLatency,
		c.backendBytes,
	} {
		if err := c.registry.Register(m); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return c, nil
}

// RegisterPrefetchQueue exposes a queue depth gauge backed by fn. fn is
// called at scrape time and must be safe for concurrent use.
func (c *Collector) RegisterPrefetchQueue(fn func() int) error {
	if c == nil || !c.config.Enabled {
		return nil
	}
	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: c.config.Namespace,
		Name:      "prefetch_queue_depth",
		Help:      "Chunks waiting in the prefetch queue.",
	}, func() float64 { return float64(fn()) })
	return c.registry.Register(gauge)
}

// ObserveCacheHit implements the cache observer.
func (c *Collector) ObserveCacheHit() {
	if c == nil || !c.config.Enabled {
		return
	}
	c.cacheRequests.WithLabelValues("hit").Inc()
}

// ObserveCacheMiss implements the cache observer.
func (c *Collector) ObserveCacheMiss() {
	if c == nil || !c.config.Enabled {
		return
	}
	c.cacheRequests.WithLabelValues("miss").Inc()
}

// ObserveCacheEviction implements the cache observer.
func (c *Collector) ObserveCacheEviction(bytes int64) {
	if c == nil || !c.config.Enabled {
		return
	}
	c.cacheEvictions.Inc()
	c.cacheEvictedB.Add(float64(bytes))
}

// ObserveFetchFailure implements the cache observer.
func (c *Collector) ObserveFetchFailure() {
	if c == nil || !c.config.Enabled {
		return
	}
	c.fetchFailures.Inc()
}

// ObserveCachedBytes implements the cache observer.
func (c *Collector) ObserveCachedBytes(total int64) {
	if c == nil || !c.config.Enabled {
		return
	}
	c.cachedBytes.Set(float64(total))
}

// ObserveBackendRequest implements the backend observer.
func (c *Collector) ObserveBackendRequest(kind string, duration time.Duration, bytes int64, err error) {
	if c == nil || !c.config.Enabled {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.backendRequests.WithLabelValues(kind, status).Inc()
	c.backendLatency.WithLabelValues(kind).Observe(duration.Seconds())
	if bytes > 0 {
		c.backendBytes.WithLabelValues(kind).Add(float64(bytes))
	}
}

// Handler returns the exposition handler for embedding in an existing
// mux. Returns nil when disabled.
func (c *Collector) Handler() http.Handler {
	if c == nil || !c.config.Enabled {
		return nil
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Start serves the exposition endpoint on the configured port. No-op
// when disabled or no port is set.
func (c *Collector) Start() error {
	if c == nil || !c.config.Enabled || c.config.Port == 0 {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle(c.config.Path, c.Handler())

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		_ = c.server.ListenAndServe()
	}()
	return nil
}

// Stop shuts the exposition server down.
func (c *Collector) Stop(ctx context.Context) error {
	if c == nil || c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}
