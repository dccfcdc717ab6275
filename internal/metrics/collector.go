package metrics

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pixcache/pixcache/pkg/errors"
	"github.com/pixcache/pixcache/pkg/types"
	"github.com/pixcache/pixcache/pkg/utils"
)

// Collector implements types.MetricsCollector on top of a private
// Prometheus registry and serves it over HTTP.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *utils.StructuredLogger

	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationSize     *prometheus.HistogramVec
	cacheRequests     *prometheus.CounterVec
	cacheHitBytes     *prometheus.CounterVec
	cacheSizeGauge    *prometheus.GaugeVec
	cacheCapacity     *prometheus.GaugeVec
	evictionCounter   *prometheus.CounterVec
	rebuildCounter    *prometheus.CounterVec
	errorCounter      *prometheus.CounterVec

	operations map[string]*OperationMetrics
	lastReset  time.Time

	server   *http.Server
	listener net.Listener

	healthFn HealthFunc
}

// HealthFunc reports whether the service is healthy along with details
// that are rendered as JSON on /health.
type HealthFunc func() (healthy bool, details interface{})

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Address   string            `yaml:"address"`
	Path      string            `yaml:"path"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
	Labels    map[string]string `yaml:"labels"`

	// GoCollector adds the Go runtime and process collectors to the registry.
	GoCollector bool `yaml:"go_collector"`

	Logger *utils.StructuredLogger `yaml:"-"`
}

// OperationMetrics tracks metrics for a specific operation type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalSize     int64         `json:"total_size"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
	AvgSize       float64       `json:"avg_size"`
}

var _ types.MetricsCollector = (*Collector)(nil)

// DefaultConfig returns an enabled config listening on :9090.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Address:   ":9090",
		Path:      "/metrics",
		Namespace: "pixcache",
		Labels:    make(map[string]string),
	}
}

// NewCollector creates a new metrics collector. A disabled collector
// accepts every observation and records nothing.
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	logger := config.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	collector := &Collector{
		config:     config,
		logger:     logger.WithComponent("metrics"),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}
	if !config.Enabled {
		return collector, nil
	}

	collector.registry = prometheus.NewRegistry()
	collector.initMetrics()

	if err := collector.registerMetrics(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "failed to register metrics", err).
			WithComponent("metrics")
	}

	return collector, nil
}

// Enabled reports whether observations are recorded.
func (c *Collector) Enabled() bool {
	return c.config.Enabled
}

// Registry returns the Prometheus registry, or nil if disabled.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the HTTP handler serving the metrics endpoint and the
// debug endpoints.
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	if c.registry != nil {
		mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	}
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)
	return mux
}

// Start starts serving metrics on the configured address.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server != nil {
		return errors.NewError(errors.ErrCodeInternalError, "metrics server already running").
			WithComponent("metrics")
	}

	listener, err := net.Listen("tcp", c.config.Address)
	if err != nil {
		return errors.Wrap(errors.ErrCodeIO, "failed to listen for metrics", err).
			WithComponent("metrics").WithContext("address", c.config.Address)
	}

	c.listener = listener
	c.server = &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 30 * time.Second, // Prevent Slowloris attacks
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	server := c.server
	go func() {
		if err := server.Serve(listener); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			c.logger.Error("Metrics server error", map[string]interface{}{"error": err.Error()})
		}
	}()

	c.logger.Info("Metrics server started", map[string]interface{}{
		"address": listener.Addr().String(),
		"path":    c.config.Path,
	})
	return nil
}

// Addr returns the address the server listens on, or "" when not started.
func (c *Collector) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// Stop stops the metrics collection server
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	server := c.server
	c.server = nil
	c.listener = nil
	c.mu.Unlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// RecordOperation records an operation with its metrics
func (c *Collector) RecordOperation(operation string, duration time.Duration, size int64, success bool) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	metrics, exists := c.operations[operation]
	if !exists {
		metrics = &OperationMetrics{}
		c.operations[operation] = metrics
	}
	metrics.Count++
	metrics.TotalDuration += duration
	metrics.TotalSize += size
	if !success {
		metrics.Errors++
	}
	metrics.LastOperation = time.Now()
	metrics.AvgDuration = time.Duration(int64(metrics.TotalDuration) / metrics.Count)
	metrics.AvgSize = float64(metrics.TotalSize) / float64(metrics.Count)
	c.mu.Unlock()

	status := "success"
	if !success {
		status = "error"
	}
	c.operationCounter.WithLabelValues(operation, status).Inc()
	c.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if size > 0 {
		c.operationSize.WithLabelValues(operation).Observe(float64(size))
	}
}

// RecordCacheHit records a cache hit
func (c *Collector) RecordCacheHit(tier types.Tier, size int64) {
	if !c.config.Enabled {
		return
	}
	c.cacheRequests.WithLabelValues(string(tier), "hit").Inc()
	if size > 0 {
		c.cacheHitBytes.WithLabelValues(string(tier)).Add(float64(size))
	}
}

// RecordCacheMiss records a cache miss
func (c *Collector) RecordCacheMiss(tier types.Tier) {
	if !c.config.Enabled {
		return
	}
	c.cacheRequests.WithLabelValues(string(tier), "miss").Inc()
}

// RecordEviction records entries evicted to stay within budget.
func (c *Collector) RecordEviction(tier types.Tier, count int) {
	if !c.config.Enabled || count <= 0 {
		return
	}
	c.evictionCounter.WithLabelValues(string(tier)).Add(float64(count))
}

// RecordJournalRebuild records a disk journal that had to be repaired at open.
func (c *Collector) RecordJournalRebuild(tier types.Tier, reason string) {
	if !c.config.Enabled {
		return
	}
	c.rebuildCounter.WithLabelValues(string(tier), reason).Inc()
}

// UpdateCacheSize updates cache size metrics
func (c *Collector) UpdateCacheSize(tier types.Tier, size, capacity int64) {
	if !c.config.Enabled {
		return
	}
	c.cacheSizeGauge.WithLabelValues(string(tier)).Set(float64(size))
	c.cacheCapacity.WithLabelValues(string(tier)).Set(float64(capacity))
}

// RecordError records an error
func (c *Collector) RecordError(operation string, err error) {
	if !c.config.Enabled || err == nil {
		return
	}
	c.errorCounter.WithLabelValues(operation, classifyError(err)).Inc()
}

// GetMetrics returns a copy of the per-operation summaries.
func (c *Collector) GetMetrics() map[string]OperationMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	operations := make(map[string]OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		operations[k] = *v
	}
	return operations
}

// ResetMetrics resets the per-operation summaries. Prometheus counters are
// monotonic and are left alone.
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() {
	ns, sub, labels := c.config.Namespace, c.config.Subsystem, prometheus.Labels(c.config.Labels)

	c.operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "operations_total",
			Help: "Total number of operations",
		},
		[]string{"operation", "status"},
	)

	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name:    "operation_duration_seconds",
			Help:    "Duration of operations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16), // 0.5ms to ~16s
		},
		[]string{"operation"},
	)

	c.operationSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name:    "operation_size_bytes",
			Help:    "Size of operations in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10), // 1KB to ~256MB
		},
		[]string{"operation"},
	)

	c.cacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "cache_requests_total",
			Help: "Cache lookups by tier and result",
		},
		[]string{"tier", "result"},
	)

	c.cacheHitBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "cache_hit_bytes_total",
			Help: "Bytes served from each cache tier",
		},
		[]string{"tier"},
	)

	c.cacheSizeGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "cache_size_bytes",
			Help: "Current cache size in bytes",
		},
		[]string{"tier"},
	)

	c.cacheCapacity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "cache_capacity_bytes",
			Help: "Configured cache budget in bytes",
		},
		[]string{"tier"},
	)

	c.evictionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "cache_evictions_total",
			Help: "Entries evicted to stay within budget",
		},
		[]string{"tier"},
	)

	c.rebuildCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "journal_rebuilds_total",
			Help: "Disk journals repaired or rebuilt at open",
		},
		[]string{"tier", "reason"},
	)

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "errors_total",
			Help: "Total number of errors",
		},
		[]string{"operation", "code"},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.operationSize,
		c.cacheRequests,
		c.cacheHitBytes,
		c.cacheSizeGauge,
		c.cacheCapacity,
		c.evictionCounter,
		c.rebuildCounter,
		c.errorCounter,
	}
	if c.config.GoCollector {
		metrics = append(metrics,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

// classifyError labels an error by its CacheError code. Context errors that
// escaped wrapping get their own labels.
func classifyError(err error) string {
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return string(errors.ErrCodeOperationTimeout)
	case stderrors.Is(err, context.Canceled):
		return string(errors.ErrCodeOperationCanceled)
	}
	return string(errors.CodeOf(err))
}

// SetHealthFunc makes /health report fn instead of a static healthy status.
func (c *Collector) SetHealthFunc(fn HealthFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthFn = fn
}

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	fn := c.healthFn
	c.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if fn == nil {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy","service":"pixcache-metrics"}`))
		return
	}

	healthy, details := fn()
	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  status,
		"service": "pixcache",
		"details": details,
	})
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	lastReset := c.lastReset
	c.mu.RUnlock()
	operations := c.GetMetrics()

	if r.URL.Query().Get("format") == "json" {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"uptime":     time.Since(lastReset).String(),
			"last_reset": lastReset,
			"operations": operations,
		})
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	writef("pixcache operations\n")
	writef("===================\n\n")
	writef("Uptime: %v\n\n", time.Since(lastReset).Truncate(time.Second))

	if len(operations) == 0 {
		writef("No operations recorded.\n")
		return
	}

	names := make([]string, 0, len(operations))
	for name := range operations {
		names = append(names, name)
	}
	sort.Strings(names)

	writef("%-20s %10s %10s %14s %12s\n", "Operation", "Count", "Errors", "Avg Duration", "Avg Size")
	for _, name := range names {
		op := operations[name]
		writef("%-20s %10d %10d %14v %12s\n",
			name, op.Count, op.Errors, op.AvgDuration, utils.FormatBytes(int64(op.AvgSize)))
	}
}
