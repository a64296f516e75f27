package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/objectfs/mapperfs/pkg/attr"
	"github.com/objectfs/mapperfs/pkg/errors"
	"github.com/objectfs/mapperfs/pkg/utils"
)

// Collector exports attribute dispatch metrics and device latency histograms.
// It implements attr.Observer.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *utils.StructuredLogger

	// Prometheus metrics
	dispatchCounter  *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	errorCounter     *prometheus.CounterVec
	devicesGauge     prometheus.Gauge

	devices DeviceSource

	// Internal tracking
	operations map[string]*OperationMetrics
	lastReset  time.Time

	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled        bool              `yaml:"enabled"`
	Port           int               `yaml:"port"`
	Path           string            `yaml:"path"`
	Labels         map[string]string `yaml:"labels"`
	Namespace      string            `yaml:"namespace"`
	Subsystem      string            `yaml:"subsystem"`
	UpdateInterval time.Duration     `yaml:"update_interval"`

	// Pprof serves runtime profiles under /debug/pprof/ on the metrics port.
	Pprof bool `yaml:"pprof"`
}

// DefaultConfig returns the metrics defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:        true,
		Port:           9100,
		Path:           "/metrics",
		Namespace:      "mapperfs",
		UpdateInterval: 30 * time.Second,
		Labels:         make(map[string]string),
	}
}

// OperationMetrics tracks dispatches of one operation on one attribute.
type OperationMetrics struct {
	Count         int64         `json:"count"`
	Errors        int64         `json:"errors"`
	TotalDuration time.Duration `json:"total_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
	LastError     string        `json:"last_error,omitempty"`
	LastOperation time.Time     `json:"last_operation"`
}

// NewCollector creates a new metrics collector. devices may be nil, in which
// case no per-device metrics are exported.
func NewCollector(config *Config, devices DeviceSource, logger *utils.StructuredLogger) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	c := &Collector{
		config:     config,
		logger:     logger.WithComponent("metrics"),
		devices:    devices,
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}
	if !config.Enabled {
		return c, nil
	}

	c.registry = prometheus.NewRegistry()
	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return c, nil
}

// Registry returns the Prometheus registry, or nil when metrics are disabled.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Start serves the metrics endpoint until Stop is called.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, c.Handler())
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)
	if c.config.Pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server failed", map[string]interface{}{"error": err})
		}
	}()

	go c.updateLoop(ctx)

	c.logger.Info("metrics server started", map[string]interface{}{
		"port": c.config.Port,
		"path": c.config.Path,
	})
	return nil
}

// Stop shuts down the metrics endpoint.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// ObserveDispatch implements attr.Observer.
func (c *Collector) ObserveDispatch(op attr.Op, attribute string, duration time.Duration, err error) {
	if !c.config.Enabled {
		return
	}

	code := string(errors.CodeOf(err))
	status := "success"
	if err != nil {
		status = code
	}

	key := string(op) + ":" + attribute
	c.mu.Lock()
	m, ok := c.operations[key]
	if !ok {
		m = &OperationMetrics{}
		c.operations[key] = m
	}
	m.Count++
	m.TotalDuration += duration
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	m.LastOperation = time.Now()
	if err != nil {
		m.Errors++
		m.LastError = code
	}
	c.mu.Unlock()

	c.dispatchCounter.With(prometheus.Labels{
		"operation": string(op),
		"attribute": attribute,
		"status":    status,
	}).Inc()
	c.dispatchDuration.With(prometheus.Labels{
		"operation": string(op),
	}).Observe(duration.Seconds())

	if err != nil {
		c.errorCounter.With(prometheus.Labels{
			"operation": string(op),
			"category":  string(errors.GetCategory(errors.CodeOf(err))),
		}).Inc()
	}
}

// GetMetrics returns a copy of the internal per-operation tracking.
func (c *Collector) GetMetrics() map[string]OperationMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		out[k] = *v
	}
	return out
}

// ResetMetrics clears the internal per-operation tracking.
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() {
	c.dispatchCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "attribute_operations_total",
			Help:        "Total number of attribute reads and writes",
			ConstLabels: c.config.Labels,
		},
		[]string{"operation", "attribute", "status"},
	)

	c.dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "attribute_operation_duration_seconds",
			Help:        "Duration of attribute operations in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.000001, 4, 12), // 1us to ~4s
			ConstLabels: c.config.Labels,
		},
		[]string{"operation"},
	)

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "errors_total",
			Help:        "Total number of failed attribute operations",
			ConstLabels: c.config.Labels,
		},
		[]string{"operation", "category"},
	)

	c.devicesGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "devices",
			Help:        "Number of published devices",
			ConstLabels: c.config.Labels,
		},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.dispatchCounter,
		c.dispatchDuration,
		c.errorCounter,
		c.devicesGauge,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: c.config.Namespace}),
	}
	if c.devices != nil {
		metrics = append(metrics, NewLatencyCollector(c.config.Namespace, c.config.Labels, c.devices))
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collector) updateLoop(ctx context.Context) {
	interval := c.config.UpdateInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.updatePeriodicMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.updatePeriodicMetrics()
		}
	}
}

func (c *Collector) updatePeriodicMetrics() {
	if c.devices == nil || c.devicesGauge == nil {
		return
	}
	c.devicesGauge.Set(float64(len(c.devices.Handles())))
}

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"mapperfs-metrics"}`))
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	ops := c.GetMetrics()
	keys := make([]string, 0, len(ops))
	for k := range ops {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	c.mu.RLock()
	lastReset := c.lastReset
	c.mu.RUnlock()

	type entry struct {
		Operation string `json:"operation"`
		OperationMetrics
	}
	body := struct {
		Uptime     string  `json:"uptime"`
		LastReset  string  `json:"last_reset"`
		Operations []entry `json:"operations"`
	}{
		Uptime:     time.Since(lastReset).String(),
		LastReset:  lastReset.Format(time.RFC3339),
		Operations: make([]entry, 0, len(keys)),
	}
	for _, k := range keys {
		body.Operations = append(body.Operations, entry{Operation: k, OperationMetrics: ops[k]})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
