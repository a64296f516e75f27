// Package api provides the HTTP transport for mapperfs: device lifecycle,
// attribute access, health and operation status.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/objectfs/mapperfs/internal/device"
	"github.com/objectfs/mapperfs/pkg/attr"
	"github.com/objectfs/mapperfs/pkg/errors"
	"github.com/objectfs/mapperfs/pkg/health"
	"github.com/objectfs/mapperfs/pkg/status"
	"github.com/objectfs/mapperfs/pkg/utils"
)

// maxPayload bounds attribute writes, like a sysfs page.
const maxPayload = 4096

// Server provides HTTP API endpoints for devices and their attributes
type Server struct {
	httpServer    *http.Server
	registry      *device.Registry
	dispatcher    *attr.Dispatcher[string, *device.Device]
	statusTracker *status.Tracker
	healthTracker *health.Tracker
	limiter       *rate.Limiter
	logger        *utils.StructuredLogger
	config        ServerConfig

	// asynchronous removals still draining
	pending sync.WaitGroup
}

// ServerConfig configures the API server
type ServerConfig struct {
	// Address to bind the server to (e.g., "127.0.0.1:8470")
	Address string `yaml:"address" json:"address"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout is the maximum duration for writing the response. It must
	// exceed RemoveTimeout for synchronous removals to report their outcome.
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// EnableCORS enables Cross-Origin Resource Sharing
	EnableCORS bool `yaml:"enable_cors" json:"enable_cors"`

	// WriteRate limits mutating requests per second; zero disables the limit
	WriteRate float64 `yaml:"write_rate" json:"write_rate"`

	// WriteBurst is the number of mutating requests allowed at once
	WriteBurst int `yaml:"write_burst" json:"write_burst"`

	// RemoveTimeout bounds how long a removal waits for references to drain
	// when the request gives no timeout
	RemoveTimeout time.Duration `yaml:"remove_timeout" json:"remove_timeout"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:       "127.0.0.1:8470",
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  30 * time.Second,
		IdleTimeout:   60 * time.Second,
		EnableCORS:    false,
		WriteRate:     50,
		WriteBurst:    10,
		RemoveTimeout: 10 * time.Second,
	}
}

// NewServer creates a new API server. statusTracker and healthTracker may be
// nil.
func NewServer(
	config ServerConfig,
	registry *device.Registry,
	dispatcher *attr.Dispatcher[string, *device.Device],
	statusTracker *status.Tracker,
	healthTracker *health.Tracker,
	logger *utils.StructuredLogger,
) *Server {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	if statusTracker == nil {
		statusTracker = status.NewTracker(status.TrackerConfig{HealthTracker: healthTracker})
	}

	limit := rate.Inf
	if config.WriteRate > 0 {
		limit = rate.Limit(config.WriteRate)
	}
	burst := config.WriteBurst
	if burst <= 0 {
		burst = 1
	}

	s := &Server{
		registry:      registry,
		dispatcher:    dispatcher,
		statusTracker: statusTracker,
		healthTracker: healthTracker,
		limiter:       rate.NewLimiter(limit, burst),
		logger:        logger.WithComponent("api"),
		config:        config,
	}

	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/components", s.handleHealthComponents)
	mux.HandleFunc("GET /health/live", s.handleLiveness)
	mux.HandleFunc("GET /health/ready", s.handleReadiness)

	// Status endpoints
	mux.HandleFunc("GET /status", s.handleSystemStatus)
	mux.HandleFunc("GET /status/operations", s.handleOperations)
	mux.HandleFunc("GET /status/operations/{id}", s.handleOperation)
	mux.HandleFunc("DELETE /status/operations/{id}", s.limited(s.handleCancelOperation))
	mux.HandleFunc("GET /status/history", s.handleHistory)

	// Device endpoints
	mux.HandleFunc("GET /devices", s.handleListDevices)
	mux.HandleFunc("POST /devices", s.limited(s.handleCreateDevice))
	mux.HandleFunc("GET /devices/{handle}", s.handleGetDevice)
	mux.HandleFunc("DELETE /devices/{handle}", s.limited(s.handleRemoveDevice))
	mux.HandleFunc("POST /devices/{handle}/suspend", s.limited(s.handleSuspend))
	mux.HandleFunc("POST /devices/{handle}/resume", s.limited(s.handleResume))

	// Attribute endpoints
	mux.HandleFunc("GET /devices/{handle}/attrs", s.handleListAttributes)
	mux.HandleFunc("GET /devices/{handle}/attrs/{attr}", s.handleShowAttribute)
	mux.HandleFunc("PUT /devices/{handle}/attrs/{attr}", s.limited(s.handleStoreAttribute))

	// Info endpoint
	mux.HandleFunc("GET /info", s.handleInfo)

	// Apply middleware
	handler := s.loggingMiddleware(mux)
	if config.EnableCORS {
		handler = s.corsMiddleware(handler)
	}

	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s
}

// Handler returns the server's root handler
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting API server", map[string]interface{}{"address": s.config.Address})
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// StartBackground starts the server in a background goroutine
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil {
			s.logger.Error("API server error", map[string]interface{}{"error": err})
		}
	}()
}

// Shutdown gracefully shuts down the server and waits for asynchronous
// removals until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server", nil)
	err := s.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// Health endpoint handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.healthTracker == nil {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"note":   "Health tracking not configured",
		})
		return
	}

	overall := s.healthTracker.GetOverallHealth()
	statusCode := http.StatusOK
	if overall == health.StateUnavailable {
		statusCode = http.StatusServiceUnavailable
	}

	s.respondJSON(w, statusCode, map[string]interface{}{
		"status":     overall.String(),
		"timestamp":  time.Now(),
		"components": len(s.healthTracker.GetAllComponents()),
		"devices":    s.registry.Len(),
	})
}

func (s *Server) handleHealthComponents(w http.ResponseWriter, r *http.Request) {
	if s.healthTracker == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Health tracking not configured")
		return
	}
	s.respondJSON(w, http.StatusOK, s.healthTracker.GetAllComponents())
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"alive":     true,
		"timestamp": time.Now(),
	})
}

// handleReadiness reports ready while the metadata store accepts writes.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.healthTracker == nil {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"ready":     true,
			"timestamp": time.Now(),
			"note":      "Health tracking not configured",
		})
		return
	}

	ready := s.healthTracker.CanWrite(health.ComponentStore)
	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	s.respondJSON(w, statusCode, map[string]interface{}{
		"ready":     ready,
		"status":    s.healthTracker.GetOverallHealth().String(),
		"timestamp": time.Now(),
	})
}

// Status endpoint handlers

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.statusTracker.GetSystemStatus())
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	operations := s.statusTracker.GetAllOperations()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"operations": operations,
		"count":      len(operations),
		"timestamp":  time.Now(),
	})
}

func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.statusTracker.GetOperation(r.PathValue("id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, op)
}

// handleCancelOperation abandons a pending removal; the device stays
// published.
func (s *Server) handleCancelOperation(w http.ResponseWriter, r *http.Request) {
	if err := s.statusTracker.CancelOperation(r.PathValue("id")); err != nil {
		s.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit: %q", v))
			return
		}
		limit = n
	}

	history := s.statusTracker.GetHistory(limit)
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"history":   history,
		"count":     len(history),
		"limit":     limit,
		"timestamp": time.Now(),
	})
}

// Info endpoint

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service":    "mapperfs",
		"timestamp":  time.Now(),
		"attributes": s.dispatcher.Table().Names(),
		"endpoints": []string{
			"/health",
			"/health/components",
			"/health/live",
			"/health/ready",
			"/status",
			"/status/operations",
			"/status/operations/{id}",
			"/status/history",
			"/devices",
			"/devices/{handle}",
			"/devices/{handle}/suspend",
			"/devices/{handle}/resume",
			"/devices/{handle}/attrs",
			"/devices/{handle}/attrs/{attr}",
			"/info",
		},
	})
}

// Middleware

// limited rejects mutating requests beyond the configured write rate.
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			s.respondErr(w, errors.NewError(errors.ErrCodeRateLimited, "write rate exceeded").
				WithComponent("api").
				WithOperation(r.Method+" "+r.URL.Path))
			return
		}
		next(w, r)
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request", map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		})
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Helper methods

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to encode JSON response", map[string]interface{}{"error": err})
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now(),
	})
}

// respondErr reports err with the status and code its error code maps to.
func (s *Server) respondErr(w http.ResponseWriter, err error) {
	s.respondJSON(w, errors.HTTPStatus(err), map[string]interface{}{
		"error":     err.Error(),
		"code":      errors.CodeOf(err),
		"timestamp": time.Now(),
	})
}

func readPayload(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxPayload+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxPayload {
		return nil, errors.NewError(errors.ErrCodeInvalidAttribute, "payload exceeds one page").
			WithComponent("api").
			WithDetail("limit", maxPayload)
	}
	return data, nil
}
