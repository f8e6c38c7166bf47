package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/lissahyacinth/audia/internal/config"
	"github.com/lissahyacinth/audia/internal/metrics"
	"github.com/lissahyacinth/audia/internal/relay"
)

// Version is reported by the API
const Version = "1.0.0"

// Relay is the view of the capture relay the API serves
type Relay interface {
	GetSessionInfo() *relay.SessionInfo
	GetStats() relay.Stats
	IsRunning() bool
}

// HTTPServer provides HTTP API endpoints for monitoring
type HTTPServer struct {
	server   *http.Server
	logger   *slog.Logger
	config   *config.Config
	relay    Relay
	hub      *Hub
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	startTime time.Time
}

// Options carries the optional collaborators of an HTTPServer
type Options struct {
	Hub      *Hub
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer // defaults to the Prometheus default registry
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, appConfig *config.Config, r Relay, opts Options) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		relay:     r,
		hub:       opts.Hub,
		metrics:   opts.Metrics,
		gatherer:  opts.Gatherer,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port)),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/session", h.withMetrics("/session", h.handleSession))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	// The websocket outlives the write timeout, so it is not wrapped
	mux.HandleFunc("/ws", h.handleWebsocket)

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// Handler returns the routed handler, for tests and embedding
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		if h.metrics == nil {
			return
		}

		duration := time.Since(startTime).Seconds()
		h.metrics.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(ww.statusCode), duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (h *HTTPServer) Run(ctx context.Context) error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.Stop(shutdownCtx)
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")
	if h.hub != nil {
		h.hub.Close()
	}
	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := "healthy"
	capture := map[string]any{
		"status": "idle",
	}
	if info := h.relay.GetSessionInfo(); info != nil {
		capture["session_id"] = info.ID
		capture["device"] = info.Device
		capture["state"] = info.State
		if info.Error != "" {
			status = "degraded"
			capture["error"] = info.Error
		}
	}
	if h.relay.IsRunning() {
		capture["status"] = "running"
	}

	components := map[string]any{
		"capture": capture,
	}
	if h.hub != nil {
		components["websocket"] = h.hub.GetStats()
	}

	writeJSON(w, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    "audia",
			"version": Version,
		},
		"components": components,
	})
}

// handleSession implements the /session endpoint
func (h *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	info := h.relay.GetSessionInfo()
	if info == nil {
		http.Error(w, "No capture session", http.StatusNotFound)
		return
	}
	writeJSON(w, info)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"relay":     h.relay.GetStats(),
	}
	if h.hub != nil {
		stats["websocket"] = h.hub.GetStats()
	}
	writeJSON(w, stats)
}

// handleConfig implements the /config endpoint with secrets masked
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	// Round-trip through YAML so the keys match the config file
	data, err := yaml.Marshal(h.config.Sanitized())
	if err != nil {
		http.Error(w, "Failed to encode configuration", http.StatusInternalServerError)
		return
	}
	var sanitized map[string]any
	if err := yaml.Unmarshal(data, &sanitized); err != nil {
		http.Error(w, "Failed to encode configuration", http.StatusInternalServerError)
		return
	}
	writeJSON(w, sanitized)
}

// handleWebsocket implements the /ws live feed. The first message describes
// the current session.
func (h *HTTPServer) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		http.Error(w, "Live feed disabled", http.StatusNotFound)
		return
	}

	var hello any
	if info := h.relay.GetSessionInfo(); info != nil {
		hello = relay.Event{Type: "session", SessionID: info.ID, Session: info, At: time.Now()}
	}
	h.hub.ServeWS(w, r, hello)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, map[string]any{
		"service": "audia capture relay",
		"version": Version,
		"endpoints": map[string]any{
			"GET /":        "API documentation",
			"GET /health":  "Service health check",
			"GET /session": "Current capture session",
			"GET /stats":   "Relay, buffer and prediction statistics",
			"GET /config":  "Service configuration (secrets masked)",
			"GET /metrics": "Prometheus metrics",
			"GET /ws":      "Websocket live feed of session events and predictions",
		},
		"timestamp": time.Now().UTC(),
	})
}
