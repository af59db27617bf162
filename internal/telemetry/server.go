package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck represents a health check result
type HealthCheck struct {
	Name        string            `json:"name"`
	Status      HealthStatus      `json:"status"`
	Message     string            `json:"message"`
	LastChecked time.Time         `json:"last_checked"`
	Duration    time.Duration     `json:"duration"`
	Details     map[string]string `json:"details,omitempty"`
}

// StatusServer exposes run progress, metrics and health over HTTP.
type StatusServer struct {
	collector    *Collector
	monitor      *RunMonitor
	healthChecks map[string]func() HealthCheck
	server       *http.Server
	log          zerolog.Logger
}

// NewStatusServer builds a server listening on addr. It is not started.
func NewStatusServer(addr string, collector *Collector, monitor *RunMonitor, logger zerolog.Logger) *StatusServer {
	s := &StatusServer{
		collector:    collector,
		monitor:      monitor,
		healthChecks: DefaultHealthChecks(),
		log:          logger,
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *StatusServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.healthHandler)
	r.Get("/metrics", s.metricsHandler)
	r.Route("/api", func(r chi.Router) {
		r.Get("/progress", s.progressHandler)
		r.Get("/metrics", s.apiMetricsHandler)
	})
	return r
}

func (s *StatusServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	checks := s.runHealthChecks()

	overall := HealthStatusHealthy
	for _, check := range checks {
		if check.Status == HealthStatusUnhealthy {
			overall = HealthStatusUnhealthy
			break
		} else if check.Status == HealthStatusDegraded {
			overall = HealthStatusDegraded
		}
	}

	status := http.StatusOK
	if overall == HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"status":    overall,
		"timestamp": time.Now(),
		"checks":    checks,
	})
}

// metricsHandler provides Prometheus-style metrics
func (s *StatusServer) metricsHandler(w http.ResponseWriter, r *http.Request) {
	metrics := s.collector.GetMetrics()
	sort.Slice(metrics, func(i, j int) bool {
		if metrics[i].Name != metrics[j].Name {
			return metrics[i].Name < metrics[j].Name
		}
		return formatLabels(metrics[i].Labels) < formatLabels(metrics[j].Labels)
	})

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	typed := map[string]bool{}
	for _, metric := range metrics {
		if !typed[metric.Name] {
			fmt.Fprintf(w, "# TYPE %s %s\n", metric.Name, promType(metric.Type))
			typed[metric.Name] = true
		}
		labels := formatLabels(metric.Labels)
		if labels != "" {
			labels = "{" + labels + "}"
		}
		fmt.Fprintf(w, "%s%s %g\n", metric.Name, labels, metric.Value)
	}
}

func (s *StatusServer) progressHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.Progress())
}

func (s *StatusServer) apiMetricsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.collector.GetMetrics())
}

// RegisterHealthCheck registers a health check function
func (s *StatusServer) RegisterHealthCheck(name string, checkFn func() HealthCheck) {
	s.healthChecks[name] = checkFn
}

func (s *StatusServer) runHealthChecks() []HealthCheck {
	names := make([]string, 0, len(s.healthChecks))
	for name := range s.healthChecks {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make([]HealthCheck, 0, len(names))
	for _, name := range names {
		start := time.Now()
		check := s.healthChecks[name]()
		check.Duration = time.Since(start)
		check.LastChecked = time.Now()
		checks = append(checks, check)
	}
	return checks
}

// Start blocks serving until Shutdown. A clean shutdown returns nil.
func (s *StatusServer) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting status server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *StatusServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// DefaultHealthChecks returns the process-level checks.
func DefaultHealthChecks() map[string]func() HealthCheck {
	return map[string]func() HealthCheck{
		"memory": func() HealthCheck {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)

			heapMB := float64(m.HeapAlloc) / (1024 * 1024)
			status := HealthStatusHealthy
			message := fmt.Sprintf("Heap memory: %.2f MB", heapMB)
			if heapMB > 1000 {
				status = HealthStatusDegraded
				message = fmt.Sprintf("High memory usage: %.2f MB", heapMB)
			}

			return HealthCheck{
				Name:    "memory",
				Status:  status,
				Message: message,
				Details: map[string]string{"heap_mb": fmt.Sprintf("%.2f", heapMB)},
			}
		},
		"goroutines": func() HealthCheck {
			count := runtime.NumGoroutine()
			status := HealthStatusHealthy
			if count > 5000 {
				status = HealthStatusDegraded
			}
			return HealthCheck{
				Name:    "goroutines",
				Status:  status,
				Message: fmt.Sprintf("Goroutines: %d", count),
			}
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func promType(t MetricType) string {
	switch t {
	case Counter, Gauge, Histogram:
		return string(t)
	default:
		return "gauge"
	}
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, fmt.Sprintf("%s=%q", k, v))
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}
