package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telegram_bot_messages_received_total",
		Help: "Total number of messages received",
	}, []string{"chat_type", "kind"})

	messagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telegram_bot_messages_processed_total",
		Help: "Total number of messages processed",
	}, []string{"status"})

	commandsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telegram_bot_commands_executed_total",
		Help: "Total number of commands executed",
	}, []string{"command"})

	gatewayRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "telegram_bot_gateway_request_duration_seconds",
		Help:    "Duration of generative gateway requests",
		Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60, 120},
	}, []string{"operation", "status"})

	gatewayRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telegram_bot_gateway_requests_total",
		Help: "Total number of generative gateway requests",
	}, []string{"operation", "status"})

	admissionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telegram_bot_admissions_rejected_total",
		Help: "Requests rejected by rate limiting or an in-flight operation",
	}, []string{"reason"})

	requestsQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telegram_bot_requests_queued_total",
		Help: "Text requests queued behind an in-flight generation",
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "telegram_bot_queue_depth",
		Help: "Pending text requests across all chats",
	})

	activeOperations = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "telegram_bot_active_operations",
		Help: "In-flight generations per kind",
	}, []string{"kind"})

	deliveryFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telegram_bot_delivery_plain_fallbacks_total",
		Help: "Message parts resent as plain text after a formatting rejection",
	})

	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telegram_bot_cache_hits_total",
		Help: "Total number of cache hits",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telegram_bot_cache_misses_total",
		Help: "Total number of cache misses",
	})

	activeChats = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "telegram_bot_active_chats",
		Help: "Number of chats with stored context",
	})
)

// Metrics records Prometheus metrics and keeps the counters shown by /health
type Metrics struct {
	started  time.Time
	requests atomic.Int64
	errors   atomic.Int64
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{started: time.Now()}
}

// RecordMessageReceived records a received message
func (m *Metrics) RecordMessageReceived(chatType, kind string) {
	m.requests.Add(1)
	messagesReceived.WithLabelValues(chatType, kind).Inc()
}

// RecordMessageProcessed records a processed message
func (m *Metrics) RecordMessageProcessed(status string) {
	if status == "error" {
		m.errors.Add(1)
	}
	messagesProcessed.WithLabelValues(status).Inc()
}

// RecordCommandExecuted records an executed command
func (m *Metrics) RecordCommandExecuted(command string) {
	commandsExecuted.WithLabelValues(command).Inc()
}

// RecordGatewayRequest records one gateway call
func (m *Metrics) RecordGatewayRequest(operation, status string, duration time.Duration) {
	gatewayRequestDuration.WithLabelValues(operation, status).Observe(duration.Seconds())
	gatewayRequestsTotal.WithLabelValues(operation, status).Inc()
}

// RecordAdmissionRejected records a rejected request
func (m *Metrics) RecordAdmissionRejected(reason string) {
	admissionsRejected.WithLabelValues(reason).Inc()
}

// RecordQueued records a queued request
func (m *Metrics) RecordQueued() {
	requestsQueued.Inc()
}

// SetQueueDepth sets the total number of pending requests
func (m *Metrics) SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// OperationStarted increments the in-flight gauge for kind
func (m *Metrics) OperationStarted(kind string) {
	activeOperations.WithLabelValues(kind).Inc()
}

// OperationFinished decrements the in-flight gauge for kind
func (m *Metrics) OperationFinished(kind string) {
	activeOperations.WithLabelValues(kind).Dec()
}

// RecordDeliveryFallback records a part resent as plain text
func (m *Metrics) RecordDeliveryFallback() {
	deliveryFallbacks.Inc()
}

// RecordCacheHit records a cache hit
func (m *Metrics) RecordCacheHit() {
	cacheHits.Inc()
}

// RecordCacheMiss records a cache miss
func (m *Metrics) RecordCacheMiss() {
	cacheMisses.Inc()
}

// SetActiveChats sets the number of active chats
func (m *Metrics) SetActiveChats(count int) {
	activeChats.Set(float64(count))
}

// StoreStats is the part of the health report owned by the conversation store
type StoreStats struct {
	ActiveContexts   int `json:"active_contexts"`
	TotalMessages    int `json:"total_messages"`
	ActiveOperations int `json:"active_operations"`
}

// HealthStatus is reported by /health
type HealthStatus struct {
	Status        string     `json:"status"`
	Uptime        string     `json:"uptime"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	Requests      int64      `json:"requests"`
	Errors        int64      `json:"errors"`
	ErrorRate     float64    `json:"error_rate"`
	MemoryMB      float64    `json:"memory_mb"`
	Goroutines    int        `json:"goroutines"`
	Store         StoreStats `json:"store"`
}

// Health builds a health snapshot; store may be nil
func (m *Metrics) Health(store func() StoreStats) HealthStatus {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := time.Since(m.started).Truncate(time.Second)
	requests := m.requests.Load()
	errCount := m.errors.Load()

	status := HealthStatus{
		Status:        "healthy",
		Uptime:        uptime.String(),
		UptimeSeconds: int64(uptime.Seconds()),
		Requests:      requests,
		Errors:        errCount,
		MemoryMB:      float64(mem.Alloc) / 1024 / 1024,
		Goroutines:    runtime.NumGoroutine(),
	}
	if requests > 0 {
		status.ErrorRate = float64(errCount) / float64(requests)
	}
	if status.ErrorRate > 0.1 {
		status.Status = "degraded"
	}
	if store != nil {
		status.Store = store()
	}
	return status
}

// NewMetricsRouter exposes Prometheus metrics and a JSON health report
func NewMetricsRouter(path string, health func() HealthStatus) *mux.Router {
	router := mux.NewRouter()
	router.Handle(path, promhttp.Handler())

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		status := health()
		if status.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(status)
	}).Methods(http.MethodGet)

	return router
}

// StartMetricsServer starts the metrics HTTP server
func StartMetricsServer(port int, path string, health func() HealthStatus) error {
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      NewMetricsRouter(path, health),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return server.ListenAndServe()
}
