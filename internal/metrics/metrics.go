// Package metrics defines the runtime's Prometheus series and the /metrics
// HTTP handler. Series are package-level vars registered in init, and the
// rest of the runtime records through small helper functions rather than
// touching collectors directly.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	connectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ionrelay_connections_total",
		Help: "Total connections accepted, by protocol binding",
	}, []string{"protocol"})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ionrelay_connections_active",
		Help: "Current number of open connections",
	})

	connectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ionrelay_connections_rejected_total",
		Help: "Connections rejected at accept time, by reason",
	}, []string{"reason"})

	connectionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ionrelay_connection_duration_seconds",
		Help:    "Connection lifetime from accept to close",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
	})

	// HTTP metrics
	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ionrelay_http_requests_total",
		Help: "HTTP requests served, by status class",
	}, []string{"status"})

	httpRequestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ionrelay_http_request_duration_seconds",
		Help:    "Wall time from request parse to response finish",
		Buckets: prometheus.DefBuckets,
	})

	// WebSocket / SSE metrics
	wsMessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ionrelay_ws_messages_received_total",
		Help: "Complete WebSocket data messages received from clients",
	})

	wsMessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ionrelay_ws_messages_sent_total",
		Help: "WebSocket data messages written to clients",
	})

	wsProtocolErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ionrelay_ws_protocol_errors_total",
		Help: "WebSocket connections closed for framing violations, by close code",
	}, []string{"code"})

	sseEventsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ionrelay_sse_events_sent_total",
		Help: "Server-sent events written to clients",
	})

	// Byte accounting
	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ionrelay_bytes_sent_total",
		Help: "Total bytes written to client sockets",
	})

	bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ionrelay_bytes_received_total",
		Help: "Total bytes read from client sockets",
	})

	// Pub/sub metrics
	pubsubPublishes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ionrelay_pubsub_publishes_total",
		Help: "Messages published through the local channel table",
	})

	pubsubDeliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ionrelay_pubsub_deliveries_total",
		Help: "Per-subscriber message deliveries",
	})

	pubsubSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ionrelay_pubsub_subscriptions_active",
		Help: "Current subscription count across the channel table",
	})

	pubsubReplays = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ionrelay_pubsub_replays_total",
		Help: "History replay requests served",
	})

	// Cluster IPC metrics
	clusterRecordsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ionrelay_cluster_records_sent_total",
		Help: "IPC records written to the master socket, by kind",
	}, []string{"kind"})

	clusterRecordsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ionrelay_cluster_records_received_total",
		Help: "IPC records read from the master socket, by kind",
	}, []string{"kind"})

	clusterWorkersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ionrelay_cluster_workers_connected",
		Help: "Workers currently attached to the master's IPC socket",
	})

	// Reactor metrics
	reactorDeferredTasks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ionrelay_reactor_deferred_tasks_total",
		Help: "Tasks drained from reactor deferred queues",
	})

	reactorTimersFired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ionrelay_reactor_timers_fired_total",
		Help: "Timer callbacks fired by reactor workers",
	})

	asyncTasksDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ionrelay_async_tasks_dropped_total",
		Help: "Callback tasks dropped because the async pool queue was full",
	})

	// System metrics
	memoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ionrelay_memory_bytes",
		Help: "Current heap allocation in bytes",
	})

	memoryLimitBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ionrelay_memory_limit_bytes",
		Help: "Memory limit in bytes (from cgroup)",
	})

	cpuUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ionrelay_cpu_usage_percent",
		Help: "Current CPU usage percentage",
	})

	goroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ionrelay_goroutines_active",
		Help: "Current number of goroutines",
	})

	capacityHeadroom = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ionrelay_capacity_headroom_percent",
		Help: "Available resource headroom (CPU and memory)",
	}, []string{"resource"})
)

func init() {
	prometheus.MustRegister(connectionsTotal)
	prometheus.MustRegister(connectionsActive)
	prometheus.MustRegister(connectionsRejected)
	prometheus.MustRegister(connectionDuration)

	prometheus.MustRegister(httpRequests)
	prometheus.MustRegister(httpRequestDuration)

	prometheus.MustRegister(wsMessagesReceived)
	prometheus.MustRegister(wsMessagesSent)
	prometheus.MustRegister(wsProtocolErrors)
	prometheus.MustRegister(sseEventsSent)

	prometheus.MustRegister(bytesSent)
	prometheus.MustRegister(bytesReceived)

	prometheus.MustRegister(pubsubPublishes)
	prometheus.MustRegister(pubsubDeliveries)
	prometheus.MustRegister(pubsubSubscriptions)
	prometheus.MustRegister(pubsubReplays)

	prometheus.MustRegister(clusterRecordsSent)
	prometheus.MustRegister(clusterRecordsReceived)
	prometheus.MustRegister(clusterWorkersConnected)

	prometheus.MustRegister(reactorDeferredTasks)
	prometheus.MustRegister(reactorTimersFired)
	prometheus.MustRegister(asyncTasksDropped)

	prometheus.MustRegister(memoryUsageBytes)
	prometheus.MustRegister(memoryLimitBytes)
	prometheus.MustRegister(cpuUsagePercent)
	prometheus.MustRegister(goroutinesActive)
	prometheus.MustRegister(capacityHeadroom)
}

// Handler returns the /metrics scrape handler.
func Handler() http.Handler { return promhttp.Handler() }

// RecordConnectionOpened tracks one accepted connection bound to protocol
// ("http", "ws", "sse", "raw").
func RecordConnectionOpened(protocol string) {
	connectionsTotal.WithLabelValues(protocol).Inc()
	connectionsActive.Inc()
}

// RecordConnectionClosed tracks one connection close and its lifetime.
func RecordConnectionClosed(duration time.Duration) {
	connectionsActive.Dec()
	connectionDuration.Observe(duration.Seconds())
}

// RecordUpgrade tracks a protocol upgrade ("ws", "sse") without touching
// the active-connection gauge, which already counted this connection.
func RecordUpgrade(protocol string) {
	connectionsTotal.WithLabelValues(protocol).Inc()
}

// RecordConnectionRejected tracks an accept-time rejection.
func RecordConnectionRejected(reason string) {
	connectionsRejected.WithLabelValues(reason).Inc()
}

// RecordHTTPRequest tracks one finished HTTP response.
func RecordHTTPRequest(status int, duration time.Duration) {
	httpRequests.WithLabelValues(statusClass(status)).Inc()
	httpRequestDuration.Observe(duration.Seconds())
}

func statusClass(status int) string {
	switch {
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// RecordWSMessage tracks WebSocket data messages in either direction.
func RecordWSMessage(sent bool) {
	if sent {
		wsMessagesSent.Inc()
	} else {
		wsMessagesReceived.Inc()
	}
}

// RecordWSProtocolError tracks a framing-violation close by close code.
func RecordWSProtocolError(code string) {
	wsProtocolErrors.WithLabelValues(code).Inc()
}

// RecordSSEEvent tracks one server-sent event written.
func RecordSSEEvent() { sseEventsSent.Inc() }

// RecordBytes tracks socket-level byte counts.
func RecordBytes(sent, received int64) {
	if sent > 0 {
		bytesSent.Add(float64(sent))
	}
	if received > 0 {
		bytesReceived.Add(float64(received))
	}
}

// RecordPublish tracks one Table.Publish call.
func RecordPublish() { pubsubPublishes.Inc() }

// RecordDelivery tracks one per-subscriber delivery.
func RecordDelivery() { pubsubDeliveries.Inc() }

// SetSubscriptionCount updates the live subscription gauge.
func SetSubscriptionCount(n int) { pubsubSubscriptions.Set(float64(n)) }

// RecordReplay tracks one served history replay.
func RecordReplay() { pubsubReplays.Inc() }

// RecordClusterRecord tracks one IPC record in the given direction.
func RecordClusterRecord(kind string, sent bool) {
	if sent {
		clusterRecordsSent.WithLabelValues(kind).Inc()
	} else {
		clusterRecordsReceived.WithLabelValues(kind).Inc()
	}
}

// SetClusterWorkers updates the attached-worker gauge on the master.
func SetClusterWorkers(n int) { clusterWorkersConnected.Set(float64(n)) }

// RecordDeferredTasks tracks n drained reactor tasks.
func RecordDeferredTasks(n int) { reactorDeferredTasks.Add(float64(n)) }

// RecordTimerFired tracks one reactor timer callback.
func RecordTimerFired() { reactorTimersFired.Inc() }

// RecordAsyncTaskDropped tracks a callback dropped at the async pool.
func RecordAsyncTaskDropped() { asyncTasksDropped.Inc() }

// SetMemoryLimit publishes the detected cgroup memory limit.
func SetMemoryLimit(bytes int64) { memoryLimitBytes.Set(float64(bytes)) }

// UpdateSystem refreshes the point-in-time system gauges.
func UpdateSystem(cpuPercent float64, heapBytes int64) {
	cpuUsagePercent.Set(cpuPercent)
	memoryUsageBytes.Set(float64(heapBytes))
	goroutinesActive.Set(float64(runtime.NumGoroutine()))
}

// UpdateHeadroom publishes available CPU/memory headroom percentages.
func UpdateHeadroom(cpu, memory float64) {
	capacityHeadroom.WithLabelValues("cpu").Set(cpu)
	capacityHeadroom.WithLabelValues("memory").Set(memory)
}
