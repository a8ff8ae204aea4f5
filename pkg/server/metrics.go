package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks relay runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // upgrades accepted
	ActiveConnections atomic.Int64 // connections currently inside the lifecycle
	FailedAuths       atomic.Int64 // tokens rejected or verification timed out
	SuccessfulAuths   atomic.Int64
	TotalDisconnects  atomic.Int64 // teardowns completed
	HeartbeatTimeouts atomic.Int64

	// Event counters
	EventsIn     atomic.Int64 // client frames decoded and routed
	DecodeErrors atomic.Int64 // client frames dropped as malformed

	// Delivery counters
	Deliveries        atomic.Int64 // frames enqueued onto an outbound queue
	DroppedDeliveries atomic.Int64 // frames dropped on a full queue or failed encode

	DirectoryErrors atomic.Int64
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	SuccessfulAuths   int64 `json:"successful_auths"`
	FailedAuths       int64 `json:"failed_auths"`
	TotalDisconnects  int64 `json:"total_disconnects"`
	HeartbeatTimeouts int64 `json:"heartbeat_timeouts"`

	EventsIn     int64 `json:"events_in"`
	DecodeErrors int64 `json:"decode_errors"`

	Deliveries        int64 `json:"deliveries"`
	DroppedDeliveries int64 `json:"dropped_deliveries"`

	DirectoryErrors int64 `json:"directory_errors"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:            uptime.Truncate(time.Second).String(),
		UptimeSeconds:     int64(uptime.Seconds()),
		ActiveConnections: m.ActiveConnections.Load(),
		TotalConnections:  m.TotalConnections.Load(),
		SuccessfulAuths:   m.SuccessfulAuths.Load(),
		FailedAuths:       m.FailedAuths.Load(),
		TotalDisconnects:  m.TotalDisconnects.Load(),
		HeartbeatTimeouts: m.HeartbeatTimeouts.Load(),
		EventsIn:          m.EventsIn.Load(),
		DecodeErrors:      m.DecodeErrors.Load(),
		Deliveries:        m.Deliveries.Load(),
		DroppedDeliveries: m.DroppedDeliveries.Load(),
		DirectoryErrors:   m.DirectoryErrors.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a metrics summary to the logger.
func (m *Metrics) LogSummary(log *slog.Logger) {
	s := m.Snapshot()
	log.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"events_in", s.EventsIn,
		"deliveries", s.Deliveries,
		"dropped", s.DroppedDeliveries,
		"heartbeat_timeouts", s.HeartbeatTimeouts,
	)
}

// StartPeriodicLog logs a summary every interval until done is closed.
func (m *Metrics) StartPeriodicLog(log *slog.Logger, interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary(log)
			}
		}
	}()
}
