package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry returns a Prometheus registry exposing the relay's counters and
// gauges. Values are read from Metrics and the indices at scrape time.
func (s *Server) Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	m := s.metrics

	counter := func(name, help string, v interface{ Load() int64 }) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}
	gauge := func(name, help string, f func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      name,
			Help:      help,
		}, f)
	}

	reg.MustRegister(
		gauge("uptime_seconds", "Relay uptime in seconds.",
			func() float64 { return time.Since(m.startTime).Seconds() }),
		gauge("connections_active", "Connections currently inside the lifecycle.",
			func() float64 { return float64(m.ActiveConnections.Load()) }),
		gauge("sessions", "Live sessions.",
			func() float64 { return float64(s.state.Sessions.Count()) }),
		gauge("rooms", "Non-empty rooms.",
			func() float64 { return float64(s.state.Rooms.Count()) }),
		gauge("subscribed_accounts", "Accounts with at least one presence subscriber.",
			func() float64 { return float64(s.state.Subs.Accounts()) }),

		counter("connections_total", "Upgraded connections accepted.", &m.TotalConnections),
		counter("disconnects_total", "Sessions torn down.", &m.TotalDisconnects),
		counter("auth_success_total", "Successful token verifications.", &m.SuccessfulAuths),
		counter("auth_failed_total", "Rejected or missing tokens.", &m.FailedAuths),
		counter("heartbeat_timeouts_total", "Sessions closed for missing pongs.", &m.HeartbeatTimeouts),
		counter("events_total", "Client events routed.", &m.EventsIn),
		counter("decode_errors_total", "Malformed client frames dropped.", &m.DecodeErrors),
		counter("deliveries_total", "Frames enqueued to sessions.", &m.Deliveries),
		counter("deliveries_dropped_total", "Frames dropped on a full outbound queue.", &m.DroppedDeliveries),
		counter("directory_errors_total", "Failed directory calls.", &m.DirectoryErrors),
	)
	return reg
}

// StartMetricsHTTP serves /metrics and /healthz on MetricsListen until the
// relay shuts down. An empty address disables it.
func (s *Server) StartMetricsHTTP() error {
	addr := s.cfg.MetricsListen
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", handleHealthz)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: metrics listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.metricsSrv = srv
	s.mu.Unlock()

	go func() {
		s.log.Info("metrics HTTP listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics HTTP error", "err", err)
		}
	}()
	return nil
}
