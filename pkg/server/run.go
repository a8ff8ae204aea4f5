package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

// Handler returns the client-facing HTTP routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	r.HandleFunc("/healthz", handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms", s.handleRooms).Methods(http.MethodGet)
	return r
}

// Start binds the client listener (and the metrics listener, if
// configured) and serves in the background.
func (s *Server) Start() error {
	if s.dir == nil {
		return fmt.Errorf("server: missing directory dependency")
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.Listen, err)
	}
	scheme := "ws"
	if s.cfg.tlsEnabled() {
		cert, err := loadOrGenerateTLS(s.cfg, s.log)
		if err != nil {
			_ = ln.Close()
			return err
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
		scheme = "wss"
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}
	s.mu.Lock()
	s.listener = ln
	s.httpSrv = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("client HTTP error", "err", err)
		}
	}()
	s.log.Info("relay listening", "addr", ln.Addr().String(), "scheme", scheme)

	if err := s.StartMetricsHTTP(); err != nil {
		return err
	}
	s.metrics.StartPeriodicLog(s.log, 60*time.Second, s.ctx.Done())
	return nil
}

// Addr returns the bound client address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting connections, drives every live session through
// teardown and waits for them to finish or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down", "sessions", s.state.Sessions.Count())

	s.mu.Lock()
	s.draining = true
	httpSrv, metricsSrv := s.httpSrv, s.metricsSrv
	s.mu.Unlock()
	s.cancel()

	var errs []error
	if httpSrv != nil {
		if err := httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server: client listener: %w", err))
		}
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server: metrics listener: %w", err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("server: waiting for sessions: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}

// handleWS authenticates and upgrades a client connection. A request
// without a token is refused before the upgrade.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := tokenFromRequest(r)
	if token == "" {
		s.metrics.FailedAuths.Add(1)
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	if !s.trackConn() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.conns.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	s.ServeConn(s.ctx, newWSTransport(ws, s.cfg.WriteTimeout), token)
}

// trackConn registers a connection with the shutdown wait group. It
// reports false once Shutdown has started.
func (s *Server) trackConn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining || s.ctx.Err() != nil {
		return false
	}
	s.conns.Add(1)
	return true
}

func tokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if h := r.Header.Get("Authorization"); h != "" {
		if t, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(t)
		}
	}
	return ""
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// handleRooms serves the live room listing.
func (s *Server) handleRooms(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Rooms    []RoomCount `json:"rooms"`
		Sessions int         `json:"sessions"`
	}{
		Rooms:    s.state.Rooms.List(),
		Sessions: s.state.Sessions.Count(),
	})
}
