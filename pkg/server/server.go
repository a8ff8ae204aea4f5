// Package server implements the relay: session, room and subscription
// indices, event routing, fan-out and the per-connection lifecycle.
package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NicolasHaas/relay/pkg/directory"
)

const (
	DefaultSendQueueSize     = 100
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 60 * time.Second
	DefaultAuthTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
)

// Config holds relay configuration.
type Config struct {
	Listen        string `mapstructure:"listen" yaml:"listen"`                 // client bind address (e.g. ":8080")
	MetricsListen string `mapstructure:"metrics_listen" yaml:"metrics_listen"` // empty = disabled
	TLSCert       string `mapstructure:"tls_cert" yaml:"tls_cert"`
	TLSKey        string `mapstructure:"tls_key" yaml:"tls_key"`
	TLSSelfSigned bool   `mapstructure:"tls_self_signed" yaml:"tls_self_signed"` // generate a cert into DataDir if none is loadable
	DataDir       string `mapstructure:"data_dir" yaml:"data_dir"`

	SendQueueSize     int           `mapstructure:"send_queue_size" yaml:"send_queue_size"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	AuthTimeout       time.Duration `mapstructure:"auth_timeout" yaml:"auth_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`

	// AllowedOrigins restricts the Origin header on upgrade. Empty allows all.
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// Dependencies holds external collaborators for the relay.
type Dependencies struct {
	Directory directory.Client
	Logger    *slog.Logger
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Listen:            ":8080",
		MetricsListen:     ":9602",
		DataDir:           ".",
		SendQueueSize:     DefaultSendQueueSize,
		HeartbeatInterval: DefaultHeartbeatInterval,
		HeartbeatTimeout:  DefaultHeartbeatTimeout,
		AuthTimeout:       DefaultAuthTimeout,
		WriteTimeout:      DefaultWriteTimeout,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = d.AuthTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
}

func (c Config) tlsEnabled() bool {
	return c.TLSSelfSigned || (c.TLSCert != "" && c.TLSKey != "")
}

// loadOrGenerateTLS loads the TLS cert/key from disk, or generates a
// self-signed pair into DataDir when allowed.
func loadOrGenerateTLS(cfg Config, log *slog.Logger) (tls.Certificate, error) {
	certPath := cfg.TLSCert
	keyPath := cfg.TLSKey
	if certPath == "" {
		certPath = filepath.Join(cfg.DataDir, "server.crt")
	}
	if keyPath == "" {
		keyPath = filepath.Join(cfg.DataDir, "server.key")
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err == nil {
		log.Info("loaded TLS certificate", "cert", certPath)
		return cert, nil
	}
	if !cfg.TLSSelfSigned {
		return tls.Certificate{}, fmt.Errorf("server: load TLS key pair: %w", err)
	}

	log.Info("generating self-signed TLS certificate")
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}

	serialNumber, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{Organization: []string{"Relay"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create cert: %w", err)
	}
	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("marshal key: %w", err)
	}

	if err := writePEM(certPath, 0o644, "CERTIFICATE", certDER); err != nil {
		return tls.Certificate{}, err
	}
	if err := writePEM(keyPath, 0o600, "EC PRIVATE KEY", privBytes); err != nil {
		return tls.Certificate{}, err
	}

	log.Info("TLS certificate generated", "cert", certPath, "key", keyPath)
	return tls.LoadX509KeyPair(certPath, keyPath)
}

func writePEM(path string, perm os.FileMode, blockType string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm) //nolint:gosec // path from relay config
	if err != nil {
		return fmt.Errorf("write %s: %w", blockType, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode %s: %w", blockType, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// Server is the relay.
type Server struct {
	cfg      Config
	state    *State
	fanout   *Broadcaster
	metrics  *Metrics
	dir      directory.Client
	log      *slog.Logger
	now      func() time.Time
	upgrader websocket.Upgrader

	mu         sync.Mutex
	httpSrv    *http.Server
	metricsSrv *http.Server
	listener   net.Listener
	draining   bool           // set by Shutdown before it waits on conns
	conns      sync.WaitGroup // Add only under mu while !draining

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a relay. The directory dependency is required by Start.
func New(cfg Config, deps Dependencies) *Server {
	cfg.applyDefaults()
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	state := NewState()
	metrics := NewMetrics()
	s := &Server{
		cfg:     cfg,
		state:   state,
		fanout:  NewBroadcaster(state.Sessions, metrics, log),
		metrics: metrics,
		dir:     deps.Directory,
		log:     log,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// State returns the relay's indices.
func (s *Server) State() *State {
	return s.state
}

// Metrics returns the relay metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Config returns the effective configuration.
func (s *Server) Config() Config {
	return s.cfg
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
