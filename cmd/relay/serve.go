package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/NicolasHaas/relay/pkg/server"
	"github.com/NicolasHaas/relay/pkg/version"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe()
		},
	}

	d := server.DefaultConfig()
	f := cmd.Flags()
	f.String("listen", d.Listen, "client listen address")
	f.String("metrics-listen", d.MetricsListen, "Prometheus metrics address (empty = disabled)")
	f.String("tls-cert", "", "TLS certificate file")
	f.String("tls-key", "", "TLS key file")
	f.Bool("tls-self-signed", false, "generate a self-signed certificate in data-dir when none is configured")
	f.String("data-dir", d.DataDir, "directory for generated certificates")
	f.Int("send-queue-size", d.SendQueueSize, "outbound frames buffered per session before drops")
	f.Duration("heartbeat-interval", d.HeartbeatInterval, "interval between server pings")
	f.Duration("heartbeat-timeout", d.HeartbeatTimeout, "close sessions silent for this long")
	f.Duration("auth-timeout", d.AuthTimeout, "token verification deadline")
	f.Duration("write-timeout", d.WriteTimeout, "per-frame write deadline")
	f.StringSlice("allowed-origins", nil, "accepted Origin headers on upgrade (empty = any)")

	for _, name := range []string{
		"listen", "metrics-listen", "tls-cert", "tls-key", "tls-self-signed", "data-dir",
		"send-queue-size", "heartbeat-interval", "heartbeat-timeout", "auth-timeout",
		"write-timeout", "allowed-origins",
	} {
		_ = viper.BindPFlag(flagKey(name), f.Lookup(name))
	}
	return cmd
}

// flagKey maps a dashed flag name onto its config key.
func flagKey(name string) string { return strings.ReplaceAll(name, "-", "_") }

func runServe() error {
	cfg, err := serverConfig()
	if err != nil {
		return err
	}

	dir, closeDir, err := openDirectory()
	if err != nil {
		return fmt.Errorf("directory: %w", err)
	}

	log := slog.Default()
	srv := server.New(cfg, server.Dependencies{Directory: dir, Logger: log})
	if err := srv.Start(); err != nil {
		_ = closeDir()
		return err
	}
	log.Info("relay started", "version", version.String(), "addr", srv.Addr().String(),
		"metrics", cfg.MetricsListen, "directory", viper.GetString(keyDirectory))

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"relay": func(ctx context.Context) error {
				log.Info("shutting down")
				return errors.Join(srv.Shutdown(ctx), closeDir())
			},
		},
	)

	if code := <-wait; code != 0 {
		return fmt.Errorf("shutdown exited with code %d", code)
	}
	log.Info("relay stopped")
	return nil
}
