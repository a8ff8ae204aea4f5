// Command relay runs the presence-aware message relay and its admin tools.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/NicolasHaas/relay/pkg/logging"
	"github.com/NicolasHaas/relay/pkg/server"
	"github.com/NicolasHaas/relay/pkg/version"
)

const (
	keyDirectory         = "directory"
	keyDirectoryURL      = "directory_url"
	keyDirectoryInsecure = "directory_insecure"
	keyDirectoryTimeout  = "directory_timeout"
	keyDBPath            = "db_path"
	keySeedFile          = "seed_file"
	keyTokenSecret       = "token_secret"
	keyTokenTTL          = "token_ttl"
	keyLogLevel          = "log_level"
	keyLogFormat         = "log_format"
)

var cfgFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "relay:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "relay",
		Short:         "Presence-aware real-time message relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.String(),
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return initConfig()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")
	pf.String("log-level", "info", "log level: "+logging.LevelNames())
	pf.String("log-format", "text", "log format: text or json")
	pf.String("directory", "http", "directory backend: http, sqlite or memory")
	pf.String("directory-url", "https://localhost:443", "base URL of the HTTP directory service")
	pf.Bool("directory-insecure", false, "skip TLS verification for the directory service")
	pf.Duration("directory-timeout", 10*time.Second, "per-request timeout for the directory service")
	pf.String("db", "relay.db", "SQLite database path for the sqlite directory")
	pf.String("seed-file", "", "YAML users file loaded into the memory directory")
	pf.String("token-secret", "", "secret for signing session tokens (sqlite directory)")
	pf.Duration("token-ttl", 24*time.Hour, "lifetime of issued session tokens (0 = no expiry)")

	for flag, key := range map[string]string{
		"log-level":          keyLogLevel,
		"log-format":         keyLogFormat,
		"directory":          keyDirectory,
		"directory-url":      keyDirectoryURL,
		"directory-insecure": keyDirectoryInsecure,
		"directory-timeout":  keyDirectoryTimeout,
		"db":                 keyDBPath,
		"seed-file":          keySeedFile,
		"token-secret":       keyTokenSecret,
		"token-ttl":          keyTokenTTL,
	} {
		_ = viper.BindPFlag(key, pf.Lookup(flag))
	}

	root.AddCommand(newServeCmd(), newUsersCmd(), newTokenCmd(), newVersionCmd())
	return root
}

// initConfig reads the optional config file and RELAY_* environment
// variables, then installs the default logger.
func initConfig() error {
	viper.SetEnvPrefix("relay")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}

	if err := logging.Setup(logging.Options{
		Level:  viper.GetString(keyLogLevel),
		Format: viper.GetString(keyLogFormat),
		Output: os.Stderr,
		Attrs:  []slog.Attr{slog.String("service", "relay")},
	}); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}
	if used := viper.ConfigFileUsed(); used != "" {
		slog.Debug("loaded config file", "path", used)
	}
	return nil
}

// serverConfig decodes the relay section of the merged configuration.
func serverConfig() (server.Config, error) {
	cfg := server.DefaultConfig()
	if err := viper.Unmarshal(&cfg); err != nil {
		return server.Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Full())
		},
	}
}
