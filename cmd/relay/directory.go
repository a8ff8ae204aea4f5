package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/viper"

	"github.com/NicolasHaas/relay/pkg/crypto"
	"github.com/NicolasHaas/relay/pkg/datastore"
	"github.com/NicolasHaas/relay/pkg/directory"
	"github.com/NicolasHaas/relay/pkg/server"
)

// Directory backends selectable with --directory.
const (
	backendHTTP   = "http"
	backendSQLite = "sqlite"
	backendMemory = "memory"
)

func nopClose() error { return nil }

// openDirectory builds the configured directory client. The returned close
// function releases backend resources and is never nil.
func openDirectory() (directory.Client, func() error, error) {
	switch backend := viper.GetString(keyDirectory); backend {
	case backendHTTP, "":
		c, err := directory.NewHTTPClient(directory.HTTPOptions{
			BaseURL:            viper.GetString(keyDirectoryURL),
			Timeout:            viper.GetDuration(keyDirectoryTimeout),
			InsecureSkipVerify: viper.GetBool(keyDirectoryInsecure),
		})
		if err != nil {
			return nil, nil, err
		}
		slog.Info("using HTTP directory", "url", viper.GetString(keyDirectoryURL))
		return c, nopClose, nil

	case backendSQLite:
		tm, err := tokenManager()
		if err != nil {
			return nil, nil, err
		}
		store, err := openStore()
		if err != nil {
			return nil, nil, err
		}
		slog.Info("using sqlite directory", "db", viper.GetString(keyDBPath))
		return datastore.NewDirectory(store, tm), store.Close, nil

	case backendMemory:
		mem, err := seedMemory(viper.GetString(keySeedFile))
		if err != nil {
			return nil, nil, err
		}
		slog.Info("using in-memory directory", "users", len(mem.Users()))
		return mem, nopClose, nil

	default:
		return nil, nil, fmt.Errorf("unknown directory backend %q (want %s, %s or %s)",
			backend, backendHTTP, backendSQLite, backendMemory)
	}
}

func openStore() (*datastore.ProviderFactory, error) {
	store, err := datastore.NewProviderFactory(viper.GetString(keyDBPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return store, nil
}

func tokenManager() (*crypto.TokenManager, error) {
	secret := viper.GetString(keyTokenSecret)
	if secret == "" {
		return nil, errors.New("token_secret is required (generate one with 'relay token secret')")
	}
	return crypto.NewTokenManager(secret, viper.GetDuration(keyTokenTTL))
}

// seedMemory loads a users file into a fresh in-memory directory. Entries
// without an id are numbered by position.
func seedMemory(path string) (*directory.Memory, error) {
	mem := directory.NewMemory()
	if path == "" {
		slog.Warn("memory directory has no seed file; every token will be rejected")
		return mem, nil
	}
	seeds, err := server.LoadUsersFromYAML(path)
	if err != nil {
		return nil, err
	}
	for i, s := range seeds {
		if s.User.ID == 0 {
			s.User.ID = int64(i + 1)
		}
		if err := mem.AddUser(s.User, s.Token); err != nil {
			return nil, fmt.Errorf("seed %s: %w", s.User.Username, err)
		}
	}
	return mem, nil
}
