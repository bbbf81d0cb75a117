// Package app assembles the storage, relay and service layers from a
// configuration.
package app

import (
	"os"
	"path/filepath"

	"vesper/internal/logging"
	"vesper/internal/registry"
	"vesper/internal/relay"
	"vesper/internal/services"
	"vesper/internal/store"
)

// App is a fully wired client.
type App struct {
	Cfg *Config

	Identity *services.Identity
	PreKeys  *services.PreKey
	Sessions *services.Session
	Messages *services.Message
	Relay    *relay.Client

	backend *logging.Backend
	store   *store.Store
}

// New wires an App from cfg, creating the data directory on first use.
func New(cfg *Config) (*App, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, err
	}

	logFile := cfg.Logging.File
	if logFile != "" && !filepath.IsAbs(logFile) {
		logFile = filepath.Join(cfg.DataDir, logFile)
	}
	backend, err := logging.New(logFile, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		backend.Close()
		return nil, err
	}

	rc := relay.NewClient(cfg.RelayURL, backend.GetLogger("relay"))
	ids := services.NewIdentity(st, backend.GetLogger("identity"))
	pre := services.NewPreKey(st, st, st, backend.GetLogger("prekey"))
	sess := services.NewSession(cfg.Username, st, st, st, st, rc, backend.GetLogger("session"))
	msg := services.NewMessage(st, st, sess, st, rc, registry.New(), backend.GetLogger("message"))

	return &App{
		Cfg:      cfg,
		Identity: ids,
		PreKeys:  pre,
		Sessions: sess,
		Messages: msg,
		Relay:    rc,
		backend:  backend,
		store:    st,
	}, nil
}

// Store exposes the persistence layer for commands that operate on raw
// records (session export and import).
func (a *App) Store() *store.Store { return a.store }

// Close halts background workers and releases the database and log file.
func (a *App) Close() {
	a.PreKeys.Halt()
	a.store.Close()
	a.backend.Close()
}
