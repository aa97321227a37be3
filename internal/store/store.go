// Package store keeps the trained-model registry and training history.
package store

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"vrpopt/internal/config"
	"vrpopt/internal/model"
)

// ModelStore is the persistence interface used by the API server and the
// training manager. At most one model is active at a time.
type ModelStore interface {
	UpsertModel(ctx context.Context, m model.ModelInfo) error
	GetModel(ctx context.Context, name string) (model.ModelInfo, error)
	ListModels(ctx context.Context) ([]model.ModelInfo, error)
	ActivateModel(ctx context.Context, name string) error
	ActiveModel(ctx context.Context) (model.ModelInfo, error)
	// DeleteModel removes the registry row and returns it. History rows are
	// kept.
	DeleteModel(ctx context.Context, name string) (model.ModelInfo, error)

	RecordHistory(ctx context.Context, e model.HistoryEntry) error
	// ListHistory returns the latest limit rows for name in insertion order.
	ListHistory(ctx context.Context, name string, limit int) ([]model.HistoryEntry, error)

	Ping(ctx context.Context) error
	Close() error
}

var ErrNotFound = errors.New("not found")

// Open picks a backend: Postgres when a database URL is set, else SQLite
// when a path is set, else memory.
func Open(ctx context.Context, c config.Storage) (ModelStore, error) {
	switch {
	case c.DatabaseURL != "":
		log.Info("model store: postgres")
		return NewPostgres(ctx, c.DatabaseURL)
	case c.SQLitePath != "":
		log.WithField("path", c.SQLitePath).Info("model store: sqlite")
		return NewSQLite(ctx, c.SQLitePath)
	}
	log.Info("model store: memory")
	return NewMemory(), nil
}
