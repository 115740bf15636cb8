package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"turnguard/internal/config"
	"turnguard/internal/model"
)

// Store persists the state that must survive restart: the device catalog,
// alert and command history, closed stat windows, and per-device sequence
// checkpoints. In-flight buckets are flushed here as partial at shutdown.
type Store interface {
	Init(ctx context.Context) error
	Close() error

	SaveDevice(ctx context.Context, d model.Device) error
	LoadDevices(ctx context.Context) ([]model.Device, error)

	SaveAlert(ctx context.Context, a model.Alert) error
	LoadOpenAlerts(ctx context.Context) ([]model.Alert, error)
	ListAlerts(ctx context.Context, deviceID string, limit int) ([]model.Alert, error)

	SaveCommand(ctx context.Context, c model.Command) error
	ListCommands(ctx context.Context, deviceID string, limit int) ([]model.Command, error)

	SaveStatWindow(ctx context.Context, w model.StatWindow) error
	LoadStatWindows(ctx context.Context, deviceID string, from, to time.Time) ([]model.StatWindow, error)
	LoadPartialWindows(ctx context.Context) ([]model.StatWindow, error)

	SaveSequence(ctx context.Context, deviceID string, seq uint64) error
	LoadSequences(ctx context.Context) (map[string]uint64, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func scanTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}
