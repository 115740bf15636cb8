package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"turnguard/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/turnguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			location TEXT NOT NULL,
			class TEXT NOT NULL,
			model TEXT,
			firmware TEXT,
			installed_at TIMESTAMPTZ NOT NULL,
			active BOOLEAN NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			severity TEXT NOT NULL,
			kind TEXT NOT NULL,
			opened_at TIMESTAMPTZ NOT NULL,
			resolved_at TIMESTAMPTZ,
			manual BOOLEAN NOT NULL DEFAULT FALSE,
			description TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_device_kind ON alerts(device_id, kind)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_open ON alerts(resolved_at) WHERE resolved_at IS NULL`,
		`CREATE TABLE IF NOT EXISTS commands (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			action TEXT NOT NULL,
			issued_at TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL,
			result_detail TEXT,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_device ON commands(device_id, issued_at)`,
		`CREATE TABLE IF NOT EXISTS stat_windows (
			device_id TEXT NOT NULL,
			bucket_start TIMESTAMPTZ NOT NULL,
			granularity_sec BIGINT NOT NULL,
			permitted BIGINT NOT NULL,
			denied BIGINT NOT NULL,
			mean_response_ms DOUBLE PRECISION NOT NULL,
			response_samples BIGINT NOT NULL DEFAULT 0,
			partial BOOLEAN NOT NULL,
			PRIMARY KEY (device_id, bucket_start, granularity_sec)
		)`,
		`CREATE TABLE IF NOT EXISTS sequences (
			device_id TEXT PRIMARY KEY,
			seq BIGINT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *postgresStore) SaveDevice(ctx context.Context, d model.Device) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (id, name, location, class, model, firmware, installed_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			location = EXCLUDED.location,
			class = EXCLUDED.class,
			model = EXCLUDED.model,
			firmware = EXCLUDED.firmware,
			installed_at = EXCLUDED.installed_at,
			active = EXCLUDED.active`,
		d.ID, d.Name, d.Location, string(d.Class), d.Model, d.Firmware, d.InstalledAt.UTC(), d.Active,
	)
	return err
}

func (s *postgresStore) LoadDevices(ctx context.Context) ([]model.Device, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, location, class, model, firmware, installed_at, active FROM devices`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Device
	for rows.Next() {
		var d model.Device
		if err := rows.Scan(&d.ID, &d.Name, &d.Location, (*string)(&d.Class), &d.Model, &d.Firmware, &d.InstalledAt, &d.Active); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *postgresStore) SaveAlert(ctx context.Context, a model.Alert) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, device_id, severity, kind, opened_at, resolved_at, manual, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			severity = EXCLUDED.severity,
			resolved_at = EXCLUDED.resolved_at,
			manual = EXCLUDED.manual,
			description = EXCLUDED.description`,
		a.ID, a.DeviceID, string(a.Severity), string(a.Kind),
		a.OpenedAt.UTC(), nullTime(a.ResolvedAt), a.Manual, a.Description,
	)
	return err
}

func (s *postgresStore) LoadOpenAlerts(ctx context.Context) ([]model.Alert, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device_id, severity, kind, opened_at, resolved_at, manual, description
		FROM alerts WHERE resolved_at IS NULL ORDER BY opened_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAlerts(rows)
}

func (s *postgresStore) ListAlerts(ctx context.Context, deviceID string, limit int) ([]model.Alert, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if deviceID != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, device_id, severity, kind, opened_at, resolved_at, manual, description
			FROM alerts WHERE device_id = $1 ORDER BY opened_at DESC LIMIT $2`, deviceID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, device_id, severity, kind, opened_at, resolved_at, manual, description
			FROM alerts ORDER BY opened_at DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAlerts(rows)
}

func (s *postgresStore) SaveCommand(ctx context.Context, c model.Command) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO commands (id, device_id, action, issued_at, status, result_detail, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			result_detail = EXCLUDED.result_detail,
			completed_at = EXCLUDED.completed_at`,
		c.ID, c.DeviceID, string(c.Action), c.IssuedAt.UTC(), string(c.Status), c.ResultDetail, nullTime(c.CompletedAt),
	)
	return err
}

func (s *postgresStore) ListCommands(ctx context.Context, deviceID string, limit int) ([]model.Command, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if deviceID != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, device_id, action, issued_at, status, result_detail, completed_at
			FROM commands WHERE device_id = $1 ORDER BY issued_at DESC LIMIT $2`, deviceID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, device_id, action, issued_at, status, result_detail, completed_at
			FROM commands ORDER BY issued_at DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Command
	for rows.Next() {
		var c model.Command
		var completed sql.NullTime
		if err := rows.Scan(&c.ID, &c.DeviceID, (*string)(&c.Action), &c.IssuedAt, (*string)(&c.Status), &c.ResultDetail, &completed); err != nil {
			return nil, err
		}
		c.CompletedAt = scanTimePtr(completed)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *postgresStore) SaveStatWindow(ctx context.Context, w model.StatWindow) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stat_windows (device_id, bucket_start, granularity_sec, permitted, denied, mean_response_ms, response_samples, partial)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (device_id, bucket_start, granularity_sec) DO UPDATE SET
			permitted = EXCLUDED.permitted,
			denied = EXCLUDED.denied,
			mean_response_ms = EXCLUDED.mean_response_ms,
			response_samples = EXCLUDED.response_samples,
			partial = EXCLUDED.partial`,
		w.DeviceID, w.BucketStart.UTC(), int64(w.Granularity.Seconds()),
		w.Permitted, w.Denied, w.MeanResponseMS, w.ResponseSamples, w.Partial,
	)
	return err
}

func (s *postgresStore) LoadStatWindows(ctx context.Context, deviceID string, from, to time.Time) ([]model.StatWindow, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, bucket_start, granularity_sec, permitted, denied, mean_response_ms, response_samples, partial
		FROM stat_windows
		WHERE device_id = $1 AND bucket_start >= $2 AND bucket_start < $3
		ORDER BY bucket_start`,
		deviceID, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWindows(rows)
}

func (s *postgresStore) LoadPartialWindows(ctx context.Context) ([]model.StatWindow, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, bucket_start, granularity_sec, permitted, denied, mean_response_ms, response_samples, partial
		FROM stat_windows WHERE partial ORDER BY bucket_start`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWindows(rows)
}

func scanWindows(rows *sql.Rows) ([]model.StatWindow, error) {
	var out []model.StatWindow
	for rows.Next() {
		var w model.StatWindow
		var granSec int64
		if err := rows.Scan(&w.DeviceID, &w.BucketStart, &granSec, &w.Permitted, &w.Denied, &w.MeanResponseMS, &w.ResponseSamples, &w.Partial); err != nil {
			return nil, err
		}
		w.Granularity = time.Duration(granSec) * time.Second
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *postgresStore) SaveSequence(ctx context.Context, deviceID string, seq uint64) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sequences (device_id, seq) VALUES ($1, $2)
		ON CONFLICT (device_id) DO UPDATE SET seq = EXCLUDED.seq`,
		deviceID, int64(seq))
	return err
}

func (s *postgresStore) LoadSequences(ctx context.Context) (map[string]uint64, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT device_id, seq FROM sequences`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]uint64)
	for rows.Next() {
		var id string
		var seq int64
		if err := rows.Scan(&id, &seq); err != nil {
			return nil, err
		}
		out[id] = uint64(seq)
	}
	return out, rows.Err()
}

func scanAlerts(rows *sql.Rows) ([]model.Alert, error) {
	var out []model.Alert
	for rows.Next() {
		var a model.Alert
		var resolved sql.NullTime
		if err := rows.Scan(&a.ID, &a.DeviceID, (*string)(&a.Severity), (*string)(&a.Kind), &a.OpenedAt, &resolved, &a.Manual, &a.Description); err != nil {
			return nil, err
		}
		a.ResolvedAt = scanTimePtr(resolved)
		out = append(out, a)
	}
	return out, rows.Err()
}
