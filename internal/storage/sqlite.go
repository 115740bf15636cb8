package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"turnguard/internal/model"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:turnguard.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
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
			installed_at TEXT NOT NULL,
			active INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			severity TEXT NOT NULL,
			kind TEXT NOT NULL,
			opened_at TEXT NOT NULL,
			resolved_at TEXT,
			manual INTEGER NOT NULL DEFAULT 0,
			description TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_device_kind ON alerts(device_id, kind)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_open ON alerts(resolved_at) WHERE resolved_at IS NULL`,
		`CREATE TABLE IF NOT EXISTS commands (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			action TEXT NOT NULL,
			issued_at TEXT NOT NULL,
			status TEXT NOT NULL,
			result_detail TEXT,
			completed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_device ON commands(device_id, issued_at)`,
		`CREATE TABLE IF NOT EXISTS stat_windows (
			device_id TEXT NOT NULL,
			bucket_start TEXT NOT NULL,
			granularity_sec INTEGER NOT NULL,
			permitted INTEGER NOT NULL,
			denied INTEGER NOT NULL,
			mean_response_ms REAL NOT NULL,
			response_samples INTEGER NOT NULL DEFAULT 0,
			partial INTEGER NOT NULL,
			PRIMARY KEY (device_id, bucket_start, granularity_sec)
		)`,
		`CREATE TABLE IF NOT EXISTS sequences (
			device_id TEXT PRIMARY KEY,
			seq INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) SaveDevice(ctx context.Context, d model.Device) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (id, name, location, class, model, firmware, installed_at, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			location = excluded.location,
			class = excluded.class,
			model = excluded.model,
			firmware = excluded.firmware,
			installed_at = excluded.installed_at,
			active = excluded.active`,
		d.ID, d.Name, d.Location, string(d.Class), d.Model, d.Firmware,
		d.InstalledAt.UTC().Format(time.RFC3339Nano), boolInt(d.Active),
	)
	return err
}

func (s *sqliteStore) LoadDevices(ctx context.Context) ([]model.Device, error) {
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
		var installed string
		var active int
		if err := rows.Scan(&d.ID, &d.Name, &d.Location, (*string)(&d.Class), &d.Model, &d.Firmware, &installed, &active); err != nil {
			return nil, err
		}
		d.InstalledAt, _ = time.Parse(time.RFC3339Nano, installed)
		d.Active = active != 0
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveAlert(ctx context.Context, a model.Alert) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, device_id, severity, kind, opened_at, resolved_at, manual, description)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			severity = excluded.severity,
			resolved_at = excluded.resolved_at,
			manual = excluded.manual,
			description = excluded.description`,
		a.ID, a.DeviceID, string(a.Severity), string(a.Kind),
		a.OpenedAt.UTC().Format(time.RFC3339Nano), timeTextPtr(a.ResolvedAt),
		boolInt(a.Manual), a.Description,
	)
	return err
}

func (s *sqliteStore) LoadOpenAlerts(ctx context.Context) ([]model.Alert, error) {
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
	return scanTextAlerts(rows)
}

func (s *sqliteStore) ListAlerts(ctx context.Context, deviceID string, limit int) ([]model.Alert, error) {
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
			FROM alerts WHERE device_id = ? ORDER BY opened_at DESC LIMIT ?`, deviceID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, device_id, severity, kind, opened_at, resolved_at, manual, description
			FROM alerts ORDER BY opened_at DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTextAlerts(rows)
}

func (s *sqliteStore) SaveCommand(ctx context.Context, c model.Command) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO commands (id, device_id, action, issued_at, status, result_detail, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			result_detail = excluded.result_detail,
			completed_at = excluded.completed_at`,
		c.ID, c.DeviceID, string(c.Action), c.IssuedAt.UTC().Format(time.RFC3339Nano),
		string(c.Status), c.ResultDetail, timeTextPtr(c.CompletedAt),
	)
	return err
}

func (s *sqliteStore) ListCommands(ctx context.Context, deviceID string, limit int) ([]model.Command, error) {
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
			FROM commands WHERE device_id = ? ORDER BY issued_at DESC LIMIT ?`, deviceID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, device_id, action, issued_at, status, result_detail, completed_at
			FROM commands ORDER BY issued_at DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Command
	for rows.Next() {
		var c model.Command
		var issued string
		var completed sql.NullString
		if err := rows.Scan(&c.ID, &c.DeviceID, (*string)(&c.Action), &issued, (*string)(&c.Status), &c.ResultDetail, &completed); err != nil {
			return nil, err
		}
		c.IssuedAt, _ = time.Parse(time.RFC3339Nano, issued)
		c.CompletedAt = parseTimeText(completed)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveStatWindow(ctx context.Context, w model.StatWindow) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stat_windows (device_id, bucket_start, granularity_sec, permitted, denied, mean_response_ms, response_samples, partial)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id, bucket_start, granularity_sec) DO UPDATE SET
			permitted = excluded.permitted,
			denied = excluded.denied,
			mean_response_ms = excluded.mean_response_ms,
			response_samples = excluded.response_samples,
			partial = excluded.partial`,
		w.DeviceID, w.BucketStart.UTC().Format(time.RFC3339Nano), int64(w.Granularity.Seconds()),
		w.Permitted, w.Denied, w.MeanResponseMS, w.ResponseSamples, boolInt(w.Partial),
	)
	return err
}

func (s *sqliteStore) LoadStatWindows(ctx context.Context, deviceID string, from, to time.Time) ([]model.StatWindow, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, bucket_start, granularity_sec, permitted, denied, mean_response_ms, response_samples, partial
		FROM stat_windows
		WHERE device_id = ? AND bucket_start >= ? AND bucket_start < ?
		ORDER BY bucket_start`,
		deviceID, from.UTC().Format(time.RFC3339Nano), to.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTextWindows(rows)
}

func (s *sqliteStore) LoadPartialWindows(ctx context.Context) ([]model.StatWindow, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, bucket_start, granularity_sec, permitted, denied, mean_response_ms, response_samples, partial
		FROM stat_windows WHERE partial = 1 ORDER BY bucket_start`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTextWindows(rows)
}

func scanTextWindows(rows *sql.Rows) ([]model.StatWindow, error) {
	var out []model.StatWindow
	for rows.Next() {
		var w model.StatWindow
		var bucket string
		var granSec int64
		var partial int
		if err := rows.Scan(&w.DeviceID, &bucket, &granSec, &w.Permitted, &w.Denied, &w.MeanResponseMS, &w.ResponseSamples, &partial); err != nil {
			return nil, err
		}
		w.BucketStart, _ = time.Parse(time.RFC3339Nano, bucket)
		w.Granularity = time.Duration(granSec) * time.Second
		w.Partial = partial != 0
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveSequence(ctx context.Context, deviceID string, seq uint64) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sequences (device_id, seq) VALUES (?, ?)
		ON CONFLICT(device_id) DO UPDATE SET seq = excluded.seq`,
		deviceID, int64(seq))
	return err
}

func (s *sqliteStore) LoadSequences(ctx context.Context) (map[string]uint64, error) {
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

func scanTextAlerts(rows *sql.Rows) ([]model.Alert, error) {
	var out []model.Alert
	for rows.Next() {
		var a model.Alert
		var opened string
		var resolved sql.NullString
		var manual int
		if err := rows.Scan(&a.ID, &a.DeviceID, (*string)(&a.Severity), (*string)(&a.Kind), &opened, &resolved, &manual, &a.Description); err != nil {
			return nil, err
		}
		a.OpenedAt, _ = time.Parse(time.RFC3339Nano, opened)
		a.ResolvedAt = parseTimeText(resolved)
		a.Manual = manual != 0
		out = append(out, a)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeTextPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimeText(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}
