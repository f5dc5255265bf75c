package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/emberhq/go-emergency-response/internal/models"
)

type SQLiteDB struct {
	db *sql.DB
}

func NewSQLiteDB(path string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	// modernc sqlite supports a single writer; serializing connections
	// avoids SQLITE_BUSY under concurrent lanes.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error while pinging database: %w", err)
	}

	s := &SQLiteDB{
		db: db,
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("error while migrating database: %w", err)
	}

	return s, nil
}

func (s *SQLiteDB) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			subject_id TEXT NOT NULL,
			responder_id TEXT,
			category TEXT NOT NULL,
			status TEXT NOT NULL,
			priority TEXT NOT NULL,
			tier INTEGER NOT NULL DEFAULT 0,
			latitude REAL,
			longitude REAL,
			accuracy REAL,
			silent INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			transition_at DATETIME NOT NULL,
			resolved_at DATETIME
		);

		CREATE TABLE IF NOT EXISTS zones (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			radius REAL NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			payload BLOB NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_alerts_subject_status ON alerts(subject_id, status);
		CREATE INDEX IF NOT EXISTS idx_alerts_created_at ON alerts(created_at);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_one_active
			ON alerts(subject_id, category)
			WHERE status NOT IN ('resolved', 'false_alarm');
		CREATE INDEX IF NOT EXISTS idx_zones_active ON zones(active);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_events_entity_seq ON events(entity_id, seq);
		CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
  	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

func (s *SQLiteDB) CreateAlert(ctx context.Context, a *models.Alert, ev *models.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO alerts (id, subject_id, responder_id, category, status, priority, tier,
			latitude, longitude, accuracy, silent, created_at, transition_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SubjectID, nullString(a.ResponderID), string(a.Category), string(a.Status),
		string(a.Priority), a.Tier, nullFloat(a.Latitude), nullFloat(a.Longitude),
		nullFloat(a.Accuracy), a.Silent, a.CreatedAt, a.TransitionAt, a.ResolvedAt)
	if err != nil {
		return fmt.Errorf("error inserting alert %s: %w", a.ID, err)
	}

	if err := appendEventTx(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteDB) UpdateAlert(ctx context.Context, a *models.Alert, ev *models.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE alerts SET responder_id = ?, status = ?, priority = ?, tier = ?,
			transition_at = ?, resolved_at = ?
		WHERE id = ?`,
		nullString(a.ResponderID), string(a.Status), string(a.Priority), a.Tier,
		a.TransitionAt, a.ResolvedAt, a.ID)
	if err != nil {
		return fmt.Errorf("error updating alert %s: %w", a.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error reading rows affected: %w", err)
	}
	if n == 0 {
		return models.ErrAlertNotFound
	}

	if err := appendEventTx(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteDB) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, subject_id, responder_id, category, status, priority, tier,
			latitude, longitude, accuracy, silent, created_at, transition_at, resolved_at
		FROM alerts WHERE id = ?`, id)

	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error scanning alert %s: %w", id, err)
	}
	return a, nil
}

func (s *SQLiteDB) ListAlerts(ctx context.Context, opts AlertFilter) ([]models.Alert, error) {
	query := `
		SELECT id, subject_id, responder_id, category, status, priority, tier,
			latitude, longitude, accuracy, silent, created_at, transition_at, resolved_at
		FROM alerts`
	var conds []string
	var args []any

	if opts.SubjectID != "" {
		conds = append(conds, "subject_id = ?")
		args = append(args, opts.SubjectID)
	}
	if opts.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, string(*opts.Status))
	}
	if opts.Category != nil {
		conds = append(conds, "category = ?")
		args = append(args, string(*opts.Category))
	}
	if opts.Since != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, *opts.Since)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, opts.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing alerts: %w", err)
	}
	defer rows.Close()

	return collectAlerts(rows)
}

func (s *SQLiteDB) ListActiveAlerts(ctx context.Context) ([]models.Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject_id, responder_id, category, status, priority, tier,
			latitude, longitude, accuracy, silent, created_at, transition_at, resolved_at
		FROM alerts
		WHERE status NOT IN (?, ?)
		ORDER BY created_at ASC`,
		string(models.AlertStatusResolved), string(models.AlertStatusFalseAlarm))
	if err != nil {
		return nil, fmt.Errorf("error listing active alerts: %w", err)
	}
	defer rows.Close()

	return collectAlerts(rows)
}

func (s *SQLiteDB) UpsertZone(ctx context.Context, z *models.Zone) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO zones (id, name, type, latitude, longitude, radius, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, type = excluded.type,
			latitude = excluded.latitude, longitude = excluded.longitude,
			radius = excluded.radius, active = excluded.active,
			updated_at = excluded.updated_at`,
		z.ID, z.Name, string(z.Type), z.Latitude, z.Longitude, z.Radius, z.Active,
		z.CreatedAt, z.UpdatedAt)
	if err != nil {
		return fmt.Errorf("error upserting zone %s: %w", z.ID, err)
	}
	return nil
}

func (s *SQLiteDB) GetZone(ctx context.Context, id string) (*models.Zone, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, type, latitude, longitude, radius, active, created_at, updated_at
		FROM zones WHERE id = ?`, id)

	var z models.Zone
	var zoneType string
	err := row.Scan(&z.ID, &z.Name, &zoneType, &z.Latitude, &z.Longitude, &z.Radius,
		&z.Active, &z.CreatedAt, &z.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error scanning zone %s: %w", id, err)
	}
	z.Type = models.ZoneType(zoneType)
	return &z, nil
}

func (s *SQLiteDB) ListZones(ctx context.Context, activeOnly bool) ([]models.Zone, error) {
	query := `
		SELECT id, name, type, latitude, longitude, radius, active, created_at, updated_at
		FROM zones`
	if activeOnly {
		query += " WHERE active = 1"
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error listing zones: %w", err)
	}
	defer rows.Close()

	var zones []models.Zone
	for rows.Next() {
		var z models.Zone
		var zoneType string
		if err := rows.Scan(&z.ID, &z.Name, &zoneType, &z.Latitude, &z.Longitude,
			&z.Radius, &z.Active, &z.CreatedAt, &z.UpdatedAt); err != nil {
			return nil, fmt.Errorf("error scanning zone row: %w", err)
		}
		z.Type = models.ZoneType(zoneType)
		zones = append(zones, z)
	}
	return zones, rows.Err()
}

func (s *SQLiteDB) SetZoneActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE zones SET active = ? WHERE id = ?`, active, id)
	if err != nil {
		return fmt.Errorf("error updating zone %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error reading rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("zone not found: %s", id)
	}
	return nil
}

func (s *SQLiteDB) AppendEvent(ctx context.Context, ev *models.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning tx: %w", err)
	}
	defer tx.Rollback()

	if err := appendEventTx(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteDB) ListEvents(ctx context.Context, opts EventFilter) ([]models.Event, error) {
	query := `SELECT id, seq, type, entity_id, timestamp, payload FROM events`
	var conds []string
	var args []any

	if opts.EntityID != "" {
		conds = append(conds, "entity_id = ?")
		args = append(args, opts.EntityID)
	}
	if len(opts.Types) > 0 {
		placeholders := make([]string, len(opts.Types))
		for i, t := range opts.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		conds = append(conds, "type IN ("+strings.Join(placeholders, ", ")+")")
	}
	if opts.AfterID > 0 {
		conds = append(conds, "id > ?")
		args = append(args, opts.AfterID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id ASC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var ev models.Event
		var evType string
		if err := rows.Scan(&ev.ID, &ev.Seq, &evType, &ev.EntityID, &ev.Timestamp, &ev.Payload); err != nil {
			return nil, fmt.Errorf("error scanning event row: %w", err)
		}
		ev.Type = models.EventType(evType)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// appendEventTx assigns the per-entity sequence and global position, then
// inserts. Callers commit row and event in the same transaction so the log
// never diverges from the system of record.
func appendEventTx(ctx context.Context, tx *sql.Tx, ev *models.Event) error {
	row := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE entity_id = ?`, ev.EntityID)
	if err := row.Scan(&ev.Seq); err != nil {
		return fmt.Errorf("error assigning event seq: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (seq, type, entity_id, timestamp, payload)
		VALUES (?, ?, ?, ?, ?)`,
		ev.Seq, string(ev.Type), ev.EntityID, ev.Timestamp, []byte(ev.Payload))
	if err != nil {
		return fmt.Errorf("error appending event: %w", err)
	}
	ev.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("error reading event id: %w", err)
	}
	return nil
}

type alertScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row alertScanner) (*models.Alert, error) {
	var a models.Alert
	var responder sql.NullString
	var lat, lng, acc sql.NullFloat64
	var resolvedAt sql.NullTime
	var category, status, priority string

	err := row.Scan(&a.ID, &a.SubjectID, &responder, &category, &status, &priority,
		&a.Tier, &lat, &lng, &acc, &a.Silent, &a.CreatedAt, &a.TransitionAt, &resolvedAt)
	if err != nil {
		return nil, err
	}

	a.Category = models.AlertCategory(category)
	a.Status = models.AlertStatus(status)
	a.Priority = models.AlertPriority(priority)
	if responder.Valid {
		a.ResponderID = responder.String
	}
	if lat.Valid {
		a.Latitude = &lat.Float64
	}
	if lng.Valid {
		a.Longitude = &lng.Float64
	}
	if acc.Valid {
		a.Accuracy = &acc.Float64
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		a.ResolvedAt = &t
	}
	return &a, nil
}

func collectAlerts(rows *sql.Rows) ([]models.Alert, error) {
	var alerts []models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning alert row: %w", err)
		}
		alerts = append(alerts, *a)
	}
	return alerts, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
