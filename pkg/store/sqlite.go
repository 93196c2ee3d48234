package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/markus-lassfolk/vesseltrack/pkg/gps"
	"github.com/markus-lassfolk/vesseltrack/pkg/logx"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS locations (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	latitude REAL NOT NULL,
	longitude REAL NOT NULL,
	accuracy REAL,
	heading REAL,
	speed REAL,
	zone TEXT,
	source TEXT,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_locations_user_time ON locations(user_id, timestamp);

CREATE TABLE IF NOT EXISTS vessels (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	owner_id TEXT NOT NULL DEFAULT '',
	latitude REAL,
	longitude REAL,
	zone TEXT,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS user_vessels (
	user_id TEXT PRIMARY KEY,
	vessel_id TEXT NOT NULL REFERENCES vessels(id)
);

CREATE TABLE IF NOT EXISTS vessel_locations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	vessel_id TEXT NOT NULL,
	location_id TEXT NOT NULL,
	latitude REAL NOT NULL,
	longitude REAL NOT NULL,
	zone TEXT,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_vessel_locations_vessel ON vessel_locations(vessel_id, timestamp);
`

// SQLiteStore is the single installation backend
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *logx.Logger
}

// OpenSQLite opens or creates the database at path
func OpenSQLite(path string, logger *logx.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = logx.Nop()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	logger.Info("sqlite store initialized", "database_path", path)
	return &SQLiteStore{db: db, path: path, logger: logger}, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const insertLocationSQL = `INSERT INTO locations
	(id, user_id, latitude, longitude, accuracy, heading, speed, zone, source, timestamp)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func locationArgs(rec gps.Record) []interface{} {
	return []interface{}{
		rec.ID, rec.UserID, rec.Latitude, rec.Longitude,
		nullFloat(rec.Accuracy), nullFloat(rec.Heading), nullFloat(rec.Speed),
		nullString(rec.Zone), rec.Source, rec.Timestamp.UnixNano(),
	}
}

func (s *SQLiteStore) InsertLocation(ctx context.Context, rec gps.Record) error {
	if _, err := s.db.ExecContext(ctx, insertLocationSQL, locationArgs(rec)...); err != nil {
		return fmt.Errorf("failed to insert location %s: %w", rec.ID, err)
	}
	return nil
}

// InsertLocations inserts all records in one transaction
func (s *SQLiteStore) InsertLocations(ctx context.Context, recs []gps.Record) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertLocationSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range recs {
		if _, err := stmt.ExecContext(ctx, locationArgs(rec)...); err != nil {
			return fmt.Errorf("failed to insert location %s: %w", rec.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	s.logger.Debug("inserted location batch", "count", len(recs))
	return nil
}

// UpdateVesselPosition updates the snapshot, creating the vessel row if needed
func (s *SQLiteStore) UpdateVesselPosition(ctx context.Context, pos gps.VesselPosition) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO vessels (id, latitude, longitude, zone, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			zone = excluded.zone,
			updated_at = excluded.updated_at`,
		pos.VesselID, pos.Latitude, pos.Longitude, nullString(pos.Zone), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to update vessel %s: %w", pos.VesselID, err)
	}
	return nil
}

func (s *SQLiteStore) DefaultVesselID(ctx context.Context, userID string) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT vessel_id FROM user_vessels WHERE user_id = ?`, userID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up default vessel: %w", err)
	}
	return id, true, nil
}

func (s *SQLiteStore) InsertVesselLocation(ctx context.Context, vesselID string, rec gps.Record) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO vessel_locations
		(vessel_id, location_id, latitude, longitude, zone, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		vesselID, rec.ID, rec.Latitude, rec.Longitude, nullString(rec.Zone), rec.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert vessel location: %w", err)
	}
	return nil
}

// RegisterVessel creates or renames a vessel
func (s *SQLiteStore) RegisterVessel(ctx context.Context, v Vessel) error {
	if v.ID == "" {
		return errors.New("vessel id is required")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO vessels (id, name, owner_id, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, owner_id = excluded.owner_id`,
		v.ID, v.Name, v.OwnerID, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to register vessel: %w", err)
	}
	return nil
}

// SetDefaultVessel points userID at an existing vessel
func (s *SQLiteStore) SetDefaultVessel(ctx context.Context, userID, vesselID string) error {
	if _, err := s.GetVessel(ctx, vesselID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO user_vessels (user_id, vessel_id) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET vessel_id = excluded.vessel_id`, userID, vesselID)
	if err != nil {
		return fmt.Errorf("failed to set default vessel: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetVessel(ctx context.Context, vesselID string) (Vessel, error) {
	var (
		v        Vessel
		lat, lon sql.NullFloat64
		zone     sql.NullString
		updated  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, owner_id, latitude, longitude, zone, updated_at FROM vessels WHERE id = ?`, vesselID).
		Scan(&v.ID, &v.Name, &v.OwnerID, &lat, &lon, &zone, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Vessel{}, fmt.Errorf("%w: %s", ErrVesselNotFound, vesselID)
	}
	if err != nil {
		return Vessel{}, fmt.Errorf("failed to get vessel: %w", err)
	}
	v.Latitude = floatPtr(lat)
	v.Longitude = floatPtr(lon)
	v.Zone = stringPtr(zone)
	v.UpdatedAt = time.Unix(0, updated)
	return v, nil
}

// RecentLocations returns the newest records of userID, newest first
func (s *SQLiteStore) RecentLocations(ctx context.Context, userID string, limit int) ([]gps.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, latitude, longitude, accuracy, heading, speed, zone, source, timestamp
		FROM locations WHERE user_id = ? ORDER BY timestamp DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query locations: %w", err)
	}
	defer rows.Close()

	var recs []gps.Record
	for rows.Next() {
		var (
			rec                      gps.Record
			accuracy, heading, speed sql.NullFloat64
			zone, source             sql.NullString
			ts                       int64
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Latitude, &rec.Longitude,
			&accuracy, &heading, &speed, &zone, &source, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan location: %w", err)
		}
		rec.Accuracy = floatPtr(accuracy)
		rec.Heading = floatPtr(heading)
		rec.Speed = floatPtr(speed)
		rec.Zone = stringPtr(zone)
		rec.Source = source.String
		rec.Timestamp = time.Unix(0, ts)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// VesselHistory returns the history rows of a vessel, oldest first
func (s *SQLiteStore) VesselHistory(ctx context.Context, vesselID string) ([]gps.VesselPosition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT latitude, longitude, zone FROM vessel_locations WHERE vessel_id = ? ORDER BY timestamp, id`, vesselID)
	if err != nil {
		return nil, fmt.Errorf("failed to query vessel history: %w", err)
	}
	defer rows.Close()

	var out []gps.VesselPosition
	for rows.Next() {
		pos := gps.VesselPosition{VesselID: vesselID}
		var zone sql.NullString
		if err := rows.Scan(&pos.Latitude, &pos.Longitude, &zone); err != nil {
			return nil, fmt.Errorf("failed to scan vessel history: %w", err)
		}
		pos.Zone = stringPtr(zone)
		out = append(out, pos)
	}
	return out, rows.Err()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
