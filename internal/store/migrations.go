package store

import (
	"database/sql"
	"fmt"
	"log"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS stations (
    station_id TEXT PRIMARY KEY,
    name TEXT,
    latitude REAL,
    longitude REAL,
    elevation REAL,
    active BOOLEAN DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS observations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    station_id TEXT NOT NULL,
    observed_at DATETIME NOT NULL,
    temperature_mean REAL,
    temperature_max REAL,
    temperature_min REAL,
    relative_humidity REAL,
    precipitation REAL,
    wind_speed REAL,
    wind_direction REAL,
    pressure REAL,
    cloud_cover REAL,
    solar_radiation REAL,
    source TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(station_id, observed_at)
);

CREATE TABLE IF NOT EXISTS quality_snapshots (
    timestamp DATETIME PRIMARY KEY,
    total_records INTEGER NOT NULL,
    valid_records INTEGER NOT NULL,
    error_records INTEGER NOT NULL,
    quality_percent REAL NOT NULL,
    missing_critical_count INTEGER NOT NULL,
    null_count INTEGER NOT NULL,
    outlier_count INTEGER NOT NULL,
    mean_latency_seconds REAL,
    source_availability TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    timestamp DATETIME NOT NULL,
    kind TEXT NOT NULL,
    severity TEXT NOT NULL,
    metric_name TEXT,
    observed_value REAL,
    threshold REAL,
    message TEXT,
    recommendation TEXT,
    station_id TEXT
);

CREATE TABLE IF NOT EXISTS notification_log (
    alert_id TEXT NOT NULL,
    channel TEXT NOT NULL,
    recipient TEXT NOT NULL,
    attempt_at DATETIME NOT NULL,
    outcome TEXT NOT NULL,
    reason TEXT,
    alert_kind TEXT NOT NULL,
    PRIMARY KEY (alert_id, channel, recipient, attempt_at)
);

CREATE TABLE IF NOT EXISTS recipients (
    id TEXT PRIMARY KEY,
    display_name TEXT,
    email TEXT,
    phone TEXT,
    channels TEXT NOT NULL,
    subscribed_kinds TEXT NOT NULL,
    min_severity TEXT NOT NULL,
    active BOOLEAN DEFAULT TRUE
);

CREATE INDEX IF NOT EXISTS idx_obs_station_time ON observations(station_id, observed_at);
CREATE INDEX IF NOT EXISTS idx_obs_time ON observations(observed_at);
CREATE INDEX IF NOT EXISTS idx_alerts_kind_time ON alerts(kind, timestamp);
CREATE INDEX IF NOT EXISTS idx_notif_recipient ON notification_log(alert_kind, recipient, attempt_at);
`,
	},
	{
		Version:     2,
		Description: "Model registry and content-addressed artifacts",
		SQL: `
CREATE TABLE IF NOT EXISTS model_artifacts (
    content_hash TEXT PRIMARY KEY,
    payload BLOB NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS forecast_models (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    target_variable TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    feature_schema TEXT NOT NULL,
    member_specs TEXT NOT NULL,
    artifact_hash TEXT NOT NULL REFERENCES model_artifacts(content_hash),
    r2 REAL NOT NULL,
    rmse REAL NOT NULL,
    mae REAL NOT NULL,
    train_duration_seconds REAL NOT NULL,
    peak_memory_bytes INTEGER NOT NULL,
    accepted BOOLEAN NOT NULL,
    UNIQUE(target_variable, created_at)
);

CREATE INDEX IF NOT EXISTS idx_models_variable ON forecast_models(target_variable, created_at);
`,
	},
	{
		Version:     3,
		Description: "Ingest run log for latency tracking",
		SQL: `
CREATE TABLE IF NOT EXISTS ingest_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    fetcher TEXT NOT NULL,
    station_id TEXT,
    started_at DATETIME NOT NULL,
    latency_seconds REAL,
    records_fetched INTEGER,
    ok BOOLEAN NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ingest_runs_time ON ingest_runs(started_at);
`,
	},
}

func (s *Store) Migrate() error {
	if err := s.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		log.Printf("migrations: applying %d - %s", m.Version, m.Description)

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}

		log.Printf("migrations: completed %d", m.Version)
	}

	return nil
}

func (s *Store) ensureMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations() (map[int]bool, error) {
	rows, err := s.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) MigrationVersion() (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
