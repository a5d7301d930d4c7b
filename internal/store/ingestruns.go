package store

import (
	"database/sql"
	"time"
)

// IngestRun is one fetcher invocation, logged for latency tracking.
type IngestRun struct {
	ID             int64
	Fetcher        string
	StationID      sql.NullString
	StartedAt      time.Time
	LatencySeconds sql.NullFloat64
	RecordsFetched sql.NullInt64
	OK             bool
}

func (s *Store) InsertIngestRun(run IngestRun) error {
	_, err := s.db.Exec(`
		INSERT INTO ingest_runs (fetcher, station_id, started_at, latency_seconds, records_fetched, ok)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.Fetcher, run.StationID, run.StartedAt.UTC(), run.LatencySeconds, run.RecordsFetched, run.OK)
	if err != nil {
		return storageErr("insert ingest run", err)
	}
	return nil
}

// MeanLatencySince averages fetch latency over successful runs at or after
// since. The result is null when no run is logged; latency is never
// fabricated.
func (s *Store) MeanLatencySince(since time.Time) (sql.NullFloat64, error) {
	var mean sql.NullFloat64
	err := s.db.QueryRow(`
		SELECT AVG(latency_seconds) FROM ingest_runs
		WHERE ok = TRUE AND latency_seconds IS NOT NULL AND started_at >= ?
	`, since.UTC()).Scan(&mean)
	if err != nil {
		return sql.NullFloat64{}, storageErr("query mean latency", err)
	}
	return mean, nil
}

func (s *Store) DeleteIngestRunsBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM ingest_runs WHERE started_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, storageErr("delete ingest runs", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
