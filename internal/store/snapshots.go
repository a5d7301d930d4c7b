package store

import (
	"encoding/json"
	"time"

	"github.com/metgo/valleymet/internal/models"
)

func (s *Store) InsertSnapshot(snap models.QualitySnapshot) error {
	avail, err := json.Marshal(snap.SourceAvailability)
	if err != nil {
		return storageErr("marshal source availability", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO quality_snapshots (timestamp, total_records, valid_records, error_records, quality_percent, missing_critical_count, null_count, outlier_count, mean_latency_seconds, source_availability)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(timestamp) DO NOTHING
	`, snap.Timestamp.UTC().Truncate(time.Second), snap.TotalRecords, snap.ValidRecords, snap.ErrorRecords,
		snap.QualityPercent, snap.MissingCriticalCount, snap.NullCount, snap.OutlierCount,
		snap.MeanLatencySeconds, string(avail))
	if err != nil {
		return storageErr("insert snapshot", err)
	}
	return nil
}

func (s *Store) Snapshots(from, to time.Time) ([]models.QualitySnapshot, error) {
	rows, err := s.db.Query(`
		SELECT timestamp, total_records, valid_records, error_records, quality_percent, missing_critical_count, null_count, outlier_count, mean_latency_seconds, source_availability
		FROM quality_snapshots
		WHERE timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC
	`, from.UTC(), to.UTC())
	if err != nil {
		return nil, storageErr("query snapshots", err)
	}
	defer rows.Close()

	var snaps []models.QualitySnapshot
	for rows.Next() {
		var snap models.QualitySnapshot
		var avail string
		if err := rows.Scan(&snap.Timestamp, &snap.TotalRecords, &snap.ValidRecords, &snap.ErrorRecords,
			&snap.QualityPercent, &snap.MissingCriticalCount, &snap.NullCount, &snap.OutlierCount,
			&snap.MeanLatencySeconds, &avail); err != nil {
			return nil, storageErr("scan snapshot", err)
		}
		if err := json.Unmarshal([]byte(avail), &snap.SourceAvailability); err != nil {
			return nil, storageErr("unmarshal source availability", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func (s *Store) DeleteSnapshotsBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM quality_snapshots WHERE timestamp < ?`, cutoff.UTC())
	if err != nil {
		return 0, storageErr("delete snapshots", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
