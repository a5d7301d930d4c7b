package store

import (
	"time"

	"github.com/metgo/valleymet/internal/models"
)

func (s *Store) InsertAlert(a models.Alert) error {
	_, err := s.db.Exec(`
		INSERT INTO alerts (id, timestamp, kind, severity, metric_name, observed_value, threshold, message, recommendation, station_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.Timestamp.UTC().Truncate(time.Second), string(a.Kind), a.Severity.String(),
		a.MetricName, a.ObservedValue, a.Threshold, a.Message, a.Recommendation, a.StationID)
	if err != nil {
		return storageErr("insert alert", err)
	}
	return nil
}

// Alerts returns logged alerts in [from, to], newest first. An empty kind
// matches every kind.
func (s *Store) Alerts(from, to time.Time, kind models.AlertKind, limit int) ([]models.Alert, error) {
	q := `SELECT id, timestamp, kind, severity, metric_name, observed_value, threshold, message, recommendation, station_id
		FROM alerts WHERE timestamp >= ? AND timestamp <= ?`
	args := []any{from.UTC(), to.UTC()}
	if kind != "" {
		q += ` AND kind = ?`
		args = append(args, string(kind))
	}
	q += ` ORDER BY timestamp DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, storageErr("query alerts", err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		var a models.Alert
		var kindStr, sevStr string
		if err := rows.Scan(&a.ID, &a.Timestamp, &kindStr, &sevStr, &a.MetricName,
			&a.ObservedValue, &a.Threshold, &a.Message, &a.Recommendation, &a.StationID); err != nil {
			return nil, storageErr("scan alert", err)
		}
		a.Kind = models.AlertKind(kindStr)
		sev, err := models.ParseSeverity(sevStr)
		if err != nil {
			return nil, storageErr("parse severity", err)
		}
		a.Severity = sev
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// LastAlertTime returns the timestamp of the newest alert of the kind, or a
// zero time when none is logged.
func (s *Store) LastAlertTime(kind models.AlertKind) (time.Time, error) {
	var ts *time.Time
	err := s.db.QueryRow(`SELECT MAX(timestamp) FROM alerts WHERE kind = ?`, string(kind)).Scan(&ts)
	if err != nil {
		return time.Time{}, storageErr("query last alert", err)
	}
	if ts == nil {
		return time.Time{}, nil
	}
	return *ts, nil
}

func (s *Store) DeleteAlertsBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM alerts WHERE timestamp < ?`, cutoff.UTC())
	if err != nil {
		return 0, storageErr("delete alerts", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
