package store

import (
	"time"

	"github.com/metgo/valleymet/internal/models"
)

// AppendNotification records one delivery attempt. The log is append-only;
// attempts are never updated.
func (s *Store) AppendNotification(rec models.NotificationRecord, kind models.AlertKind) error {
	_, err := s.db.Exec(`
		INSERT INTO notification_log (alert_id, channel, recipient, attempt_at, outcome, reason, alert_kind)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.AlertID, string(rec.Channel), rec.Recipient,
		rec.AttemptAt.UTC().Truncate(time.Second), string(rec.Outcome), rec.Reason, string(kind))
	if err != nil {
		return storageErr("append notification", err)
	}
	return nil
}

func (s *Store) Notifications(from, to time.Time) ([]models.NotificationRecord, error) {
	rows, err := s.db.Query(`
		SELECT alert_id, channel, recipient, attempt_at, outcome, reason
		FROM notification_log
		WHERE attempt_at >= ? AND attempt_at <= ?
		ORDER BY attempt_at ASC
	`, from.UTC(), to.UTC())
	if err != nil {
		return nil, storageErr("query notifications", err)
	}
	defer rows.Close()

	var recs []models.NotificationRecord
	for rows.Next() {
		var rec models.NotificationRecord
		var channel, outcome string
		if err := rows.Scan(&rec.AlertID, &channel, &rec.Recipient, &rec.AttemptAt, &outcome, &rec.Reason); err != nil {
			return nil, storageErr("scan notification", err)
		}
		rec.Channel = models.Channel(channel)
		rec.Outcome = models.Outcome(outcome)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// CountSentSince counts successful sends at or after since, across all
// recipients and channels.
func (s *Store) CountSentSince(since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM notification_log
		WHERE outcome = ? AND attempt_at >= ?
	`, string(models.OutcomeSent), since.UTC()).Scan(&n)
	if err != nil {
		return 0, storageErr("count sent notifications", err)
	}
	return n, nil
}

// LastSent returns the time of the newest successful send of kind to
// recipient, or a zero time.
func (s *Store) LastSent(kind models.AlertKind, recipient string) (time.Time, error) {
	var ts *time.Time
	err := s.db.QueryRow(`
		SELECT MAX(attempt_at) FROM notification_log
		WHERE alert_kind = ? AND recipient = ? AND outcome = ?
	`, string(kind), recipient, string(models.OutcomeSent)).Scan(&ts)
	if err != nil {
		return time.Time{}, storageErr("query last sent", err)
	}
	if ts == nil {
		return time.Time{}, nil
	}
	return *ts, nil
}
