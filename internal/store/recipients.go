package store

import (
	"encoding/json"

	"github.com/metgo/valleymet/internal/models"
)

// Recipient subscription maps are stored as JSON columns; the recipient set
// is small and read whole on every dispatch.

func (s *Store) UpsertRecipient(r models.Recipient) error {
	channels, err := json.Marshal(r.Channels)
	if err != nil {
		return storageErr("marshal channels", err)
	}
	kinds, err := json.Marshal(r.SubscribedKinds)
	if err != nil {
		return storageErr("marshal subscribed kinds", err)
	}
	severities := make(map[models.AlertKind]string, len(r.MinSeverity))
	for k, v := range r.MinSeverity {
		severities[k] = v.String()
	}
	minSev, err := json.Marshal(severities)
	if err != nil {
		return storageErr("marshal min severity", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO recipients (id, display_name, email, phone, channels, subscribed_kinds, min_severity, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			email = excluded.email,
			phone = excluded.phone,
			channels = excluded.channels,
			subscribed_kinds = excluded.subscribed_kinds,
			min_severity = excluded.min_severity,
			active = excluded.active
	`, r.ID, r.DisplayName, r.Email, r.Phone, string(channels), string(kinds), string(minSev), r.Active)
	if err != nil {
		return storageErr("upsert recipient", err)
	}
	return nil
}

func (s *Store) ActiveRecipients() ([]models.Recipient, error) {
	rows, err := s.db.Query(`
		SELECT id, display_name, email, phone, channels, subscribed_kinds, min_severity, active
		FROM recipients WHERE active = TRUE ORDER BY id
	`)
	if err != nil {
		return nil, storageErr("query recipients", err)
	}
	defer rows.Close()

	var recipients []models.Recipient
	for rows.Next() {
		var r models.Recipient
		var channels, kinds, minSev string
		if err := rows.Scan(&r.ID, &r.DisplayName, &r.Email, &r.Phone, &channels, &kinds, &minSev, &r.Active); err != nil {
			return nil, storageErr("scan recipient", err)
		}
		if err := json.Unmarshal([]byte(channels), &r.Channels); err != nil {
			return nil, storageErr("unmarshal channels", err)
		}
		if err := json.Unmarshal([]byte(kinds), &r.SubscribedKinds); err != nil {
			return nil, storageErr("unmarshal subscribed kinds", err)
		}
		var severities map[models.AlertKind]string
		if err := json.Unmarshal([]byte(minSev), &severities); err != nil {
			return nil, storageErr("unmarshal min severity", err)
		}
		r.MinSeverity = make(map[models.AlertKind]models.Severity, len(severities))
		for k, v := range severities {
			sev, err := models.ParseSeverity(v)
			if err != nil {
				return nil, storageErr("parse min severity", err)
			}
			r.MinSeverity[k] = sev
		}
		recipients = append(recipients, r)
	}
	return recipients, rows.Err()
}
