// Package store provides SQLite persistence for observations, quality
// snapshots, the alert and notification logs, recipients and the forecast
// model registry.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/metgo/valleymet/internal/models"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// storageErr tags an I/O failure so callers can branch on the kind while the
// driver detail stays in the message.
func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", models.ErrStorageUnavailable, op, err)
}

func (s *Store) UpsertStation(st models.Station) error {
	_, err := s.db.Exec(`
		INSERT INTO stations (station_id, name, latitude, longitude, elevation, active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(station_id) DO UPDATE SET
			name = excluded.name,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			elevation = excluded.elevation,
			active = excluded.active
	`, st.StationID, st.Name, st.Latitude, st.Longitude, st.Elevation, st.Active)
	if err != nil {
		return storageErr("upsert station", err)
	}
	return nil
}

func (s *Store) ActiveStations() ([]models.Station, error) {
	rows, err := s.db.Query(`SELECT station_id, name, latitude, longitude, elevation, active FROM stations WHERE active = TRUE ORDER BY station_id`)
	if err != nil {
		return nil, storageErr("query stations", err)
	}
	defer rows.Close()

	var stations []models.Station
	for rows.Next() {
		var st models.Station
		if err := rows.Scan(&st.StationID, &st.Name, &st.Latitude, &st.Longitude, &st.Elevation, &st.Active); err != nil {
			return nil, storageErr("scan station", err)
		}
		stations = append(stations, st)
	}
	return stations, rows.Err()
}

// InsertObservation appends one observation. It returns
// models.ErrInvalidObservation when the record violates its invariants and
// models.ErrDuplicateObservation when (station_id, observed_at) exists.
func (s *Store) InsertObservation(obs models.Observation) error {
	if err := obs.Validate(); err != nil {
		return err
	}
	res, err := s.db.Exec(`
		INSERT INTO observations (station_id, observed_at, temperature_mean, temperature_max, temperature_min, relative_humidity, precipitation, wind_speed, wind_direction, pressure, cloud_cover, solar_radiation, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(station_id, observed_at) DO NOTHING
	`, obs.StationID, obs.ObservedAt.UTC().Truncate(time.Second),
		obs.TempMean, obs.TempMax, obs.TempMin, obs.RelHumidity, obs.Precipitation,
		obs.WindSpeed, obs.WindDirection, obs.Pressure, obs.CloudCover, obs.SolarRadiation, obs.Source)
	if err != nil {
		return storageErr("insert observation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s at %s", models.ErrDuplicateObservation,
			obs.StationID, obs.ObservedAt.UTC().Format(time.RFC3339))
	}
	return nil
}

// InsertObservations appends a batch, returning one outcome per record in
// input order. Only I/O failures abort the batch.
func (s *Store) InsertObservations(batch []models.Observation) []error {
	outcomes := make([]error, len(batch))
	for i, obs := range batch {
		outcomes[i] = s.InsertObservation(obs)
	}
	return outcomes
}

const obsColumns = `id, station_id, observed_at, temperature_mean, temperature_max, temperature_min, relative_humidity, precipitation, wind_speed, wind_direction, pressure, cloud_cover, solar_radiation, source, created_at`

func scanObservation(rows *sql.Rows) (models.Observation, error) {
	var obs models.Observation
	err := rows.Scan(&obs.ID, &obs.StationID, &obs.ObservedAt,
		&obs.TempMean, &obs.TempMax, &obs.TempMin, &obs.RelHumidity, &obs.Precipitation,
		&obs.WindSpeed, &obs.WindDirection, &obs.Pressure, &obs.CloudCover, &obs.SolarRadiation,
		&obs.Source, &obs.CreatedAt)
	return obs, err
}

// Observations returns records in [from, to] ordered by observed_at
// ascending. An empty stationID matches every station. A limit > 0 keeps the
// newest records while preserving ascending order.
func (s *Store) Observations(from, to time.Time, stationID string, limit int) ([]models.Observation, error) {
	q := `SELECT ` + obsColumns + ` FROM observations WHERE observed_at >= ? AND observed_at <= ?`
	args := []any{from.UTC(), to.UTC()}
	if stationID != "" {
		q += ` AND station_id = ?`
		args = append(args, stationID)
	}
	q += ` ORDER BY observed_at DESC, station_id`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, storageErr("query observations", err)
	}
	defer rows.Close()

	var observations []models.Observation
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, storageErr("scan observation", err)
		}
		observations = append(observations, obs)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate observations", err)
	}
	// the query keeps the newest rows under a limit; flip back to ascending
	for i, j := 0, len(observations)-1; i < j; i, j = i+1, j-1 {
		observations[i], observations[j] = observations[j], observations[i]
	}
	return observations, nil
}

// LatestPerStation returns the highest-timestamp observation per station.
func (s *Store) LatestPerStation() (map[string]models.Observation, error) {
	rows, err := s.db.Query(`
		SELECT ` + obsColumns + ` FROM observations o
		WHERE observed_at = (SELECT MAX(observed_at) FROM observations WHERE station_id = o.station_id)
	`)
	if err != nil {
		return nil, storageErr("query latest observations", err)
	}
	defer rows.Close()

	result := make(map[string]models.Observation)
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, storageErr("scan observation", err)
		}
		result[obs.StationID] = obs
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate latest observations", err)
	}
	return result, nil
}

// PreviousObservation returns the newest observation for the station strictly
// older than before, or nil when none exists.
func (s *Store) PreviousObservation(stationID string, before time.Time) (*models.Observation, error) {
	rows, err := s.db.Query(`
		SELECT `+obsColumns+` FROM observations
		WHERE station_id = ? AND observed_at < ?
		ORDER BY observed_at DESC
		LIMIT 1
	`, stationID, before.UTC())
	if err != nil {
		return nil, storageErr("query previous observation", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	obs, err := scanObservation(rows)
	if err != nil {
		return nil, storageErr("scan observation", err)
	}
	return &obs, nil
}
