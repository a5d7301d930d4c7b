package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/metgo/valleymet/internal/models"
)

// PutArtifact stores an opaque model artifact content-addressed by its
// SHA-256 and returns the hash. Storing the same payload twice is a no-op.
func (s *Store) PutArtifact(payload []byte) (string, error) {
	sum := sha256.Sum256(payload)
	hash := hex.EncodeToString(sum[:])
	_, err := s.db.Exec(`
		INSERT INTO model_artifacts (content_hash, payload) VALUES (?, ?)
		ON CONFLICT(content_hash) DO NOTHING
	`, hash, payload)
	if err != nil {
		return "", storageErr("insert artifact", err)
	}
	return hash, nil
}

func (s *Store) GetArtifact(hash string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRow(`SELECT payload FROM model_artifacts WHERE content_hash = ?`, hash).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: artifact %s", models.ErrModelNotAvailable, hash)
	}
	if err != nil {
		return nil, storageErr("query artifact", err)
	}
	return payload, nil
}

// InsertModel registers a trained model and returns its registry ID.
func (s *Store) InsertModel(m models.ForecastModel) (int64, error) {
	specs, err := json.Marshal(m.MemberSpecs)
	if err != nil {
		return 0, storageErr("marshal member specs", err)
	}
	res, err := s.db.Exec(`
		INSERT INTO forecast_models (target_variable, created_at, feature_schema, member_specs, artifact_hash, r2, rmse, mae, train_duration_seconds, peak_memory_bytes, accepted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.TargetVariable, m.CreatedAt.UTC().Truncate(time.Second),
		strings.Join(m.FeatureSchema, ","), string(specs), m.ArtifactHash,
		m.R2, m.RMSE, m.MAE, m.TrainDuration.Seconds(), m.PeakMemory, m.Accepted)
	if err != nil {
		return 0, storageErr("insert model", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("model id", err)
	}
	return id, nil
}

func scanModel(row interface{ Scan(...any) error }) (models.ForecastModel, error) {
	var m models.ForecastModel
	var schema, specs string
	var trainSeconds float64
	err := row.Scan(&m.ID, &m.TargetVariable, &m.CreatedAt, &schema, &specs,
		&m.ArtifactHash, &m.R2, &m.RMSE, &m.MAE, &trainSeconds, &m.PeakMemory, &m.Accepted)
	if err != nil {
		return m, err
	}
	if schema != "" {
		m.FeatureSchema = strings.Split(schema, ",")
	}
	if err := json.Unmarshal([]byte(specs), &m.MemberSpecs); err != nil {
		return m, err
	}
	m.TrainDuration = time.Duration(trainSeconds * float64(time.Second))
	return m, nil
}

const modelColumns = `id, target_variable, created_at, feature_schema, member_specs, artifact_hash, r2, rmse, mae, train_duration_seconds, peak_memory_bytes, accepted`

// ServedModel returns the most recent accepted model for the variable.
func (s *Store) ServedModel(variable string) (*models.ForecastModel, error) {
	row := s.db.QueryRow(`
		SELECT `+modelColumns+` FROM forecast_models
		WHERE target_variable = ? AND accepted = TRUE
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, variable)
	m, err := scanModel(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: no accepted model for %s", models.ErrModelNotAvailable, variable)
	}
	if err != nil {
		return nil, storageErr("query served model", err)
	}
	return &m, nil
}

func (s *Store) ModelsForVariable(variable string) ([]models.ForecastModel, error) {
	rows, err := s.db.Query(`
		SELECT `+modelColumns+` FROM forecast_models
		WHERE target_variable = ?
		ORDER BY created_at DESC, id DESC
	`, variable)
	if err != nil {
		return nil, storageErr("query models", err)
	}
	defer rows.Close()

	var result []models.ForecastModel
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, storageErr("scan model", err)
		}
		result = append(result, m)
	}
	return result, rows.Err()
}
