package forecast

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"
)

// Artifact is everything serving needs: the fitted ensemble with the full
// preprocessing state and the seasonal climatology, gob-encoded into the
// content-addressed blob store.
type Artifact struct {
	TargetVariable string
	Stations       []string
	FeatureSchema  []string
	Imputer        Imputer
	Scaler         RobustScaler
	Selector       Selector
	Ensemble       *VotingEnsemble
	Seasonal       map[string]*SeasonalTable
	RMSE           float64
	Seed           int64
	TrainedAt      time.Time
}

func (a *Artifact) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(a); err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}
	return buf.Bytes(), nil
}

func DecodeArtifact(payload []byte) (*Artifact, error) {
	var a Artifact
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&a); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	return &a, nil
}
