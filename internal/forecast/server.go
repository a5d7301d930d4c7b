package forecast

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/metgo/valleymet/internal/config"
	"github.com/metgo/valleymet/internal/metrics"
	"github.com/metgo/valleymet/internal/models"
	"github.com/metgo/valleymet/internal/store"
)

// Server produces forecasts from the currently-served model of a variable.
type Server struct {
	store *store.Store
	cfg   config.Forecast
}

func NewServer(st *store.Store, cfg config.Forecast) *Server {
	return &Server{store: st, cfg: cfg}
}

// Forecast predicts horizonHours hourly steps after baseTime. Horizons
// beyond the configured maximum are clamped. Confidence decays linearly
// with the horizon down to a floor of 0.1 and widens the bounds by
// rmse times confidence.
func (s *Server) Forecast(ctx context.Context, variable string, baseTime time.Time, horizonHours int) ([]models.Forecast, error) {
	if horizonHours < 1 {
		return nil, fmt.Errorf("%w: horizon %d", models.ErrInvalidConfiguration, horizonHours)
	}
	if horizonHours > s.cfg.MaxHorizonHours {
		horizonHours = s.cfg.MaxHorizonHours
	}

	model, err := s.store.ServedModel(variable)
	if err != nil {
		metrics.ForecastRequests.WithLabelValues(variable, "error").Inc()
		return nil, err
	}
	payload, err := s.store.GetArtifact(model.ArtifactHash)
	if err != nil {
		metrics.ForecastRequests.WithLabelValues(variable, "error").Inc()
		return nil, err
	}
	artifact, err := DecodeArtifact(payload)
	if err != nil {
		metrics.ForecastRequests.WithLabelValues(variable, "error").Inc()
		return nil, err
	}

	base := baseTime.UTC().Truncate(time.Hour)
	maxH := float64(s.cfg.MaxHorizonHours)
	out := make([]models.Forecast, 0, horizonHours)
	for h := 1; h <= horizonHours; h++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		at := base.Add(time.Duration(h) * time.Hour)
		row := s.featureRow(artifact, at)
		artifact.Imputer.TransformRow(row)
		artifact.Scaler.TransformRow(row)
		pred := artifact.Ensemble.Predict(artifact.Selector.TransformRow(row))

		confidence := math.Max(0.1, 1-float64(h)/maxH*0.5)
		spread := artifact.RMSE * confidence
		out = append(out, models.Forecast{
			TargetVariable: variable,
			BaseTime:       base,
			HorizonIndex:   h,
			PredictedValue: pred,
			LowerBound:     pred - spread,
			UpperBound:     pred + spread,
			Confidence:     confidence,
			ModelID:        model.ID,
		})
	}
	metrics.ForecastRequests.WithLabelValues(variable, "ok").Inc()
	return out, nil
}

// featureRow assembles the raw feature vector for a future timestamp:
// calendar features from the target time, the seasonal projection for
// fields unknown at forecast time, and the configured station's one-hot.
func (s *Server) featureRow(a *Artifact, at time.Time) []float64 {
	row := make([]float64, len(a.FeatureSchema))
	CalendarRow(row, at)
	for i := calendarFeatures; i < len(a.FeatureSchema); i++ {
		name := a.FeatureSchema[i]
		if station, ok := strings.CutPrefix(name, "station_"); ok {
			if station == s.cfg.ForecastStation {
				row[i] = 1
			}
			continue
		}
		if table, ok := a.Seasonal[name]; ok {
			row[i] = table.Value(at)
		} else {
			row[i] = math.NaN()
		}
	}
	return row
}
