package api

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/metgo/valleymet/internal/models"
)

type observationView struct {
	StationID      string    `json:"station_id"`
	ObservedAt     time.Time `json:"observed_at"`
	TempMean       *float64  `json:"temperature_mean"`
	TempMax        *float64  `json:"temperature_max"`
	TempMin        *float64  `json:"temperature_min"`
	RelHumidity    *float64  `json:"relative_humidity"`
	Precipitation  *float64  `json:"precipitation"`
	WindSpeed      *float64  `json:"wind_speed"`
	WindDirection  *float64  `json:"wind_direction"`
	Pressure       *float64  `json:"pressure"`
	CloudCover     *float64  `json:"cloud_cover"`
	SolarRadiation *float64  `json:"solar_radiation"`
	Source         string    `json:"source,omitempty"`
}

func toView(o models.Observation) observationView {
	return observationView{
		StationID:      o.StationID,
		ObservedAt:     o.ObservedAt,
		TempMean:       deref(o.TempMean),
		TempMax:        deref(o.TempMax),
		TempMin:        deref(o.TempMin),
		RelHumidity:    deref(o.RelHumidity),
		Precipitation:  deref(o.Precipitation),
		WindSpeed:      deref(o.WindSpeed),
		WindDirection:  deref(o.WindDirection),
		Pressure:       deref(o.Pressure),
		CloudCover:     deref(o.CloudCover),
		SolarRadiation: deref(o.SolarRadiation),
		Source:         o.Source,
	}
}

func deref(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleStations(w http.ResponseWriter, r *http.Request) {
	stations, err := s.store.ActiveStations()
	if err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	writeJSON(w, stations)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	latest, err := s.store.LatestPerStation()
	if err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	views := make(map[string]observationView, len(latest))
	for id, o := range latest {
		views[id] = toView(o)
	}
	writeJSON(w, views)
}

func (s *Server) handleObservations(w http.ResponseWriter, r *http.Request) {
	hours := queryInt(r, "hours", 24)
	if hours < 1 || hours > 24*365 {
		http.Error(w, "hours out of range", http.StatusBadRequest)
		return
	}
	end := time.Now().UTC()
	obs, err := s.store.Observations(end.Add(-time.Duration(hours)*time.Hour), end, r.URL.Query().Get("station"), 0)
	if err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	views := make([]observationView, len(obs))
	for i, o := range obs {
		views[i] = toView(o)
	}
	writeJSON(w, views)
}

type snapshotView struct {
	Timestamp            time.Time       `json:"timestamp"`
	TotalRecords         int             `json:"total_records"`
	ValidRecords         int             `json:"valid_records"`
	ErrorRecords         int             `json:"error_records"`
	QualityPercent       float64         `json:"quality_percent"`
	MissingCriticalCount int             `json:"missing_critical_count"`
	NullCount            int             `json:"null_count"`
	OutlierCount         int             `json:"outlier_count"`
	MeanLatencySeconds   *float64        `json:"mean_latency_seconds"`
	SourceAvailability   map[string]bool `json:"source_availability"`
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	hours := queryInt(r, "hours", 24)
	end := time.Now().UTC()
	snaps, err := s.store.Snapshots(end.Add(-time.Duration(hours)*time.Hour), end)
	if err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	views := make([]snapshotView, len(snaps))
	for i, sn := range snaps {
		views[i] = snapshotView{
			Timestamp:            sn.Timestamp,
			TotalRecords:         sn.TotalRecords,
			ValidRecords:         sn.ValidRecords,
			ErrorRecords:         sn.ErrorRecords,
			QualityPercent:       sn.QualityPercent,
			MissingCriticalCount: sn.MissingCriticalCount,
			NullCount:            sn.NullCount,
			OutlierCount:         sn.OutlierCount,
			MeanLatencySeconds:   deref(sn.MeanLatencySeconds),
			SourceAvailability:   sn.SourceAvailability,
		}
	}
	writeJSON(w, views)
}

type alertView struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	Kind           string    `json:"kind"`
	Severity       string    `json:"severity"`
	StationID      string    `json:"station_id,omitempty"`
	ObservedValue  float64   `json:"observed_value"`
	Threshold      float64   `json:"threshold"`
	Message        string    `json:"message"`
	Recommendation string    `json:"recommendation,omitempty"`
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hours := queryInt(r, "hours", 24)
	limit := queryInt(r, "limit", 100)
	end := time.Now().UTC()
	alerts, err := s.store.Alerts(end.Add(-time.Duration(hours)*time.Hour), end,
		models.AlertKind(r.URL.Query().Get("kind")), limit)
	if err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	views := make([]alertView, len(alerts))
	for i, a := range alerts {
		views[i] = alertView{
			ID:             a.ID,
			Timestamp:      a.Timestamp,
			Kind:           string(a.Kind),
			Severity:       a.Severity.String(),
			StationID:      a.StationID.String,
			ObservedValue:  a.ObservedValue,
			Threshold:      a.Threshold,
			Message:        a.Message,
			Recommendation: a.Recommendation,
		}
	}
	writeJSON(w, views)
}

type forecastView struct {
	TargetVariable string    `json:"target_variable"`
	BaseTime       time.Time `json:"base_time"`
	HorizonIndex   int       `json:"horizon_index"`
	PredictedValue float64   `json:"predicted_value"`
	LowerBound     float64   `json:"lower_bound"`
	UpperBound     float64   `json:"upper_bound"`
	Confidence     float64   `json:"confidence"`
	ModelID        int64     `json:"model_id"`
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	variable := mux.Vars(r)["variable"]
	horizon := queryInt(r, "horizon", 24)

	fcs, err := s.forecaster.Forecast(r.Context(), variable, time.Now().UTC(), horizon)
	if err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	views := make([]forecastView, len(fcs))
	for i, f := range fcs {
		views[i] = forecastView{
			TargetVariable: f.TargetVariable,
			BaseTime:       f.BaseTime,
			HorizonIndex:   f.HorizonIndex,
			PredictedValue: f.PredictedValue,
			LowerBound:     f.LowerBound,
			UpperBound:     f.UpperBound,
			Confidence:     f.Confidence,
			ModelID:        f.ModelID,
		}
	}
	writeJSON(w, views)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
