package models

import (
	"database/sql"
	"fmt"
	"time"
)

type Station struct {
	StationID string
	Name      string
	Latitude  float64
	Longitude float64
	Elevation float64
	Active    bool
}

// Observation is a single station reading. All numeric fields are optional;
// a missing field is represented by an invalid NullFloat64, never a zero.
type Observation struct {
	ID             int64
	StationID      string
	ObservedAt     time.Time
	TempMean       sql.NullFloat64
	TempMax        sql.NullFloat64
	TempMin        sql.NullFloat64
	RelHumidity    sql.NullFloat64
	Precipitation  sql.NullFloat64
	WindSpeed      sql.NullFloat64
	WindDirection  sql.NullFloat64
	Pressure       sql.NullFloat64
	CloudCover     sql.NullFloat64
	SolarRadiation sql.NullFloat64
	Source         string
	CreatedAt      time.Time
}

// Validate checks the physical invariants an observation must satisfy before
// it is accepted into the store.
func (o Observation) Validate() error {
	if o.StationID == "" {
		return fmt.Errorf("%w: missing station_id", ErrInvalidObservation)
	}
	if o.ObservedAt.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidObservation)
	}
	if o.TempMin.Valid && o.TempMean.Valid && o.TempMax.Valid {
		if o.TempMin.Float64 > o.TempMean.Float64 || o.TempMean.Float64 > o.TempMax.Float64 {
			return fmt.Errorf("%w: temperature ordering min=%.1f mean=%.1f max=%.1f",
				ErrInvalidObservation, o.TempMin.Float64, o.TempMean.Float64, o.TempMax.Float64)
		}
	}
	if o.RelHumidity.Valid && (o.RelHumidity.Float64 < 0 || o.RelHumidity.Float64 > 100) {
		return fmt.Errorf("%w: relative_humidity %.1f outside [0,100]", ErrInvalidObservation, o.RelHumidity.Float64)
	}
	if o.CloudCover.Valid && (o.CloudCover.Float64 < 0 || o.CloudCover.Float64 > 100) {
		return fmt.Errorf("%w: cloud_cover %.1f outside [0,100]", ErrInvalidObservation, o.CloudCover.Float64)
	}
	if o.Precipitation.Valid && o.Precipitation.Float64 < 0 {
		return fmt.Errorf("%w: negative precipitation %.1f", ErrInvalidObservation, o.Precipitation.Float64)
	}
	if o.WindDirection.Valid && (o.WindDirection.Float64 < 0 || o.WindDirection.Float64 >= 360) {
		return fmt.Errorf("%w: wind_direction %.1f outside [0,360)", ErrInvalidObservation, o.WindDirection.Float64)
	}
	if o.SolarRadiation.Valid && o.SolarRadiation.Float64 < 0 {
		return fmt.Errorf("%w: negative solar_radiation %.1f", ErrInvalidObservation, o.SolarRadiation.Float64)
	}
	return nil
}

// Field returns the named numeric field. The names match the ingestion JSON
// schema and the forecast feature schema.
func (o Observation) Field(name string) sql.NullFloat64 {
	switch name {
	case "temperature_mean":
		return o.TempMean
	case "temperature_max":
		return o.TempMax
	case "temperature_min":
		return o.TempMin
	case "relative_humidity":
		return o.RelHumidity
	case "precipitation":
		return o.Precipitation
	case "wind_speed":
		return o.WindSpeed
	case "wind_direction":
		return o.WindDirection
	case "pressure":
		return o.Pressure
	case "cloud_cover":
		return o.CloudCover
	case "solar_radiation":
		return o.SolarRadiation
	}
	return sql.NullFloat64{}
}

// NumericFields lists every optional numeric field, in ingestion schema order.
var NumericFields = []string{
	"temperature_mean", "temperature_max", "temperature_min",
	"relative_humidity", "precipitation",
	"wind_speed", "wind_direction",
	"pressure", "cloud_cover", "solar_radiation",
}

// QualitySnapshot is one quality-monitor cycle's metric record.
type QualitySnapshot struct {
	Timestamp            time.Time
	TotalRecords         int
	ValidRecords         int
	ErrorRecords         int
	QualityPercent       float64
	MissingCriticalCount int
	NullCount            int
	OutlierCount         int
	MeanLatencySeconds   sql.NullFloat64
	SourceAvailability   map[string]bool
}

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

func ParseSeverity(s string) (Severity, error) {
	switch s {
	case "info":
		return SeverityInfo, nil
	case "warning":
		return SeverityWarning, nil
	case "critical":
		return SeverityCritical, nil
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

type AlertKind string

// Quality alert kinds, produced by the quality monitor.
const (
	KindQualityLow             AlertKind = "quality_low"
	KindQualityErrorSpike      AlertKind = "quality_error_spike"
	KindSourceUnavailable      AlertKind = "source_unavailable"
	KindMissingFieldsExcessive AlertKind = "missing_fields_excessive"
	KindLatencyHigh            AlertKind = "latency_high"
)

// Meteorological alert kinds, produced by the alert engine.
const (
	KindFrostCritical        AlertKind = "frost_critical"
	KindFrostWarning         AlertKind = "frost_warning"
	KindHeatExtreme          AlertKind = "heat_extreme"
	KindPrecipitationIntense AlertKind = "precipitation_intense"
	KindWindStrong           AlertKind = "wind_strong"
	KindHumidityLow          AlertKind = "humidity_low"
	KindHumidityHigh         AlertKind = "humidity_high"
	KindPressureDrop         AlertKind = "pressure_drop"
	KindTemperatureJump      AlertKind = "temperature_jump"
)

// AllAlertKinds is the closed kind set, quality kinds first.
var AllAlertKinds = []AlertKind{
	KindQualityLow, KindQualityErrorSpike, KindSourceUnavailable,
	KindMissingFieldsExcessive, KindLatencyHigh,
	KindFrostCritical, KindFrostWarning, KindHeatExtreme,
	KindPrecipitationIntense, KindWindStrong,
	KindHumidityLow, KindHumidityHigh,
	KindPressureDrop, KindTemperatureJump,
}

type Alert struct {
	ID             string
	Timestamp      time.Time
	Kind           AlertKind
	Severity       Severity
	MetricName     string
	ObservedValue  float64
	Threshold      float64
	Message        string
	Recommendation string
	StationID      sql.NullString
}

type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
)

type Outcome string

const (
	OutcomeSent       Outcome = "sent"
	OutcomeFailed     Outcome = "failed"
	OutcomeSuppressed Outcome = "suppressed"
)

// Suppression and failure reasons recorded on notification attempts.
const (
	ReasonCooldown      = "cooldown"
	ReasonRateLimitHour = "rate_limit_hour"
	ReasonQuietHours    = "quiet_hours"
)

type NotificationRecord struct {
	AlertID   string
	Channel   Channel
	Recipient string
	AttemptAt time.Time
	Outcome   Outcome
	Reason    sql.NullString
}

// Recipient is a registered alert consumer. Channels lists delivery
// preferences in priority order.
type Recipient struct {
	ID              string
	DisplayName     string
	Email           sql.NullString
	Phone           sql.NullString
	Channels        []Channel
	SubscribedKinds map[AlertKind]bool
	MinSeverity     map[AlertKind]Severity
	Active          bool
}

// Subscribed reports whether the recipient should receive an alert of the
// given kind and severity. Kinds without an explicit minimum default to
// warning.
func (r Recipient) Subscribed(kind AlertKind, sev Severity) bool {
	if !r.Active || !r.SubscribedKinds[kind] {
		return false
	}
	min, ok := r.MinSeverity[kind]
	if !ok {
		min = SeverityWarning
	}
	return sev >= min
}

// ForecastModel is a registry row describing one trained ensemble.
type ForecastModel struct {
	ID             int64
	TargetVariable string
	CreatedAt      time.Time
	FeatureSchema  []string
	MemberSpecs    []MemberSpec
	ArtifactHash   string
	R2             float64
	RMSE           float64
	MAE            float64
	TrainDuration  time.Duration
	PeakMemory     int64
	Accepted       bool
}

// MemberSpec names one voting-ensemble member and its hyperparameters.
type MemberSpec struct {
	Name      string            `json:"name"`
	Algorithm string            `json:"algorithm"`
	Params    map[string]string `json:"params"`
	Weight    float64           `json:"weight"`
}

type Forecast struct {
	TargetVariable string
	BaseTime       time.Time
	HorizonIndex   int
	PredictedValue float64
	LowerBound     float64
	UpperBound     float64
	Confidence     float64
	ModelID        int64
}
