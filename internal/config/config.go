// Package config holds the structured runtime configuration. Values come
// from CLI flags, environment variables and an optional .env file, bound by
// kong in cmd/metgo.
package config

import (
	"fmt"
	"time"
)

// Monitor configures the quality monitor loop.
type Monitor struct {
	CyclePeriod           time.Duration `name:"cycle-period" env:"METGO_CYCLE_PERIOD" default:"300s" help:"Quality monitor cycle period."`
	QualityMinPercent     float64       `name:"quality-min-percent" env:"METGO_QUALITY_MIN_PERCENT" default:"80.0" help:"Quality percent below which quality_low fires."`
	MissingThreshold      int           `name:"missing-threshold" env:"METGO_MISSING_THRESHOLD" default:"5" help:"Missing critical-field count above which an alert fires."`
	LatencyMax            time.Duration `name:"latency-max" env:"METGO_LATENCY_MAX" default:"30s" help:"Mean ingest latency above which latency_high fires."`
	SourceMinRatio        float64       `name:"source-min-ratio" env:"METGO_SOURCE_MIN_RATIO" default:"0.95" help:"Minimum fraction of available sources."`
	ErrorsMaxPerHour      int           `name:"errors-max-per-hour" env:"METGO_ERRORS_MAX_PER_HOUR" default:"10" help:"Window error-record count above which quality_error_spike fires."`
	MaxWindowRecords      int           `name:"max-window-records" env:"METGO_MAX_WINDOW_RECORDS" default:"1000" help:"Cap on records read per cycle, newest first."`
	SnapshotRetentionDays int           `name:"snapshot-retention-days" env:"METGO_SNAPSHOT_RETENTION_DAYS" default:"30"`
	AlertRetentionDays    int           `name:"alert-retention-days" env:"METGO_ALERT_RETENTION_DAYS" default:"7"`
	ProbeTimeout          time.Duration `name:"probe-timeout" env:"METGO_PROBE_TIMEOUT" default:"10s" help:"Per-source health probe timeout."`
}

// Thresholds configures the meteorological alert rules. Units are °C, mm,
// km/h, %, hPa.
type Thresholds struct {
	FrostCritical   float64       `name:"frost-critical" env:"METGO_FROST_CRITICAL" default:"-2"`
	FrostForecast   float64       `name:"frost-forecast" env:"METGO_FROST_FORECAST" default:"2" help:"Critical frost threshold when evaluating forecast data."`
	FrostWarning    float64       `name:"frost-warning" env:"METGO_FROST_WARNING" default:"5"`
	HeatExtreme     float64       `name:"heat-extreme" env:"METGO_HEAT_EXTREME" default:"35"`
	PrecipIntense   float64       `name:"precip-intense" env:"METGO_PRECIP_INTENSE" default:"20"`
	WindStrong      float64       `name:"wind-strong" env:"METGO_WIND_STRONG" default:"25"`
	HumidityLow     float64       `name:"humidity-low" env:"METGO_HUMIDITY_LOW" default:"30"`
	HumidityHigh    float64       `name:"humidity-high" env:"METGO_HUMIDITY_HIGH" default:"85"`
	PressureDrop    float64       `name:"pressure-drop" env:"METGO_PRESSURE_DROP" default:"1000"`
	TempJump        float64       `name:"temp-jump" env:"METGO_TEMP_JUMP" default:"10"`
	TempJumpWindow  time.Duration `name:"temp-jump-window" env:"METGO_TEMP_JUMP_WINDOW" default:"1h" help:"How far back the previous observation may be for a jump comparison."`
	ForecastContext bool          `name:"forecast-context" env:"METGO_FORECAST_CONTEXT" default:"false" help:"Use the relaxed frost threshold for forecast-derived observations."`
}

// Dispatch configures the notification dispatcher.
type Dispatch struct {
	MaxAlertsPerHour  int           `name:"max-alerts-per-hour" env:"METGO_MAX_ALERTS_PER_HOUR" default:"5"`
	Cooldown          time.Duration `name:"cooldown" env:"METGO_COOLDOWN" default:"30m" help:"Minimum gap between successful sends of one kind to one recipient."`
	MaxChannelRetries int           `name:"max-channel-retries" env:"METGO_MAX_CHANNEL_RETRIES" default:"2"`
	ChannelTimeout    time.Duration `name:"channel-timeout" env:"METGO_CHANNEL_TIMEOUT" default:"30s"`
	QuietHoursEnabled bool          `name:"quiet-hours" env:"METGO_QUIET_HOURS" default:"false" help:"Suppress non-critical alerts outside the active window."`
	ActiveHourStart   int           `name:"active-hour-start" env:"METGO_ACTIVE_HOUR_START" default:"6"`
	ActiveHourEnd     int           `name:"active-hour-end" env:"METGO_ACTIVE_HOUR_END" default:"22"`
	RedisAddr         string        `name:"redis-addr" env:"METGO_REDIS_ADDR" default:"" help:"Optional Redis address for a shared send window."`
	KafkaBrokers      []string      `name:"kafka-brokers" env:"METGO_KAFKA_BROKERS" help:"Optional Kafka brokers for alert event export."`
	KafkaTopic        string        `name:"kafka-topic" env:"METGO_KAFKA_TOPIC" default:"metgo.alerts"`
}

// Forecast configures ensemble training and serving.
type Forecast struct {
	TargetVariables       []string      `name:"target-variables" env:"METGO_TARGET_VARIABLES" default:"temperature_mean,temperature_max,temperature_min,relative_humidity,precipitation"`
	TrainingWindowDays    int           `name:"training-window-days" env:"METGO_TRAINING_WINDOW_DAYS" default:"365"`
	TestFraction          float64       `name:"test-fraction" env:"METGO_TEST_FRACTION" default:"0.2"`
	MinAcceptableR2       float64       `name:"min-acceptable-r2" env:"METGO_MIN_ACCEPTABLE_R2" default:"0.0"`
	MaxFeatures           int           `name:"max-features" env:"METGO_MAX_FEATURES" default:"20"`
	MaxHorizonHours       int           `name:"max-horizon-hours" env:"METGO_MAX_HORIZON_HOURS" default:"360"`
	RetrainInterval       time.Duration `name:"retrain-interval" env:"METGO_RETRAIN_INTERVAL" default:"168h"`
	RetrainRMSEMultiplier float64       `name:"retrain-rmse-multiplier" env:"METGO_RETRAIN_RMSE_MULTIPLIER" default:"1.5"`
	MemoryFloorBytes      int64         `name:"memory-floor-bytes" env:"METGO_MEMORY_FLOOR_BYTES" default:"2147483648"`
	MaxWorkers            int           `name:"max-workers" env:"METGO_MAX_WORKERS" default:"2"`
	RandomSeed            int64         `name:"random-seed" env:"METGO_RANDOM_SEED" default:"42"`
	ForecastStation       string        `name:"forecast-station" env:"METGO_FORECAST_STATION" default:"quillota_centro"`
}

// SMTP configures the email channel adapter.
type SMTP struct {
	Host string `name:"smtp-host" env:"METGO_SMTP_HOST" default:""`
	Port int    `name:"smtp-port" env:"METGO_SMTP_PORT" default:"587"`
	User string `name:"smtp-user" env:"METGO_SMTP_USER" default:""`
	Pass string `name:"smtp-pass" env:"METGO_SMTP_PASS" default:""`
	From string `name:"smtp-from" env:"METGO_SMTP_FROM" default:""`
}

// Twilio configures the SMS and WhatsApp channel adapters.
type Twilio struct {
	AccountSID string `name:"twilio-sid" env:"METGO_TWILIO_SID" default:""`
	AuthToken  string `name:"twilio-token" env:"METGO_TWILIO_TOKEN" default:""`
	FromSMS    string `name:"twilio-from-sms" env:"METGO_TWILIO_FROM_SMS" default:""`
	FromWA     string `name:"twilio-from-wa" env:"METGO_TWILIO_FROM_WA" default:""`
	BaseURL    string `name:"twilio-base-url" env:"METGO_TWILIO_BASE_URL" default:"https://api.twilio.com"`
}

// Config is the full runtime configuration.
type Config struct {
	DBPath         string `name:"db" env:"METGO_DB" default:"data/metgo.db" help:"Path to the SQLite database."`
	HTTPAddr       string `name:"http-addr" env:"METGO_HTTP_ADDR" default:":8080"`
	RecipientsFile string `name:"recipients-file" env:"METGO_RECIPIENTS_FILE" default:"" help:"Optional JSON file of recipients to seed into the store."`

	Monitor    Monitor    `embed:"" prefix:""`
	Thresholds Thresholds `embed:"" prefix:"threshold-"`
	Dispatch   Dispatch   `embed:"" prefix:""`
	Forecast   Forecast   `embed:"" prefix:""`
	SMTP       SMTP       `embed:"" prefix:""`
	Twilio     Twilio     `embed:"" prefix:""`
}

// Validate rejects configurations that cannot run.
func (c Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db path required")
	}
	if c.Monitor.CyclePeriod <= 0 {
		return fmt.Errorf("cycle period must be positive, got %s", c.Monitor.CyclePeriod)
	}
	if c.Monitor.QualityMinPercent < 0 || c.Monitor.QualityMinPercent > 100 {
		return fmt.Errorf("quality minimum %.1f outside [0,100]", c.Monitor.QualityMinPercent)
	}
	if c.Monitor.SourceMinRatio < 0 || c.Monitor.SourceMinRatio > 1 {
		return fmt.Errorf("source minimum ratio %.2f outside [0,1]", c.Monitor.SourceMinRatio)
	}
	if c.Monitor.MaxWindowRecords <= 0 {
		return fmt.Errorf("max window records must be positive")
	}
	if c.Dispatch.MaxAlertsPerHour <= 0 {
		return fmt.Errorf("max alerts per hour must be positive")
	}
	if c.Dispatch.Cooldown < 0 {
		return fmt.Errorf("cooldown must not be negative")
	}
	if c.Dispatch.ActiveHourStart < 0 || c.Dispatch.ActiveHourStart > 23 ||
		c.Dispatch.ActiveHourEnd < 0 || c.Dispatch.ActiveHourEnd > 24 {
		return fmt.Errorf("active hours %d..%d out of range", c.Dispatch.ActiveHourStart, c.Dispatch.ActiveHourEnd)
	}
	if c.Forecast.TestFraction <= 0 || c.Forecast.TestFraction >= 1 {
		return fmt.Errorf("test fraction %.2f outside (0,1)", c.Forecast.TestFraction)
	}
	if c.Forecast.MaxFeatures <= 0 {
		return fmt.Errorf("max features must be positive")
	}
	if c.Forecast.MaxHorizonHours <= 0 {
		return fmt.Errorf("max horizon must be positive")
	}
	if c.Forecast.MaxWorkers <= 0 {
		return fmt.Errorf("max workers must be positive")
	}
	if len(c.Forecast.TargetVariables) == 0 {
		return fmt.Errorf("at least one target variable required")
	}
	return nil
}
