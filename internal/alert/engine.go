// Package alert evaluates meteorological alert rules against the latest
// observation per station. The evaluator is pure: same inputs produce the
// same alerts (up to generated IDs), with no I/O and no retained state.
package alert

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/metgo/valleymet/internal/config"
	"github.com/metgo/valleymet/internal/models"
)

// recommendations are operator guidance per kind, shown alongside the alert
// message in every channel.
var recommendations = map[models.AlertKind]string{
	models.KindFrostCritical:        "Activate frost control now: run sprinklers or heaters and cover sensitive crops.",
	models.KindFrostWarning:         "Frost risk overnight: prepare covers and verify frost control equipment.",
	models.KindHeatExtreme:          "Increase irrigation frequency and avoid field work during peak hours.",
	models.KindPrecipitationIntense: "Check drainage channels and postpone agrochemical applications.",
	models.KindWindStrong:           "Secure structures and suspend spraying until wind subsides.",
	models.KindHumidityLow:          "Raise irrigation and watch for water stress in shallow-rooted crops.",
	models.KindHumidityHigh:         "High fungal disease pressure: inspect foliage and consider preventive treatment.",
	models.KindPressureDrop:         "Weather change likely within 24-48 h: review field schedules.",
	models.KindTemperatureJump:      "Abrupt temperature change: verify sensor readings and watch crop stress.",
}

func Recommendation(kind models.AlertKind) string {
	return recommendations[kind]
}

// candidate is a rule that fired for one station, before family tie-breaks.
type candidate struct {
	kind     models.AlertKind
	severity models.Severity
	metric   string
	value    float64
	thresh   float64
	message  string
	order    int
}

// PreviousFunc resolves the observation immediately before the given one for
// the same station, or nil. Used by the temperature jump rule.
type PreviousFunc func(stationID string, before time.Time) *models.Observation

// Evaluate applies the threshold table to each station's latest observation
// and returns at most one alert per (station, kind). Within the temperature
// and humidity rule families only the strongest rule fires per station: more
// severe wins, ties go to the rule listed first.
func Evaluate(latest map[string]models.Observation, prev PreviousFunc, th config.Thresholds, now time.Time) []models.Alert {
	var alerts []models.Alert
	for _, station := range sortedStations(latest) {
		obs := latest[station]
		var temperature, humidity, other []candidate

		if obs.TempMin.Valid {
			tmin := obs.TempMin.Float64
			frostCritical := th.FrostCritical
			if th.ForecastContext {
				frostCritical = th.FrostForecast
			}
			switch {
			case tmin <= frostCritical:
				temperature = append(temperature, candidate{
					kind: models.KindFrostCritical, severity: models.SeverityCritical,
					metric: "temperature_min", value: tmin, thresh: frostCritical,
					message: fmt.Sprintf("minimum temperature %.1f °C at or below %.1f °C", tmin, frostCritical),
					order:   0,
				})
			case tmin <= th.FrostWarning:
				temperature = append(temperature, candidate{
					kind: models.KindFrostWarning, severity: models.SeverityWarning,
					metric: "temperature_min", value: tmin, thresh: th.FrostWarning,
					message: fmt.Sprintf("minimum temperature %.1f °C at or below %.1f °C", tmin, th.FrostWarning),
					order:   1,
				})
			}
		}
		if obs.TempMax.Valid && obs.TempMax.Float64 >= th.HeatExtreme {
			temperature = append(temperature, candidate{
				kind: models.KindHeatExtreme, severity: models.SeverityWarning,
				metric: "temperature_max", value: obs.TempMax.Float64, thresh: th.HeatExtreme,
				message: fmt.Sprintf("maximum temperature %.1f °C at or above %.1f °C", obs.TempMax.Float64, th.HeatExtreme),
				order:   2,
			})
		}
		if obs.TempMean.Valid && prev != nil {
			if p := prev(station, obs.ObservedAt); p != nil && p.TempMean.Valid &&
				obs.ObservedAt.Sub(p.ObservedAt) <= th.TempJumpWindow {
				delta := obs.TempMean.Float64 - p.TempMean.Float64
				if math.Abs(delta) > th.TempJump {
					temperature = append(temperature, candidate{
						kind: models.KindTemperatureJump, severity: models.SeverityWarning,
						metric: "temperature_mean", value: delta, thresh: th.TempJump,
						message: fmt.Sprintf("mean temperature changed %.1f °C since previous observation", delta),
						order:   3,
					})
				}
			}
		}

		if obs.RelHumidity.Valid {
			rh := obs.RelHumidity.Float64
			if rh <= th.HumidityLow {
				humidity = append(humidity, candidate{
					kind: models.KindHumidityLow, severity: models.SeverityWarning,
					metric: "relative_humidity", value: rh, thresh: th.HumidityLow,
					message: fmt.Sprintf("relative humidity %.1f %% at or below %.1f %%", rh, th.HumidityLow),
					order:   0,
				})
			}
			if rh >= th.HumidityHigh {
				humidity = append(humidity, candidate{
					kind: models.KindHumidityHigh, severity: models.SeverityWarning,
					metric: "relative_humidity", value: rh, thresh: th.HumidityHigh,
					message: fmt.Sprintf("relative humidity %.1f %% at or above %.1f %%", rh, th.HumidityHigh),
					order:   1,
				})
			}
		}

		if obs.Precipitation.Valid && obs.Precipitation.Float64 >= th.PrecipIntense {
			other = append(other, candidate{
				kind: models.KindPrecipitationIntense, severity: models.SeverityWarning,
				metric: "precipitation", value: obs.Precipitation.Float64, thresh: th.PrecipIntense,
				message: fmt.Sprintf("precipitation %.1f mm at or above %.1f mm", obs.Precipitation.Float64, th.PrecipIntense),
			})
		}
		if obs.WindSpeed.Valid && obs.WindSpeed.Float64 >= th.WindStrong {
			other = append(other, candidate{
				kind: models.KindWindStrong, severity: models.SeverityWarning,
				metric: "wind_speed", value: obs.WindSpeed.Float64, thresh: th.WindStrong,
				message: fmt.Sprintf("wind speed %.1f km/h at or above %.1f km/h", obs.WindSpeed.Float64, th.WindStrong),
			})
		}
		if obs.Pressure.Valid && obs.Pressure.Float64 <= th.PressureDrop {
			other = append(other, candidate{
				kind: models.KindPressureDrop, severity: models.SeverityWarning,
				metric: "pressure", value: obs.Pressure.Float64, thresh: th.PressureDrop,
				message: fmt.Sprintf("pressure %.1f hPa at or below %.1f hPa", obs.Pressure.Float64, th.PressureDrop),
			})
		}

		selected := other
		if c := pickStrongest(temperature); c != nil {
			selected = append(selected, *c)
		}
		if c := pickStrongest(humidity); c != nil {
			selected = append(selected, *c)
		}
		for _, c := range selected {
			alerts = append(alerts, models.Alert{
				ID:             models.NewAlertID(),
				Timestamp:      now,
				Kind:           c.kind,
				Severity:       c.severity,
				MetricName:     c.metric,
				ObservedValue:  c.value,
				Threshold:      c.thresh,
				Message:        fmt.Sprintf("%s: %s", station, c.message),
				Recommendation: recommendations[c.kind],
				StationID:      sql.NullString{String: station, Valid: true},
			})
		}
	}
	return alerts
}

func pickStrongest(cands []candidate) *candidate {
	var best *candidate
	for i := range cands {
		c := &cands[i]
		if best == nil || c.severity > best.severity ||
			(c.severity == best.severity && c.order < best.order) {
			best = c
		}
	}
	return best
}

func sortedStations(latest map[string]models.Observation) []string {
	stations := make([]string, 0, len(latest))
	for s := range latest {
		stations = append(stations, s)
	}
	sort.Strings(stations)
	return stations
}
