// Package forecast trains and serves per-variable short-horizon forecasts
// with a voting ensemble of tree and linear regressors.
package forecast

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/metgo/valleymet/internal/models"
)

const calendarFeatures = 6

// Dataset is a feature matrix plus target for one variable. Missing values
// are NaN until the imputer runs.
type Dataset struct {
	Names  []string
	Rows   [][]float64
	Target []float64
	Times  []time.Time
}

// FeatureNames returns the deterministic feature schema for a target
// variable over a fixed station set: calendar features, the remaining
// meteorological fields, the daily amplitude, and a station one-hot.
func FeatureNames(target string, stations []string) []string {
	names := []string{"year", "month", "day", "day_of_week", "month_sin", "month_cos"}
	for _, f := range models.NumericFields {
		if f != target {
			names = append(names, f)
		}
	}
	names = append(names, "amplitude")
	for _, s := range stations {
		names = append(names, "station_"+s)
	}
	return names
}

// CalendarRow fills the leading calendar features for a timestamp.
func CalendarRow(row []float64, t time.Time) {
	t = t.UTC()
	month := float64(t.Month())
	row[0] = float64(t.Year())
	row[1] = month
	row[2] = float64(t.Day())
	row[3] = float64(t.Weekday())
	row[4] = math.Sin(2 * math.Pi * month / 12)
	row[5] = math.Cos(2 * math.Pi * month / 12)
}

// BuildDataset pivots observations into one feature row per (station,
// timestamp), dropping rows where the target itself is null. Rows come
// out in the input order, which the store yields time-ascending.
func BuildDataset(obs []models.Observation, target string, stations []string) (*Dataset, error) {
	if !validTarget(target) {
		return nil, fmt.Errorf("%w: unknown target variable %q", models.ErrInvalidConfiguration, target)
	}
	names := FeatureNames(target, stations)
	ds := &Dataset{Names: names}

	for _, o := range obs {
		y := o.Field(target)
		if !y.Valid {
			continue
		}
		row := make([]float64, len(names))
		CalendarRow(row, o.ObservedAt)

		i := calendarFeatures
		for _, f := range models.NumericFields {
			if f == target {
				continue
			}
			row[i] = nullToNaN(o.Field(f))
			i++
		}
		row[i] = amplitude(o)
		i++
		for _, s := range stations {
			if o.StationID == s {
				row[i] = 1
			}
			i++
		}

		ds.Rows = append(ds.Rows, row)
		ds.Target = append(ds.Target, y.Float64)
		ds.Times = append(ds.Times, o.ObservedAt)
	}
	return ds, nil
}

// Split holds the time-ordered train/test partition.
func (ds *Dataset) Split(testFraction float64) (trainX [][]float64, trainY []float64, testX [][]float64, testY []float64) {
	cut := len(ds.Rows) - int(float64(len(ds.Rows))*testFraction)
	if cut < 1 {
		cut = 1
	}
	if cut > len(ds.Rows) {
		cut = len(ds.Rows)
	}
	return ds.Rows[:cut], ds.Target[:cut], ds.Rows[cut:], ds.Target[cut:]
}

func amplitude(o models.Observation) float64 {
	if o.TempMax.Valid && o.TempMin.Valid {
		return o.TempMax.Float64 - o.TempMin.Float64
	}
	return math.NaN()
}

func nullToNaN(f sql.NullFloat64) float64 {
	if f.Valid {
		return f.Float64
	}
	return math.NaN()
}

func validTarget(name string) bool {
	for _, f := range models.NumericFields {
		if f == name {
			return true
		}
	}
	return false
}
