package forecast

import (
	"time"

	"github.com/metgo/valleymet/internal/models"
)

// SeasonalTable is a (month, hour) climatology for one field with the last
// observed deviation baked in at train time. Serving fills features that
// are unknown at forecast time with mean(month, hour) + last deviation, so
// forecasts stay deterministic.
type SeasonalTable struct {
	Mean          [13][24]float64
	Has           [13][24]bool
	Overall       float64
	LastDeviation float64
}

// Value projects the field to a future timestamp.
func (t *SeasonalTable) Value(at time.Time) float64 {
	at = at.UTC()
	m, h := int(at.Month()), at.Hour()
	base := t.Overall
	if t.Has[m][h] {
		base = t.Mean[m][h]
	}
	return base + t.LastDeviation
}

// buildSeasonal fits one table per meteorological field (plus amplitude)
// from the training observations, scanned in time order so the deviation
// reflects the newest value.
func buildSeasonal(obs []models.Observation) map[string]*SeasonalTable {
	type cell struct {
		sum float64
		n   int
	}
	sums := make(map[string]*[13][24]cell)
	totals := make(map[string]*cell)
	last := make(map[string]models.Observation)

	fields := append([]string(nil), models.NumericFields...)
	for _, f := range fields {
		sums[f] = &[13][24]cell{}
		totals[f] = &cell{}
	}
	sums["amplitude"] = &[13][24]cell{}
	totals["amplitude"] = &cell{}

	value := func(o models.Observation, f string) (float64, bool) {
		if f == "amplitude" {
			if o.TempMax.Valid && o.TempMin.Valid {
				return o.TempMax.Float64 - o.TempMin.Float64, true
			}
			return 0, false
		}
		v := o.Field(f)
		return v.Float64, v.Valid
	}

	for _, o := range obs {
		at := o.ObservedAt.UTC()
		m, h := int(at.Month()), at.Hour()
		for f := range sums {
			v, ok := value(o, f)
			if !ok {
				continue
			}
			sums[f][m][h].sum += v
			sums[f][m][h].n++
			totals[f].sum += v
			totals[f].n++
			if prev, seen := last[f]; !seen || o.ObservedAt.After(prev.ObservedAt) {
				last[f] = o
			}
		}
	}

	tables := make(map[string]*SeasonalTable, len(sums))
	for f, grid := range sums {
		t := &SeasonalTable{}
		if totals[f].n > 0 {
			t.Overall = totals[f].sum / float64(totals[f].n)
		}
		for m := 1; m <= 12; m++ {
			for h := 0; h < 24; h++ {
				if grid[m][h].n > 0 {
					t.Mean[m][h] = grid[m][h].sum / float64(grid[m][h].n)
					t.Has[m][h] = true
				}
			}
		}
		if o, ok := last[f]; ok {
			v, _ := value(o, f)
			at := o.ObservedAt.UTC()
			m, h := int(at.Month()), at.Hour()
			base := t.Overall
			if t.Has[m][h] {
				base = t.Mean[m][h]
			}
			t.LastDeviation = v - base
		}
		tables[f] = t
	}
	return tables
}
