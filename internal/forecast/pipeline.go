package forecast

import (
	"math"
	"sort"
)

// Imputer replaces NaN cells with per-column means learned from the
// training split only.
type Imputer struct {
	Means []float64
}

func (im *Imputer) Fit(X [][]float64) {
	if len(X) == 0 {
		return
	}
	cols := len(X[0])
	im.Means = make([]float64, cols)
	for c := 0; c < cols; c++ {
		sum, n := 0.0, 0
		for _, row := range X {
			if !math.IsNaN(row[c]) {
				sum += row[c]
				n++
			}
		}
		if n > 0 {
			im.Means[c] = sum / float64(n)
		}
	}
}

func (im *Imputer) Transform(X [][]float64) {
	for _, row := range X {
		for c := range row {
			if math.IsNaN(row[c]) {
				row[c] = im.Means[c]
			}
		}
	}
}

func (im *Imputer) TransformRow(row []float64) {
	for c := range row {
		if math.IsNaN(row[c]) {
			row[c] = im.Means[c]
		}
	}
}

// RobustScaler centers on the median and scales by the interquartile
// range, fit on the training split.
type RobustScaler struct {
	Median []float64
	IQR    []float64
}

func (rs *RobustScaler) Fit(X [][]float64) {
	if len(X) == 0 {
		return
	}
	cols := len(X[0])
	rs.Median = make([]float64, cols)
	rs.IQR = make([]float64, cols)
	col := make([]float64, len(X))
	for c := 0; c < cols; c++ {
		for i, row := range X {
			col[i] = row[c]
		}
		sort.Float64s(col)
		rs.Median[c] = quantile(col, 0.5)
		iqr := quantile(col, 0.75) - quantile(col, 0.25)
		if iqr == 0 {
			iqr = 1
		}
		rs.IQR[c] = iqr
	}
}

func (rs *RobustScaler) Transform(X [][]float64) {
	for _, row := range X {
		rs.TransformRow(row)
	}
}

func (rs *RobustScaler) TransformRow(row []float64) {
	for c := range row {
		row[c] = (row[c] - rs.Median[c]) / rs.IQR[c]
	}
}

// quantile interpolates linearly over a sorted slice.
func quantile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	pos := q * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// Selector keeps the top-K features ranked by univariate F-regression
// score against the target.
type Selector struct {
	Indices []int
	Names   []string
}

// FitSelector scores each column with the F statistic of a univariate
// linear fit, F = r²(n−2)/(1−r²), and keeps the k best. Ties break
// toward the earlier column so the choice is deterministic.
func FitSelector(X [][]float64, y []float64, names []string, k int) *Selector {
	cols := 0
	if len(X) > 0 {
		cols = len(X[0])
	}
	if k >= cols {
		idx := make([]int, cols)
		for i := range idx {
			idx[i] = i
		}
		return &Selector{Indices: idx, Names: append([]string(nil), names...)}
	}

	scores := make([]float64, cols)
	for c := 0; c < cols; c++ {
		scores[c] = fScore(X, y, c)
	}
	order := make([]int, cols)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		if scores[order[a]] != scores[order[b]] {
			return scores[order[a]] > scores[order[b]]
		}
		return order[a] < order[b]
	})

	idx := append([]int(nil), order[:k]...)
	sort.Ints(idx)
	sel := &Selector{Indices: idx}
	for _, i := range idx {
		sel.Names = append(sel.Names, names[i])
	}
	return sel
}

func (s *Selector) Transform(X [][]float64) [][]float64 {
	out := make([][]float64, len(X))
	for i, row := range X {
		out[i] = s.TransformRow(row)
	}
	return out
}

func (s *Selector) TransformRow(row []float64) []float64 {
	out := make([]float64, len(s.Indices))
	for i, c := range s.Indices {
		out[i] = row[c]
	}
	return out
}

func fScore(X [][]float64, y []float64, c int) float64 {
	n := float64(len(X))
	if n < 3 {
		return 0
	}
	var sumX, sumY float64
	for i, row := range X {
		sumX += row[c]
		sumY += y[i]
	}
	meanX, meanY := sumX/n, sumY/n
	var sxx, syy, sxy float64
	for i, row := range X {
		dx, dy := row[c]-meanX, y[i]-meanY
		sxx += dx * dx
		syy += dy * dy
		sxy += dx * dy
	}
	if sxx == 0 || syy == 0 {
		return 0
	}
	r2 := (sxy * sxy) / (sxx * syy)
	if r2 >= 1 {
		return math.Inf(1)
	}
	return r2 * (n - 2) / (1 - r2)
}
