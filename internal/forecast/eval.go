package forecast

import "math"

// Scores are the held-out evaluation results for one fit.
type Scores struct {
	R2   float64
	RMSE float64
	MAE  float64
}

func evaluate(model Regressor, X [][]float64, y []float64) Scores {
	n := len(y)
	if n == 0 {
		return Scores{}
	}
	var mean float64
	for _, v := range y {
		mean += v
	}
	mean /= float64(n)

	var sse, sst, sae float64
	for i, row := range X {
		pred := model.Predict(row)
		d := y[i] - pred
		sse += d * d
		sae += math.Abs(d)
		dm := y[i] - mean
		sst += dm * dm
	}

	s := Scores{
		RMSE: math.Sqrt(sse / float64(n)),
		MAE:  sae / float64(n),
	}
	if sst > 0 {
		s.R2 = 1 - sse/sst
	}
	return s
}
