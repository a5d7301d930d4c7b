package forecast

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Ridge is a linear model with an L2 penalty on the coefficients. The
// intercept is left unpenalized by centering features and target before
// solving the normal equations.
type Ridge struct {
	Alpha     float64
	Coef      []float64
	Intercept float64
}

func fitRidge(X [][]float64, y []float64, alpha float64) (*Ridge, error) {
	n, d := len(X), len(X[0])

	xMean := make([]float64, d)
	for _, row := range X {
		for c, v := range row {
			xMean[c] += v
		}
	}
	var yMean float64
	for _, v := range y {
		yMean += v
	}
	for c := range xMean {
		xMean[c] /= float64(n)
	}
	yMean /= float64(n)

	// gram = Xc'Xc + alpha*I, rhs = Xc'yc
	gram := mat.NewSymDense(d, nil)
	rhs := mat.NewVecDense(d, nil)
	for r := 0; r < d; r++ {
		for c := r; c < d; c++ {
			var s float64
			for i := 0; i < n; i++ {
				s += (X[i][r] - xMean[r]) * (X[i][c] - xMean[c])
			}
			if r == c {
				s += alpha
			}
			gram.SetSym(r, c, s)
		}
		var s float64
		for i := 0; i < n; i++ {
			s += (X[i][r] - xMean[r]) * (y[i] - yMean)
		}
		rhs.SetVec(r, s)
	}

	var chol mat.Cholesky
	coef := mat.NewVecDense(d, nil)
	if chol.Factorize(gram) {
		if err := chol.SolveVecTo(coef, rhs); err != nil {
			return nil, fmt.Errorf("ridge solve: %w", err)
		}
	} else {
		// fall back to a dense QR solve when the gram matrix is not SPD
		if err := coef.SolveVec(mat.NewDense(d, d, symToDense(gram, d)), rhs); err != nil {
			return nil, fmt.Errorf("ridge solve: %w", err)
		}
	}

	m := &Ridge{Alpha: alpha, Coef: make([]float64, d)}
	for c := 0; c < d; c++ {
		m.Coef[c] = coef.AtVec(c)
	}
	m.Intercept = yMean
	for c := 0; c < d; c++ {
		m.Intercept -= m.Coef[c] * xMean[c]
	}
	return m, nil
}

func symToDense(s *mat.SymDense, d int) []float64 {
	out := make([]float64, d*d)
	for r := 0; r < d; r++ {
		for c := 0; c < d; c++ {
			out[r*d+c] = s.At(r, c)
		}
	}
	return out
}

func (r *Ridge) Predict(x []float64) float64 {
	out := r.Intercept
	for c, w := range r.Coef {
		out += w * x[c]
	}
	return out
}
