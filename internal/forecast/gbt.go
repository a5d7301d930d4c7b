package forecast

import "math/rand"

// GBT is a gradient-boosted tree ensemble for squared loss: each stage
// fits the residual of the running prediction.
type GBT struct {
	Init         float64
	LearningRate float64
	Trees        []*TreeNode
}

type gbtParams struct {
	stages       int
	learningRate float64
	maxDepth     int
}

func fitGBT(X [][]float64, y []float64, p gbtParams, seed int64) *GBT {
	n := len(X)
	g := &GBT{LearningRate: p.learningRate}
	for _, v := range y {
		g.Init += v
	}
	g.Init /= float64(n)

	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	pred := make([]float64, n)
	resid := make([]float64, n)
	for i := range pred {
		pred[i] = g.Init
	}

	tp := treeParams{
		maxDepth:        p.maxDepth,
		minSamplesSplit: 10,
		maxFeatures:     len(X[0]),
	}
	for stage := 0; stage < p.stages; stage++ {
		for i := range resid {
			resid[i] = y[i] - pred[i]
		}
		rng := rand.New(rand.NewSource(seed + int64(stage)))
		tree := fitTree(X, resid, idx, tp, rng)
		g.Trees = append(g.Trees, tree)
		for i, row := range X {
			pred[i] += p.learningRate * tree.Predict(row)
		}
	}
	return g
}

func (g *GBT) Predict(x []float64) float64 {
	out := g.Init
	for _, t := range g.Trees {
		out += g.LearningRate * t.Predict(x)
	}
	return out
}
