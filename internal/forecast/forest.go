package forecast

import (
	"math"
	"math/rand"
)

// Forest is a bagged ensemble of regression trees. With Randomized set it
// behaves as extra-trees: no bootstrap, random cut points.
type Forest struct {
	Trees      []*TreeNode
	Randomized bool
}

type forestParams struct {
	trees           int
	maxDepth        int
	minSamplesSplit int
	randomized      bool
}

// fitForest trains each tree on its own deterministic substream of seed so
// results do not depend on training order.
func fitForest(X [][]float64, y []float64, p forestParams, seed int64) *Forest {
	f := &Forest{Randomized: p.randomized}
	n := len(X)
	maxFeatures := int(math.Ceil(math.Sqrt(float64(len(X[0])))))
	tp := treeParams{
		maxDepth:        p.maxDepth,
		minSamplesSplit: p.minSamplesSplit,
		maxFeatures:     maxFeatures,
		randomSplit:     p.randomized,
	}

	for t := 0; t < p.trees; t++ {
		rng := rand.New(rand.NewSource(seed + int64(t)))
		idx := make([]int, n)
		if p.randomized {
			for i := range idx {
				idx[i] = i
			}
		} else {
			for i := range idx {
				idx[i] = rng.Intn(n)
			}
		}
		f.Trees = append(f.Trees, fitTree(X, y, idx, tp, rng))
	}
	return f
}

func (f *Forest) Predict(x []float64) float64 {
	if len(f.Trees) == 0 {
		return 0
	}
	sum := 0.0
	for _, t := range f.Trees {
		sum += t.Predict(x)
	}
	return sum / float64(len(f.Trees))
}
