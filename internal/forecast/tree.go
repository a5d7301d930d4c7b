package forecast

import (
	"math"
	"math/rand"
	"sort"
)

// TreeNode is one node of a fitted regression tree. Exported fields keep
// the artifact gob-encodable.
type TreeNode struct {
	Leaf      bool
	Value     float64
	Feature   int
	Threshold float64
	Left      *TreeNode
	Right     *TreeNode
}

func (n *TreeNode) Predict(x []float64) float64 {
	for !n.Leaf {
		if x[n.Feature] <= n.Threshold {
			n = n.Left
		} else {
			n = n.Right
		}
	}
	return n.Value
}

// treeParams controls one tree fit. maxFeatures is the number of candidate
// features examined per split; randomSplit picks a uniform threshold in the
// feature's range instead of scanning every cut point.
type treeParams struct {
	maxDepth        int
	minSamplesSplit int
	maxFeatures     int
	randomSplit     bool
}

func fitTree(X [][]float64, y []float64, idx []int, p treeParams, rng *rand.Rand) *TreeNode {
	return growNode(X, y, idx, 0, p, rng)
}

func growNode(X [][]float64, y []float64, idx []int, depth int, p treeParams, rng *rand.Rand) *TreeNode {
	if depth >= p.maxDepth || len(idx) < p.minSamplesSplit || pure(y, idx) {
		return &TreeNode{Leaf: true, Value: meanAt(y, idx)}
	}

	feature, threshold, ok := bestSplit(X, y, idx, p, rng)
	if !ok {
		return &TreeNode{Leaf: true, Value: meanAt(y, idx)}
	}

	var left, right []int
	for _, i := range idx {
		if X[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &TreeNode{Leaf: true, Value: meanAt(y, idx)}
	}
	return &TreeNode{
		Feature:   feature,
		Threshold: threshold,
		Left:      growNode(X, y, left, depth+1, p, rng),
		Right:     growNode(X, y, right, depth+1, p, rng),
	}
}

// bestSplit searches a random subset of maxFeatures features for the split
// with the lowest weighted child variance.
func bestSplit(X [][]float64, y []float64, idx []int, p treeParams, rng *rand.Rand) (feature int, threshold float64, ok bool) {
	cols := len(X[0])
	candidates := rng.Perm(cols)
	if p.maxFeatures < cols {
		candidates = candidates[:p.maxFeatures]
	}

	best := math.Inf(1)
	for _, c := range candidates {
		var t float64
		var score float64
		var found bool
		if p.randomSplit {
			t, score, found = randomCut(X, y, idx, c, rng)
		} else {
			t, score, found = exhaustiveCut(X, y, idx, c)
		}
		if found && score < best {
			best, feature, threshold, ok = score, c, t, true
		}
	}
	return feature, threshold, ok
}

// exhaustiveCut scans every distinct cut point of one feature using prefix
// sums over the value-sorted order.
func exhaustiveCut(X [][]float64, y []float64, idx []int, c int) (threshold, score float64, ok bool) {
	order := append([]int(nil), idx...)
	sort.Slice(order, func(a, b int) bool { return X[order[a]][c] < X[order[b]][c] })

	n := len(order)
	var totalSum, totalSq float64
	for _, i := range order {
		totalSum += y[i]
		totalSq += y[i] * y[i]
	}

	best := math.Inf(1)
	var leftSum, leftSq float64
	for k := 0; k < n-1; k++ {
		v := y[order[k]]
		leftSum += v
		leftSq += v * v
		if X[order[k]][c] == X[order[k+1]][c] {
			continue
		}
		nl, nr := float64(k+1), float64(n-k-1)
		rightSum, rightSq := totalSum-leftSum, totalSq-leftSq
		sse := (leftSq - leftSum*leftSum/nl) + (rightSq - rightSum*rightSum/nr)
		if sse < best {
			best = sse
			threshold = (X[order[k]][c] + X[order[k+1]][c]) / 2
			ok = true
		}
	}
	return threshold, best, ok
}

// randomCut draws one uniform threshold within the feature's observed range.
func randomCut(X [][]float64, y []float64, idx []int, c int, rng *rand.Rand) (threshold, score float64, ok bool) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, i := range idx {
		v := X[i][c]
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if lo == hi {
		return 0, 0, false
	}
	threshold = lo + rng.Float64()*(hi-lo)

	var ls, lq, rs, rq float64
	var nl, nr float64
	for _, i := range idx {
		v := y[i]
		if X[i][c] <= threshold {
			ls += v
			lq += v * v
			nl++
		} else {
			rs += v
			rq += v * v
			nr++
		}
	}
	if nl == 0 || nr == 0 {
		return 0, 0, false
	}
	score = (lq - ls*ls/nl) + (rq - rs*rs/nr)
	return threshold, score, true
}

func pure(y []float64, idx []int) bool {
	for _, i := range idx[1:] {
		if y[i] != y[idx[0]] {
			return false
		}
	}
	return true
}

func meanAt(y []float64, idx []int) float64 {
	if len(idx) == 0 {
		return 0
	}
	sum := 0.0
	for _, i := range idx {
		sum += y[i]
	}
	return sum / float64(len(idx))
}
