package forecast

import (
	"context"
	"encoding/gob"
	"fmt"
	"strconv"
	"sync"

	"github.com/metgo/valleymet/internal/models"
)

// Regressor is the prediction surface every ensemble member exposes.
type Regressor interface {
	Predict(x []float64) float64
}

func init() {
	gob.Register(&Forest{})
	gob.Register(&GBT{})
	gob.Register(&Ridge{})
}

// VotingMember pairs a fitted member with its vote weight.
type VotingMember struct {
	Name      string
	Algorithm string
	Weight    float64
	Model     Regressor
}

// VotingEnsemble averages member predictions, weighted.
type VotingEnsemble struct {
	Members []VotingMember
}

func (e *VotingEnsemble) Predict(x []float64) float64 {
	var sum, weight float64
	for _, m := range e.Members {
		sum += m.Weight * m.Model.Predict(x)
		weight += m.Weight
	}
	if weight == 0 {
		return 0
	}
	return sum / weight
}

// Specs describes the members for the model registry row.
func (e *VotingEnsemble) Specs() []models.MemberSpec {
	specs := make([]models.MemberSpec, len(e.Members))
	for i, m := range e.Members {
		specs[i] = models.MemberSpec{
			Name:      m.Name,
			Algorithm: m.Algorithm,
			Weight:    m.Weight,
			Params:    memberParams(m.Model),
		}
	}
	return specs
}

func memberParams(r Regressor) map[string]string {
	switch m := r.(type) {
	case *Forest:
		return map[string]string{
			"trees":      strconv.Itoa(len(m.Trees)),
			"randomized": strconv.FormatBool(m.Randomized),
		}
	case *GBT:
		return map[string]string{
			"stages":        strconv.Itoa(len(m.Trees)),
			"learning_rate": strconv.FormatFloat(m.LearningRate, 'g', -1, 64),
		}
	case *Ridge:
		return map[string]string{
			"alpha": strconv.FormatFloat(m.Alpha, 'g', -1, 64),
		}
	}
	return nil
}

// ensembleParams fixes the member shapes. Each member gets a disjoint seed
// stream derived from the configured seed so fits are reproducible no
// matter how the workers interleave.
type ensembleParams struct {
	seed       int64
	maxWorkers int
}

func fitEnsemble(ctx context.Context, X [][]float64, y []float64, p ensembleParams) (*VotingEnsemble, error) {
	if len(X) == 0 {
		return nil, fmt.Errorf("%w: empty training split", models.ErrInvalidConfiguration)
	}
	workers := p.maxWorkers
	if workers < 1 {
		workers = 1
	}

	type job struct {
		name, algorithm string
		fit             func() (Regressor, error)
	}
	jobs := []job{
		{"random_forest", "random_forest", func() (Regressor, error) {
			return fitForest(X, y, forestParams{trees: 30, maxDepth: 10, minSamplesSplit: 10}, p.seed), nil
		}},
		{"gradient_boosting", "gradient_boosting", func() (Regressor, error) {
			return fitGBT(X, y, gbtParams{stages: 30, learningRate: 0.2, maxDepth: 6}, p.seed+1000), nil
		}},
		{"extra_trees", "extra_trees", func() (Regressor, error) {
			return fitForest(X, y, forestParams{trees: 30, maxDepth: 10, minSamplesSplit: 10, randomized: true}, p.seed+2000), nil
		}},
		{"ridge", "ridge", func() (Regressor, error) {
			return fitRidge(X, y, 1.0)
		}},
	}

	members := make([]VotingMember, len(jobs))
	errs := make([]error, len(jobs))
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i, j := range jobs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		wg.Add(1)
		go func(i int, j job) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			model, err := j.fit()
			if err != nil {
				errs[i] = fmt.Errorf("fit %s: %w", j.name, err)
				return
			}
			members[i] = VotingMember{Name: j.name, Algorithm: j.algorithm, Weight: 1, Model: model}
		}(i, j)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return &VotingEnsemble{Members: members}, nil
}
