package scape

import (
	"math/rand"

	"evorl/internal/model"
	"evorl/internal/module"
	"evorl/internal/tensor"
)

const RegressionName = "regression"

const (
	regressionSamples = 64
	regressionInputs  = 4
	regressionOutputs = 2
)

// NewRegression builds a linear regression task y = 0.5*W x + 0.25 over a
// vector observation.
func NewRegression(seed int64) Scape {
	rng := rand.New(rand.NewSource(seed))
	w := tensor.Gaussian(rng, 0.5, regressionOutputs, regressionInputs)
	x := tensor.New(regressionSamples, regressionInputs)
	for i := range x.Data {
		x.Data[i] = rng.Float64()*2 - 1
	}
	y := tensor.New(regressionSamples, regressionOutputs)
	for r := 0; r < regressionSamples; r++ {
		for o := 0; o < regressionOutputs; o++ {
			sum := 0.25
			for i := 0; i < regressionInputs; i++ {
				sum += 0.5 * w.At(o, i) * x.At(r, i)
			}
			y.Set(sum, r, o)
		}
	}
	return &supervised{
		name: RegressionName,
		spaces: model.Spaces{
			Observation: []module.Field{{Name: "obs", Kind: module.FieldVector, Shape: []int{regressionInputs}}},
			ActionDim:   regressionOutputs,
		},
		inputs:  module.Input{Fields: map[string]module.Input{"obs": {Tensor: x}}},
		targets: y,
	}
}
