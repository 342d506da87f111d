package scape

import (
	"math"
	"math/rand"

	"evorl/internal/model"
	"evorl/internal/module"
	"evorl/internal/tensor"
)

const MultiInputName = "multi_input"

const (
	multiInputSamples = 32
	cameraSize        = 6
	positionDim       = 3
)

// NewMultiInput pairs a single-channel camera image with a position vector.
// The first target is the image brightness plus the position sum, the second
// is the brightness contrast between the left and right halves.
func NewMultiInput(seed int64) Scape {
	rng := rand.New(rand.NewSource(seed))
	camera := tensor.New(multiInputSamples, 1, cameraSize, cameraSize)
	for i := range camera.Data {
		camera.Data[i] = rng.Float64()
	}
	position := tensor.New(multiInputSamples, positionDim)
	for i := range position.Data {
		position.Data[i] = rng.Float64()*2 - 1
	}

	y := tensor.New(multiInputSamples, 2)
	for r := 0; r < multiInputSamples; r++ {
		var total, left, right float64
		for h := 0; h < cameraSize; h++ {
			for w := 0; w < cameraSize; w++ {
				v := camera.At(r, 0, h, w)
				total += v
				if w < cameraSize/2 {
					left += v
				} else {
					right += v
				}
			}
		}
		pos := 0.0
		for i := 0; i < positionDim; i++ {
			pos += position.At(r, i)
		}
		pixels := float64(cameraSize * cameraSize)
		y.Set(total/pixels+0.5*pos, r, 0)
		y.Set(math.Tanh((left-right)/pixels*4), r, 1)
	}

	return &supervised{
		name: MultiInputName,
		spaces: model.Spaces{
			Observation: []module.Field{
				{Name: "camera", Kind: module.FieldImage, Shape: []int{1, cameraSize, cameraSize}},
				{Name: "position", Kind: module.FieldVector, Shape: []int{positionDim}},
			},
			ActionDim: 2,
		},
		inputs: module.Input{Fields: map[string]module.Input{
			"camera":   {Tensor: camera},
			"position": {Tensor: position},
		}},
		targets: y,
	}
}
