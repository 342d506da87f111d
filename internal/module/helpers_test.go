package module

import (
	"math/rand"
	"testing"

	"evorl/internal/tensor"
)

func testMLPConfig() MLPConfig {
	return MLPConfig{
		Name:            "mlp",
		NumInputs:       4,
		NumOutputs:      2,
		HiddenSize:      []int{64},
		MinHiddenLayers: 1,
		MaxHiddenLayers: 3,
		MinNodes:        8,
		MaxNodes:        128,
	}
}

func testCNNConfig() CNNConfig {
	return CNNConfig{
		Name:            "cnn",
		InputShape:      []int{2, 8, 8},
		NumOutputs:      3,
		ChannelSize:     []int{8, 8},
		KernelSize:      []int{3, 3},
		StrideSize:      []int{1, 1},
		MinHiddenLayers: 1,
		MaxHiddenLayers: 3,
		MinChannels:     8,
		MaxChannels:     64,
		MaxKernelSize:   4,
		MaxStride:       2,
	}
}

func testLSTMConfig() LSTMConfig {
	return LSTMConfig{
		Name:            "lstm",
		InputSize:       3,
		HiddenStateSize: 16,
		NumLayers:       1,
		NumOutputs:      2,
		MinHiddenState:  8,
		MaxHiddenState:  64,
		MinLayers:       1,
		MaxLayers:       2,
	}
}

func testMultiInputConfig() MultiInputConfig {
	return MultiInputConfig{
		Name: "encoder",
		Fields: []Field{
			{Name: "image", Kind: FieldImage, Shape: []int{1, 6, 6}},
			{Name: "position", Kind: FieldVector, Shape: []int{4}},
			{Name: "history", Kind: FieldSequence, Shape: []int{5, 3}},
			{Name: "nested", Kind: FieldDict, Fields: []Field{
				{Name: "image", Kind: FieldImage, Shape: []int{1, 5, 5}},
				{Name: "velocity", Kind: FieldVector, Shape: []int{2}},
			}},
		},
		NumOutputs: 5,
		CNN: CNNConfig{
			ChannelSize:     []int{8},
			KernelSize:      []int{3},
			StrideSize:      []int{1},
			MinChannels:     8,
			MaxChannels:     32,
			MaxHiddenLayers: 2,
			MaxKernelSize:   4,
			MaxStride:       2,
		},
		LSTM: LSTMConfig{HiddenStateSize: 8, MinHiddenState: 8, MaxHiddenState: 32},
	}
}

func batchInput(rng *rand.Rand, batch int, shape ...int) Input {
	return Input{Tensor: tensor.Gaussian(rng, 1, append([]int{batch}, shape...)...)}
}

func multiInputBatch(rng *rand.Rand, batch int) Input {
	return Input{Fields: map[string]Input{
		"image":    batchInput(rng, batch, 1, 6, 6),
		"position": batchInput(rng, batch, 4),
		"history":  batchInput(rng, batch, 5, 3),
		"nested": {Fields: map[string]Input{
			"image":    batchInput(rng, batch, 1, 5, 5),
			"velocity": batchInput(rng, batch, 2),
		}},
	}}
}

func paramByName(t *testing.T, m Module, name string) *tensor.Tensor {
	t.Helper()
	for _, p := range m.Parameters() {
		if p.Name == name {
			return p.Value
		}
	}
	t.Fatalf("parameter %s not found in %s", name, m.Name())
	return nil
}

func mustForwardShape(t *testing.T, m Module, in Input, batch int) {
	t.Helper()
	y, err := m.Forward(in)
	if err != nil {
		t.Fatalf("forward %s: %v", m.Name(), err)
	}
	if y.Rank() != 2 || y.Shape[0] != batch || y.Shape[1] != m.OutputDim() {
		t.Fatalf("unexpected output shape %v, want [%d %d]", y.Shape, batch, m.OutputDim())
	}
}
