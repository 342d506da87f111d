package module

import (
	"fmt"
	"math/rand"

	"evorl/internal/nn"
	"evorl/internal/tensor"
)

var lstmNodeChoices = []int{8, 16, 32}

// LSTMConfig describes a stacked LSTM sequence encoder. Only the last time
// step of the top layer feeds the linear head.
type LSTMConfig struct {
	Name             string `json:"name" yaml:"name"`
	InputSize        int    `json:"input_size" yaml:"input_size"`
	HiddenStateSize  int    `json:"hidden_state_size" yaml:"hidden_state_size"`
	NumLayers        int    `json:"num_layers" yaml:"num_layers"`
	NumOutputs       int    `json:"num_outputs" yaml:"num_outputs"`
	OutputActivation string `json:"output_activation,omitempty" yaml:"output_activation,omitempty"`
	MinHiddenState   int    `json:"min_hidden_state" yaml:"min_hidden_state"`
	MaxHiddenState   int    `json:"max_hidden_state" yaml:"max_hidden_state"`
	MinLayers        int    `json:"min_layers" yaml:"min_layers"`
	MaxLayers        int    `json:"max_layers" yaml:"max_layers"`
}

func (c LSTMConfig) withDefaults() LSTMConfig {
	if c.Name == "" {
		c.Name = "lstm"
	}
	if c.NumLayers == 0 {
		c.NumLayers = 1
	}
	if c.MinHiddenState == 0 {
		c.MinHiddenState = 8
	}
	if c.MaxHiddenState == 0 {
		c.MaxHiddenState = 256
	}
	if c.MinLayers == 0 {
		c.MinLayers = 1
	}
	if c.MaxLayers == 0 {
		c.MaxLayers = 3
	}
	return c
}

func (c LSTMConfig) clone() LSTMConfig {
	return c
}

func (c LSTMConfig) validate() error {
	if c.InputSize <= 0 || c.NumOutputs <= 0 {
		return fmt.Errorf("%w: lstm %q needs positive input/output sizes, got %d/%d", ErrInvalidConfig, c.Name, c.InputSize, c.NumOutputs)
	}
	if c.MinHiddenState < 1 || c.MinHiddenState > c.MaxHiddenState || c.HiddenStateSize < c.MinHiddenState || c.HiddenStateSize > c.MaxHiddenState {
		return fmt.Errorf("%w: lstm %q hidden state %d, bounds [%d,%d]", ErrInvalidConfig, c.Name, c.HiddenStateSize, c.MinHiddenState, c.MaxHiddenState)
	}
	if c.MinLayers < 1 || c.MinLayers > c.MaxLayers || c.NumLayers < c.MinLayers || c.NumLayers > c.MaxLayers {
		return fmt.Errorf("%w: lstm %q has %d layers, bounds [%d,%d]", ErrInvalidConfig, c.Name, c.NumLayers, c.MinLayers, c.MaxLayers)
	}
	return checkActivation(c.OutputActivation)
}

type lstmLayer struct {
	wih  *tensor.Tensor
	whh  *tensor.Tensor
	bias *tensor.Tensor
}

type LSTM struct {
	cfg    LSTMConfig
	layers []lstmLayer
	output linearLayer
}

func NewLSTM(cfg LSTMConfig, rng *rand.Rand) (*LSTM, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m := &LSTM{cfg: cfg}
	in := cfg.InputSize
	for i := 0; i < cfg.NumLayers; i++ {
		wih, whh, bias := nn.NewLSTMParams(rng, in, cfg.HiddenStateSize)
		m.layers = append(m.layers, lstmLayer{wih: wih, whh: whh, bias: bias})
		in = cfg.HiddenStateSize
	}
	w, b := nn.NewLinearParams(rng, cfg.HiddenStateSize, cfg.NumOutputs)
	m.output = linearLayer{weight: w, bias: b}
	return m, nil
}

func (m *LSTM) Name() string { return m.cfg.Name }
func (m *LSTM) Kind() Kind { return KindLSTM }
func (m *LSTM) OutputDim() int {
	return m.cfg.NumOutputs
}

// Activation reports the output activation; gate nonlinearities are fixed.
func (m *LSTM) Activation() string { return m.cfg.OutputActivation }
func (m *LSTM) Config() LSTMConfig { return m.cfg }

// Forward expects x[batch, steps, input_size].
func (m *LSTM) Forward(in Input) (*tensor.Tensor, error) {
	x := in.Tensor
	if x == nil || x.Rank() != 3 || x.Shape[2] != m.cfg.InputSize || x.Shape[1] < 1 {
		var shape []int
		if x != nil {
			shape = x.Shape
		}
		return nil, fmt.Errorf("%w: lstm %q expects [batch,steps,%d], got %v", ErrShapeMismatch, m.cfg.Name, m.cfg.InputSize, shape)
	}
	for _, layer := range m.layers {
		y, err := nn.LSTMLayer(x, layer.wih, layer.whh, layer.bias)
		if err != nil {
			return nil, err
		}
		x = y
	}
	y, err := nn.Linear(nn.LastStep(x), m.output.weight, m.output.bias)
	if err != nil {
		return nil, err
	}
	if err := nn.Activate(m.cfg.OutputActivation, y); err != nil {
		return nil, err
	}
	return y, nil
}

func (m *LSTM) Parameters() []Param {
	params := make([]Param, 0, 3*len(m.layers)+2)
	for i, layer := range m.layers {
		params = append(params,
			Param{Name: fmt.Sprintf("lstm_layer_%d.weight_ih", i), Value: layer.wih},
			Param{Name: fmt.Sprintf("lstm_layer_%d.weight_hh", i), Value: layer.whh},
			Param{Name: fmt.Sprintf("lstm_layer_%d.bias", i), Value: layer.bias},
		)
	}
	return append(params,
		Param{Name: "linear_output.weight", Value: m.output.weight},
		Param{Name: "linear_output.bias", Value: m.output.bias},
	)
}

func (m *LSTM) MutationMethods() []Method {
	return []Method{
		{Name: OpAddLayer, Type: MutationLayer},
		{Name: OpRemoveLayer, Type: MutationLayer},
		{Name: OpAddNode, Type: MutationNode},
		{Name: OpRemoveNode, Type: MutationNode},
		{Name: OpChangeActivation, Type: MutationActivation},
	}
}

func (m *LSTM) Descriptor() Descriptor {
	return DescribeLSTM(m.cfg)
}

func (m *LSTM) Clone() Module {
	out := &LSTM{cfg: m.cfg}
	for _, layer := range m.layers {
		out.layers = append(out.layers, lstmLayer{wih: layer.wih.Clone(), whh: layer.whh.Clone(), bias: layer.bias.Clone()})
	}
	out.output = linearLayer{weight: m.output.weight.Clone(), bias: m.output.bias.Clone()}
	return out
}

func (m *LSTM) Apply(op string, args Args, rng *rand.Rand) (Module, Change, error) {
	cfg := m.cfg
	switch op {
	case OpAddLayer:
		if cfg.NumLayers >= cfg.MaxLayers {
			return m.Clone(), noop(op, -1, fmt.Sprintf("already at max layers %d", cfg.MaxLayers)), nil
		}
		cfg.NumLayers++
		return m.rebuild(cfg, Change{Operation: op, Layer: cfg.NumLayers - 1, Before: cfg.NumLayers - 1, After: cfg.NumLayers}, rng)

	case OpRemoveLayer:
		if cfg.NumLayers <= cfg.MinLayers {
			return m.Clone(), noop(op, -1, fmt.Sprintf("already at min layers %d", cfg.MinLayers)), nil
		}
		cfg.NumLayers--
		return m.rebuild(cfg, Change{Operation: op, Layer: cfg.NumLayers, Before: cfg.NumLayers + 1, After: cfg.NumLayers}, rng)

	case OpAddNode, OpRemoveNode:
		count := pickCount(rng, args, lstmNodeChoices)
		before := cfg.HiddenStateSize
		after := before + count
		if op == OpRemoveNode {
			after = before - count
		}
		after = clamp(after, cfg.MinHiddenState, cfg.MaxHiddenState)
		if after == before {
			ch := noop(op, -1, fmt.Sprintf("hidden state %d already at bound [%d,%d]", before, cfg.MinHiddenState, cfg.MaxHiddenState))
			ch.Count = count
			return m.Clone(), ch, nil
		}
		cfg.HiddenStateSize = after
		return m.rebuild(cfg, Change{Operation: op, Layer: -1, Count: count, Before: before, After: after}, rng)

	case OpChangeActivation:
		if err := checkActivation(args.Activation); err != nil {
			return nil, Change{}, err
		}
		out := m.Clone().(*LSTM)
		out.cfg.OutputActivation = args.Activation
		return out, Change{Operation: op, Layer: -1, Activation: args.Activation}, nil

	default:
		return nil, Change{}, unsupported(m, op)
	}
}

func (m *LSTM) rebuild(cfg LSTMConfig, ch Change, rng *rand.Rand) (Module, Change, error) {
	next, err := NewLSTM(cfg, rng)
	if err != nil {
		return nil, Change{}, err
	}
	report := Transplant(m, next)
	ch.Notes = report.Notes
	return next, ch, nil
}
