package module

import (
	"fmt"
	"math/rand"

	"evorl/internal/nn"
	"evorl/internal/tensor"
)

var mlpNodeChoices = []int{16, 32, 64}

type MLPConfig struct {
	Name             string `json:"name" yaml:"name"`
	NumInputs        int    `json:"num_inputs" yaml:"num_inputs"`
	NumOutputs       int    `json:"num_outputs" yaml:"num_outputs"`
	HiddenSize       []int  `json:"hidden_size" yaml:"hidden_size"`
	Activation       string `json:"activation" yaml:"activation"`
	OutputActivation string `json:"output_activation,omitempty" yaml:"output_activation,omitempty"`
	MinHiddenLayers  int    `json:"min_hidden_layers" yaml:"min_hidden_layers"`
	MaxHiddenLayers  int    `json:"max_hidden_layers" yaml:"max_hidden_layers"`
	MinNodes         int    `json:"min_nodes" yaml:"min_nodes"`
	MaxNodes         int    `json:"max_nodes" yaml:"max_nodes"`
}

func (c MLPConfig) withDefaults() MLPConfig {
	if c.Name == "" {
		c.Name = "mlp"
	}
	if c.Activation == "" {
		c.Activation = "relu"
	}
	if c.MinHiddenLayers == 0 {
		c.MinHiddenLayers = 1
	}
	if c.MaxHiddenLayers == 0 {
		c.MaxHiddenLayers = 3
	}
	if c.MinNodes == 0 {
		c.MinNodes = 64
	}
	if c.MaxNodes == 0 {
		c.MaxNodes = 500
	}
	return c
}

func (c MLPConfig) clone() MLPConfig {
	c.HiddenSize = append([]int(nil), c.HiddenSize...)
	return c
}

func (c MLPConfig) validate() error {
	if c.NumInputs <= 0 || c.NumOutputs <= 0 {
		return fmt.Errorf("%w: mlp %q needs positive inputs/outputs, got %d/%d", ErrInvalidConfig, c.Name, c.NumInputs, c.NumOutputs)
	}
	if c.MinHiddenLayers < 1 || c.MinHiddenLayers > c.MaxHiddenLayers {
		return fmt.Errorf("%w: mlp %q hidden layer bounds [%d,%d]", ErrInvalidConfig, c.Name, c.MinHiddenLayers, c.MaxHiddenLayers)
	}
	if c.MinNodes < 1 || c.MinNodes > c.MaxNodes {
		return fmt.Errorf("%w: mlp %q node bounds [%d,%d]", ErrInvalidConfig, c.Name, c.MinNodes, c.MaxNodes)
	}
	if n := len(c.HiddenSize); n < c.MinHiddenLayers || n > c.MaxHiddenLayers {
		return fmt.Errorf("%w: mlp %q has %d hidden layers, bounds [%d,%d]", ErrInvalidConfig, c.Name, n, c.MinHiddenLayers, c.MaxHiddenLayers)
	}
	for i, w := range c.HiddenSize {
		if w < c.MinNodes || w > c.MaxNodes {
			return fmt.Errorf("%w: mlp %q layer %d width %d outside [%d,%d]", ErrInvalidConfig, c.Name, i, w, c.MinNodes, c.MaxNodes)
		}
	}
	if err := checkActivation(c.Activation); err != nil {
		return err
	}
	return checkActivation(c.OutputActivation)
}

type linearLayer struct {
	weight *tensor.Tensor
	bias   *tensor.Tensor
}

// MLP is a stack of dense hidden layers followed by a linear output head.
type MLP struct {
	cfg    MLPConfig
	hidden []linearLayer
	output linearLayer
}

func NewMLP(cfg MLPConfig, rng *rand.Rand) (*MLP, error) {
	cfg = cfg.withDefaults().clone()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m := &MLP{cfg: cfg}
	in := cfg.NumInputs
	for _, width := range cfg.HiddenSize {
		w, b := nn.NewLinearParams(rng, in, width)
		m.hidden = append(m.hidden, linearLayer{weight: w, bias: b})
		in = width
	}
	w, b := nn.NewLinearParams(rng, in, cfg.NumOutputs)
	m.output = linearLayer{weight: w, bias: b}
	return m, nil
}

func (m *MLP) Name() string { return m.cfg.Name }
func (m *MLP) Kind() Kind { return KindMLP }
func (m *MLP) OutputDim() int { return m.cfg.NumOutputs }
func (m *MLP) Activation() string { return m.cfg.Activation }
func (m *MLP) Config() MLPConfig { return m.cfg.clone() }

func (m *MLP) Forward(in Input) (*tensor.Tensor, error) {
	x := in.Tensor
	if x == nil || x.Rank() != 2 || x.Shape[1] != m.cfg.NumInputs {
		var shape []int
		if x != nil {
			shape = x.Shape
		}
		return nil, fmt.Errorf("%w: mlp %q expects [batch,%d], got %v", ErrShapeMismatch, m.cfg.Name, m.cfg.NumInputs, shape)
	}
	for _, layer := range m.hidden {
		y, err := nn.Linear(x, layer.weight, layer.bias)
		if err != nil {
			return nil, err
		}
		if err := nn.Activate(m.cfg.Activation, y); err != nil {
			return nil, err
		}
		x = y
	}
	y, err := nn.Linear(x, m.output.weight, m.output.bias)
	if err != nil {
		return nil, err
	}
	if err := nn.Activate(m.cfg.OutputActivation, y); err != nil {
		return nil, err
	}
	return y, nil
}

func (m *MLP) Parameters() []Param {
	params := make([]Param, 0, 2*len(m.hidden)+2)
	for i, layer := range m.hidden {
		params = append(params,
			Param{Name: fmt.Sprintf("linear_layer_%d.weight", i), Value: layer.weight},
			Param{Name: fmt.Sprintf("linear_layer_%d.bias", i), Value: layer.bias},
		)
	}
	return append(params,
		Param{Name: "linear_output.weight", Value: m.output.weight},
		Param{Name: "linear_output.bias", Value: m.output.bias},
	)
}

func (m *MLP) MutationMethods() []Method {
	return []Method{
		{Name: OpAddLayer, Type: MutationLayer},
		{Name: OpRemoveLayer, Type: MutationLayer},
		{Name: OpAddNode, Type: MutationNode},
		{Name: OpRemoveNode, Type: MutationNode},
		{Name: OpChangeActivation, Type: MutationActivation},
	}
}

func (m *MLP) Descriptor() Descriptor {
	return DescribeMLP(m.cfg.clone())
}

func (m *MLP) Clone() Module {
	out := &MLP{cfg: m.cfg.clone()}
	for _, layer := range m.hidden {
		out.hidden = append(out.hidden, linearLayer{weight: layer.weight.Clone(), bias: layer.bias.Clone()})
	}
	out.output = linearLayer{weight: m.output.weight.Clone(), bias: m.output.bias.Clone()}
	return out
}

func (m *MLP) Apply(op string, args Args, rng *rand.Rand) (Module, Change, error) {
	cfg := m.cfg.clone()
	switch op {
	case OpAddLayer:
		n := len(cfg.HiddenSize)
		if n >= cfg.MaxHiddenLayers {
			return m.Clone(), noop(op, -1, fmt.Sprintf("already at max hidden layers %d", cfg.MaxHiddenLayers)), nil
		}
		cfg.HiddenSize = append(cfg.HiddenSize, cfg.HiddenSize[n-1])
		return m.rebuild(cfg, Change{Operation: op, Layer: n, Before: n, After: n + 1}, rng)

	case OpRemoveLayer:
		n := len(cfg.HiddenSize)
		if n <= cfg.MinHiddenLayers {
			return m.Clone(), noop(op, -1, fmt.Sprintf("already at min hidden layers %d", cfg.MinHiddenLayers)), nil
		}
		cfg.HiddenSize = cfg.HiddenSize[:n-1]
		return m.rebuild(cfg, Change{Operation: op, Layer: n - 1, Before: n, After: n - 1}, rng)

	case OpAddNode, OpRemoveNode:
		layer, err := pickLayer(rng, args, len(cfg.HiddenSize))
		if err != nil {
			return nil, Change{}, err
		}
		count := pickCount(rng, args, mlpNodeChoices)
		before := cfg.HiddenSize[layer]
		after := before + count
		if op == OpRemoveNode {
			after = before - count
		}
		after = clamp(after, cfg.MinNodes, cfg.MaxNodes)
		if after == before {
			ch := noop(op, layer, fmt.Sprintf("width %d already at bound [%d,%d]", before, cfg.MinNodes, cfg.MaxNodes))
			ch.Count = count
			return m.Clone(), ch, nil
		}
		cfg.HiddenSize[layer] = after
		return m.rebuild(cfg, Change{Operation: op, Layer: layer, Count: count, Before: before, After: after}, rng)

	case OpChangeActivation:
		if err := checkActivation(args.Activation); err != nil {
			return nil, Change{}, err
		}
		out := m.Clone().(*MLP)
		out.cfg.Activation = args.Activation
		if args.Output {
			out.cfg.OutputActivation = args.Activation
		}
		return out, Change{Operation: op, Layer: -1, Activation: args.Activation}, nil

	default:
		return nil, Change{}, unsupported(m, op)
	}
}

func (m *MLP) rebuild(cfg MLPConfig, ch Change, rng *rand.Rand) (Module, Change, error) {
	next, err := NewMLP(cfg, rng)
	if err != nil {
		return nil, Change{}, err
	}
	report := Transplant(m, next)
	ch.Notes = report.Notes
	return next, ch, nil
}
