package module

import (
	"fmt"
	"math/rand"

	"evorl/internal/nn"
	"evorl/internal/tensor"
)

var cnnChannelChoices = []int{8, 16, 32}

type CNNConfig struct {
	Name string `json:"name" yaml:"name"`
	// InputShape is [channels, height, width].
	InputShape       []int  `json:"input_shape" yaml:"input_shape"`
	NumOutputs       int    `json:"num_outputs" yaml:"num_outputs"`
	ChannelSize      []int  `json:"channel_size" yaml:"channel_size"`
	KernelSize       []int  `json:"kernel_size" yaml:"kernel_size"`
	StrideSize       []int  `json:"stride_size" yaml:"stride_size"`
	Activation       string `json:"activation" yaml:"activation"`
	OutputActivation string `json:"output_activation,omitempty" yaml:"output_activation,omitempty"`
	MinHiddenLayers  int    `json:"min_hidden_layers" yaml:"min_hidden_layers"`
	MaxHiddenLayers  int    `json:"max_hidden_layers" yaml:"max_hidden_layers"`
	MinChannels      int    `json:"min_channels" yaml:"min_channels"`
	MaxChannels      int    `json:"max_channels" yaml:"max_channels"`
	MaxKernelSize    int    `json:"max_kernel_size" yaml:"max_kernel_size"`
	MaxStride        int    `json:"max_stride" yaml:"max_stride"`
}

func (c CNNConfig) withDefaults() CNNConfig {
	if c.Name == "" {
		c.Name = "cnn"
	}
	if c.Activation == "" {
		c.Activation = "relu"
	}
	if c.MinHiddenLayers == 0 {
		c.MinHiddenLayers = 1
	}
	if c.MaxHiddenLayers == 0 {
		c.MaxHiddenLayers = 6
	}
	if c.MinChannels == 0 {
		c.MinChannels = 8
	}
	if c.MaxChannels == 0 {
		c.MaxChannels = 256
	}
	if c.MaxKernelSize == 0 {
		c.MaxKernelSize = 7
	}
	if c.MaxStride == 0 {
		c.MaxStride = 4
	}
	return c
}

func (c CNNConfig) clone() CNNConfig {
	c.InputShape = append([]int(nil), c.InputShape...)
	c.ChannelSize = append([]int(nil), c.ChannelSize...)
	c.KernelSize = append([]int(nil), c.KernelSize...)
	c.StrideSize = append([]int(nil), c.StrideSize...)
	return c
}

// spatialSizes returns the (height, width) after every conv layer, or an
// error naming the first layer whose output would be empty.
func (c CNNConfig) spatialSizes() ([][2]int, error) {
	h, w := c.InputShape[1], c.InputShape[2]
	out := make([][2]int, len(c.ChannelSize))
	for i := range c.ChannelSize {
		h = nn.ConvOutputSize(h, c.KernelSize[i], c.StrideSize[i])
		w = nn.ConvOutputSize(w, c.KernelSize[i], c.StrideSize[i])
		if h < 1 || w < 1 {
			return nil, fmt.Errorf("%w: cnn %q layer %d has empty spatial output", ErrInvalidConfig, c.Name, i)
		}
		out[i] = [2]int{h, w}
	}
	return out, nil
}

func (c CNNConfig) flatDim() int {
	sizes, err := c.spatialSizes()
	if err != nil || len(sizes) == 0 {
		return 0
	}
	last := sizes[len(sizes)-1]
	return c.ChannelSize[len(c.ChannelSize)-1] * last[0] * last[1]
}

func (c CNNConfig) validate() error {
	if len(c.InputShape) != 3 {
		return fmt.Errorf("%w: cnn %q input shape must be [c,h,w], got %v", ErrInvalidConfig, c.Name, c.InputShape)
	}
	for _, d := range c.InputShape {
		if d <= 0 {
			return fmt.Errorf("%w: cnn %q input shape %v", ErrInvalidConfig, c.Name, c.InputShape)
		}
	}
	if c.NumOutputs <= 0 {
		return fmt.Errorf("%w: cnn %q needs positive outputs", ErrInvalidConfig, c.Name)
	}
	n := len(c.ChannelSize)
	if len(c.KernelSize) != n || len(c.StrideSize) != n {
		return fmt.Errorf("%w: cnn %q has %d channels, %d kernels, %d strides", ErrInvalidConfig, c.Name, n, len(c.KernelSize), len(c.StrideSize))
	}
	if c.MinHiddenLayers < 1 || c.MinHiddenLayers > c.MaxHiddenLayers || n < c.MinHiddenLayers || n > c.MaxHiddenLayers {
		return fmt.Errorf("%w: cnn %q has %d layers, bounds [%d,%d]", ErrInvalidConfig, c.Name, n, c.MinHiddenLayers, c.MaxHiddenLayers)
	}
	if c.MinChannels < 1 || c.MinChannels > c.MaxChannels {
		return fmt.Errorf("%w: cnn %q channel bounds [%d,%d]", ErrInvalidConfig, c.Name, c.MinChannels, c.MaxChannels)
	}
	for i := 0; i < n; i++ {
		if c.ChannelSize[i] < c.MinChannels || c.ChannelSize[i] > c.MaxChannels {
			return fmt.Errorf("%w: cnn %q layer %d channels %d outside [%d,%d]", ErrInvalidConfig, c.Name, i, c.ChannelSize[i], c.MinChannels, c.MaxChannels)
		}
		if c.KernelSize[i] < 1 || c.KernelSize[i] > c.MaxKernelSize {
			return fmt.Errorf("%w: cnn %q layer %d kernel %d outside [1,%d]", ErrInvalidConfig, c.Name, i, c.KernelSize[i], c.MaxKernelSize)
		}
		if c.StrideSize[i] < 1 || c.StrideSize[i] > c.MaxStride {
			return fmt.Errorf("%w: cnn %q layer %d stride %d outside [1,%d]", ErrInvalidConfig, c.Name, i, c.StrideSize[i], c.MaxStride)
		}
	}
	if _, err := c.spatialSizes(); err != nil {
		return err
	}
	if err := checkActivation(c.Activation); err != nil {
		return err
	}
	return checkActivation(c.OutputActivation)
}

type convLayer struct {
	weight *tensor.Tensor
	bias   *tensor.Tensor
	stride int
}

// CNN is a stack of valid 2D convolutions, flattened into a linear head.
type CNN struct {
	cfg    CNNConfig
	convs  []convLayer
	output linearLayer
}

func NewCNN(cfg CNNConfig, rng *rand.Rand) (*CNN, error) {
	cfg = cfg.withDefaults().clone()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m := &CNN{cfg: cfg}
	in := cfg.InputShape[0]
	for i, ch := range cfg.ChannelSize {
		w, b := nn.NewConvParams(rng, in, ch, cfg.KernelSize[i])
		m.convs = append(m.convs, convLayer{weight: w, bias: b, stride: cfg.StrideSize[i]})
		in = ch
	}
	w, b := nn.NewLinearParams(rng, cfg.flatDim(), cfg.NumOutputs)
	m.output = linearLayer{weight: w, bias: b}
	return m, nil
}

func (m *CNN) Name() string { return m.cfg.Name }
func (m *CNN) Kind() Kind { return KindCNN }
func (m *CNN) OutputDim() int { return m.cfg.NumOutputs }
func (m *CNN) Activation() string { return m.cfg.Activation }
func (m *CNN) Config() CNNConfig { return m.cfg.clone() }

func (m *CNN) Forward(in Input) (*tensor.Tensor, error) {
	x := in.Tensor
	if x == nil || x.Rank() != 4 || x.Shape[1] != m.cfg.InputShape[0] || x.Shape[2] != m.cfg.InputShape[1] || x.Shape[3] != m.cfg.InputShape[2] {
		var shape []int
		if x != nil {
			shape = x.Shape
		}
		return nil, fmt.Errorf("%w: cnn %q expects [batch,%d,%d,%d], got %v", ErrShapeMismatch, m.cfg.Name,
			m.cfg.InputShape[0], m.cfg.InputShape[1], m.cfg.InputShape[2], shape)
	}
	for _, layer := range m.convs {
		y, err := nn.Conv2D(x, layer.weight, layer.bias, layer.stride)
		if err != nil {
			return nil, err
		}
		if err := nn.Activate(m.cfg.Activation, y); err != nil {
			return nil, err
		}
		x = y
	}
	y, err := nn.Linear(nn.Flatten(x), m.output.weight, m.output.bias)
	if err != nil {
		return nil, err
	}
	if err := nn.Activate(m.cfg.OutputActivation, y); err != nil {
		return nil, err
	}
	return y, nil
}

func (m *CNN) Parameters() []Param {
	params := make([]Param, 0, 2*len(m.convs)+2)
	for i, layer := range m.convs {
		params = append(params,
			Param{Name: fmt.Sprintf("conv_layer_%d.weight", i), Value: layer.weight},
			Param{Name: fmt.Sprintf("conv_layer_%d.bias", i), Value: layer.bias},
		)
	}
	return append(params,
		Param{Name: "linear_output.weight", Value: m.output.weight},
		Param{Name: "linear_output.bias", Value: m.output.bias},
	)
}

func (m *CNN) MutationMethods() []Method {
	return []Method{
		{Name: OpAddLayer, Type: MutationLayer},
		{Name: OpRemoveLayer, Type: MutationLayer},
		{Name: OpAddChannel, Type: MutationNode},
		{Name: OpRemoveChannel, Type: MutationNode},
		{Name: OpChangeKernel, Type: MutationNode},
		{Name: OpChangeStride, Type: MutationNode},
		{Name: OpChangeActivation, Type: MutationActivation},
	}
}

func (m *CNN) Descriptor() Descriptor {
	return DescribeCNN(m.cfg.clone())
}

func (m *CNN) Clone() Module {
	out := &CNN{cfg: m.cfg.clone()}
	for _, layer := range m.convs {
		out.convs = append(out.convs, convLayer{weight: layer.weight.Clone(), bias: layer.bias.Clone(), stride: layer.stride})
	}
	out.output = linearLayer{weight: m.output.weight.Clone(), bias: m.output.bias.Clone()}
	return out
}

func (m *CNN) Apply(op string, args Args, rng *rand.Rand) (Module, Change, error) {
	cfg := m.cfg.clone()
	n := len(cfg.ChannelSize)
	switch op {
	case OpAddLayer:
		if n >= cfg.MaxHiddenLayers {
			return m.Clone(), noop(op, -1, fmt.Sprintf("already at max hidden layers %d", cfg.MaxHiddenLayers)), nil
		}
		cfg.ChannelSize = append(cfg.ChannelSize, cfg.ChannelSize[n-1])
		cfg.KernelSize = append(cfg.KernelSize, cfg.KernelSize[n-1])
		cfg.StrideSize = append(cfg.StrideSize, 1)
		ch := Change{Operation: op, Layer: n, Before: n, After: n + 1}
		if _, err := cfg.spatialSizes(); err != nil {
			return m.Clone(), noop(op, n, "new layer would produce an empty spatial output"), nil
		}
		return m.rebuild(cfg, ch, rng)

	case OpRemoveLayer:
		if n <= cfg.MinHiddenLayers {
			return m.Clone(), noop(op, -1, fmt.Sprintf("already at min hidden layers %d", cfg.MinHiddenLayers)), nil
		}
		cfg.ChannelSize = cfg.ChannelSize[:n-1]
		cfg.KernelSize = cfg.KernelSize[:n-1]
		cfg.StrideSize = cfg.StrideSize[:n-1]
		return m.rebuild(cfg, Change{Operation: op, Layer: n - 1, Before: n, After: n - 1}, rng)

	case OpAddChannel, OpRemoveChannel:
		layer, err := pickLayer(rng, args, n)
		if err != nil {
			return nil, Change{}, err
		}
		count := pickCount(rng, args, cnnChannelChoices)
		before := cfg.ChannelSize[layer]
		after := before + count
		if op == OpRemoveChannel {
			after = before - count
		}
		after = clamp(after, cfg.MinChannels, cfg.MaxChannels)
		if after == before {
			ch := noop(op, layer, fmt.Sprintf("channels %d already at bound [%d,%d]", before, cfg.MinChannels, cfg.MaxChannels))
			ch.Count = count
			return m.Clone(), ch, nil
		}
		cfg.ChannelSize[layer] = after
		return m.rebuild(cfg, Change{Operation: op, Layer: layer, Count: count, Before: before, After: after}, rng)

	case OpChangeKernel, OpChangeStride:
		layer, err := pickLayer(rng, args, n)
		if err != nil {
			return nil, Change{}, err
		}
		step := pickStep(rng, args)
		sizes, limit := cfg.KernelSize, cfg.MaxKernelSize
		if op == OpChangeStride {
			sizes, limit = cfg.StrideSize, cfg.MaxStride
		}
		before := sizes[layer]
		after := clamp(before+step, 1, limit)
		if after == before {
			ch := noop(op, layer, fmt.Sprintf("value %d already at bound [1,%d]", before, limit))
			ch.Count = step
			return m.Clone(), ch, nil
		}
		sizes[layer] = after
		ch := Change{Operation: op, Layer: layer, Count: step, Before: before, After: after}
		if _, err := cfg.spatialSizes(); err != nil {
			ch.NoOp, ch.Reason = true, "change would produce an empty spatial output"
			return m.Clone(), ch, nil
		}
		return m.rebuild(cfg, ch, rng)

	case OpChangeActivation:
		if err := checkActivation(args.Activation); err != nil {
			return nil, Change{}, err
		}
		out := m.Clone().(*CNN)
		out.cfg.Activation = args.Activation
		if args.Output {
			out.cfg.OutputActivation = args.Activation
		}
		return out, Change{Operation: op, Layer: -1, Activation: args.Activation}, nil

	default:
		return nil, Change{}, unsupported(m, op)
	}
}

func (m *CNN) rebuild(cfg CNNConfig, ch Change, rng *rand.Rand) (Module, Change, error) {
	next, err := NewCNN(cfg, rng)
	if err != nil {
		return nil, Change{}, err
	}
	report := Transplant(m, next)
	ch.Notes = report.Notes
	return next, ch, nil
}
