package module

import (
	"fmt"
	"math/rand"
	"strings"

	"evorl/internal/nn"
	"evorl/internal/tensor"
)

const (
	vectorMLPName  = "vector_mlp"
	finalDenseName = "final_dense"
)

var latentChoices = []int{8, 16, 32}

type FieldKind string

const (
	FieldVector   FieldKind = "vector"
	FieldImage    FieldKind = "image"
	FieldSequence FieldKind = "sequence"
	FieldDict     FieldKind = "dict"
)

// Field is one named entry of a dictionary observation space.
type Field struct {
	Name string    `json:"name" yaml:"name"`
	Kind FieldKind `json:"kind" yaml:"kind"`
	// Shape is [n] for vectors, [c,h,w] for images and [steps,features] for
	// sequences. Dict fields use Fields instead.
	Shape  []int   `json:"shape,omitempty" yaml:"shape,omitempty"`
	Fields []Field `json:"fields,omitempty" yaml:"fields,omitempty"`
}

func cloneFields(fields []Field) []Field {
	if fields == nil {
		return nil
	}
	out := make([]Field, len(fields))
	for i, f := range fields {
		out[i] = Field{
			Name:   f.Name,
			Kind:   f.Kind,
			Shape:  append([]int(nil), f.Shape...),
			Fields: cloneFields(f.Fields),
		}
	}
	return out
}

// MultiInputConfig describes a composite encoder over a dictionary
// observation. Image fields get a CNN branch, sequence fields an LSTM branch
// and dict fields a nested MultiInput. Vector fields are concatenated raw, or
// through a single vector_mlp branch when VectorSpaceMLP is set.
type MultiInputConfig struct {
	Name             string  `json:"name" yaml:"name"`
	Fields           []Field `json:"fields" yaml:"fields"`
	NumOutputs       int     `json:"num_outputs" yaml:"num_outputs"`
	LatentDim        int     `json:"latent_dim" yaml:"latent_dim"`
	MinLatentDim     int     `json:"min_latent_dim" yaml:"min_latent_dim"`
	MaxLatentDim     int     `json:"max_latent_dim" yaml:"max_latent_dim"`
	VectorSpaceMLP   bool    `json:"vector_space_mlp,omitempty" yaml:"vector_space_mlp,omitempty"`
	Activation       string  `json:"activation" yaml:"activation"`
	OutputActivation string  `json:"output_activation,omitempty" yaml:"output_activation,omitempty"`

	// Templates for branches that have no entry in Children yet.
	CNN  CNNConfig  `json:"cnn" yaml:"cnn"`
	MLP  MLPConfig  `json:"mlp" yaml:"mlp"`
	LSTM LSTMConfig `json:"lstm" yaml:"lstm"`

	// Children records the evolved architecture of each branch by name.
	Children map[string]Descriptor `json:"children,omitempty" yaml:"children,omitempty"`
}

func (c MultiInputConfig) withDefaults() MultiInputConfig {
	if c.Name == "" {
		c.Name = "multi_input"
	}
	if c.LatentDim == 0 {
		c.LatentDim = 32
	}
	if c.MinLatentDim == 0 {
		c.MinLatentDim = 8
	}
	if c.MaxLatentDim == 0 {
		c.MaxLatentDim = 128
	}
	if c.Activation == "" {
		c.Activation = "relu"
	}
	if c.CNN.Activation == "" {
		c.CNN.Activation = c.Activation
	}
	if c.MLP.Activation == "" {
		c.MLP.Activation = c.Activation
	}
	if len(c.CNN.ChannelSize) == 0 {
		d := c.CNN.withDefaults()
		c.CNN.ChannelSize = []int{clamp(16, d.MinChannels, d.MaxChannels)}
		c.CNN.KernelSize = []int{min(3, d.MaxKernelSize)}
		c.CNN.StrideSize = []int{1}
	}
	if len(c.MLP.HiddenSize) == 0 {
		d := c.MLP.withDefaults()
		c.MLP.HiddenSize = []int{d.MinNodes}
	}
	if c.LSTM.HiddenStateSize == 0 {
		d := c.LSTM.withDefaults()
		c.LSTM.HiddenStateSize = clamp(32, d.MinHiddenState, d.MaxHiddenState)
	}
	return c
}

func (c MultiInputConfig) clone() MultiInputConfig {
	c.Fields = cloneFields(c.Fields)
	c.CNN = c.CNN.clone()
	c.MLP = c.MLP.clone()
	if c.Children != nil {
		children := make(map[string]Descriptor, len(c.Children))
		for name, d := range c.Children {
			children[name] = d.Clone()
		}
		c.Children = children
	}
	return c
}

func (c MultiInputConfig) validate() error {
	if len(c.Fields) == 0 {
		return fmt.Errorf("%w: multi_input %q has no fields", ErrInvalidConfig, c.Name)
	}
	if c.NumOutputs <= 0 {
		return fmt.Errorf("%w: multi_input %q needs positive outputs", ErrInvalidConfig, c.Name)
	}
	if c.MinLatentDim < 1 || c.MinLatentDim > c.MaxLatentDim || c.LatentDim < c.MinLatentDim || c.LatentDim > c.MaxLatentDim {
		return fmt.Errorf("%w: multi_input %q latent dim %d, bounds [%d,%d]", ErrInvalidConfig, c.Name, c.LatentDim, c.MinLatentDim, c.MaxLatentDim)
	}
	seen := make(map[string]bool, len(c.Fields))
	for _, f := range c.Fields {
		if f.Name == "" || strings.Contains(f.Name, ".") || f.Name == vectorMLPName || f.Name == finalDenseName {
			return fmt.Errorf("%w: multi_input %q has invalid field name %q", ErrInvalidConfig, c.Name, f.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("%w: multi_input %q has duplicate field %q", ErrInvalidConfig, c.Name, f.Name)
		}
		seen[f.Name] = true
		switch f.Kind {
		case FieldVector:
			if len(f.Shape) != 1 || f.Shape[0] <= 0 {
				return fmt.Errorf("%w: vector field %q shape %v", ErrInvalidConfig, f.Name, f.Shape)
			}
		case FieldImage:
			if len(f.Shape) != 3 {
				return fmt.Errorf("%w: image field %q shape %v", ErrInvalidConfig, f.Name, f.Shape)
			}
		case FieldSequence:
			if len(f.Shape) != 2 || f.Shape[1] <= 0 {
				return fmt.Errorf("%w: sequence field %q shape %v", ErrInvalidConfig, f.Name, f.Shape)
			}
		case FieldDict:
			if len(f.Fields) == 0 {
				return fmt.Errorf("%w: dict field %q has no fields", ErrInvalidConfig, f.Name)
			}
		default:
			return fmt.Errorf("%w: field %q has unknown kind %q", ErrInvalidConfig, f.Name, f.Kind)
		}
	}
	if err := checkActivation(c.Activation); err != nil {
		return err
	}
	return checkActivation(c.OutputActivation)
}

func (c MultiInputConfig) vectorDim() int {
	total := 0
	for _, f := range c.Fields {
		if f.Kind == FieldVector {
			total += f.Shape[0]
		}
	}
	return total
}

// branchDescriptor resolves the descriptor for the branch serving f, bound to
// the field's input shape and the current latent width.
func (c MultiInputConfig) branchDescriptor(f Field) (Descriptor, error) {
	d, ok := c.Children[f.Name]
	if !ok {
		switch f.Kind {
		case FieldImage:
			d = DescribeCNN(c.CNN.clone())
		case FieldSequence:
			d = DescribeLSTM(c.LSTM)
		case FieldDict:
			d = DescribeMultiInput(MultiInputConfig{
				LatentDim:        c.LatentDim,
				MinLatentDim:     c.MinLatentDim,
				MaxLatentDim:     c.MaxLatentDim,
				VectorSpaceMLP:   c.VectorSpaceMLP,
				Activation:       c.Activation,
				OutputActivation: c.OutputActivation,
				CNN:              c.CNN.clone(),
				MLP:              c.MLP.clone(),
				LSTM:             c.LSTM,
			})
		}
	}
	d = d.WithName(f.Name).WithOutputs(c.LatentDim)
	switch {
	case f.Kind == FieldImage && d.Kind == KindCNN:
		d.CNN.InputShape = append([]int(nil), f.Shape...)
	case f.Kind == FieldSequence && d.Kind == KindLSTM:
		d.LSTM.InputSize = f.Shape[1]
	case f.Kind == FieldDict && d.Kind == KindMultiInput:
		d.MultiInput.Fields = cloneFields(f.Fields)
	default:
		return Descriptor{}, fmt.Errorf("%w: field %q of kind %s cannot use a %s branch", ErrInvalidConfig, f.Name, f.Kind, d.Kind)
	}
	return d, nil
}

func (c MultiInputConfig) vectorMLPDescriptor() Descriptor {
	d, ok := c.Children[vectorMLPName]
	if !ok || d.Kind != KindMLP {
		d = DescribeMLP(c.MLP.clone())
	}
	d = d.WithName(vectorMLPName).WithOutputs(c.LatentDim)
	d.MLP.NumInputs = c.vectorDim()
	return d
}

// MultiInput owns one encoder per non-vector field and a final_dense
// projection over the concatenated features.
type MultiInput struct {
	cfg        MultiInputConfig
	children   []Child
	finalDense linearLayer
}

func NewMultiInput(cfg MultiInputConfig, rng *rand.Rand) (*MultiInput, error) {
	cfg = cfg.withDefaults().clone()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m := &MultiInput{cfg: cfg}
	for _, f := range cfg.Fields {
		if f.Kind == FieldVector {
			continue
		}
		d, err := cfg.branchDescriptor(f)
		if err != nil {
			return nil, err
		}
		child, err := Build(d, rng)
		if err != nil {
			return nil, fmt.Errorf("build branch %s: %w", f.Name, err)
		}
		m.children = append(m.children, Child{Name: f.Name, Module: child})
	}
	if cfg.VectorSpaceMLP && cfg.vectorDim() > 0 {
		child, err := Build(cfg.vectorMLPDescriptor(), rng)
		if err != nil {
			return nil, fmt.Errorf("build branch %s: %w", vectorMLPName, err)
		}
		m.children = append(m.children, Child{Name: vectorMLPName, Module: child})
	}
	// Children carries the live architecture from here on.
	m.cfg.Children = nil
	w, b := nn.NewLinearParams(rng, m.featuresDim(), cfg.NumOutputs)
	m.finalDense = linearLayer{weight: w, bias: b}
	return m, nil
}

func (m *MultiInput) featuresDim() int {
	dim := m.cfg.LatentDim * len(m.children)
	if !m.cfg.VectorSpaceMLP {
		dim += m.cfg.vectorDim()
	}
	return dim
}

func (m *MultiInput) Name() string { return m.cfg.Name }
func (m *MultiInput) Kind() Kind { return KindMultiInput }
func (m *MultiInput) OutputDim() int { return m.cfg.NumOutputs }
func (m *MultiInput) Activation() string { return m.cfg.Activation }
func (m *MultiInput) LatentDim() int { return m.cfg.LatentDim }

func (m *MultiInput) Children() []Child {
	return append([]Child(nil), m.children...)
}

// Child returns the branch registered under name.
func (m *MultiInput) Child(name string) (Module, bool) {
	for _, c := range m.children {
		if c.Name == name {
			return c.Module, true
		}
	}
	return nil, false
}

func (m *MultiInput) Forward(in Input) (*tensor.Tensor, error) {
	parts := make([]*tensor.Tensor, 0, len(m.children)+1)
	for _, child := range m.children {
		if child.Name == vectorMLPName {
			continue
		}
		field, ok := in.Fields[child.Name]
		if !ok {
			return nil, fmt.Errorf("%w: multi_input %q missing field %q", ErrShapeMismatch, m.cfg.Name, child.Name)
		}
		y, err := child.Module.Forward(field)
		if err != nil {
			return nil, fmt.Errorf("forward %s: %w", child.Name, err)
		}
		parts = append(parts, y)
	}

	var vectors []*tensor.Tensor
	for _, f := range m.cfg.Fields {
		if f.Kind != FieldVector {
			continue
		}
		field, ok := in.Fields[f.Name]
		if !ok || field.Tensor == nil {
			return nil, fmt.Errorf("%w: multi_input %q missing field %q", ErrShapeMismatch, m.cfg.Name, f.Name)
		}
		if x := field.Tensor; x.Rank() != 2 || x.Shape[1] != f.Shape[0] {
			return nil, fmt.Errorf("%w: vector field %q expects [batch,%d], got %v", ErrShapeMismatch, f.Name, f.Shape[0], x.Shape)
		}
		vectors = append(vectors, field.Tensor)
	}
	if len(vectors) > 0 {
		v, err := tensor.ConcatColumns(vectors...)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrShapeMismatch, err)
		}
		if mlp, ok := m.Child(vectorMLPName); ok {
			if v, err = mlp.Forward(Input{Tensor: v}); err != nil {
				return nil, fmt.Errorf("forward %s: %w", vectorMLPName, err)
			}
		}
		parts = append(parts, v)
	}

	features, err := tensor.ConcatColumns(parts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShapeMismatch, err)
	}
	y, err := nn.Linear(features, m.finalDense.weight, m.finalDense.bias)
	if err != nil {
		return nil, err
	}
	if err := nn.Activate(m.cfg.OutputActivation, y); err != nil {
		return nil, err
	}
	return y, nil
}

func (m *MultiInput) OwnParameters() []Param {
	return []Param{
		{Name: finalDenseName + ".weight", Value: m.finalDense.weight},
		{Name: finalDenseName + ".bias", Value: m.finalDense.bias},
	}
}

func (m *MultiInput) Parameters() []Param {
	var params []Param
	for _, child := range m.children {
		params = append(params, prefixParams(child.Name, child.Module.Parameters())...)
	}
	return append(params, m.OwnParameters()...)
}

func (m *MultiInput) MutationMethods() []Method {
	methods := []Method{
		{Name: OpAddLatentNode, Type: MutationNode},
		{Name: OpRemoveLatentNode, Type: MutationNode},
		{Name: OpChangeActivation, Type: MutationActivation},
	}
	for _, child := range m.children {
		for _, method := range child.Module.MutationMethods() {
			methods = append(methods, Method{Name: child.Name + "." + method.Name, Type: method.Type})
		}
	}
	return methods
}

func (m *MultiInput) Descriptor() Descriptor {
	cfg := m.cfg.clone()
	cfg.Children = make(map[string]Descriptor, len(m.children))
	for _, child := range m.children {
		cfg.Children[child.Name] = child.Module.Descriptor()
	}
	return DescribeMultiInput(cfg)
}

func (m *MultiInput) Clone() Module {
	out := &MultiInput{cfg: m.cfg.clone()}
	out.children = make([]Child, len(m.children))
	for i, child := range m.children {
		out.children[i] = Child{Name: child.Name, Module: child.Module.Clone()}
	}
	out.finalDense = linearLayer{weight: m.finalDense.weight.Clone(), bias: m.finalDense.bias.Clone()}
	return out
}

func (m *MultiInput) Apply(op string, args Args, rng *rand.Rand) (Module, Change, error) {
	switch op {
	case OpAddLatentNode, OpRemoveLatentNode:
		count := pickCount(rng, args, latentChoices)
		before := m.cfg.LatentDim
		after := before + count
		if op == OpRemoveLatentNode {
			after = before - count
		}
		after = clamp(after, m.cfg.MinLatentDim, m.cfg.MaxLatentDim)
		if after == before {
			ch := noop(op, -1, fmt.Sprintf("latent dim %d already at bound [%d,%d]", before, m.cfg.MinLatentDim, m.cfg.MaxLatentDim))
			ch.Count = count
			return m.Clone(), ch, nil
		}
		cfg := *m.Descriptor().MultiInput
		cfg.LatentDim = after
		next, err := NewMultiInput(cfg, rng)
		if err != nil {
			return nil, Change{}, err
		}
		report := Transplant(m, next)
		return next, Change{Operation: op, Layer: -1, Count: count, Before: before, After: after, Notes: report.Notes}, nil

	case OpChangeActivation:
		if err := checkActivation(args.Activation); err != nil {
			return nil, Change{}, err
		}
		out := m.Clone().(*MultiInput)
		for i, child := range out.children {
			if !Supports(child.Module, OpChangeActivation) {
				continue
			}
			next, _, err := child.Module.Apply(OpChangeActivation, Args{Activation: args.Activation, Output: true}, rng)
			if err != nil {
				return nil, Change{}, fmt.Errorf("change activation of %s: %w", child.Name, err)
			}
			out.children[i].Module = next
		}
		out.cfg.Activation = args.Activation
		if args.Output {
			out.cfg.OutputActivation = args.Activation
		}
		return out, Change{Operation: op, Layer: -1, Activation: args.Activation}, nil
	}

	name, rest, ok := strings.Cut(op, ".")
	if !ok {
		return nil, Change{}, unsupported(m, op)
	}
	idx := -1
	for i, child := range m.children {
		if child.Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, Change{}, unsupported(m, op)
	}
	nextChild, ch, err := m.children[idx].Module.Apply(rest, args, rng)
	if err != nil {
		return nil, Change{}, err
	}
	ch.Operation = name + "." + ch.Operation
	if ch.Target == "" {
		ch.Target = name
	} else {
		ch.Target = name + "." + ch.Target
	}
	if ch.NoOp {
		return m.Clone(), ch, nil
	}
	// Branches always project to LatentDim, so the feature width and the
	// cloned final_dense stay valid; the child carries its own transplant.
	out := m.Clone().(*MultiInput)
	out.children[idx].Module = nextChild
	return out, ch, nil
}
