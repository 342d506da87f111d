// Package module defines the evolvable network modules and the
// weight-preserving structural mutations they support.
//
// Every mutation follows the same protocol: derive a new configuration, build a
// fresh module from it, then Transplant the overlapping weights of the old
// module into the new one. The receiver of Apply is never modified.
package module

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"evorl/internal/nn"
	"evorl/internal/tensor"
)

type Kind string

const (
	KindMLP        Kind = "mlp"
	KindCNN        Kind = "cnn"
	KindLSTM       Kind = "lstm"
	KindMultiInput Kind = "multi_input"
)

// MutationType groups mutation methods for the orchestrator.
type MutationType string

const (
	MutationLayer      MutationType = "layer"
	MutationNode       MutationType = "node"
	MutationActivation MutationType = "activation"
)

// Method names shared across module kinds.
const (
	OpAddLayer         = "add_layer"
	OpRemoveLayer      = "remove_layer"
	OpAddNode          = "add_node"
	OpRemoveNode       = "remove_node"
	OpAddChannel       = "add_channel"
	OpRemoveChannel    = "remove_channel"
	OpChangeKernel     = "change_kernel"
	OpChangeStride     = "change_stride"
	OpAddLatentNode    = "add_latent_node"
	OpRemoveLatentNode = "remove_latent_node"
	OpChangeActivation = "change_activation"
)

var (
	ErrUnsupportedMutation = errors.New("unsupported mutation")
	ErrInvalidArgs         = errors.New("invalid mutation arguments")
	ErrInvalidConfig       = errors.New("invalid module config")
	ErrShapeMismatch       = errors.New("module input shape mismatch")
)

type Method struct {
	Name string
	Type MutationType
}

// Args carries optional operation parameters. Zero values request sampling
// from the module's default choices.
type Args struct {
	Layer *int
	// Count is the number of nodes/channels for width operations and the signed
	// step for kernel/stride operations.
	Count      int
	Activation string
	Output     bool
}

// AtLayer is a helper for Args.Layer.
func AtLayer(i int) *int {
	return &i
}

// Change describes the outcome of one Apply call.
type Change struct {
	Operation  string   `json:"operation"`
	Target     string   `json:"target,omitempty"`
	Layer      int      `json:"layer"`
	Count      int      `json:"count,omitempty"`
	Before     int      `json:"before,omitempty"`
	After      int      `json:"after,omitempty"`
	Activation string   `json:"activation,omitempty"`
	NoOp       bool     `json:"no_op,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	Notes      []string `json:"notes,omitempty"`
}

func (c Change) String() string {
	var parts []string
	if c.Layer >= 0 {
		parts = append(parts, fmt.Sprintf("layer=%d", c.Layer))
	}
	if c.Count != 0 {
		parts = append(parts, fmt.Sprintf("count=%d", c.Count))
	}
	if c.Before != 0 || c.After != 0 {
		parts = append(parts, fmt.Sprintf("%d->%d", c.Before, c.After))
	}
	if c.Activation != "" {
		parts = append(parts, "activation="+c.Activation)
	}
	s := c.Operation + "(" + strings.Join(parts, ",") + ")"
	if c.NoOp {
		s += " noop: " + c.Reason
	}
	return s
}

type Param struct {
	Name  string
	Value *tensor.Tensor
}

// Input is a batch of observations. Leaf modules read Tensor; composite
// modules read Fields by name.
type Input struct {
	Tensor *tensor.Tensor
	Fields map[string]Input
}

// Module is the capability interface implemented by every evolvable network.
type Module interface {
	Name() string
	Kind() Kind
	OutputDim() int
	Activation() string
	// Forward returns a [batch, OutputDim()] tensor.
	Forward(in Input) (*tensor.Tensor, error)
	// Parameters returns the live weight tensors under hierarchical names.
	Parameters() []Param
	MutationMethods() []Method
	Apply(op string, args Args, rng *rand.Rand) (Module, Change, error)
	Descriptor() Descriptor
	Clone() Module
}

type Child struct {
	Name   string
	Module Module
}

// Container is implemented by composite modules that own named children.
type Container interface {
	Module
	Children() []Child
	// OwnParameters excludes the children's parameters.
	OwnParameters() []Param
}

// Supports reports whether op is one of m's mutation methods.
func Supports(m Module, op string) bool {
	for _, method := range m.MutationMethods() {
		if method.Name == op {
			return true
		}
	}
	return false
}

// MethodsOfType filters m's mutation methods by type, preserving order.
func MethodsOfType(m Module, typ MutationType) []string {
	var out []string
	for _, method := range m.MutationMethods() {
		if method.Type == typ {
			out = append(out, method.Name)
		}
	}
	return out
}

func ParameterCount(m Module) int {
	total := 0
	for _, p := range m.Parameters() {
		total += p.Value.Len()
	}
	return total
}

func unsupported(m Module, op string) error {
	return fmt.Errorf("%w: %s on %s module %q", ErrUnsupportedMutation, op, m.Kind(), m.Name())
}

func noop(op string, layer int, reason string) Change {
	return Change{Operation: op, Layer: layer, NoOp: true, Reason: reason}
}

func pickLayer(rng *rand.Rand, args Args, n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("%w: no layers to choose from", ErrInvalidArgs)
	}
	if args.Layer != nil {
		if *args.Layer < 0 || *args.Layer >= n {
			return 0, fmt.Errorf("%w: layer %d out of range [0,%d)", ErrInvalidArgs, *args.Layer, n)
		}
		return *args.Layer, nil
	}
	return rng.Intn(n), nil
}

func pickCount(rng *rand.Rand, args Args, choices []int) int {
	if args.Count != 0 {
		if args.Count < 0 {
			return -args.Count
		}
		return args.Count
	}
	return choices[rng.Intn(len(choices))]
}

func pickStep(rng *rand.Rand, args Args) int {
	if args.Count != 0 {
		return args.Count
	}
	if rng.Intn(2) == 0 {
		return -1
	}
	return 1
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func checkActivation(name string) error {
	if _, err := nn.GetActivation(name); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	return nil
}

func cloneParams(params []Param) []Param {
	out := make([]Param, len(params))
	for i, p := range params {
		out[i] = Param{Name: p.Name, Value: p.Value.Clone()}
	}
	return out
}

func prefixParams(prefix string, params []Param) []Param {
	out := make([]Param, len(params))
	for i, p := range params {
		out[i] = Param{Name: prefix + "." + p.Name, Value: p.Value}
	}
	return out
}
