package module

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strings"
)

// Descriptor is the serializable architecture of a module: a tagged variant
// over the closed set of module kinds.
type Descriptor struct {
	Kind       Kind              `json:"kind" yaml:"kind"`
	MLP        *MLPConfig        `json:"mlp,omitempty" yaml:"mlp,omitempty"`
	CNN        *CNNConfig        `json:"cnn,omitempty" yaml:"cnn,omitempty"`
	LSTM       *LSTMConfig       `json:"lstm,omitempty" yaml:"lstm,omitempty"`
	MultiInput *MultiInputConfig `json:"multi_input,omitempty" yaml:"multi_input,omitempty"`
}

// Build constructs a freshly initialized module from d.
func Build(d Descriptor, rng *rand.Rand) (Module, error) {
	switch d.Kind {
	case KindMLP:
		if d.MLP == nil {
			return nil, fmt.Errorf("%w: mlp descriptor without config", ErrInvalidConfig)
		}
		return NewMLP(*d.MLP, rng)
	case KindCNN:
		if d.CNN == nil {
			return nil, fmt.Errorf("%w: cnn descriptor without config", ErrInvalidConfig)
		}
		return NewCNN(*d.CNN, rng)
	case KindLSTM:
		if d.LSTM == nil {
			return nil, fmt.Errorf("%w: lstm descriptor without config", ErrInvalidConfig)
		}
		return NewLSTM(*d.LSTM, rng)
	case KindMultiInput:
		if d.MultiInput == nil {
			return nil, fmt.Errorf("%w: multi_input descriptor without config", ErrInvalidConfig)
		}
		return NewMultiInput(*d.MultiInput, rng)
	default:
		return nil, fmt.Errorf("%w: unknown module kind %q", ErrInvalidConfig, d.Kind)
	}
}

// Clone deep-copies the descriptor so callers can edit it freely.
func (d Descriptor) Clone() Descriptor {
	out := Descriptor{Kind: d.Kind}
	if d.MLP != nil {
		c := d.MLP.clone()
		out.MLP = &c
	}
	if d.CNN != nil {
		c := d.CNN.clone()
		out.CNN = &c
	}
	if d.LSTM != nil {
		c := d.LSTM.clone()
		out.LSTM = &c
	}
	if d.MultiInput != nil {
		c := d.MultiInput.clone()
		out.MultiInput = &c
	}
	return out
}

// Summary renders the architecture on one line, e.g. "mlp[64,64] relu".
func (d Descriptor) Summary() string {
	switch {
	case d.Kind == KindMLP && d.MLP != nil:
		return fmt.Sprintf("mlp%s %s", ints(d.MLP.HiddenSize), orDefault(d.MLP.Activation, "relu"))
	case d.Kind == KindCNN && d.CNN != nil:
		return fmt.Sprintf("cnn%s k%s s%s %s", ints(d.CNN.ChannelSize), ints(d.CNN.KernelSize), ints(d.CNN.StrideSize), orDefault(d.CNN.Activation, "relu"))
	case d.Kind == KindLSTM && d.LSTM != nil:
		return fmt.Sprintf("lstm[%dx%d]", max(d.LSTM.NumLayers, 1), d.LSTM.HiddenStateSize)
	case d.Kind == KindMultiInput && d.MultiInput != nil:
		names := make([]string, 0, len(d.MultiInput.Children))
		for name := range d.MultiInput.Children {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := []string{fmt.Sprintf("latent=%d", d.MultiInput.LatentDim)}
		for _, name := range names {
			parts = append(parts, name+"="+d.MultiInput.Children[name].Summary())
		}
		return "multi_input(" + strings.Join(parts, "; ") + ")"
	}
	return string(d.Kind)
}

func ints(v []int) string {
	s := make([]string, len(v))
	for i, n := range v {
		s[i] = fmt.Sprint(n)
	}
	return "[" + strings.Join(s, ",") + "]"
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func (d Descriptor) MarshalIndent() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

// DescribeMLP and friends wrap a config in its tagged descriptor.
func DescribeMLP(cfg MLPConfig) Descriptor {
	return Descriptor{Kind: KindMLP, MLP: &cfg}
}

func DescribeCNN(cfg CNNConfig) Descriptor {
	return Descriptor{Kind: KindCNN, CNN: &cfg}
}

func DescribeLSTM(cfg LSTMConfig) Descriptor {
	return Descriptor{Kind: KindLSTM, LSTM: &cfg}
}

func DescribeMultiInput(cfg MultiInputConfig) Descriptor {
	return Descriptor{Kind: KindMultiInput, MultiInput: &cfg}
}

// WithOutputs returns a copy of d whose head produces n outputs.
func (d Descriptor) WithOutputs(n int) Descriptor {
	out := d.Clone()
	switch out.Kind {
	case KindMLP:
		out.MLP.NumOutputs = n
	case KindCNN:
		out.CNN.NumOutputs = n
	case KindLSTM:
		out.LSTM.NumOutputs = n
	case KindMultiInput:
		out.MultiInput.NumOutputs = n
	}
	return out
}

// WithName returns a copy of d with the module name replaced.
func (d Descriptor) WithName(name string) Descriptor {
	out := d.Clone()
	switch out.Kind {
	case KindMLP:
		out.MLP.Name = name
	case KindCNN:
		out.CNN.Name = name
	case KindLSTM:
		out.LSTM.Name = name
	case KindMultiInput:
		out.MultiInput.Name = name
	}
	return out
}
