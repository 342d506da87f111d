package agent

import (
	"errors"
	"fmt"
	"maps"
	"math/rand"

	"evorl/internal/model"
	"evorl/internal/module"
	"evorl/internal/optim"
)

var ErrInvalidSpec = errors.New("invalid population spec")

// NetworkSpec describes one network slot shared by every member of a
// population.
type NetworkSpec struct {
	Name string `json:"name" yaml:"name"`
	// Encoder is bound to the observation space; its input fields are filled
	// from Spaces.
	Encoder module.Descriptor `json:"encoder" yaml:"encoder"`
	// Outputs defaults to the action dimension.
	Outputs   int          `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Target    bool         `json:"target,omitempty" yaml:"target,omitempty"`
	Optimizer optim.Config `json:"optimizer" yaml:"optimizer"`
	LRKey     string       `json:"lr_key,omitempty" yaml:"lr_key,omitempty"`
}

type PopulationSpec struct {
	Algorithm       string             `json:"algorithm" yaml:"algorithm"`
	Spaces          model.Spaces       `json:"spaces" yaml:"spaces"`
	Networks        []NetworkSpec      `json:"networks" yaml:"networks"`
	Hyperparameters map[string]float64 `json:"hyperparameters" yaml:"hyperparameters"`
}

// CreatePopulation builds size freshly initialized individuals with indices
// 0..size-1.
func CreatePopulation(spec PopulationSpec, size int, rng *rand.Rand) ([]*Individual, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: population size must be > 0, got %d", ErrInvalidSpec, size)
	}
	if len(spec.Networks) == 0 {
		return nil, fmt.Errorf("%w: at least one network is required", ErrInvalidSpec)
	}
	if spec.Spaces.ActionDim <= 0 {
		return nil, fmt.Errorf("%w: action dim must be > 0", ErrInvalidSpec)
	}
	seen := make(map[string]bool, len(spec.Networks))
	descriptors := make([]module.Descriptor, len(spec.Networks))
	for i, ns := range spec.Networks {
		if ns.Name == "" || seen[ns.Name] {
			return nil, fmt.Errorf("%w: network names must be unique and non-empty, got %q", ErrInvalidSpec, ns.Name)
		}
		seen[ns.Name] = true
		d, err := BindEncoder(ns.Encoder, spec.Spaces, ns.Outputs)
		if err != nil {
			return nil, fmt.Errorf("network %s: %w", ns.Name, err)
		}
		descriptors[i] = d.WithName(ns.Name)
	}

	pop := make([]*Individual, 0, size)
	for idx := 0; idx < size; idx++ {
		ind := &Individual{
			ID:              NewID(rng),
			Index:           idx,
			Algorithm:       spec.Algorithm,
			Spaces:          model.Spaces{Observation: cloneFields(spec.Spaces.Observation), ActionDim: spec.Spaces.ActionDim},
			Hyperparameters: maps.Clone(spec.Hyperparameters),
		}
		if ind.Hyperparameters == nil {
			ind.Hyperparameters = make(map[string]float64)
		}
		for i, ns := range spec.Networks {
			n, err := newNetwork(ns, descriptors[i], ind.Hyperparameters, rng)
			if err != nil {
				return nil, fmt.Errorf("individual %d network %s: %w", idx, ns.Name, err)
			}
			ind.Networks = append(ind.Networks, n)
		}
		pop = append(pop, ind)
	}
	return pop, nil
}

func newNetwork(ns NetworkSpec, d module.Descriptor, hp map[string]float64, rng *rand.Rand) (*Network, error) {
	online, err := module.Build(d, rng)
	if err != nil {
		return nil, err
	}
	n := &Network{Name: ns.Name, Online: online, LRKey: ns.LRKey}
	if n.LRKey == "" {
		n.LRKey = DefaultLRKey
	}
	if ns.Target {
		n.Target = online.Clone()
	}
	cfg := ns.Optimizer
	if lr, ok := hp[n.LRKey]; ok {
		cfg.LR = lr
	} else if cfg.LR > 0 {
		hp[n.LRKey] = cfg.LR
	}
	opt, err := optim.New(cfg, online.Parameters())
	if err != nil {
		return nil, err
	}
	n.Optimizer = opt
	return n, nil
}

// BindEncoder fills the input side of d from the observation space and sets
// the head width. Leaf encoders require a single observation field of the
// matching kind.
func BindEncoder(d module.Descriptor, spaces model.Spaces, outputs int) (module.Descriptor, error) {
	if !hasConfig(d) {
		return module.Descriptor{}, fmt.Errorf("%w: encoder of kind %q has no config", ErrInvalidSpec, d.Kind)
	}
	if outputs <= 0 {
		outputs = spaces.ActionDim
	}
	d = d.WithOutputs(outputs)
	if d.Kind == module.KindMultiInput {
		d.MultiInput.Fields = cloneFields(spaces.Observation)
		return d, nil
	}
	if len(spaces.Observation) != 1 {
		return module.Descriptor{}, fmt.Errorf("%w: %s encoder needs exactly one observation field, got %d", ErrInvalidSpec, d.Kind, len(spaces.Observation))
	}
	f := spaces.Observation[0]
	switch {
	case d.Kind == module.KindMLP && f.Kind == module.FieldVector && len(f.Shape) == 1:
		d.MLP.NumInputs = f.Shape[0]
	case d.Kind == module.KindCNN && f.Kind == module.FieldImage:
		d.CNN.InputShape = append([]int(nil), f.Shape...)
	case d.Kind == module.KindLSTM && f.Kind == module.FieldSequence && len(f.Shape) == 2:
		d.LSTM.InputSize = f.Shape[1]
	default:
		return module.Descriptor{}, fmt.Errorf("%w: %s encoder cannot read %s field %q", ErrInvalidSpec, d.Kind, f.Kind, f.Name)
	}
	return d, nil
}

func hasConfig(d module.Descriptor) bool {
	switch d.Kind {
	case module.KindMLP:
		return d.MLP != nil
	case module.KindCNN:
		return d.CNN != nil
	case module.KindLSTM:
		return d.LSTM != nil
	case module.KindMultiInput:
		return d.MultiInput != nil
	}
	return false
}
