// Package agent holds the population members evolved by internal/evo: named
// evolvable networks with optimizers, scalar hyperparameters and per-generation
// fitness/score/step histories.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"math"
	"math/rand"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"evorl/internal/model"
	"evorl/internal/module"
	"evorl/internal/optim"
	"evorl/internal/tensor"
)

// DefaultLRKey is the hyperparameter that drives optimizer learning rates.
const DefaultLRKey = "lr"

var ErrNetworkNotFound = errors.New("network not found")

// Network is one slot of an individual: an online module, an optional target
// copy with the same architecture, and the optimizer bound to the online
// parameters.
type Network struct {
	Name      string
	Online    module.Module
	Target    module.Module
	Optimizer *optim.Optimizer
	LRKey     string
}

func (n *Network) clone() *Network {
	out := &Network{Name: n.Name, Online: n.Online.Clone(), LRKey: n.LRKey}
	if n.Target != nil {
		out.Target = n.Target.Clone()
	}
	if n.Optimizer != nil {
		out.Optimizer = n.Optimizer.Clone()
	}
	return out
}

type Individual struct {
	ID              string
	Index           int
	Algorithm       string
	Spaces          model.Spaces
	Networks        []*Network
	Hyperparameters map[string]float64
	Fitness         []float64
	Scores          []float64
	Steps           []int
	LastMutation    []model.MutationRecord
}

// NewID derives a UUID from rng so that seeded runs name individuals
// reproducibly.
func NewID(rng io.Reader) string {
	id, err := uuid.NewRandomFromReader(rng)
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (ind *Individual) Network(name string) (*Network, bool) {
	for _, n := range ind.Networks {
		if n.Name == name {
			return n, true
		}
	}
	return nil, false
}

// Clone returns a deep copy that keeps ID and Index.
func (ind *Individual) Clone() *Individual {
	out := &Individual{
		ID:              ind.ID,
		Index:           ind.Index,
		Algorithm:       ind.Algorithm,
		Spaces:          model.Spaces{Observation: cloneFields(ind.Spaces.Observation), ActionDim: ind.Spaces.ActionDim},
		Hyperparameters: maps.Clone(ind.Hyperparameters),
		Fitness:         append([]float64(nil), ind.Fitness...),
		Scores:          append([]float64(nil), ind.Scores...),
		Steps:           append([]int(nil), ind.Steps...),
		LastMutation:    append([]model.MutationRecord(nil), ind.LastMutation...),
	}
	out.Networks = make([]*Network, len(ind.Networks))
	for i, n := range ind.Networks {
		out.Networks[i] = n.clone()
	}
	return out
}

// CloneAs returns a deep copy carrying a new identity.
func (ind *Individual) CloneAs(index int, id string) *Individual {
	out := ind.Clone()
	out.Index = index
	out.ID = id
	return out
}

// EffectiveFitness is the mean of the last evalLoop fitness entries, or of the
// whole history when evalLoop <= 0. An empty history ranks below everything.
func (ind *Individual) EffectiveFitness(evalLoop int) float64 {
	if len(ind.Fitness) == 0 {
		return math.Inf(-1)
	}
	window := ind.Fitness
	if evalLoop > 0 && evalLoop < len(window) {
		window = window[len(window)-evalLoop:]
	}
	return stat.Mean(window, nil)
}

func (ind *Individual) RecordFitness(fitness float64) {
	ind.Fitness = append(ind.Fitness, fitness)
}

func (ind *Individual) RecordScore(score float64) {
	ind.Scores = append(ind.Scores, score)
}

// RecordSteps appends the cumulative step count reached this generation.
func (ind *Individual) RecordSteps(steps int) {
	ind.Steps = append(ind.Steps, steps)
}

// TotalSteps is the most recent cumulative step count.
func (ind *Individual) TotalSteps() int {
	if len(ind.Steps) == 0 {
		return 0
	}
	return ind.Steps[len(ind.Steps)-1]
}

// SetHyperparameter stores value and pushes it to every optimizer whose
// learning rate is keyed on name.
func (ind *Individual) SetHyperparameter(name string, value float64) error {
	for _, n := range ind.Networks {
		if n.Optimizer == nil || n.LRKey != name {
			continue
		}
		if err := n.Optimizer.SetLearningRate(value); err != nil {
			return fmt.Errorf("network %s: %w", n.Name, err)
		}
	}
	if ind.Hyperparameters == nil {
		ind.Hyperparameters = make(map[string]float64)
	}
	ind.Hyperparameters[name] = value
	return nil
}

// ReplaceOnline swaps in a mutated online module for the named network. The
// target is rebuilt from the new descriptor with the old target's overlapping
// weights, and the optimizer is rebuilt by parameter name.
func (ind *Individual) ReplaceOnline(name string, online module.Module, rng *rand.Rand) ([]string, error) {
	n, ok := ind.Network(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNetworkNotFound, name)
	}
	var notes []string
	if n.Target != nil {
		target, err := module.Build(online.Descriptor(), rng)
		if err != nil {
			return nil, fmt.Errorf("rebuild target of %s: %w", name, err)
		}
		report := module.Transplant(n.Target, target)
		for _, note := range report.Notes {
			notes = append(notes, "target: "+note)
		}
		n.Target = target
	}
	if n.Optimizer != nil {
		n.Optimizer, _ = n.Optimizer.Rebuild(online.Parameters())
	}
	n.Online = online
	return notes, nil
}

// SyncTargets copies every online network into its target.
func (ind *Individual) SyncTargets() {
	for _, n := range ind.Networks {
		if n.Target != nil {
			n.Target = n.Online.Clone()
		}
	}
}

// ParameterCount sums the online parameters of every network.
func (ind *Individual) ParameterCount() int {
	total := 0
	for _, n := range ind.Networks {
		total += module.ParameterCount(n.Online)
	}
	return total
}

// Act runs the first network on a batch of observations.
func (ind *Individual) Act(ctx context.Context, obs module.Input) (*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(ind.Networks) == 0 {
		return nil, fmt.Errorf("individual %s has no networks", ind.ID)
	}
	online := ind.Networks[0].Online
	if online.Kind() != module.KindMultiInput && obs.Tensor == nil && len(obs.Fields) == 1 {
		for _, field := range obs.Fields {
			obs = field
		}
	}
	return online.Forward(obs)
}

func cloneFields(fields []module.Field) []module.Field {
	if fields == nil {
		return nil
	}
	out := make([]module.Field, len(fields))
	for i, f := range fields {
		out[i] = module.Field{Name: f.Name, Kind: f.Kind, Shape: append([]int(nil), f.Shape...), Fields: cloneFields(f.Fields)}
	}
	return out
}
