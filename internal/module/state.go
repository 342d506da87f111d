package module

import (
	"errors"
	"fmt"
	"math/rand"

	"evorl/internal/tensor"
)

var ErrStateMismatch = errors.New("module state mismatch")

// State returns a deep copy of every parameter of m keyed by name.
func State(m Module) map[string]*tensor.Tensor {
	params := m.Parameters()
	out := make(map[string]*tensor.Tensor, len(params))
	for _, p := range params {
		out[p.Name] = p.Value.Clone()
	}
	return out
}

// LoadState copies state into m. Every parameter of m must be present with an
// identical shape; extra entries are rejected too.
func LoadState(m Module, state map[string]*tensor.Tensor) error {
	params := m.Parameters()
	if len(params) != len(state) {
		return fmt.Errorf("%w: module %q has %d parameters, state has %d", ErrStateMismatch, m.Name(), len(params), len(state))
	}
	for _, p := range params {
		src, ok := state[p.Name]
		if !ok {
			return fmt.Errorf("%w: missing parameter %s", ErrStateMismatch, p.Name)
		}
		if !src.SameShape(p.Value) {
			return fmt.Errorf("%w: parameter %s shape %v, want %v", ErrStateMismatch, p.Name, src.Shape, p.Value.Shape)
		}
		copy(p.Value.Data, src.Data)
	}
	return nil
}

// Restore rebuilds a module from its descriptor and loads its weights.
func Restore(d Descriptor, state map[string]*tensor.Tensor) (Module, error) {
	// Every weight is overwritten by LoadState, so the init seed is irrelevant.
	m, err := Build(d, rand.New(rand.NewSource(0)))
	if err != nil {
		return nil, err
	}
	if err := LoadState(m, state); err != nil {
		return nil, err
	}
	return m, nil
}
