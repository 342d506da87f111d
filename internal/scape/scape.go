// Package scape provides small supervised environments used to drive the
// evolution loop end to end. Each scape is both an evaluator and a trainer.
package scape

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"evorl/internal/agent"
	"evorl/internal/model"
)

var (
	ErrScapeExists   = errors.New("scape already registered")
	ErrScapeNotFound = errors.New("scape not found")
)

type Trace map[string]any

type Scape interface {
	Name() string
	Spaces() model.Spaces
	Evaluate(ctx context.Context, ind *agent.Individual) (float64, error)
	EvaluateTrace(ctx context.Context, ind *agent.Individual) (float64, Trace, error)
	Train(ctx context.Context, ind *agent.Individual) (int, error)
}

// Factory builds a scape whose data is drawn from seed.
type Factory func(seed int64) Scape

var registry = struct {
	mu sync.RWMutex
	m  map[string]Factory
}{
	m: make(map[string]Factory),
}

func Register(name string, factory Factory) error {
	if name == "" {
		return errors.New("scape name is required")
	}
	if factory == nil {
		return errors.New("scape factory is required")
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, ok := registry.m[name]; ok {
		return fmt.Errorf("%w: %s", ErrScapeExists, name)
	}
	registry.m[name] = factory
	return nil
}

func New(name string, seed int64) (Scape, error) {
	registry.mu.RLock()
	factory, ok := registry.m[name]
	registry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScapeNotFound, name)
	}
	return factory(seed), nil
}

func Names() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	names := make([]string, 0, len(registry.m))
	for name := range registry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	for name, factory := range map[string]Factory{
		RegressionName: func(seed int64) Scape { return NewRegression(seed) },
		MultiInputName: func(seed int64) Scape { return NewMultiInput(seed) },
	} {
		if err := Register(name, factory); err != nil {
			panic(err)
		}
	}
}
