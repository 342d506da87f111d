package scape

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"evorl/internal/agent"
	"evorl/internal/module"
	"evorl/internal/optim"
)

func newIndividual(t *testing.T, s Scape, encoder module.Descriptor, hp map[string]float64) *agent.Individual {
	t.Helper()
	pop, err := agent.CreatePopulation(agent.PopulationSpec{
		Algorithm: "supervised",
		Spaces:    s.Spaces(),
		Networks: []agent.NetworkSpec{{
			Name:      "actor",
			Encoder:   encoder,
			Optimizer: optim.Config{Name: optim.SGD, LR: 0.1},
		}},
		Hyperparameters: hp,
	}, 1, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("create population: %v", err)
	}
	return pop[0]
}

func TestRegistry(t *testing.T) {
	names := Names()
	if len(names) != 2 || names[0] != MultiInputName || names[1] != RegressionName {
		t.Fatalf("unexpected scapes %v", names)
	}
	s, err := New(RegressionName, 3)
	if err != nil {
		t.Fatalf("new scape: %v", err)
	}
	if s.Name() != RegressionName {
		t.Fatalf("unexpected name %s", s.Name())
	}
	if _, err := New("cart-pole", 1); !errors.Is(err, ErrScapeNotFound) {
		t.Fatalf("expected ErrScapeNotFound, got %v", err)
	}
	if err := Register(RegressionName, func(int64) Scape { return NewRegression(0) }); !errors.Is(err, ErrScapeExists) {
		t.Fatalf("expected ErrScapeExists, got %v", err)
	}
}

func TestRegressionTrainingImprovesFitness(t *testing.T) {
	s := NewRegression(5)
	ind := newIndividual(t, s,
		module.DescribeMLP(module.MLPConfig{HiddenSize: []int{16}, MinNodes: 8, MaxNodes: 64}),
		map[string]float64{"batch_size": regressionSamples, "learn_step": 1},
	)
	ctx := context.Background()
	before, trace, err := s.EvaluateTrace(ctx, ind)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if mse := trace["mse"].(float64); math.Abs(1-mse-before) > 1e-12 {
		t.Fatalf("fitness %v does not match mse %v", before, mse)
	}
	for i := 0; i < 5; i++ {
		steps, err := s.Train(ctx, ind)
		if err != nil {
			t.Fatalf("train: %v", err)
		}
		if steps != regressionSamples {
			t.Fatalf("expected %d steps, got %d", regressionSamples, steps)
		}
		ind.RecordSteps(ind.TotalSteps() + steps)
	}
	after, err := s.Evaluate(ctx, ind)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if after <= before {
		t.Fatalf("expected fitness to improve, before=%v after=%v", before, after)
	}
	if ind.Networks[0].Optimizer.Steps() != 5 {
		t.Fatalf("expected 5 optimizer steps, got %d", ind.Networks[0].Optimizer.Steps())
	}
}

func TestMultiInputScape(t *testing.T) {
	s := NewMultiInput(7)
	ind := newIndividual(t, s,
		module.DescribeMultiInput(module.MultiInputConfig{LatentDim: 8}),
		map[string]float64{"batch_size": 8, "learn_step": 2},
	)
	ctx := context.Background()
	fitness, err := s.Evaluate(ctx, ind)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if math.IsNaN(fitness) || math.IsInf(fitness, 0) {
		t.Fatalf("expected finite fitness, got %v", fitness)
	}
	steps, err := s.Train(ctx, ind)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if steps != 16 {
		t.Fatalf("expected 16 steps, got %d", steps)
	}
}

func TestEvaluateRejectsWrongHead(t *testing.T) {
	s := NewRegression(1)
	ind := newIndividual(t, s, module.DescribeMLP(module.MLPConfig{HiddenSize: []int{16}, MinNodes: 8, MaxNodes: 64}), nil)
	ind.Spaces.ActionDim = 3
	d, err := agent.BindEncoder(ind.Networks[0].Online.Descriptor(), ind.Spaces, 3)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	wide, err := module.Build(d, rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ind.Networks[0].Online = wide
	if _, err := s.Evaluate(context.Background(), ind); err == nil {
		t.Fatal("expected shape mismatch error")
	}
}
