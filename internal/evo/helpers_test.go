package evo

import (
	"context"
	"math/rand"
	"testing"

	"evorl/internal/agent"
	"evorl/internal/model"
	"evorl/internal/module"
	"evorl/internal/optim"
	"evorl/internal/tensor"
)

func testPopulationSpec() agent.PopulationSpec {
	return agent.PopulationSpec{
		Algorithm: "dqn",
		Spaces: model.Spaces{
			Observation: []module.Field{{Name: "obs", Kind: module.FieldVector, Shape: []int{4}}},
			ActionDim:   2,
		},
		Networks: []agent.NetworkSpec{{
			Name:      "actor",
			Encoder:   module.DescribeMLP(module.MLPConfig{HiddenSize: []int{16}, MinNodes: 8, MaxNodes: 64}),
			Target:    true,
			Optimizer: optim.Config{Name: optim.Adam, LR: 1e-3},
		}},
		Hyperparameters: map[string]float64{"batch_size": 32, "learn_step": 2},
	}
}

func newTestPopulation(t *testing.T, size int, seed int64) []*agent.Individual {
	t.Helper()
	pop, err := agent.CreatePopulation(testPopulationSpec(), size, rand.New(rand.NewSource(seed)))
	if err != nil {
		t.Fatalf("create population: %v", err)
	}
	return pop
}

// withFitness builds individuals whose only fitness entries are the given
// values, one per individual.
func withFitness(t *testing.T, values ...float64) []*agent.Individual {
	t.Helper()
	pop := newTestPopulation(t, len(values), 11)
	for i, v := range values {
		pop[i].RecordFitness(v)
	}
	return pop
}

func fixedBatch() module.Input {
	x := tensor.New(2, 4)
	for i := range x.Data {
		x.Data[i] = float64(i%5) / 5
	}
	return module.Input{Tensor: x}
}

// meanAction scores an individual by its mean output on a fixed batch.
func meanAction(ctx context.Context, ind *agent.Individual) (float64, error) {
	out, err := ind.Act(ctx, fixedBatch())
	if err != nil {
		return 0, err
	}
	sum := 0.0
	for _, v := range out.Data {
		sum += v
	}
	return sum / float64(len(out.Data)), nil
}

func assertConsistent(t *testing.T, ind *agent.Individual) {
	t.Helper()
	for _, n := range ind.Networks {
		out, err := n.Online.Forward(fixedBatch())
		if err != nil {
			t.Fatalf("%s forward: %v", n.Name, err)
		}
		if out.Shape[0] != 2 || out.Shape[1] != n.Online.OutputDim() {
			t.Fatalf("%s output shape %v, want [2 %d]", n.Name, out.Shape, n.Online.OutputDim())
		}
		online := module.State(n.Online)
		if n.Target != nil {
			target := module.State(n.Target)
			if len(target) != len(online) {
				t.Fatalf("%s target has %d params, online %d", n.Name, len(target), len(online))
			}
			for name, v := range online {
				if !target[name].SameShape(v) {
					t.Fatalf("%s target %s shape %v, online %v", n.Name, name, target[name].Shape, v.Shape)
				}
			}
		}
		if got := len(n.Optimizer.Names()); got != len(online) {
			t.Fatalf("%s optimizer tracks %d params, online has %d", n.Name, got, len(online))
		}
	}
}
