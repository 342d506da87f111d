package agent

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"evorl/internal/model"
	"evorl/internal/module"
	"evorl/internal/optim"
	"evorl/internal/tensor"
)

func vectorSpaces() model.Spaces {
	return model.Spaces{
		Observation: []module.Field{{Name: "obs", Kind: module.FieldVector, Shape: []int{4}}},
		ActionDim:   2,
	}
}

func testSpec() PopulationSpec {
	return PopulationSpec{
		Algorithm: "dqn",
		Spaces:    vectorSpaces(),
		Networks: []NetworkSpec{{
			Name:      "actor",
			Encoder:   module.DescribeMLP(module.MLPConfig{HiddenSize: []int{16}, MinNodes: 8, MaxNodes: 64}),
			Target:    true,
			Optimizer: optim.Config{Name: optim.Adam, LR: 1e-3},
		}},
		Hyperparameters: map[string]float64{"batch_size": 32},
	}
}

func newTestPopulation(t *testing.T, size int, seed int64) []*Individual {
	t.Helper()
	pop, err := CreatePopulation(testSpec(), size, rand.New(rand.NewSource(seed)))
	if err != nil {
		t.Fatalf("create population: %v", err)
	}
	return pop
}

func TestCreatePopulation(t *testing.T) {
	pop := newTestPopulation(t, 4, 1)
	if len(pop) != 4 {
		t.Fatalf("expected 4 individuals, got %d", len(pop))
	}
	ids := map[string]bool{}
	for i, ind := range pop {
		if ind.Index != i {
			t.Fatalf("individual %d has index %d", i, ind.Index)
		}
		if ids[ind.ID] {
			t.Fatalf("duplicate id %s", ind.ID)
		}
		ids[ind.ID] = true
		actor, ok := ind.Network("actor")
		if !ok {
			t.Fatal("expected actor network")
		}
		if actor.Online.OutputDim() != 2 {
			t.Fatalf("expected action-sized head, got %d", actor.Online.OutputDim())
		}
		if actor.Target == nil {
			t.Fatal("expected target network")
		}
		if got := ind.Hyperparameters[DefaultLRKey]; got != 1e-3 {
			t.Fatalf("expected lr hyperparameter seeded from optimizer, got %v", got)
		}
	}
}

func TestCreatePopulationDeterministic(t *testing.T) {
	a := newTestPopulation(t, 3, 7)
	b := newTestPopulation(t, 3, 7)
	for i := range a {
		if a[i].ID != b[i].ID {
			t.Fatalf("ids differ at %d: %s vs %s", i, a[i].ID, b[i].ID)
		}
		sa := module.State(a[i].Networks[0].Online)
		sb := module.State(b[i].Networks[0].Online)
		for name, v := range sa {
			if !v.Equal(sb[name]) {
				t.Fatalf("weights differ for %s", name)
			}
		}
	}
}

func TestCreatePopulationRejectsBadSpec(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	if _, err := CreatePopulation(testSpec(), 0, rng); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("expected ErrInvalidSpec for empty population, got %v", err)
	}
	spec := testSpec()
	spec.Networks[0].Encoder = module.DescribeCNN(module.CNNConfig{ChannelSize: []int{8}, KernelSize: []int{3}, StrideSize: []int{1}})
	if _, err := CreatePopulation(spec, 2, rng); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("expected ErrInvalidSpec for cnn on vector obs, got %v", err)
	}
	spec = testSpec()
	spec.Networks = append(spec.Networks, spec.Networks[0])
	if _, err := CreatePopulation(spec, 2, rng); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("expected ErrInvalidSpec for duplicate network names, got %v", err)
	}
}

func TestBindEncoderMultiInput(t *testing.T) {
	spaces := model.Spaces{
		Observation: []module.Field{
			{Name: "camera", Kind: module.FieldImage, Shape: []int{1, 6, 6}},
			{Name: "position", Kind: module.FieldVector, Shape: []int{3}},
		},
		ActionDim: 3,
	}
	d, err := BindEncoder(module.DescribeMultiInput(module.MultiInputConfig{LatentDim: 8}), spaces, 0)
	if err != nil {
		t.Fatalf("bind encoder: %v", err)
	}
	m, err := module.Build(d, rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if m.OutputDim() != 3 {
		t.Fatalf("expected 3 outputs, got %d", m.OutputDim())
	}
	spaces.Observation[0].Shape[1] = 99
	if d.MultiInput.Fields[0].Shape[1] != 6 {
		t.Fatal("expected bound fields to be copied")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	ind := newTestPopulation(t, 1, 2)[0]
	ind.RecordFitness(1)
	clone := ind.CloneAs(5, "other")
	if clone.ID != "other" || clone.Index != 5 {
		t.Fatalf("unexpected identity %s/%d", clone.ID, clone.Index)
	}
	clone.RecordFitness(2)
	clone.Hyperparameters["batch_size"] = 64
	clone.Networks[0].Online.Parameters()[0].Value.Data[0] += 10

	if len(ind.Fitness) != 1 {
		t.Fatalf("parent fitness changed: %v", ind.Fitness)
	}
	if ind.Hyperparameters["batch_size"] != 32 {
		t.Fatal("parent hyperparameters changed")
	}
	a := ind.Networks[0].Online.Parameters()[0].Value.Data[0]
	b := clone.Networks[0].Online.Parameters()[0].Value.Data[0]
	if a == b {
		t.Fatal("parent weights changed with clone")
	}
}

func TestEffectiveFitness(t *testing.T) {
	ind := &Individual{}
	if got := ind.EffectiveFitness(1); !math.IsInf(got, -1) {
		t.Fatalf("expected -Inf for empty history, got %v", got)
	}
	for _, f := range []float64{1, 2, 3, 6} {
		ind.RecordFitness(f)
	}
	if got := ind.EffectiveFitness(1); got != 6 {
		t.Fatalf("expected last fitness, got %v", got)
	}
	if got := ind.EffectiveFitness(2); got != 4.5 {
		t.Fatalf("expected mean of last two, got %v", got)
	}
	if got := ind.EffectiveFitness(0); got != 3 {
		t.Fatalf("expected mean of all, got %v", got)
	}
	if got := ind.EffectiveFitness(10); got != 3 {
		t.Fatalf("expected mean of all for long window, got %v", got)
	}
}

func TestStepsHistory(t *testing.T) {
	ind := &Individual{}
	if ind.TotalSteps() != 0 {
		t.Fatal("expected zero steps")
	}
	ind.RecordSteps(100)
	ind.RecordSteps(250)
	if ind.TotalSteps() != 250 {
		t.Fatalf("expected 250 steps, got %d", ind.TotalSteps())
	}
}

func TestSetHyperparameterUpdatesLearningRate(t *testing.T) {
	ind := newTestPopulation(t, 1, 3)[0]
	if err := ind.SetHyperparameter(DefaultLRKey, 0.05); err != nil {
		t.Fatalf("set lr: %v", err)
	}
	if got := ind.Networks[0].Optimizer.LearningRate(); got != 0.05 {
		t.Fatalf("expected optimizer lr 0.05, got %v", got)
	}
	if err := ind.SetHyperparameter("batch_size", 16); err != nil {
		t.Fatalf("set batch size: %v", err)
	}
	if got := ind.Networks[0].Optimizer.LearningRate(); got != 0.05 {
		t.Fatalf("unrelated hyperparameter changed lr to %v", got)
	}
	if err := ind.SetHyperparameter(DefaultLRKey, -1); !errors.Is(err, optim.ErrInvalidConfig) {
		t.Fatalf("expected invalid lr error, got %v", err)
	}
}

func TestReplaceOnlineRebuildsTargetAndOptimizer(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	ind := newTestPopulation(t, 1, 4)[0]
	actor := ind.Networks[0]
	oldTarget := module.State(actor.Target)

	grown, change, err := actor.Online.Apply(module.OpAddNode, module.Args{Layer: module.AtLayer(0), Count: 16}, rng)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if change.NoOp {
		t.Fatalf("unexpected noop: %s", change)
	}
	if _, err := ind.ReplaceOnline("actor", grown, rng); err != nil {
		t.Fatalf("replace online: %v", err)
	}
	if actor.Online != grown {
		t.Fatal("expected online module to be replaced")
	}
	w := actor.Target.Parameters()[0].Value
	if w.Shape[0] != 32 {
		t.Fatalf("expected target to follow new width, got %v", w.Shape)
	}
	old := oldTarget["linear_layer_0.weight"]
	if w.At(0, 0) != old.At(0, 0) {
		t.Fatal("expected overlapping target weights to be kept")
	}
	names := actor.Optimizer.Names()
	if len(names) != len(actor.Online.Parameters()) {
		t.Fatalf("optimizer tracks %d params, module has %d", len(names), len(actor.Online.Parameters()))
	}
	if _, err := ind.ReplaceOnline("missing", grown, rng); !errors.Is(err, ErrNetworkNotFound) {
		t.Fatalf("expected ErrNetworkNotFound, got %v", err)
	}
}

func TestSnapshotRestore(t *testing.T) {
	ind := newTestPopulation(t, 1, 5)[0]
	ind.RecordFitness(3.5)
	ind.RecordScore(10)
	ind.RecordSteps(128)
	params := ind.Networks[0].Online.Parameters()
	grads := map[string]*tensor.Tensor{params[0].Name: tensor.New(params[0].Value.Shape...)}
	if err := ind.Networks[0].Optimizer.Step(params, grads); err != nil {
		t.Fatalf("step: %v", err)
	}

	cp := Snapshot(ind, "run-1", 2)
	if cp.RunID != "run-1" || cp.Generation != 2 {
		t.Fatalf("unexpected checkpoint header %+v", cp)
	}
	restored, err := Restore(cp)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.ID != ind.ID || restored.Index != ind.Index {
		t.Fatal("identity not restored")
	}
	if restored.EffectiveFitness(1) != 3.5 || restored.TotalSteps() != 128 {
		t.Fatal("histories not restored")
	}
	if restored.Networks[0].Optimizer.Steps() != 1 {
		t.Fatalf("expected optimizer steps restored, got %d", restored.Networks[0].Optimizer.Steps())
	}
	want := module.State(ind.Networks[0].Target)
	for name, v := range module.State(restored.Networks[0].Target) {
		if !v.Equal(want[name]) {
			t.Fatalf("target parameter %s differs", name)
		}
	}

	obs := module.Input{Tensor: tensor.New(2, 4)}
	a, err := ind.Act(context.Background(), obs)
	if err != nil {
		t.Fatalf("act: %v", err)
	}
	b, err := restored.Act(context.Background(), obs)
	if err != nil {
		t.Fatalf("act restored: %v", err)
	}
	if !a.Equal(b) {
		t.Fatal("restored individual acts differently")
	}
}

func TestActUnwrapsSingleField(t *testing.T) {
	ind := newTestPopulation(t, 1, 6)[0]
	obs := module.Input{Fields: map[string]module.Input{"obs": {Tensor: tensor.New(3, 4)}}}
	out, err := ind.Act(context.Background(), obs)
	if err != nil {
		t.Fatalf("act: %v", err)
	}
	if out.Shape[0] != 3 || out.Shape[1] != 2 {
		t.Fatalf("unexpected action shape %v", out.Shape)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ind.Act(ctx, obs); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled context error, got %v", err)
	}
}
