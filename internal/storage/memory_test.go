package storage

import (
	"context"
	"errors"
	"testing"

	"evorl/internal/model"
)

func TestMemoryStoreCheckpointReadsAreIndependent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	in := sampleCheckpoint(t, "c1")
	if err := store.SaveCheckpoint(ctx, in); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
	first, ok, err := store.GetCheckpoint(ctx, "c1")
	if err != nil || !ok {
		t.Fatalf("get checkpoint: ok=%t err=%v", ok, err)
	}
	for _, v := range first.Networks[0].OnlineState {
		v.Data[0] = 1234
	}
	second, _, err := store.GetCheckpoint(ctx, "c1")
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	for name, v := range second.Networks[0].OnlineState {
		if v.Data[0] == 1234 {
			t.Fatalf("tensor %s aliased between reads", name)
		}
	}

	if _, ok, err := store.GetCheckpoint(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing checkpoint, ok=%t err=%v", ok, err)
	}
}

func TestMemoryStoreLineageRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	input := []model.LineageRecord{{
		VersionedRecord: Versioned(),
		IndividualID:    "i1",
		Generation:      1,
		Operation:       model.LineageEliteClone,
	}}
	if err := store.SaveLineage(ctx, "run-1", input); err != nil {
		t.Fatalf("save lineage: %v", err)
	}

	output, ok, err := store.GetLineage(ctx, "run-1")
	if err != nil {
		t.Fatalf("get lineage: %v", err)
	}
	if !ok {
		t.Fatal("expected persisted lineage")
	}
	if len(output) != 1 || output[0].IndividualID != "i1" {
		t.Fatalf("unexpected lineage: %+v", output)
	}
}

func TestMemoryStoreFitnessHistoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	input := []float64{0.1, 0.2, 0.3}
	if err := store.SaveFitnessHistory(ctx, "run-1", input); err != nil {
		t.Fatalf("save history: %v", err)
	}
	input[2] = 9
	output, ok, err := store.GetFitnessHistory(ctx, "run-1")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if !ok {
		t.Fatal("expected persisted fitness history")
	}
	if len(output) != 3 || output[2] != 0.3 {
		t.Fatalf("unexpected history: %+v", output)
	}
}

func TestMemoryStoreDiagnosticsCopyMutationCounts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	input := []model.GenerationDiagnostics{{Generation: 1, Mutations: map[string]int{model.MutationNone: 2}}}
	if err := store.SaveGenerationDiagnostics(ctx, "run-1", input); err != nil {
		t.Fatalf("save diagnostics: %v", err)
	}
	input[0].Mutations[model.MutationNone] = 7
	output, _, err := store.GetGenerationDiagnostics(ctx, "run-1")
	if err != nil {
		t.Fatalf("get diagnostics: %v", err)
	}
	if output[0].Mutations[model.MutationNone] != 2 {
		t.Fatalf("diagnostics aliased caller map: %+v", output[0])
	}
}

func TestMemoryStoreRequiresInit(t *testing.T) {
	store := NewMemoryStore()
	err := store.SaveRunSummary(context.Background(), model.RunSummary{RunID: "r"})
	if !errors.Is(err, errNotInitialized) {
		t.Fatalf("expected not initialized, got %v", err)
	}
}

func TestMemoryStoreKeepsCheckpointPerGeneration(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	assertCheckpointGenerations(t, store)
}

// assertCheckpointGenerations saves one individual at generations 2 and 3 of
// two runs and checks every snapshot stays addressable.
func assertCheckpointGenerations(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	older := sampleCheckpoint(t, "elite")
	newer := sampleCheckpoint(t, "elite")
	newer.Generation = 3
	newer.Fitness = append(newer.Fitness, 3)
	other := sampleCheckpoint(t, "elite")
	other.RunID = "run-2"
	other.Generation = 1
	other.Fitness = []float64{9}
	// Saving out of order must not move the latest pointer backwards.
	for _, cp := range []model.Checkpoint{newer, older} {
		if err := store.SaveCheckpoint(ctx, cp); err != nil {
			t.Fatalf("save checkpoint gen %d: %v", cp.Generation, err)
		}
	}

	got, ok, err := store.GetCheckpointAt(ctx, "run-1", "elite", 2)
	if err != nil || !ok {
		t.Fatalf("get gen 2: ok=%t err=%v", ok, err)
	}
	if got.Generation != 2 || len(got.Fitness) != 2 {
		t.Fatalf("gen 2 snapshot overwritten: gen=%d fitness=%v", got.Generation, got.Fitness)
	}
	got, ok, err = store.GetCheckpointAt(ctx, "run-1", "elite", 3)
	if err != nil || !ok {
		t.Fatalf("get gen 3: ok=%t err=%v", ok, err)
	}
	if got.Generation != 3 || len(got.Fitness) != 3 {
		t.Fatalf("unexpected gen 3 snapshot: gen=%d fitness=%v", got.Generation, got.Fitness)
	}
	latest, ok, err := store.GetCheckpoint(ctx, "elite")
	if err != nil || !ok {
		t.Fatalf("get latest: ok=%t err=%v", ok, err)
	}
	if latest.Generation != 3 {
		t.Fatalf("expected latest generation 3, got %d", latest.Generation)
	}

	if err := store.SaveCheckpoint(ctx, other); err != nil {
		t.Fatalf("save other run: %v", err)
	}
	got, ok, err = store.GetCheckpointAt(ctx, "run-2", "elite", 1)
	if err != nil || !ok || got.RunID != "run-2" || got.Fitness[0] != 9 {
		t.Fatalf("unexpected other run snapshot: ok=%t err=%v cp=%+v", ok, err, got.Fitness)
	}
	got, _, err = store.GetCheckpointAt(ctx, "run-1", "elite", 2)
	if err != nil || got.RunID != "run-1" || len(got.Fitness) != 2 {
		t.Fatalf("run-1 snapshot clobbered by run-2: %+v err=%v", got.Fitness, err)
	}

	if _, ok, err := store.GetCheckpointAt(ctx, "run-1", "elite", 7); err != nil || ok {
		t.Fatalf("expected missing generation, ok=%t err=%v", ok, err)
	}
}
