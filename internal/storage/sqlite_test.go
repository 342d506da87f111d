package storage

import (
	"context"
	"path/filepath"
	"testing"

	"evorl/internal/model"
)

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "evorl.db")

	store := NewSQLiteStore(dbPath)
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	checkpoint := sampleCheckpoint(t, "c1")
	if err := store.SaveCheckpoint(ctx, checkpoint); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
	checkpoint.Fitness = append(checkpoint.Fitness, 3)
	if err := store.SaveCheckpoint(ctx, checkpoint); err != nil {
		t.Fatalf("upsert checkpoint: %v", err)
	}
	loaded, ok, err := store.GetCheckpoint(ctx, "c1")
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if !ok || len(loaded.Fitness) != 3 || loaded.Networks[0].Name != "actor" {
		t.Fatalf("unexpected checkpoint loaded: %+v", loaded)
	}

	population := model.Population{
		VersionedRecord: Versioned(),
		ID:              "run-1:gen-3",
		RunID:           "run-1",
		IndividualIDs:   []string{"c1"},
		Generation:      3,
	}
	if err := store.SavePopulation(ctx, population); err != nil {
		t.Fatalf("save population: %v", err)
	}
	loadedPopulation, ok, err := store.GetPopulation(ctx, population.ID)
	if err != nil || !ok {
		t.Fatalf("get population: ok=%t err=%v", ok, err)
	}
	if loadedPopulation.Generation != 3 || loadedPopulation.IndividualIDs[0] != "c1" {
		t.Fatalf("unexpected population loaded: %+v", loadedPopulation)
	}

	summary := model.RunSummary{VersionedRecord: Versioned(), RunID: "run-1", LatestPopulationID: population.ID, BestFitness: 0.9}
	if err := store.SaveRunSummary(ctx, summary); err != nil {
		t.Fatalf("save run summary: %v", err)
	}
	loadedSummary, ok, err := store.GetRunSummary(ctx, "run-1")
	if err != nil || !ok || loadedSummary.LatestPopulationID != population.ID {
		t.Fatalf("unexpected run summary: %+v ok=%t err=%v", loadedSummary, ok, err)
	}

	if err := store.SaveFitnessHistory(ctx, "run-1", []float64{0.1, 0.5}); err != nil {
		t.Fatalf("save history: %v", err)
	}
	history, ok, err := store.GetFitnessHistory(ctx, "run-1")
	if err != nil || !ok || len(history) != 2 {
		t.Fatalf("unexpected history: %v ok=%t err=%v", history, ok, err)
	}

	diagnostics := []model.GenerationDiagnostics{{Generation: 1, BestFitness: 0.5, Mutations: map[string]int{model.MutationParameters: 3}}}
	if err := store.SaveGenerationDiagnostics(ctx, "run-1", diagnostics); err != nil {
		t.Fatalf("save diagnostics: %v", err)
	}
	loadedDiagnostics, ok, err := store.GetGenerationDiagnostics(ctx, "run-1")
	if err != nil || !ok || loadedDiagnostics[0].Mutations[model.MutationParameters] != 3 {
		t.Fatalf("unexpected diagnostics: %+v ok=%t err=%v", loadedDiagnostics, ok, err)
	}

	lineage := []model.LineageRecord{{VersionedRecord: Versioned(), IndividualID: "c1", Operation: model.LineageSeed}}
	if err := store.SaveLineage(ctx, "run-1", lineage); err != nil {
		t.Fatalf("save lineage: %v", err)
	}
	loadedLineage, ok, err := store.GetLineage(ctx, "run-1")
	if err != nil || !ok || loadedLineage[0].Operation != model.LineageSeed {
		t.Fatalf("unexpected lineage: %+v ok=%t err=%v", loadedLineage, ok, err)
	}

	if _, ok, err := store.GetLineage(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing lineage, ok=%t err=%v", ok, err)
	}
}

func TestSQLiteStoreRequiresPathAndInit(t *testing.T) {
	if err := NewSQLiteStore("").Init(context.Background()); err == nil {
		t.Fatal("expected error for empty path")
	}
	store := NewSQLiteStore(filepath.Join(t.TempDir(), "x.db"))
	if _, _, err := store.GetCheckpoint(context.Background(), "c1"); err == nil {
		t.Fatal("expected error before init")
	}
}

func TestSQLiteStoreKeepsCheckpointPerGeneration(t *testing.T) {
	store := NewSQLiteStore(filepath.Join(t.TempDir(), "evorl.db"))
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	assertCheckpointGenerations(t, store)
}
