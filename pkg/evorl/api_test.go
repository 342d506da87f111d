package evorl

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"evorl/internal/config"
	"evorl/internal/model"
	"evorl/internal/scape"
	"evorl/internal/storage"
)

func testConfig(runID string) *config.RunConfig {
	cfg := config.Default()
	cfg.RunID = runID
	cfg.Population = 4
	cfg.Generations = 2
	cfg.Workers = 2
	return cfg
}

func newTestClient(t *testing.T, opts Options) *Client {
	t.Helper()
	client, err := New(opts)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClientRunPersistsRun(t *testing.T) {
	client := newTestClient(t, Options{})
	ctx := context.Background()

	summary, err := client.Run(ctx, RunRequest{Config: testConfig("api-run")})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.RunID != "api-run" {
		t.Fatalf("unexpected run id: %s", summary.RunID)
	}
	if summary.Generations != 2 || len(summary.BestByGeneration) != 2 {
		t.Fatalf("unexpected generation count: %+v", summary)
	}
	if len(summary.Population) != 4 {
		t.Fatalf("expected 4 individuals, got %d", len(summary.Population))
	}
	if summary.BestIndividualID == "" {
		t.Fatal("expected best individual id")
	}
	for _, ind := range summary.Population {
		if !strings.HasPrefix(ind.Architectures["actor"], "mlp[") {
			t.Fatalf("unexpected architecture summary: %+v", ind.Architectures)
		}
		if ind.Parameters <= 0 {
			t.Fatalf("expected parameters for %s", ind.ID)
		}
	}

	history, err := client.FitnessHistory(ctx, "api-run")
	if err != nil {
		t.Fatalf("fitness history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}

	diagnostics, err := client.Diagnostics(ctx, DiagnosticsRequest{RunID: "api-run", Limit: 1})
	if err != nil {
		t.Fatalf("diagnostics: %v", err)
	}
	if len(diagnostics) != 1 || diagnostics[0].Generation != 1 {
		t.Fatalf("expected last diagnostics entry, got %+v", diagnostics)
	}

	lineage, err := client.Lineage(ctx, LineageRequest{RunID: "api-run"})
	if err != nil {
		t.Fatalf("lineage: %v", err)
	}
	if len(lineage) == 0 || lineage[0].Operation != model.LineageSeed {
		t.Fatalf("expected seed lineage first, got %+v", lineage)
	}
	limited, err := client.Lineage(ctx, LineageRequest{RunID: "api-run", Limit: 2})
	if err != nil {
		t.Fatalf("limited lineage: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected 2 lineage records, got %d", len(limited))
	}

	population, err := client.Population(ctx, PopulationRequest{RunID: "api-run"})
	if err != nil {
		t.Fatalf("population: %v", err)
	}
	if len(population) != 4 {
		t.Fatalf("expected 4 persisted individuals, got %d", len(population))
	}
	for i := 1; i < len(population); i++ {
		if population[i].Fitness > population[i-1].Fitness {
			t.Fatalf("population not sorted by fitness: %+v", population)
		}
	}

	first, err := client.Population(ctx, PopulationRequest{RunID: "api-run", Generation: 1})
	if err != nil {
		t.Fatalf("population at generation 1: %v", err)
	}
	if len(first) != 4 {
		t.Fatalf("expected 4 individuals at generation 1, got %d", len(first))
	}
	if _, err := client.Population(ctx, PopulationRequest{RunID: "api-run", Generation: 3}); err == nil {
		t.Fatal("expected missing generation error")
	}
}

func TestClientRunDeterministic(t *testing.T) {
	ctx := context.Background()
	run := func() RunSummary {
		client := newTestClient(t, Options{})
		summary, err := client.Run(ctx, RunRequest{Config: testConfig("")})
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		return summary
	}
	a, b := run(), run()
	if a.RunID != b.RunID || !strings.HasPrefix(a.RunID, "run-") {
		t.Fatalf("expected seeded run ids, got %s and %s", a.RunID, b.RunID)
	}
	for i := range a.BestByGeneration {
		if a.BestByGeneration[i] != b.BestByGeneration[i] {
			t.Fatalf("best fitness diverged at %d: %f vs %f", i, a.BestByGeneration[i], b.BestByGeneration[i])
		}
	}
}

func TestClientInspect(t *testing.T) {
	client := newTestClient(t, Options{})
	ctx := context.Background()
	summary, err := client.Run(ctx, RunRequest{Config: testConfig("inspect-run")})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	id := summary.Population[0].ID

	out, err := client.Inspect(ctx, id)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if out.ID != id || out.RunID != "inspect-run" {
		t.Fatalf("unexpected inspection identity: %+v", out)
	}
	if len(out.Networks) != 1 {
		t.Fatalf("expected one network, got %d", len(out.Networks))
	}
	net := out.Networks[0]
	if net.Parameters != summary.Population[0].Parameters {
		t.Fatalf("parameter count mismatch: %d vs %d", net.Parameters, summary.Population[0].Parameters)
	}
	if len(net.Methods) == 0 {
		t.Fatal("expected mutation methods")
	}
	var decoded map[string]any
	if err := json.Unmarshal(net.Descriptor, &decoded); err != nil {
		t.Fatalf("descriptor is not json: %v", err)
	}

	if _, err := client.Inspect(ctx, "missing"); err == nil {
		t.Fatal("expected missing checkpoint error")
	}
}

func TestClientResumeWithSQLite(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "evorl.db")
	ctx := context.Background()

	first := newTestClient(t, Options{StoreKind: storage.KindSQLite, DBPath: dbPath})
	if _, err := first.Run(ctx, RunRequest{Config: testConfig("first")}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second := newTestClient(t, Options{StoreKind: storage.KindSQLite, DBPath: dbPath})
	summary, err := second.Run(ctx, RunRequest{Config: testConfig("second"), ResumeRunID: "first"})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if summary.Generations != 2 {
		t.Fatalf("expected 2 resumed generations, got %d", summary.Generations)
	}
	diagnostics, err := second.Diagnostics(ctx, DiagnosticsRequest{RunID: "second"})
	if err != nil {
		t.Fatalf("diagnostics: %v", err)
	}
	if diagnostics[0].Generation != 2 {
		t.Fatalf("expected resumed numbering from generation 2, got %d", diagnostics[0].Generation)
	}
	lineage, err := second.Lineage(ctx, LineageRequest{RunID: "second"})
	if err != nil {
		t.Fatalf("lineage: %v", err)
	}
	if lineage[0].Operation != model.LineageRestored {
		t.Fatalf("expected restored lineage, got %s", lineage[0].Operation)
	}
}

func TestClientMultiInputScape(t *testing.T) {
	client := newTestClient(t, Options{})
	cfg := testConfig("multi")
	cfg.Scape = scape.MultiInputName
	cfg.Networks[0].Encoder = config.DefaultEncoder(scape.MultiInputName)
	cfg.Generations = 1

	summary, err := client.Run(context.Background(), RunRequest{Config: cfg})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.HasPrefix(summary.Population[0].Architectures["actor"], "multi_input(") {
		t.Fatalf("unexpected architecture: %+v", summary.Population[0].Architectures)
	}
}

func TestClientRequestValidation(t *testing.T) {
	client := newTestClient(t, Options{})
	ctx := context.Background()
	if _, err := client.Lineage(ctx, LineageRequest{}); err == nil {
		t.Fatal("expected missing run id error")
	}
	if _, err := client.Lineage(ctx, LineageRequest{RunID: "x", Limit: -1}); err == nil {
		t.Fatal("expected negative limit error")
	}
	if _, err := client.Diagnostics(ctx, DiagnosticsRequest{RunID: "unknown"}); err == nil {
		t.Fatal("expected unknown run error")
	}
	if _, err := client.Population(ctx, PopulationRequest{RunID: "unknown"}); err == nil {
		t.Fatal("expected unknown run error")
	}
	if _, err := client.Run(ctx, RunRequest{Config: testConfig("r"), ResumeRunID: "unknown"}); err == nil {
		t.Fatal("expected resume error")
	}
	bad := testConfig("bad")
	bad.Population = 0
	if _, err := client.Run(ctx, RunRequest{Config: bad}); err == nil {
		t.Fatal("expected invalid config error")
	}
	if _, err := New(Options{StoreKind: "unknown"}); err == nil {
		t.Fatal("expected unsupported store error")
	}
}
