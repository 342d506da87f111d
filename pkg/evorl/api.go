// Package evorl is the public entry point for running and inspecting
// evolutionary searches over RL agent architectures.
package evorl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sort"

	"evorl/internal/agent"
	"evorl/internal/config"
	"evorl/internal/evo"
	"evorl/internal/metrics"
	"evorl/internal/model"
	"evorl/internal/module"
	"evorl/internal/scape"
	"evorl/internal/storage"
)

const defaultDBPath = "evorl.db"

type Options struct {
	StoreKind string
	DBPath    string
	Logger    *slog.Logger
	Metrics   metrics.Recorder
}

type Client struct {
	store   storage.Store
	logger  *slog.Logger
	metrics metrics.Recorder
}

type RunRequest struct {
	Config *config.RunConfig
	// ResumeRunID continues from the latest population of an earlier run.
	ResumeRunID string
}

type IndividualSummary struct {
	ID              string
	Index           int
	Fitness         float64
	Parameters      int
	Steps           int
	Architectures   map[string]string
	Hyperparameters map[string]float64
	LastMutation    string
}

type RunSummary struct {
	RunID            string
	Generations      int
	BestByGeneration []float64
	FinalBestFitness float64
	BestIndividualID string
	Population       []IndividualSummary
}

type PopulationRequest struct {
	RunID string
	// Generation selects a persisted generation; zero means the latest.
	Generation int
}

type LineageRequest struct {
	RunID string
	Limit int
}

type DiagnosticsRequest struct {
	RunID string
	Limit int
}

type NetworkInspection struct {
	Name       string
	Summary    string
	Descriptor []byte
	Methods    []module.Method
	Parameters int
	HasTarget  bool
}

type Inspection struct {
	ID              string
	RunID           string
	Generation      int
	Algorithm       string
	Fitness         []float64
	Steps           int
	Hyperparameters map[string]float64
	LastMutation    []model.MutationRecord
	Networks        []NetworkInspection
}

func New(opts Options) (*Client, error) {
	kind := opts.StoreKind
	if kind == "" {
		kind = storage.KindMemory
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	store, err := storage.NewStore(kind, dbPath)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	rec := opts.Metrics
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Client{store: store, logger: logger, metrics: rec}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	return c.store.Init(ctx)
}

// Run creates (or restores) a population for the configured scape and evolves
// it.
func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	cfg := req.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return RunSummary{}, err
	}
	if err := c.Init(ctx); err != nil {
		return RunSummary{}, err
	}
	s, err := scape.New(cfg.Scape, cfg.Seed)
	if err != nil {
		return RunSummary{}, err
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	runID := cfg.RunID
	if runID == "" {
		runID = "run-" + agent.NewID(rng)
	}

	var (
		population []*agent.Individual
		start      int
	)
	seedOp := model.LineageSeed
	if req.ResumeRunID != "" {
		population, start, err = c.restorePopulation(ctx, req.ResumeRunID, 0)
		if err != nil {
			return RunSummary{}, err
		}
		seedOp = model.LineageRestored
	} else {
		population, err = agent.CreatePopulation(cfg.PopulationSpec(s.Spaces()), cfg.Population, rng)
		if err != nil {
			return RunSummary{}, err
		}
	}

	mutation := cfg.Mutation
	mutation.Logger = c.logger
	monitorCfg := evo.MonitorConfig{
		RunID:           runID,
		Scape:           s.Name(),
		Evaluator:       s,
		Selection:       cfg.SelectionConfig(),
		Mutation:        mutation,
		Generations:     cfg.Generations,
		StartGeneration: start,
		TargetFitness:   cfg.TargetFitness,
		Workers:         cfg.Workers,
		Rand:            rng,
		SeedOperation:   seedOp,
		Store:           c.store,
		Metrics:         c.metrics,
		Logger:          c.logger,
	}
	if cfg.Train {
		monitorCfg.Trainer = s
	}
	monitor, err := evo.NewPopulationMonitor(monitorCfg)
	if err != nil {
		return RunSummary{}, err
	}
	c.logger.Info("run started", "run_id", runID, "scape", s.Name(), "population", len(population), "resume_from", req.ResumeRunID)
	result, err := monitor.Run(ctx, population)
	if err != nil {
		return RunSummary{}, err
	}

	summary := RunSummary{
		RunID:            runID,
		Generations:      result.Generations,
		BestByGeneration: result.BestByGeneration,
	}
	if n := len(result.GenerationDiagnostics); n > 0 {
		best := 0
		for i, d := range result.GenerationDiagnostics {
			if d.BestFitness > result.GenerationDiagnostics[best].BestFitness {
				best = i
			}
		}
		summary.FinalBestFitness = result.GenerationDiagnostics[n-1].BestFitness
		summary.BestIndividualID = result.GenerationDiagnostics[best].BestIndividualID
	}
	for _, ind := range result.FinalPopulation {
		summary.Population = append(summary.Population, summarize(ind, cfg.Tournament.EvalLoop))
	}
	return summary, nil
}

// Population loads a persisted generation of a run.
func (c *Client) Population(ctx context.Context, req PopulationRequest) ([]IndividualSummary, error) {
	if req.RunID == "" {
		return nil, errors.New("population requires run id")
	}
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	population, _, err := c.restorePopulation(ctx, req.RunID, req.Generation)
	if err != nil {
		return nil, err
	}
	out := make([]IndividualSummary, 0, len(population))
	for _, ind := range population {
		out = append(out, summarize(ind, 1))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Fitness > out[j].Fitness })
	return out, nil
}

func (c *Client) Lineage(ctx context.Context, req LineageRequest) ([]model.LineageRecord, error) {
	if req.RunID == "" {
		return nil, errors.New("lineage requires run id")
	}
	if req.Limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	lineage, ok, err := c.store.GetLineage(ctx, req.RunID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("lineage not found for run id: %s", req.RunID)
	}
	if req.Limit > 0 && len(lineage) > req.Limit {
		lineage = lineage[:req.Limit]
	}
	return lineage, nil
}

func (c *Client) Diagnostics(ctx context.Context, req DiagnosticsRequest) ([]model.GenerationDiagnostics, error) {
	if req.RunID == "" {
		return nil, errors.New("diagnostics requires run id")
	}
	if req.Limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	diagnostics, ok, err := c.store.GetGenerationDiagnostics(ctx, req.RunID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("diagnostics not found for run id: %s", req.RunID)
	}
	if req.Limit > 0 && len(diagnostics) > req.Limit {
		diagnostics = diagnostics[len(diagnostics)-req.Limit:]
	}
	return diagnostics, nil
}

func (c *Client) FitnessHistory(ctx context.Context, runID string) ([]float64, error) {
	if runID == "" {
		return nil, errors.New("fitness history requires run id")
	}
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	history, ok, err := c.store.GetFitnessHistory(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("fitness history not found for run id: %s", runID)
	}
	return history, nil
}

// Inspect restores the latest checkpoint of one individual and describes its
// networks.
func (c *Client) Inspect(ctx context.Context, individualID string) (Inspection, error) {
	if individualID == "" {
		return Inspection{}, errors.New("inspect requires individual id")
	}
	if err := c.Init(ctx); err != nil {
		return Inspection{}, err
	}
	cp, ok, err := c.store.GetCheckpoint(ctx, individualID)
	if err != nil {
		return Inspection{}, err
	}
	if !ok {
		return Inspection{}, fmt.Errorf("checkpoint not found: %s", individualID)
	}
	ind, err := agent.Restore(cp)
	if err != nil {
		return Inspection{}, err
	}
	out := Inspection{
		ID:              ind.ID,
		RunID:           cp.RunID,
		Generation:      cp.Generation,
		Algorithm:       ind.Algorithm,
		Fitness:         ind.Fitness,
		Steps:           ind.TotalSteps(),
		Hyperparameters: ind.Hyperparameters,
		LastMutation:    ind.LastMutation,
	}
	for _, n := range ind.Networks {
		d := n.Online.Descriptor()
		data, err := d.MarshalIndent()
		if err != nil {
			return Inspection{}, err
		}
		out.Networks = append(out.Networks, NetworkInspection{
			Name:       n.Name,
			Summary:    d.Summary(),
			Descriptor: data,
			Methods:    n.Online.MutationMethods(),
			Parameters: module.ParameterCount(n.Online),
			HasTarget:  n.Target != nil,
		})
	}
	return out, nil
}

// restorePopulation loads generation (or the latest one) of runID and returns
// it with its generation number.
func (c *Client) restorePopulation(ctx context.Context, runID string, generation int) ([]*agent.Individual, int, error) {
	popID := evo.PopulationID(runID, generation)
	if generation == 0 {
		summary, ok, err := c.store.GetRunSummary(ctx, runID)
		if err != nil {
			return nil, 0, err
		}
		if !ok {
			return nil, 0, fmt.Errorf("run not found: %s", runID)
		}
		popID = summary.LatestPopulationID
	}
	pop, ok, err := c.store.GetPopulation(ctx, popID)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, fmt.Errorf("population not found: %s", popID)
	}
	out := make([]*agent.Individual, 0, len(pop.IndividualIDs))
	for _, id := range pop.IndividualIDs {
		cp, ok, err := c.store.GetCheckpointAt(ctx, pop.RunID, id, pop.Generation)
		if err != nil {
			return nil, 0, err
		}
		if !ok {
			return nil, 0, fmt.Errorf("checkpoint not found: %s at generation %d", id, pop.Generation)
		}
		ind, err := agent.Restore(cp)
		if err != nil {
			return nil, 0, fmt.Errorf("restore %s: %w", id, err)
		}
		out = append(out, ind)
	}
	return out, pop.Generation, nil
}

func summarize(ind *agent.Individual, evalLoop int) IndividualSummary {
	s := IndividualSummary{
		ID:              ind.ID,
		Index:           ind.Index,
		Parameters:      ind.ParameterCount(),
		Steps:           ind.TotalSteps(),
		Architectures:   make(map[string]string, len(ind.Networks)),
		Hyperparameters: ind.Hyperparameters,
	}
	if len(ind.Fitness) > 0 {
		s.Fitness = ind.EffectiveFitness(evalLoop)
	}
	for _, n := range ind.Networks {
		s.Architectures[n.Name] = n.Online.Descriptor().Summary()
	}
	if len(ind.LastMutation) > 0 {
		rec := ind.LastMutation[0]
		s.LastMutation = rec.Category
		if rec.Operation != "" {
			s.LastMutation += " " + rec.Operation
		}
	}
	return s
}
