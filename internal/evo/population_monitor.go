package evo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"evorl/internal/agent"
	"evorl/internal/metrics"
	"evorl/internal/model"
	"evorl/internal/storage"
)

// Evaluator scores one individual for the current generation.
type Evaluator interface {
	Evaluate(ctx context.Context, ind *agent.Individual) (float64, error)
}

// Trainer runs the RL update loop on one individual and reports how many
// environment steps it took.
type Trainer interface {
	Train(ctx context.Context, ind *agent.Individual) (int, error)
}

type EvaluatorFunc func(ctx context.Context, ind *agent.Individual) (float64, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, ind *agent.Individual) (float64, error) {
	return f(ctx, ind)
}

type TrainerFunc func(ctx context.Context, ind *agent.Individual) (int, error)

func (f TrainerFunc) Train(ctx context.Context, ind *agent.Individual) (int, error) {
	return f(ctx, ind)
}

// Phase is where an individual stands within the current generation.
type Phase string

const (
	PhaseTraining  Phase = "training"
	PhaseEvaluated Phase = "evaluated"
	PhaseSurvived  Phase = "survived"
	PhaseReplaced  Phase = "replaced"
	PhaseMutated   Phase = "mutated"
)

type MonitorConfig struct {
	RunID     string
	Scape     string
	Evaluator Evaluator
	Trainer   Trainer
	Selection TournamentConfig
	Mutation  MutationConfig
	// Generations bounds Run; zero means run until TargetFitness or Stop.
	Generations int
	// StartGeneration numbers the first generation, for resumed populations.
	StartGeneration int
	TargetFitness *float64
	Stop          func(model.GenerationDiagnostics) bool
	Workers       int
	Seed          int64
	// Rand overrides Seed so that population creation and evolution can share
	// one stream.
	Rand *rand.Rand
	// SeedOperation labels the lineage of the initial population; restored
	// populations use model.LineageRestored.
	SeedOperation string
	Store         storage.Store
	Metrics       metrics.Recorder
	Logger        *slog.Logger
}

type GenerationResult struct {
	Generation  int
	Elite       *agent.Individual
	Population  []*agent.Individual
	Mutations   []model.MutationRecord
	Lineage     []model.LineageRecord
	Diagnostics model.GenerationDiagnostics
}

type RunResult struct {
	BestByGeneration      []float64
	GenerationDiagnostics []model.GenerationDiagnostics
	Lineage               []model.LineageRecord
	FinalPopulation       []*agent.Individual
	Elite                 *agent.Individual
	Generations           int
}

type PopulationMonitor struct {
	cfg       MonitorConfig
	selection *TournamentSelection
	mutations *Mutations
	logger    *slog.Logger
	metrics   metrics.Recorder

	mu     sync.RWMutex
	phases map[string]Phase

	bestHistory []float64
	diagnostics []model.GenerationDiagnostics
	lineage     []model.LineageRecord
	generation  int
}

func NewPopulationMonitor(cfg MonitorConfig) (*PopulationMonitor, error) {
	if cfg.Evaluator == nil {
		return nil, fmt.Errorf("evaluator is required")
	}
	if cfg.Generations < 0 || cfg.StartGeneration < 0 {
		return nil, fmt.Errorf("generations must be >= 0")
	}
	if cfg.Generations == 0 && cfg.TargetFitness == nil && cfg.Stop == nil {
		return nil, fmt.Errorf("one of generations, target fitness or stop predicate is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.RunID == "" {
		cfg.RunID = "run"
	}
	if cfg.SeedOperation == "" {
		cfg.SeedOperation = model.LineageSeed
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(cfg.Seed))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Mutation.Logger == nil {
		cfg.Mutation.Logger = logger
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}

	selection, err := NewTournamentSelection(cfg.Selection, rng)
	if err != nil {
		return nil, err
	}
	mutations, err := NewMutations(cfg.Mutation, rng)
	if err != nil {
		return nil, err
	}
	return &PopulationMonitor{
		cfg:        cfg,
		selection:  selection,
		mutations:  mutations,
		logger:     logger.With("run_id", cfg.RunID),
		metrics:    cfg.Metrics,
		phases:     make(map[string]Phase),
		generation: cfg.StartGeneration,
	}, nil
}

// Phase reports the phase of an individual by ID.
func (m *PopulationMonitor) Phase(id string) (Phase, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.phases[id]
	return p, ok
}

func (m *PopulationMonitor) Phases() map[string]Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Phase, len(m.phases))
	for id, p := range m.phases {
		out[id] = p
	}
	return out
}

func (m *PopulationMonitor) setPhase(id string, p Phase) {
	m.mu.Lock()
	m.phases[id] = p
	m.mu.Unlock()
}

// Run evolves initial until the generation budget, target fitness or stop
// predicate ends it.
func (m *PopulationMonitor) Run(ctx context.Context, initial []*agent.Individual) (RunResult, error) {
	if len(initial) != m.cfg.Selection.PopulationSize {
		return RunResult{}, fmt.Errorf("initial population mismatch: got=%d want=%d", len(initial), m.cfg.Selection.PopulationSize)
	}
	for _, ind := range initial {
		fitness := 0.0
		if len(ind.Fitness) > 0 {
			fitness = ind.EffectiveFitness(m.cfg.Selection.EvalLoop)
		}
		m.lineage = append(m.lineage, model.LineageRecord{
			VersionedRecord: storage.Versioned(),
			Generation:      m.generation,
			IndividualID:    ind.ID,
			Index:           ind.Index,
			ParentIndex:     -1,
			Operation:       m.cfg.SeedOperation,
			Fitness:         fitness,
		})
	}

	population := initial
	var elite *agent.Individual
	end := m.generation + m.cfg.Generations
	for m.cfg.Generations == 0 || m.generation < end {
		res, err := m.Step(ctx, population)
		if err != nil {
			return RunResult{}, err
		}
		population, elite = res.Population, res.Elite
		if m.done(res.Diagnostics) {
			break
		}
	}
	return RunResult{
		BestByGeneration:      append([]float64(nil), m.bestHistory...),
		GenerationDiagnostics: append([]model.GenerationDiagnostics(nil), m.diagnostics...),
		Lineage:               append([]model.LineageRecord(nil), m.lineage...),
		FinalPopulation:       population,
		Elite:                 elite,
		Generations:           len(m.bestHistory),
	}, nil
}

func (m *PopulationMonitor) done(diag model.GenerationDiagnostics) bool {
	if m.cfg.TargetFitness != nil && diag.BestFitness >= *m.cfg.TargetFitness {
		m.logger.Info("target fitness reached", "generation", diag.Generation, "best", diag.BestFitness)
		return true
	}
	return m.cfg.Stop != nil && m.cfg.Stop(diag)
}

// Step runs one generation: train, evaluate, select, mutate and persist. The
// returned population is ready for the next training phase.
func (m *PopulationMonitor) Step(ctx context.Context, population []*agent.Individual) (GenerationResult, error) {
	gen := m.generation
	started := time.Now()

	if m.cfg.Trainer != nil {
		if err := m.trainPopulation(ctx, population); err != nil {
			return GenerationResult{}, fmt.Errorf("generation %d train: %w", gen, err)
		}
	}
	if err := m.evaluatePopulation(ctx, population); err != nil {
		return GenerationResult{}, fmt.Errorf("generation %d evaluate: %w", gen, err)
	}

	diag := m.diagnose(gen, population)

	if err := ctx.Err(); err != nil {
		return GenerationResult{}, err
	}
	survivors, err := m.selection.Tournament(population)
	if err != nil {
		return GenerationResult{}, fmt.Errorf("generation %d select: %w", gen, err)
	}
	next := make([]*agent.Individual, len(survivors))
	lineage := make([]model.LineageRecord, len(survivors))
	var elite *agent.Individual
	for i, sv := range survivors {
		next[i] = sv.Individual
		op := model.LineageTournamentClone
		phase := PhaseReplaced
		if sv.Elite {
			op, phase = model.LineageEliteClone, PhaseSurvived
			elite = sv.Individual.Clone()
		}
		m.setPhase(sv.Individual.ID, phase)
		m.metrics.ObserveClone(sv.Elite)
		lineage[i] = model.LineageRecord{
			VersionedRecord: storage.Versioned(),
			Generation:      gen + 1,
			IndividualID:    sv.Individual.ID,
			Index:           sv.Individual.Index,
			ParentID:        sv.ParentID,
			ParentIndex:     sv.ParentIndex,
			Operation:       op,
			Fitness:         sv.Fitness,
		}
	}
	if elite == nil {
		elite = population[m.selection.best(population)].Clone()
	}

	if err := ctx.Err(); err != nil {
		return GenerationResult{}, err
	}
	records, err := m.mutations.Mutate(next, gen)
	if err != nil {
		return GenerationResult{}, fmt.Errorf("generation %d mutate: %w", gen, err)
	}
	diag.Mutations = make(map[string]int)
	for i, rec := range records {
		diag.Mutations[rec.Category]++
		if rec.NoOp {
			diag.NoOpMutations++
		}
		lineage[i].Mutation = rec.Operation
		if lineage[i].Mutation == "" {
			lineage[i].Mutation = rec.Category
		}
		m.setPhase(next[i].ID, PhaseMutated)
		m.metrics.ObserveMutation(rec.Category, rec.NoOp)
	}
	diag.ElapsedMillis = time.Since(started).Milliseconds()

	m.bestHistory = append(m.bestHistory, diag.BestFitness)
	m.diagnostics = append(m.diagnostics, diag)
	m.lineage = append(m.lineage, lineage...)
	m.generation++

	if err := m.persist(ctx, gen, next, diag); err != nil {
		m.logger.Error("persist generation", "generation", gen, "error", err)
		return GenerationResult{}, fmt.Errorf("generation %d persist: %w", gen, err)
	}
	m.metrics.ObserveGeneration(m.cfg.RunID, diag)
	m.logger.Info("generation complete",
		"generation", gen,
		"best", diag.BestFitness,
		"mean", diag.MeanFitness,
		"best_id", diag.BestIndividualID,
		"noop_mutations", diag.NoOpMutations,
		"elapsed_ms", diag.ElapsedMillis,
	)

	return GenerationResult{
		Generation:  gen,
		Elite:       elite,
		Population:  next,
		Mutations:   records,
		Lineage:     lineage,
		Diagnostics: diag,
	}, nil
}

func (m *PopulationMonitor) diagnose(gen int, population []*agent.Individual) model.GenerationDiagnostics {
	fitness := make([]float64, 0, len(population))
	params := make([]float64, len(population))
	best := 0
	for i, ind := range population {
		f := ind.EffectiveFitness(m.cfg.Selection.EvalLoop)
		if f > population[best].EffectiveFitness(m.cfg.Selection.EvalLoop) {
			best = i
		}
		if !math.IsInf(f, 0) && !math.IsNaN(f) {
			fitness = append(fitness, f)
		}
		params[i] = float64(ind.ParameterCount())
	}
	diag := model.GenerationDiagnostics{
		Generation:       gen,
		BestFitness:      population[best].EffectiveFitness(m.cfg.Selection.EvalLoop),
		BestIndividualID: population[best].ID,
		MeanParameters:   stat.Mean(params, nil),
	}
	if len(fitness) > 0 {
		diag.MeanFitness = stat.Mean(fitness, nil)
		diag.MinFitness = fitness[0]
		for _, f := range fitness[1:] {
			diag.MinFitness = math.Min(diag.MinFitness, f)
		}
	}
	if len(fitness) > 1 {
		diag.StdFitness = stat.StdDev(fitness, nil)
	}
	return diag
}

func (m *PopulationMonitor) trainPopulation(ctx context.Context, population []*agent.Individual) error {
	return m.parallel(ctx, population, func(ctx context.Context, ind *agent.Individual) error {
		m.setPhase(ind.ID, PhaseTraining)
		steps, err := m.cfg.Trainer.Train(ctx, ind)
		if err != nil {
			return err
		}
		ind.RecordSteps(ind.TotalSteps() + steps)
		return nil
	})
}

func (m *PopulationMonitor) evaluatePopulation(ctx context.Context, population []*agent.Individual) error {
	return m.parallel(ctx, population, func(ctx context.Context, ind *agent.Individual) error {
		started := time.Now()
		fitness, err := m.cfg.Evaluator.Evaluate(ctx, ind)
		if err != nil {
			return err
		}
		if math.IsNaN(fitness) || math.IsInf(fitness, 0) {
			return fmt.Errorf("non-finite fitness %v", fitness)
		}
		m.metrics.ObserveEvaluation(time.Since(started))
		ind.RecordFitness(fitness)
		m.setPhase(ind.ID, PhaseEvaluated)
		return nil
	})
}

// parallel runs fn over population on the worker pool and returns once every
// individual has finished. Each individual is touched by exactly one worker.
func (m *PopulationMonitor) parallel(ctx context.Context, population []*agent.Individual, fn func(context.Context, *agent.Individual) error) error {
	type job struct {
		idx int
		ind *agent.Individual
	}
	type result struct {
		idx int
		err error
	}

	jobs := make(chan job)
	results := make(chan result, len(population))

	workerCount := min(m.cfg.Workers, len(population))
	var wg sync.WaitGroup
	wg.Add(workerCount)
	for w := 0; w < workerCount; w++ {
		go func() {
			defer wg.Done()
			for j := range jobs {
				if err := ctx.Err(); err != nil {
					results <- result{idx: j.idx, err: err}
					continue
				}
				results <- result{idx: j.idx, err: fn(ctx, j.ind)}
			}
		}()
	}

	for i := range population {
		jobs <- job{idx: i, ind: population[i]}
	}
	close(jobs)

	wg.Wait()
	close(results)

	var errs []error
	for res := range results {
		if res.err != nil {
			errs = append(errs, fmt.Errorf("individual %s: %w", population[res.idx].ID, res.err))
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Join(errs...)
}

func (m *PopulationMonitor) persist(ctx context.Context, gen int, population []*agent.Individual, diag model.GenerationDiagnostics) error {
	if m.cfg.Store == nil {
		return nil
	}
	ids := make([]string, len(population))
	for i, ind := range population {
		cp := agent.Snapshot(ind, m.cfg.RunID, gen+1)
		cp.VersionedRecord = storage.Versioned()
		if err := m.cfg.Store.SaveCheckpoint(ctx, cp); err != nil {
			return fmt.Errorf("save checkpoint %s: %w", ind.ID, err)
		}
		ids[i] = ind.ID
	}
	popID := PopulationID(m.cfg.RunID, gen+1)
	if err := m.cfg.Store.SavePopulation(ctx, model.Population{
		VersionedRecord: storage.Versioned(),
		ID:              popID,
		RunID:           m.cfg.RunID,
		IndividualIDs:   ids,
		Generation:      gen + 1,
	}); err != nil {
		return fmt.Errorf("save population: %w", err)
	}
	if err := m.cfg.Store.SaveFitnessHistory(ctx, m.cfg.RunID, m.bestHistory); err != nil {
		return fmt.Errorf("save fitness history: %w", err)
	}
	if err := m.cfg.Store.SaveGenerationDiagnostics(ctx, m.cfg.RunID, m.diagnostics); err != nil {
		return fmt.Errorf("save diagnostics: %w", err)
	}
	if err := m.cfg.Store.SaveLineage(ctx, m.cfg.RunID, m.lineage); err != nil {
		return fmt.Errorf("save lineage: %w", err)
	}

	bestIdx := 0
	for i, f := range m.bestHistory {
		if f > m.bestHistory[bestIdx] {
			bestIdx = i
		}
	}
	return m.cfg.Store.SaveRunSummary(ctx, model.RunSummary{
		VersionedRecord:    storage.Versioned(),
		RunID:              m.cfg.RunID,
		Scape:              m.cfg.Scape,
		Generations:        m.generation,
		BestFitness:        m.bestHistory[bestIdx],
		BestIndividualID:   m.diagnostics[bestIdx].BestIndividualID,
		LatestPopulationID: popID,
	})
}

// PopulationID names the persisted population of a run after generation.
func PopulationID(runID string, generation int) string {
	return fmt.Sprintf("%s:gen-%d", runID, generation)
}
