package evo

import (
	"errors"
	"fmt"
	"math/rand"

	"evorl/internal/agent"
)

var ErrInvalidSelectionConfig = errors.New("invalid selection config")

type TournamentConfig struct {
	TournamentSize int  `json:"tournament_size" yaml:"tournament_size"`
	Elitism        bool `json:"elitism" yaml:"elitism"`
	PopulationSize int  `json:"population_size" yaml:"population_size"`
	// EvalLoop is the number of trailing fitness entries averaged into the
	// effective fitness; zero averages the whole history.
	EvalLoop int `json:"eval_loop" yaml:"eval_loop"`
}

func (c TournamentConfig) Validate() error {
	if c.TournamentSize <= 0 {
		return fmt.Errorf("%w: tournament size must be > 0, got %d", ErrInvalidSelectionConfig, c.TournamentSize)
	}
	if c.PopulationSize <= 0 {
		return fmt.Errorf("%w: population size must be > 0, got %d", ErrInvalidSelectionConfig, c.PopulationSize)
	}
	if c.EvalLoop < 0 {
		return fmt.Errorf("%w: eval loop must be >= 0, got %d", ErrInvalidSelectionConfig, c.EvalLoop)
	}
	return nil
}

// Survivor is one slot of the next generation together with where it came
// from.
type Survivor struct {
	Individual  *agent.Individual
	ParentID    string
	ParentIndex int
	Elite       bool
	Fitness     float64
}

type TournamentSelection struct {
	cfg TournamentConfig
	rng *rand.Rand
}

func NewTournamentSelection(cfg TournamentConfig, rng *rand.Rand) (*TournamentSelection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if rng == nil {
		return nil, fmt.Errorf("%w: random source is required", ErrInvalidSelectionConfig)
	}
	return &TournamentSelection{cfg: cfg, rng: rng}, nil
}

func (s *TournamentSelection) Config() TournamentConfig { return s.cfg }

// Select returns a clone of the fittest individual and the next generation.
// With elitism the elite also occupies slot 0 and keeps its identity; the
// returned elite never shares state with next.
func (s *TournamentSelection) Select(population []*agent.Individual) (*agent.Individual, []*agent.Individual, error) {
	survivors, err := s.Tournament(population)
	if err != nil {
		return nil, nil, err
	}
	next := make([]*agent.Individual, len(survivors))
	for i, sv := range survivors {
		next[i] = sv.Individual
	}
	if len(survivors) > 0 && survivors[0].Elite {
		return survivors[0].Individual.Clone(), next, nil
	}
	return population[s.best(population)].Clone(), next, nil
}

// Tournament fills PopulationSize slots. Non-elite winners are deep clones
// with fresh IDs and indices counting up from the current maximum index.
func (s *TournamentSelection) Tournament(population []*agent.Individual) ([]Survivor, error) {
	if len(population) == 0 {
		return nil, fmt.Errorf("%w: population is empty", ErrInvalidSelectionConfig)
	}
	fitness := make([]float64, len(population))
	maxIndex := population[0].Index
	for i, ind := range population {
		fitness[i] = ind.EffectiveFitness(s.cfg.EvalLoop)
		maxIndex = max(maxIndex, ind.Index)
	}

	survivors := make([]Survivor, 0, s.cfg.PopulationSize)
	if s.cfg.Elitism {
		b := s.best(population)
		survivors = append(survivors, Survivor{
			Individual:  population[b].Clone(),
			ParentID:    population[b].ID,
			ParentIndex: population[b].Index,
			Elite:       true,
			Fitness:     fitness[b],
		})
	}
	nextIndex := maxIndex + 1
	for len(survivors) < s.cfg.PopulationSize {
		winner := s.rng.Intn(len(population))
		for i := 1; i < s.cfg.TournamentSize; i++ {
			candidate := s.rng.Intn(len(population))
			if fitness[candidate] > fitness[winner] {
				winner = candidate
			}
		}
		parent := population[winner]
		survivors = append(survivors, Survivor{
			Individual:  parent.CloneAs(nextIndex, agent.NewID(s.rng)),
			ParentID:    parent.ID,
			ParentIndex: parent.Index,
			Fitness:     fitness[winner],
		})
		nextIndex++
	}
	return survivors, nil
}

// best returns the position of the maximum effective fitness; the first one
// wins ties.
func (s *TournamentSelection) best(population []*agent.Individual) int {
	best := 0
	bestFitness := population[0].EffectiveFitness(s.cfg.EvalLoop)
	for i := 1; i < len(population); i++ {
		if f := population[i].EffectiveFitness(s.cfg.EvalLoop); f > bestFitness {
			best, bestFitness = i, f
		}
	}
	return best
}
