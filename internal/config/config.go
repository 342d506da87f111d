// Package config loads evolution run settings from YAML.
package config

import (
	"errors"
	"fmt"
	"maps"
	"math/rand"
	"os"

	"gopkg.in/yaml.v3"

	"evorl/internal/agent"
	"evorl/internal/evo"
	"evorl/internal/model"
	"evorl/internal/module"
	"evorl/internal/optim"
	"evorl/internal/scape"
	"evorl/internal/storage"
)

var ErrInvalidConfig = errors.New("invalid run config")

type TournamentConfig struct {
	Size     int  `yaml:"size"`
	Elitism  bool `yaml:"elitism"`
	EvalLoop int  `yaml:"eval_loop"`
}

type StoreConfig struct {
	Kind string `yaml:"kind"`
	Path string `yaml:"path"`
}

// RunConfig holds everything needed to create a population and evolve it.
type RunConfig struct {
	RunID           string              `yaml:"run_id"`
	Scape           string              `yaml:"scape"`
	Algorithm       string              `yaml:"algorithm"`
	Seed            int64               `yaml:"seed"`
	Population      int                 `yaml:"population"`
	Generations     int                 `yaml:"generations"`
	TargetFitness   *float64            `yaml:"target_fitness"`
	Workers         int                 `yaml:"workers"`
	Train           bool                `yaml:"train"`
	Tournament      TournamentConfig    `yaml:"tournament"`
	Mutation        evo.MutationConfig  `yaml:"mutation"`
	Networks        []agent.NetworkSpec `yaml:"networks"`
	Hyperparameters map[string]float64  `yaml:"hyperparameters"`
	Store           StoreConfig         `yaml:"store"`
	MetricsAddr     string              `yaml:"metrics_addr"`
}

// Default returns a small regression run.
func Default() *RunConfig {
	return &RunConfig{
		Scape:       scape.RegressionName,
		Algorithm:   "supervised",
		Seed:        1,
		Population:  4,
		Generations: 10,
		Workers:     2,
		Train:       true,
		Tournament:  TournamentConfig{Size: 2, Elitism: true, EvalLoop: 1},
		Mutation:    evo.DefaultMutationConfig(),
		Networks: []agent.NetworkSpec{{
			Name:      "actor",
			Encoder:   DefaultEncoder(scape.RegressionName),
			Optimizer: optim.Config{Name: optim.Adam, LR: 1e-3},
		}},
		Hyperparameters: map[string]float64{"batch_size": 16, "learn_step": 1},
		Store:           StoreConfig{Kind: storage.KindMemory},
	}
}

// DefaultEncoder picks an encoder that can read the observation space of the
// named scape.
func DefaultEncoder(scapeName string) module.Descriptor {
	if scapeName == scape.MultiInputName {
		return module.DescribeMultiInput(module.MultiInputConfig{LatentDim: 16, MinLatentDim: 8, MaxLatentDim: 64})
	}
	return module.DescribeMLP(module.MLPConfig{HiddenSize: []int{32}, MinNodes: 16, MaxNodes: 128})
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *RunConfig) Validate() error {
	if c.Scape == "" {
		return fmt.Errorf("%w: scape is required", ErrInvalidConfig)
	}
	if c.Population <= 0 {
		return fmt.Errorf("%w: population must be > 0, got %d", ErrInvalidConfig, c.Population)
	}
	if c.Generations < 0 {
		return fmt.Errorf("%w: generations must be >= 0, got %d", ErrInvalidConfig, c.Generations)
	}
	if c.Generations == 0 && c.TargetFitness == nil {
		return fmt.Errorf("%w: generations or target_fitness is required", ErrInvalidConfig)
	}
	if c.Workers < 0 {
		return fmt.Errorf("%w: workers must be >= 0, got %d", ErrInvalidConfig, c.Workers)
	}
	if len(c.Networks) == 0 {
		return fmt.Errorf("%w: at least one network is required", ErrInvalidConfig)
	}
	if err := c.SelectionConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if _, err := evo.NewMutations(c.Mutation, rand.New(rand.NewSource(c.Seed))); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	switch c.Store.Kind {
	case storage.KindMemory:
	case storage.KindSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("%w: sqlite store needs a path", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unsupported store kind %q", ErrInvalidConfig, c.Store.Kind)
	}
	return nil
}

func (c *RunConfig) SelectionConfig() evo.TournamentConfig {
	return evo.TournamentConfig{
		TournamentSize: c.Tournament.Size,
		Elitism:        c.Tournament.Elitism,
		PopulationSize: c.Population,
		EvalLoop:       c.Tournament.EvalLoop,
	}
}

// PopulationSpec binds the configured networks to an observation space.
func (c *RunConfig) PopulationSpec(spaces model.Spaces) agent.PopulationSpec {
	networks := make([]agent.NetworkSpec, len(c.Networks))
	for i, n := range c.Networks {
		n.Encoder = n.Encoder.Clone()
		networks[i] = n
	}
	return agent.PopulationSpec{
		Algorithm:       c.Algorithm,
		Spaces:          spaces,
		Networks:        networks,
		Hyperparameters: maps.Clone(c.Hyperparameters),
	}
}

// Marshal renders the config as YAML.
func (c *RunConfig) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
