package model

import (
	"evorl/internal/module"
	"evorl/internal/optim"
	"evorl/internal/tensor"
)

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Mutation categories drawn by the orchestrator.
const (
	MutationNone             = "none"
	MutationArchitecture     = "architecture"
	MutationParameters       = "parameters"
	MutationActivation       = "activation"
	MutationRLHyperparameter = "rl_hyperparameter"
)

// Lineage operations.
const (
	LineageSeed            = "seed"
	LineageEliteClone      = "elite_clone"
	LineageTournamentClone = "tournament_clone"
	LineageRestored        = "restored"
)

// MutationRecord describes what one mutation pass did to one individual.
type MutationRecord struct {
	Generation   int      `json:"generation"`
	IndividualID string   `json:"individual_id"`
	Category     string   `json:"category"`
	Operation    string   `json:"operation,omitempty"`
	Target       string   `json:"target,omitempty"`
	NoOp         bool     `json:"no_op,omitempty"`
	Reason       string   `json:"reason,omitempty"`
	Notes        []string `json:"notes,omitempty"`
}

// Spaces describes the observation fields and action width of an agent.
type Spaces struct {
	Observation []module.Field `json:"observation" yaml:"observation"`
	ActionDim   int            `json:"action_dim" yaml:"action_dim"`
}

type NetworkRecord struct {
	Name        string                    `json:"name"`
	LRKey       string                    `json:"lr_key,omitempty"`
	Online      module.Descriptor         `json:"online"`
	OnlineState map[string]*tensor.Tensor `json:"online_state"`
	Target      *module.Descriptor        `json:"target,omitempty"`
	TargetState map[string]*tensor.Tensor `json:"target_state,omitempty"`
	Optimizer   *optim.State              `json:"optimizer,omitempty"`
}

// Checkpoint is the persisted form of one individual.
type Checkpoint struct {
	VersionedRecord
	ID              string             `json:"id"`
	RunID           string             `json:"run_id,omitempty"`
	Index           int                `json:"index"`
	Generation      int                `json:"generation"`
	Algorithm       string             `json:"algorithm"`
	Spaces          Spaces             `json:"spaces"`
	Networks        []NetworkRecord    `json:"networks"`
	Hyperparameters map[string]float64 `json:"hyperparameters"`
	Fitness         []float64          `json:"fitness"`
	Scores          []float64          `json:"scores"`
	Steps           []int              `json:"steps"`
	LastMutation    []MutationRecord   `json:"last_mutation,omitempty"`
}

type Population struct {
	VersionedRecord
	ID            string   `json:"id"`
	RunID         string   `json:"run_id"`
	IndividualIDs []string `json:"individual_ids"`
	Generation    int      `json:"generation"`
}

// RunSummary points at the latest persisted state of a run.
type RunSummary struct {
	VersionedRecord
	RunID              string  `json:"run_id"`
	Scape              string  `json:"scape"`
	Generations        int     `json:"generations"`
	BestFitness        float64 `json:"best_fitness"`
	BestIndividualID   string  `json:"best_individual_id"`
	LatestPopulationID string  `json:"latest_population_id"`
}

type GenerationDiagnostics struct {
	Generation       int            `json:"generation"`
	BestFitness      float64        `json:"best_fitness"`
	MeanFitness      float64        `json:"mean_fitness"`
	MinFitness       float64        `json:"min_fitness"`
	StdFitness       float64        `json:"std_fitness"`
	BestIndividualID string         `json:"best_individual_id"`
	MeanParameters   float64        `json:"mean_parameters"`
	Mutations        map[string]int `json:"mutations"`
	NoOpMutations    int            `json:"noop_mutations"`
	ElapsedMillis    int64          `json:"elapsed_ms"`
}

type LineageRecord struct {
	VersionedRecord
	Generation   int     `json:"generation"`
	IndividualID string  `json:"individual_id"`
	Index        int     `json:"index"`
	ParentID     string  `json:"parent_id,omitempty"`
	ParentIndex  int     `json:"parent_index"`
	Operation    string  `json:"operation"`
	Mutation     string  `json:"mutation,omitempty"`
	Fitness      float64 `json:"fitness"`
}
