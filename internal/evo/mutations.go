package evo

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"slices"
	"sort"

	"gonum.org/v1/gonum/floats"

	"evorl/internal/agent"
	"evorl/internal/model"
	"evorl/internal/module"
)

var (
	ErrInvalidProbabilities  = errors.New("invalid mutation probabilities")
	ErrInvalidMutationConfig = errors.New("invalid mutation config")
)

// MutationConfig weights the mutation categories. The five category weights
// need not sum to one; they are normalized at construction.
type MutationConfig struct {
	NoMutation       float64 `json:"no_mutation" yaml:"no_mutation"`
	Architecture     float64 `json:"architecture" yaml:"architecture"`
	Parameters       float64 `json:"parameters" yaml:"parameters"`
	Activation       float64 `json:"activation" yaml:"activation"`
	RLHyperparameter float64 `json:"rl_hyperparameter" yaml:"rl_hyperparameter"`

	// NewLayerProb is the chance that an architecture mutation changes depth
	// rather than width.
	NewLayerProb        float64                `json:"new_layer_prob" yaml:"new_layer_prob"`
	MutationSD          float64                `json:"mutation_sd" yaml:"mutation_sd"`
	ActivationSelection []string               `json:"activation_selection,omitempty" yaml:"activation_selection,omitempty"`
	RLHPSelection       []string               `json:"rl_hp_selection,omitempty" yaml:"rl_hp_selection,omitempty"`
	Hyperparameters     map[string]RLParameter `json:"hyperparameters,omitempty" yaml:"hyperparameters,omitempty"`

	Logger *slog.Logger `json:"-" yaml:"-"`
}

// DefaultMutationConfig mirrors a typical off-policy setup.
func DefaultMutationConfig() MutationConfig {
	return MutationConfig{
		NoMutation:          0.4,
		Architecture:        0.2,
		Parameters:          0.2,
		Activation:          0,
		RLHyperparameter:    0.2,
		NewLayerProb:        0.2,
		MutationSD:          0.1,
		ActivationSelection: []string{"relu", "elu", "gelu"},
		RLHPSelection:       []string{"lr", "batch_size", "learn_step"},
		Hyperparameters:     DefaultHyperparameters(),
	}
}

var categories = []string{
	model.MutationNone,
	model.MutationArchitecture,
	model.MutationParameters,
	model.MutationActivation,
	model.MutationRLHyperparameter,
}

// Mutations applies exactly one mutation category per individual. All random
// draws come from the single rng, in population order.
type Mutations struct {
	cfg        MutationConfig
	rng        *rand.Rand
	logger     *slog.Logger
	probs      []float64
	cumulative []float64
	hpNames    []string
}

func NewMutations(cfg MutationConfig, rng *rand.Rand) (*Mutations, error) {
	if rng == nil {
		return nil, fmt.Errorf("%w: random source is required", ErrInvalidMutationConfig)
	}
	weights := []float64{cfg.NoMutation, cfg.Architecture, cfg.Parameters, cfg.Activation, cfg.RLHyperparameter}
	total := 0.0
	for i, w := range weights {
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return nil, fmt.Errorf("%w: %s=%v", ErrInvalidProbabilities, categories[i], w)
		}
		total += w
	}
	if total == 0 {
		return nil, fmt.Errorf("%w: all category probabilities are zero", ErrInvalidProbabilities)
	}
	if math.IsNaN(cfg.NewLayerProb) || cfg.NewLayerProb < 0 || cfg.NewLayerProb > 1 {
		return nil, fmt.Errorf("%w: new_layer_prob must be in [0,1], got %v", ErrInvalidMutationConfig, cfg.NewLayerProb)
	}
	if math.IsNaN(cfg.MutationSD) || math.IsInf(cfg.MutationSD, 0) || cfg.MutationSD < 0 {
		return nil, fmt.Errorf("%w: mutation_sd must be >= 0, got %v", ErrInvalidMutationConfig, cfg.MutationSD)
	}

	probs := make([]float64, len(weights))
	floats.ScaleTo(probs, 1/total, weights)
	cumulative := make([]float64, len(probs))
	floats.CumSum(cumulative, probs)

	hps := make(map[string]RLParameter, len(cfg.Hyperparameters))
	for name, p := range cfg.Hyperparameters {
		p = p.withDefaults()
		if err := p.validate(name); err != nil {
			return nil, err
		}
		hps[name] = p
	}
	cfg.Hyperparameters = hps

	hpNames := slices.Clone(cfg.RLHPSelection)
	if len(hpNames) == 0 {
		for name := range hps {
			hpNames = append(hpNames, name)
		}
	}
	sort.Strings(hpNames)
	for _, name := range hpNames {
		if _, ok := hps[name]; !ok {
			return nil, fmt.Errorf("%w: rl_hp_selection names unknown hyperparameter %q", ErrInvalidMutationConfig, name)
		}
	}
	if cfg.RLHyperparameter > 0 && len(hpNames) == 0 {
		return nil, fmt.Errorf("%w: rl_hyperparameter mutations need a hyperparameter table", ErrInvalidMutationConfig)
	}

	if len(cfg.ActivationSelection) == 0 {
		cfg.ActivationSelection = []string{"relu", "elu", "gelu"}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Mutations{
		cfg:        cfg,
		rng:        rng,
		logger:     logger,
		probs:      probs,
		cumulative: cumulative,
		hpNames:    hpNames,
	}, nil
}

// Probabilities returns the normalized category distribution.
func (m *Mutations) Probabilities() map[string]float64 {
	out := make(map[string]float64, len(categories))
	for i, c := range categories {
		out[c] = m.probs[i]
	}
	return out
}

// Mutate mutates every individual in place, in order, and returns one record
// per individual.
func (m *Mutations) Mutate(population []*agent.Individual, generation int) ([]model.MutationRecord, error) {
	records := make([]model.MutationRecord, 0, len(population))
	for _, ind := range population {
		rec, err := m.MutateIndividual(ind, generation)
		if err != nil {
			return nil, fmt.Errorf("mutate individual %s: %w", ind.ID, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (m *Mutations) MutateIndividual(ind *agent.Individual, generation int) (model.MutationRecord, error) {
	category := m.drawCategory()
	rec := model.MutationRecord{Generation: generation, IndividualID: ind.ID, Category: category}
	var err error
	switch category {
	case model.MutationArchitecture:
		err = m.architecture(ind, &rec)
	case model.MutationParameters:
		m.parameters(ind, &rec)
	case model.MutationActivation:
		err = m.activation(ind, &rec)
	case model.MutationRLHyperparameter:
		err = m.rlHyperparameter(ind, &rec)
	}
	if err != nil {
		return model.MutationRecord{}, err
	}
	if rec.NoOp {
		m.logger.Debug("mutation had no effect",
			"generation", generation, "individual", ind.ID, "category", category, "reason", rec.Reason)
	}
	for _, note := range rec.Notes {
		m.logger.Debug("transplant note", "individual", ind.ID, "note", note)
	}
	ind.LastMutation = []model.MutationRecord{rec}
	return rec, nil
}

func (m *Mutations) drawCategory() string {
	u := m.rng.Float64()
	for i, c := range m.cumulative {
		if u < c && m.probs[i] > 0 {
			return categories[i]
		}
	}
	// Rounding can leave the last cumulative entry just below 1.
	for i := len(m.probs) - 1; i >= 0; i-- {
		if m.probs[i] > 0 {
			return categories[i]
		}
	}
	return model.MutationNone
}

func (m *Mutations) architecture(ind *agent.Individual, rec *model.MutationRecord) error {
	if len(ind.Networks) == 0 {
		rec.NoOp, rec.Reason = true, "individual has no networks"
		return nil
	}
	typ, other := module.MutationNode, module.MutationLayer
	if m.rng.Float64() < m.cfg.NewLayerProb {
		typ, other = module.MutationLayer, module.MutationNode
	}
	net := ind.Networks[m.rng.Intn(len(ind.Networks))]
	methods := module.MethodsOfType(net.Online, typ)
	if len(methods) == 0 {
		methods = module.MethodsOfType(net.Online, other)
	}
	if len(methods) == 0 {
		rec.NoOp, rec.Reason = true, fmt.Sprintf("network %s has no architecture mutations", net.Name)
		return nil
	}
	op := methods[m.rng.Intn(len(methods))]
	next, change, err := net.Online.Apply(op, module.Args{}, m.rng)
	if err != nil {
		return fmt.Errorf("network %s %s: %w", net.Name, op, err)
	}
	m.describe(rec, net.Name, change)
	if change.NoOp {
		return nil
	}
	notes, err := ind.ReplaceOnline(net.Name, next, m.rng)
	if err != nil {
		return err
	}
	rec.Notes = append(rec.Notes, notes...)
	return nil
}

// parameters adds N(0, sd*|w|) noise to every online weight, falling back to
// N(0, sd) where |w| is zero or undefined.
func (m *Mutations) parameters(ind *agent.Individual, rec *model.MutationRecord) {
	sd := m.cfg.MutationSD
	touched := 0
	for _, net := range ind.Networks {
		for _, p := range net.Online.Parameters() {
			noise := make([]float64, len(p.Value.Data))
			for i, w := range p.Value.Data {
				scale := sd * math.Abs(w)
				if scale == 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
					scale = sd
				}
				noise[i] = m.rng.NormFloat64() * scale
			}
			floats.Add(p.Value.Data, noise)
			touched += len(noise)
		}
	}
	rec.Operation = fmt.Sprintf("gaussian_noise(sd=%g)", sd)
	rec.Notes = append(rec.Notes, fmt.Sprintf("perturbed %d weights", touched))
}

func (m *Mutations) activation(ind *agent.Individual, rec *model.MutationRecord) error {
	if len(ind.Networks) == 0 {
		rec.NoOp, rec.Reason = true, "individual has no networks"
		return nil
	}
	current := ind.Networks[0].Online.Activation()
	var choices []string
	for _, a := range m.cfg.ActivationSelection {
		if a != current {
			choices = append(choices, a)
		}
	}
	if len(choices) == 0 {
		rec.Operation = module.OpChangeActivation
		rec.NoOp, rec.Reason = true, fmt.Sprintf("no activation other than %s to choose", current)
		return nil
	}
	act := choices[m.rng.Intn(len(choices))]
	rec.Operation = fmt.Sprintf("%s(activation=%s)", module.OpChangeActivation, act)
	changed := 0
	for _, net := range ind.Networks {
		if !module.Supports(net.Online, module.OpChangeActivation) {
			continue
		}
		next, change, err := net.Online.Apply(module.OpChangeActivation, module.Args{Activation: act}, m.rng)
		if err != nil {
			return fmt.Errorf("network %s: %w", net.Name, err)
		}
		if change.NoOp {
			continue
		}
		notes, err := ind.ReplaceOnline(net.Name, next, m.rng)
		if err != nil {
			return err
		}
		rec.Notes = append(rec.Notes, notes...)
		changed++
	}
	if changed == 0 {
		rec.NoOp, rec.Reason = true, "no network accepted the activation change"
	}
	return nil
}

func (m *Mutations) rlHyperparameter(ind *agent.Individual, rec *model.MutationRecord) error {
	if len(m.hpNames) == 0 {
		rec.NoOp, rec.Reason = true, "no hyperparameters configured"
		return nil
	}
	name := m.hpNames[m.rng.Intn(len(m.hpNames))]
	grow := m.rng.Intn(2) == 0
	p := m.cfg.Hyperparameters[name]
	before, ok := ind.Hyperparameters[name]
	if !ok {
		before = p.Min
	}
	after := p.Mutate(before, grow)
	dir := "shrink"
	if grow {
		dir = "grow"
	}
	rec.Operation = fmt.Sprintf("%s(%s,%g->%g)", dir, name, before, after)
	rec.Target = name
	if after == before {
		rec.NoOp, rec.Reason = true, fmt.Sprintf("%s already at bound %g", name, before)
		return nil
	}
	return ind.SetHyperparameter(name, after)
}

func (m *Mutations) describe(rec *model.MutationRecord, network string, change module.Change) {
	desc := change
	desc.NoOp = false
	rec.Operation = network + ":" + desc.String()
	rec.Target = network
	if change.Target != "" {
		rec.Target = network + "." + change.Target
	}
	rec.NoOp = change.NoOp
	rec.Reason = change.Reason
	rec.Notes = append(rec.Notes, change.Notes...)
}
