package evo

import (
	"fmt"
	"math"
)

// RLParameter bounds one mutable RL hyperparameter. Growing multiplies the
// current value by GrowFactor, shrinking by ShrinkFactor.
type RLParameter struct {
	Min          float64 `json:"min" yaml:"min"`
	Max          float64 `json:"max" yaml:"max"`
	GrowFactor   float64 `json:"grow_factor,omitempty" yaml:"grow_factor,omitempty"`
	ShrinkFactor float64 `json:"shrink_factor,omitempty" yaml:"shrink_factor,omitempty"`
	Integer      bool    `json:"integer,omitempty" yaml:"integer,omitempty"`
}

func (p RLParameter) withDefaults() RLParameter {
	if p.GrowFactor == 0 {
		p.GrowFactor = 1.2
	}
	if p.ShrinkFactor == 0 {
		p.ShrinkFactor = 0.8
	}
	return p
}

func (p RLParameter) validate(name string) error {
	for _, v := range []float64{p.Min, p.Max, p.GrowFactor, p.ShrinkFactor} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: hyperparameter %s has non-finite bounds", ErrInvalidMutationConfig, name)
		}
	}
	if p.Min > p.Max {
		return fmt.Errorf("%w: hyperparameter %s min %v > max %v", ErrInvalidMutationConfig, name, p.Min, p.Max)
	}
	if p.GrowFactor <= 1 || p.ShrinkFactor <= 0 || p.ShrinkFactor >= 1 {
		return fmt.Errorf("%w: hyperparameter %s needs grow > 1 and 0 < shrink < 1, got %v/%v", ErrInvalidMutationConfig, name, p.GrowFactor, p.ShrinkFactor)
	}
	return nil
}

// Mutate scales value up or down, clamps it to [Min,Max] and rounds integer
// parameters. An integer parameter always moves by at least one unit before
// clamping.
func (p RLParameter) Mutate(value float64, grow bool) float64 {
	next := value * p.ShrinkFactor
	if grow {
		next = value * p.GrowFactor
	}
	if p.Integer {
		next = math.Round(next)
		switch {
		case grow && next <= value:
			next = math.Round(value) + 1
		case !grow && next >= value:
			next = math.Round(value) - 1
		}
	}
	return math.Min(p.Max, math.Max(p.Min, next))
}

// DefaultHyperparameters covers the hyperparameters shared by the off-policy
// algorithms.
func DefaultHyperparameters() map[string]RLParameter {
	return map[string]RLParameter{
		"lr":         {Min: 1e-5, Max: 1e-2, GrowFactor: 1.2, ShrinkFactor: 0.8},
		"batch_size": {Min: 8, Max: 512, GrowFactor: 1.2, ShrinkFactor: 0.8, Integer: true},
		"learn_step": {Min: 1, Max: 16, GrowFactor: 1.5, ShrinkFactor: 0.75, Integer: true},
	}
}
