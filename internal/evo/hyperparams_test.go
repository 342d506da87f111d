package evo

import "testing"

func TestRLParameterMutateClampsAndRounds(t *testing.T) {
	batch := RLParameter{Min: 8, Max: 64, GrowFactor: 1.2, ShrinkFactor: 0.8, Integer: true}
	if got := batch.Mutate(32, true); got != 38 {
		t.Fatalf("expected 38, got %v", got)
	}
	if got := batch.Mutate(60, true); got != 64 {
		t.Fatalf("expected clamp to 64, got %v", got)
	}
	if got := batch.Mutate(9, false); got != 8 {
		t.Fatalf("expected clamp to 8, got %v", got)
	}

	step := RLParameter{Min: 1, Max: 16, GrowFactor: 1.2, ShrinkFactor: 0.8, Integer: true}
	if got := step.Mutate(1, true); got != 2 {
		t.Fatalf("expected integer growth of at least one, got %v", got)
	}
	if got := step.Mutate(2, false); got != 1 {
		t.Fatalf("expected integer shrink of at least one, got %v", got)
	}

	lr := RLParameter{Min: 1e-4, Max: 1e-2, GrowFactor: 1.5, ShrinkFactor: 0.5}
	if got := lr.Mutate(1e-3, false); got != 5e-4 {
		t.Fatalf("expected 5e-4, got %v", got)
	}
}

func TestRLParameterValidate(t *testing.T) {
	cases := []RLParameter{
		{Min: 2, Max: 1, GrowFactor: 1.2, ShrinkFactor: 0.8},
		{Min: 0, Max: 1, GrowFactor: 0.9, ShrinkFactor: 0.8},
		{Min: 0, Max: 1, GrowFactor: 1.2, ShrinkFactor: 1.1},
	}
	for i, c := range cases {
		if err := c.validate("x"); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
	if err := (RLParameter{Min: 0, Max: 1}).withDefaults().validate("x"); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}
