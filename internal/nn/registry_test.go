package nn

import (
	"errors"
	"math"
	"testing"

	"evorl/internal/tensor"
)

func TestRegisterAndGetActivation(t *testing.T) {
	resetActivationRegistryForTests()
	t.Cleanup(resetActivationRegistryForTests)

	if err := RegisterActivation("quad", func(x float64) float64 { return x * x }); err != nil {
		t.Fatalf("register activation: %v", err)
	}
	fn, err := GetActivation("quad")
	if err != nil {
		t.Fatalf("get activation: %v", err)
	}
	if got := fn(3); got != 9 {
		t.Fatalf("unexpected activation result: got=%f want=9", got)
	}
}

func TestRegisterActivationValidation(t *testing.T) {
	resetActivationRegistryForTests()
	t.Cleanup(resetActivationRegistryForTests)

	if err := RegisterActivation("", func(x float64) float64 { return x }); err == nil {
		t.Fatal("expected empty name error")
	}
	if err := RegisterActivation("nil", nil); err == nil {
		t.Fatal("expected nil function error")
	}
	if err := RegisterActivation("relu", func(x float64) float64 { return x }); !errors.Is(err, ErrActivationExists) {
		t.Fatalf("expected ErrActivationExists, got: %v", err)
	}
}

func TestGetActivationNotFound(t *testing.T) {
	_, err := GetActivation("missing")
	if !errors.Is(err, ErrActivationNotFound) {
		t.Fatalf("expected ErrActivationNotFound, got: %v", err)
	}
}

func TestEmptyActivationIsIdentity(t *testing.T) {
	fn, err := GetActivation("")
	if err != nil {
		t.Fatalf("get empty activation: %v", err)
	}
	if fn(-2.5) != -2.5 {
		t.Fatal("expected identity")
	}
}

func TestListActivationsSorted(t *testing.T) {
	names := ListActivations()
	for i := 1; i < len(names); i++ {
		if names[i-1] > names[i] {
			t.Fatalf("activation list not sorted: %+v", names)
		}
	}
}

func TestBuiltinsAvailable(t *testing.T) {
	for _, name := range []string{"identity", "relu", "leaky_relu", "elu", "gelu", "tanh", "sigmoid", "softsign", "softplus"} {
		fn, err := GetActivation(name)
		if err != nil {
			t.Fatalf("get builtin activation %s: %v", name, err)
		}
		if v := fn(1.0); math.IsNaN(v) {
			t.Fatalf("activation %s produced NaN", name)
		}
	}
}

func TestActivateInPlace(t *testing.T) {
	x, _ := tensor.FromData([]int{3}, []float64{-1, 0, 2})
	if err := Activate("relu", x); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if x.Data[0] != 0 || x.Data[2] != 2 {
		t.Fatalf("unexpected relu output: %v", x.Data)
	}
}
