package nn

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"evorl/internal/tensor"
)

// Identity is the activation used when a module has no output nonlinearity.
const Identity = "identity"

var (
	ErrActivationExists   = errors.New("activation already registered")
	ErrActivationNotFound = errors.New("activation not found")
)

type ActivationFunc func(x float64) float64

var activationRegistry = struct {
	mu sync.RWMutex
	m  map[string]ActivationFunc
}{
	m: make(map[string]ActivationFunc),
}

func init() {
	initializeBuiltInActivations()
}

func initializeBuiltInActivations() {
	MustRegisterActivation(Identity, func(x float64) float64 { return x })
	MustRegisterActivation("relu", func(x float64) float64 {
		if x < 0 {
			return 0
		}
		return x
	})
	MustRegisterActivation("leaky_relu", func(x float64) float64 {
		if x < 0 {
			return 0.01 * x
		}
		return x
	})
	MustRegisterActivation("elu", func(x float64) float64 {
		if x < 0 {
			return math.Expm1(x)
		}
		return x
	})
	MustRegisterActivation("gelu", func(x float64) float64 {
		return 0.5 * x * (1 + math.Erf(x/math.Sqrt2))
	})
	MustRegisterActivation("tanh", math.Tanh)
	MustRegisterActivation("sigmoid", func(x float64) float64 {
		return 1.0 / (1.0 + math.Exp(-x))
	})
	MustRegisterActivation("softsign", func(x float64) float64 {
		return x / (1 + math.Abs(x))
	})
	MustRegisterActivation("softplus", func(x float64) float64 {
		return math.Log1p(math.Exp(x))
	})
}

func RegisterActivation(name string, fn ActivationFunc) error {
	if name == "" {
		return errors.New("activation name is required")
	}
	if fn == nil {
		return errors.New("activation function is required")
	}

	activationRegistry.mu.Lock()
	defer activationRegistry.mu.Unlock()

	if _, exists := activationRegistry.m[name]; exists {
		return fmt.Errorf("%w: %s", ErrActivationExists, name)
	}
	activationRegistry.m[name] = fn
	return nil
}

func MustRegisterActivation(name string, fn ActivationFunc) {
	if err := RegisterActivation(name, fn); err != nil {
		panic(err)
	}
}

// GetActivation resolves a registered activation. The empty name resolves to
// identity.
func GetActivation(name string) (ActivationFunc, error) {
	if name == "" {
		name = Identity
	}
	activationRegistry.mu.RLock()
	fn, ok := activationRegistry.m[name]
	activationRegistry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrActivationNotFound, name)
	}
	return fn, nil
}

func ListActivations() []string {
	activationRegistry.mu.RLock()
	defer activationRegistry.mu.RUnlock()

	names := make([]string, 0, len(activationRegistry.m))
	for name := range activationRegistry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Activate applies the named activation to every entry of t in place.
func Activate(name string, t *tensor.Tensor) error {
	fn, err := GetActivation(name)
	if err != nil {
		return err
	}
	for i, v := range t.Data {
		t.Data[i] = fn(v)
	}
	return nil
}

func resetActivationRegistryForTests() {
	activationRegistry.mu.Lock()
	activationRegistry.m = make(map[string]ActivationFunc)
	activationRegistry.mu.Unlock()
	initializeBuiltInActivations()
}
