// Package optim holds per-parameter optimizer state for evolvable modules and
// rebuilds it when a module's architecture changes.
package optim

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"evorl/internal/module"
	"evorl/internal/tensor"
)

const (
	Adam = "adam"
	SGD  = "sgd"
)

var (
	ErrInvalidConfig = errors.New("invalid optimizer config")
	ErrUnknownParam  = errors.New("gradient for unknown parameter")
)

type Config struct {
	Name  string  `json:"name" yaml:"name"`
	LR    float64 `json:"lr" yaml:"lr"`
	Beta1 float64 `json:"beta1,omitempty" yaml:"beta1,omitempty"`
	Beta2 float64 `json:"beta2,omitempty" yaml:"beta2,omitempty"`
	Eps   float64 `json:"eps,omitempty" yaml:"eps,omitempty"`
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = Adam
	}
	if c.Beta1 == 0 {
		c.Beta1 = 0.9
	}
	if c.Beta2 == 0 {
		c.Beta2 = 0.999
	}
	if c.Eps == 0 {
		c.Eps = 1e-8
	}
	return c
}

func (c Config) Validate() error {
	if c.Name != Adam && c.Name != SGD {
		return fmt.Errorf("%w: unknown optimizer %q", ErrInvalidConfig, c.Name)
	}
	if !(c.LR > 0) || math.IsInf(c.LR, 0) {
		return fmt.Errorf("%w: learning rate must be positive, got %v", ErrInvalidConfig, c.LR)
	}
	if c.Beta1 < 0 || c.Beta1 >= 1 || c.Beta2 < 0 || c.Beta2 >= 1 {
		return fmt.Errorf("%w: betas must be in [0,1), got %v/%v", ErrInvalidConfig, c.Beta1, c.Beta2)
	}
	return nil
}

// Moments is the first/second moment estimate of one parameter.
type Moments struct {
	M *tensor.Tensor `json:"m"`
	V *tensor.Tensor `json:"v"`
}

func (m Moments) clone() Moments {
	return Moments{M: m.M.Clone(), V: m.V.Clone()}
}

// State is the serializable form of an Optimizer.
type State struct {
	Config  Config             `json:"config"`
	Steps   int                `json:"steps"`
	Moments map[string]Moments `json:"moments"`
}

// Optimizer tracks moments per named parameter of one module.
type Optimizer struct {
	cfg     Config
	steps   int
	moments map[string]Moments
}

func New(cfg Config, params []module.Param) (*Optimizer, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &Optimizer{cfg: cfg, moments: make(map[string]Moments, len(params))}
	for _, p := range params {
		o.moments[p.Name] = zeroMoments(p.Value)
	}
	return o, nil
}

func zeroMoments(t *tensor.Tensor) Moments {
	return Moments{M: tensor.New(t.Shape...), V: tensor.New(t.Shape...)}
}

func (o *Optimizer) Config() Config { return o.cfg }
func (o *Optimizer) LearningRate() float64 { return o.cfg.LR }
func (o *Optimizer) Steps() int { return o.steps }

func (o *Optimizer) SetLearningRate(lr float64) error {
	if !(lr > 0) || math.IsInf(lr, 0) {
		return fmt.Errorf("%w: learning rate must be positive, got %v", ErrInvalidConfig, lr)
	}
	o.cfg.LR = lr
	return nil
}

// Rebuild returns an optimizer for params. Moments carry over only for
// parameters whose name and shape are unchanged; every other parameter starts
// from zero.
func (o *Optimizer) Rebuild(params []module.Param) (*Optimizer, int) {
	next := &Optimizer{cfg: o.cfg, steps: o.steps, moments: make(map[string]Moments, len(params))}
	carried := 0
	for _, p := range params {
		prev, ok := o.moments[p.Name]
		if ok && prev.M.SameShape(p.Value) {
			next.moments[p.Name] = prev.clone()
			carried++
			continue
		}
		next.moments[p.Name] = zeroMoments(p.Value)
	}
	return next, carried
}

func (o *Optimizer) Clone() *Optimizer {
	next := &Optimizer{cfg: o.cfg, steps: o.steps, moments: make(map[string]Moments, len(o.moments))}
	for name, m := range o.moments {
		next.moments[name] = m.clone()
	}
	return next
}

// Step applies one update to params in place.
func (o *Optimizer) Step(params []module.Param, grads map[string]*tensor.Tensor) error {
	for name := range grads {
		if _, ok := o.moments[name]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownParam, name)
		}
	}
	o.steps++
	for _, p := range params {
		g, ok := grads[p.Name]
		if !ok {
			continue
		}
		if !g.SameShape(p.Value) {
			return fmt.Errorf("%w: gradient for %s has shape %v, want %v", tensor.ErrShapeMismatch, p.Name, g.Shape, p.Value.Shape)
		}
		switch o.cfg.Name {
		case SGD:
			floats.AddScaled(p.Value.Data, -o.cfg.LR, g.Data)
		default:
			o.adam(p, g)
		}
	}
	return nil
}

func (o *Optimizer) adam(p module.Param, g *tensor.Tensor) {
	mo := o.moments[p.Name]
	b1, b2 := o.cfg.Beta1, o.cfg.Beta2
	floats.Scale(b1, mo.M.Data)
	floats.AddScaled(mo.M.Data, 1-b1, g.Data)
	for i, gv := range g.Data {
		mo.V.Data[i] = b2*mo.V.Data[i] + (1-b2)*gv*gv
	}
	c1 := 1 - math.Pow(b1, float64(o.steps))
	c2 := 1 - math.Pow(b2, float64(o.steps))
	for i := range p.Value.Data {
		mhat := mo.M.Data[i] / c1
		vhat := mo.V.Data[i] / c2
		p.Value.Data[i] -= o.cfg.LR * mhat / (math.Sqrt(vhat) + o.cfg.Eps)
	}
}

// Names returns the tracked parameter names in sorted order.
func (o *Optimizer) Names() []string {
	names := make([]string, 0, len(o.moments))
	for name := range o.moments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (o *Optimizer) Snapshot() State {
	s := State{Config: o.cfg, Steps: o.steps, Moments: make(map[string]Moments, len(o.moments))}
	for name, m := range o.moments {
		s.Moments[name] = m.clone()
	}
	return s
}

func Restore(s State) (*Optimizer, error) {
	cfg := s.Config.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &Optimizer{cfg: cfg, steps: s.Steps, moments: make(map[string]Moments, len(s.Moments))}
	for name, m := range s.Moments {
		if m.M == nil || m.V == nil || !m.M.SameShape(m.V) {
			return nil, fmt.Errorf("%w: moments for %s are incomplete", ErrInvalidConfig, name)
		}
		o.moments[name] = m.clone()
	}
	return o, nil
}
