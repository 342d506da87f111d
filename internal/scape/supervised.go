package scape

import (
	"context"
	"fmt"
	"strings"

	"evorl/internal/agent"
	"evorl/internal/model"
	"evorl/internal/module"
	"evorl/internal/tensor"
)

const (
	defaultBatchSize = 16
	defaultLearnStep = 1
)

// supervised scores an individual's first network against a fixed target
// table. Fitness is 1 - mse, as in the regression benchmarks.
type supervised struct {
	name    string
	spaces  model.Spaces
	inputs  module.Input
	targets *tensor.Tensor
}

func (s *supervised) Name() string { return s.name }
func (s *supervised) Spaces() model.Spaces { return s.spaces }

func (s *supervised) Evaluate(ctx context.Context, ind *agent.Individual) (float64, error) {
	fitness, _, err := s.EvaluateTrace(ctx, ind)
	return fitness, err
}

func (s *supervised) EvaluateTrace(ctx context.Context, ind *agent.Individual) (float64, Trace, error) {
	pred, err := ind.Act(ctx, s.inputs)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: %w", s.name, err)
	}
	if !pred.SameShape(s.targets) {
		return 0, nil, fmt.Errorf("%s: %w: prediction %v, target %v", s.name, tensor.ErrShapeMismatch, pred.Shape, s.targets.Shape)
	}
	mse := meanSquaredError(pred.Data, s.targets.Data)
	return 1 - mse, Trace{"mse": mse, "samples": s.targets.Shape[0]}, nil
}

// Train runs learn_step gradient steps on the head bias of the first network
// over batch_size consecutive samples, starting where the previous call
// stopped. It returns the number of samples consumed.
func (s *supervised) Train(ctx context.Context, ind *agent.Individual) (int, error) {
	if len(ind.Networks) == 0 {
		return 0, fmt.Errorf("%s: individual %s has no networks", s.name, ind.ID)
	}
	net := ind.Networks[0]
	if net.Optimizer == nil {
		return 0, nil
	}
	batch := hyperInt(ind, "batch_size", defaultBatchSize)
	iterations := hyperInt(ind, "learn_step", defaultLearnStep)
	n := s.targets.Shape[0]

	offset := ind.TotalSteps()
	for it := 0; it < iterations; it++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		rows := make([]int, batch)
		for i := range rows {
			rows[i] = (offset + i) % n
		}
		offset += batch

		x, err := selectRows(s.inputs, rows)
		if err != nil {
			return 0, err
		}
		y, err := tensorRows(s.targets, rows)
		if err != nil {
			return 0, err
		}
		pred, err := ind.Act(ctx, x)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", s.name, err)
		}

		params := net.Online.Parameters()
		head := params[len(params)-1]
		if !strings.HasSuffix(head.Name, "bias") {
			return 0, fmt.Errorf("%s: last parameter %s is not a head bias", s.name, head.Name)
		}
		grad := tensor.New(head.Value.Shape...)
		cols := y.Shape[1]
		for r := 0; r < batch; r++ {
			for c := 0; c < cols; c++ {
				grad.Data[c] += 2 * (pred.Data[r*cols+c] - y.Data[r*cols+c]) / float64(batch)
			}
		}
		if err := net.Optimizer.Step(params, map[string]*tensor.Tensor{head.Name: grad}); err != nil {
			return 0, fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return iterations * batch, nil
}

func hyperInt(ind *agent.Individual, name string, fallback int) int {
	v, ok := ind.Hyperparameters[name]
	if !ok || v < 1 {
		return fallback
	}
	return int(v)
}

func meanSquaredError(pred, target []float64) float64 {
	var sum float64
	for i := range pred {
		d := pred[i] - target[i]
		sum += d * d
	}
	return sum / float64(len(pred))
}

// selectRows gathers batch rows from every tensor of in.
func selectRows(in module.Input, rows []int) (module.Input, error) {
	var out module.Input
	if in.Tensor != nil {
		t, err := tensorRows(in.Tensor, rows)
		if err != nil {
			return module.Input{}, err
		}
		out.Tensor = t
	}
	if in.Fields != nil {
		out.Fields = make(map[string]module.Input, len(in.Fields))
		for name, field := range in.Fields {
			sub, err := selectRows(field, rows)
			if err != nil {
				return module.Input{}, fmt.Errorf("field %s: %w", name, err)
			}
			out.Fields[name] = sub
		}
	}
	return out, nil
}

func tensorRows(t *tensor.Tensor, rows []int) (*tensor.Tensor, error) {
	if t.Rank() == 0 || t.Shape[0] == 0 {
		return nil, fmt.Errorf("%w: cannot select rows of %v", tensor.ErrShapeMismatch, t.Shape)
	}
	width := t.Len() / t.Shape[0]
	shape := append([]int{len(rows)}, t.Shape[1:]...)
	out := tensor.New(shape...)
	for i, r := range rows {
		copy(out.Data[i*width:(i+1)*width], t.Data[r*width:(r+1)*width])
	}
	return out, nil
}
