package agent

import (
	"fmt"
	"maps"

	"evorl/internal/model"
	"evorl/internal/module"
	"evorl/internal/optim"
)

// Snapshot captures everything needed to restore ind. The caller stamps the
// record version.
func Snapshot(ind *Individual, runID string, generation int) model.Checkpoint {
	cp := model.Checkpoint{
		ID:              ind.ID,
		RunID:           runID,
		Index:           ind.Index,
		Generation:      generation,
		Algorithm:       ind.Algorithm,
		Spaces:          model.Spaces{Observation: cloneFields(ind.Spaces.Observation), ActionDim: ind.Spaces.ActionDim},
		Hyperparameters: maps.Clone(ind.Hyperparameters),
		Fitness:         append([]float64(nil), ind.Fitness...),
		Scores:          append([]float64(nil), ind.Scores...),
		Steps:           append([]int(nil), ind.Steps...),
		LastMutation:    append([]model.MutationRecord(nil), ind.LastMutation...),
	}
	for _, n := range ind.Networks {
		rec := model.NetworkRecord{
			Name:        n.Name,
			LRKey:       n.LRKey,
			Online:      n.Online.Descriptor(),
			OnlineState: module.State(n.Online),
		}
		if n.Target != nil {
			d := n.Target.Descriptor()
			rec.Target = &d
			rec.TargetState = module.State(n.Target)
		}
		if n.Optimizer != nil {
			s := n.Optimizer.Snapshot()
			rec.Optimizer = &s
		}
		cp.Networks = append(cp.Networks, rec)
	}
	return cp
}

// Restore rebuilds an individual from a checkpoint, weights included.
func Restore(cp model.Checkpoint) (*Individual, error) {
	ind := &Individual{
		ID:              cp.ID,
		Index:           cp.Index,
		Algorithm:       cp.Algorithm,
		Spaces:          model.Spaces{Observation: cloneFields(cp.Spaces.Observation), ActionDim: cp.Spaces.ActionDim},
		Hyperparameters: maps.Clone(cp.Hyperparameters),
		Fitness:         append([]float64(nil), cp.Fitness...),
		Scores:          append([]float64(nil), cp.Scores...),
		Steps:           append([]int(nil), cp.Steps...),
		LastMutation:    append([]model.MutationRecord(nil), cp.LastMutation...),
	}
	if ind.Hyperparameters == nil {
		ind.Hyperparameters = make(map[string]float64)
	}
	for _, rec := range cp.Networks {
		online, err := module.Restore(rec.Online, rec.OnlineState)
		if err != nil {
			return nil, fmt.Errorf("restore %s online: %w", rec.Name, err)
		}
		n := &Network{Name: rec.Name, Online: online, LRKey: rec.LRKey}
		if rec.Target != nil {
			if n.Target, err = module.Restore(*rec.Target, rec.TargetState); err != nil {
				return nil, fmt.Errorf("restore %s target: %w", rec.Name, err)
			}
		}
		if rec.Optimizer != nil {
			if n.Optimizer, err = optim.Restore(*rec.Optimizer); err != nil {
				return nil, fmt.Errorf("restore %s optimizer: %w", rec.Name, err)
			}
		}
		ind.Networks = append(ind.Networks, n)
	}
	return ind, nil
}
