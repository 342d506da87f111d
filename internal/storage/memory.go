package storage

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"evorl/internal/model"
)

var errNotInitialized = errors.New("store is not initialized")

// MemoryStore keeps checkpoints in their encoded form so every read returns an
// independent copy of the weight tensors.
type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	checkpoints map[checkpointKey][]byte
	latest      map[string]checkpointKey
	populations map[string]model.Population
	runs        map[string]model.RunSummary
	history     map[string][]float64
	diagnostics map[string][]model.GenerationDiagnostics
	lineage     map[string][]model.LineageRecord
}

type checkpointKey struct {
	runID      string
	id         string
	generation int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.checkpoints = make(map[checkpointKey][]byte)
	s.latest = make(map[string]checkpointKey)
	s.populations = make(map[string]model.Population)
	s.runs = make(map[string]model.RunSummary)
	s.history = make(map[string][]float64)
	s.diagnostics = make(map[string][]model.GenerationDiagnostics)
	s.lineage = make(map[string][]model.LineageRecord)
	return nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, checkpoint model.Checkpoint) error {
	payload, err := EncodeCheckpoint(checkpoint)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", checkpoint.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	key := checkpointKey{runID: checkpoint.RunID, id: checkpoint.ID, generation: checkpoint.Generation}
	s.checkpoints[key] = payload
	if prev, ok := s.latest[checkpoint.ID]; !ok || key.generation >= prev.generation {
		s.latest[checkpoint.ID] = key
	}
	return nil
}

func (s *MemoryStore) GetCheckpoint(ctx context.Context, id string) (model.Checkpoint, bool, error) {
	s.mu.RLock()
	key, ok := s.latest[id]
	s.mu.RUnlock()

	if !ok {
		return model.Checkpoint{}, false, nil
	}
	return s.GetCheckpointAt(ctx, key.runID, key.id, key.generation)
}

func (s *MemoryStore) GetCheckpointAt(_ context.Context, runID, id string, generation int) (model.Checkpoint, bool, error) {
	s.mu.RLock()
	payload, ok := s.checkpoints[checkpointKey{runID: runID, id: id, generation: generation}]
	s.mu.RUnlock()

	if !ok {
		return model.Checkpoint{}, false, nil
	}
	checkpoint, err := DecodeCheckpoint(payload)
	if err != nil {
		return model.Checkpoint{}, false, fmt.Errorf("decode checkpoint %s: %w", id, err)
	}
	return checkpoint, true, nil
}

func (s *MemoryStore) SavePopulation(_ context.Context, population model.Population) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	population.IndividualIDs = append([]string(nil), population.IndividualIDs...)
	s.populations[population.ID] = population
	return nil
}

func (s *MemoryStore) GetPopulation(_ context.Context, id string) (model.Population, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	population, ok := s.populations[id]
	population.IndividualIDs = append([]string(nil), population.IndividualIDs...)
	return population, ok, nil
}

func (s *MemoryStore) DeletePopulation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.populations, id)
	return nil
}

func (s *MemoryStore) SaveRunSummary(_ context.Context, summary model.RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	s.runs[summary.RunID] = summary
	return nil
}

func (s *MemoryStore) GetRunSummary(_ context.Context, runID string) (model.RunSummary, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary, ok := s.runs[runID]
	return summary, ok, nil
}

func (s *MemoryStore) SaveFitnessHistory(_ context.Context, runID string, history []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	s.history[runID] = append([]float64(nil), history...)
	return nil
}

func (s *MemoryStore) GetFitnessHistory(_ context.Context, runID string) ([]float64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.history[runID]
	if !ok {
		return nil, false, nil
	}
	return append([]float64(nil), history...), true, nil
}

func (s *MemoryStore) SaveGenerationDiagnostics(_ context.Context, runID string, diagnostics []model.GenerationDiagnostics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	s.diagnostics[runID] = copyDiagnostics(diagnostics)
	return nil
}

func (s *MemoryStore) GetGenerationDiagnostics(_ context.Context, runID string) ([]model.GenerationDiagnostics, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	diagnostics, ok := s.diagnostics[runID]
	if !ok {
		return nil, false, nil
	}
	return copyDiagnostics(diagnostics), true, nil
}

func copyDiagnostics(in []model.GenerationDiagnostics) []model.GenerationDiagnostics {
	out := make([]model.GenerationDiagnostics, len(in))
	for i, d := range in {
		d.Mutations = maps.Clone(d.Mutations)
		out[i] = d
	}
	return out
}

func (s *MemoryStore) SaveLineage(_ context.Context, runID string, lineage []model.LineageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	copied := make([]model.LineageRecord, len(lineage))
	copy(copied, lineage)
	s.lineage[runID] = copied
	return nil
}

func (s *MemoryStore) GetLineage(_ context.Context, runID string) ([]model.LineageRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lineage, ok := s.lineage[runID]
	if !ok {
		return nil, false, nil
	}
	copied := make([]model.LineageRecord, len(lineage))
	copy(copied, lineage)
	return copied, true, nil
}
