package storage

import (
	"context"

	"evorl/internal/model"
)

// Store defines transaction-like persistence operations for evolution runs.
// Checkpoints are kept per (run, individual, generation) so that an individual
// carried across generations keeps every snapshot.
type Store interface {
	Init(ctx context.Context) error
	SaveCheckpoint(ctx context.Context, checkpoint model.Checkpoint) error
	// GetCheckpoint returns the most recent generation saved for id.
	GetCheckpoint(ctx context.Context, id string) (model.Checkpoint, bool, error)
	GetCheckpointAt(ctx context.Context, runID, id string, generation int) (model.Checkpoint, bool, error)
	SavePopulation(ctx context.Context, population model.Population) error
	GetPopulation(ctx context.Context, id string) (model.Population, bool, error)
	SaveRunSummary(ctx context.Context, summary model.RunSummary) error
	GetRunSummary(ctx context.Context, runID string) (model.RunSummary, bool, error)
	SaveFitnessHistory(ctx context.Context, runID string, history []float64) error
	GetFitnessHistory(ctx context.Context, runID string) ([]float64, bool, error)
	SaveGenerationDiagnostics(ctx context.Context, runID string, diagnostics []model.GenerationDiagnostics) error
	GetGenerationDiagnostics(ctx context.Context, runID string) ([]model.GenerationDiagnostics, bool, error)
	SaveLineage(ctx context.Context, runID string, lineage []model.LineageRecord) error
	GetLineage(ctx context.Context, runID string) ([]model.LineageRecord, bool, error)
}
