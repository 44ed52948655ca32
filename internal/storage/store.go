package storage

import (
	"context"

	"chemeleon/internal/model"
)

// Store persists evaluation summaries and the reference data they were
// computed against.
type Store interface {
	Init(ctx context.Context) error
	SaveEvaluation(ctx context.Context, run model.EvaluationRun) error
	GetEvaluation(ctx context.Context, runID string) (model.EvaluationRun, bool, error)
	// ListEvaluations returns runs newest first.
	ListEvaluations(ctx context.Context) ([]model.EvaluationRun, error)
	SaveReferenceSet(ctx context.Context, set model.ReferenceSet) error
	GetReferenceSet(ctx context.Context, name string) (model.ReferenceSet, bool, error)
	SavePhaseDiagram(ctx context.Context, set model.PhaseDiagramSet) error
	GetPhaseDiagram(ctx context.Context, name string) (model.PhaseDiagramSet, bool, error)
}
