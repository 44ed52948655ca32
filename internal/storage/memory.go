package storage

import (
	"context"
	"errors"
	"sync"

	"chemeleon/internal/model"
)

var errNotInitialized = errors.New("store is not initialized")

type MemoryStore struct {
	mu            sync.RWMutex
	initialized   bool
	evaluations   map[string]model.EvaluationRun
	references    map[string]model.ReferenceSet
	phaseDiagrams map[string]model.PhaseDiagramSet
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
	s.evaluations = make(map[string]model.EvaluationRun)
	s.references = make(map[string]model.ReferenceSet)
	s.phaseDiagrams = make(map[string]model.PhaseDiagramSet)
	return nil
}

func (s *MemoryStore) SaveEvaluation(_ context.Context, run model.EvaluationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	metrics := make(map[string]float64, len(run.Metrics))
	for k, v := range run.Metrics {
		metrics[k] = v
	}
	run.Metrics = metrics
	s.evaluations[run.RunID] = run
	return nil
}

func (s *MemoryStore) GetEvaluation(_ context.Context, runID string) (model.EvaluationRun, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.evaluations[runID]
	return run, ok, nil
}

func (s *MemoryStore) ListEvaluations(_ context.Context) ([]model.EvaluationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.EvaluationRun, 0, len(s.evaluations))
	for _, run := range s.evaluations {
		out = append(out, run)
	}
	sortRunsNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) SaveReferenceSet(_ context.Context, set model.ReferenceSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	set.Structures = append([]model.StructureRecord(nil), set.Structures...)
	s.references[set.Name] = set
	return nil
}

func (s *MemoryStore) GetReferenceSet(_ context.Context, name string) (model.ReferenceSet, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set, ok := s.references[name]
	return set, ok, nil
}

func (s *MemoryStore) SavePhaseDiagram(_ context.Context, set model.PhaseDiagramSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	s.phaseDiagrams[set.Name] = set
	return nil
}

func (s *MemoryStore) GetPhaseDiagram(_ context.Context, name string) (model.PhaseDiagramSet, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set, ok := s.phaseDiagrams[name]
	return set, ok, nil
}
