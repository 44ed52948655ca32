package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"chemeleon/internal/model"
	"chemeleon/internal/phasediagram"
)

func initMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()
	store := NewMemoryStore()
	require.NoError(t, store.Init(context.Background()))
	return store
}

func TestMemoryStoreEvaluationsNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := initMemoryStore(t)

	for _, run := range []model.EvaluationRun{
		{VersionedRecord: CurrentVersion(), RunID: "run-1", CreatedAtUTC: "2025-01-01T00:00:00Z", Metrics: map[string]float64{"validity": 1}},
		{VersionedRecord: CurrentVersion(), RunID: "run-2", CreatedAtUTC: "2025-01-02T00:00:00Z"},
	} {
		require.NoError(t, store.SaveEvaluation(ctx, run), run.RunID)
	}

	runs, err := store.ListEvaluations(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "run-2", runs[0].RunID)

	run, ok, err := store.GetEvaluation(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1.0, run.Metrics["validity"])

	_, ok, err = store.GetEvaluation(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryStoreReferenceAndPhaseDiagram(t *testing.T) {
	ctx := context.Background()
	store := initMemoryStore(t)

	ref := model.ReferenceSet{
		VersionedRecord: CurrentVersion(),
		Name:            "mp-20",
		Structures: []model.StructureRecord{{
			ID:         "mp-1",
			Lattice:    [3][3]float64{{3, 0, 0}, {0, 3, 0}, {0, 0, 3}},
			Species:    []int{11, 17},
			FracCoords: [][3]float64{{0, 0, 0}, {0.5, 0.5, 0.5}},
		}},
	}
	require.NoError(t, store.SaveReferenceSet(ctx, ref))
	loaded, ok, err := store.GetReferenceSet(ctx, "mp-20")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, loaded.Structures, 1)
	require.Equal(t, "mp-1", loaded.Structures[0].ID)

	pd := model.PhaseDiagramSet{
		VersionedRecord: CurrentVersion(),
		Name:            "na",
		Entries:         []phasediagram.Entry{{ID: "Na", Composition: map[string]float64{"Na": 1}}},
	}
	require.NoError(t, store.SavePhaseDiagram(ctx, pd))
	_, ok, err = store.GetPhaseDiagram(ctx, "na")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMemoryStoreRequiresInit(t *testing.T) {
	store := NewMemoryStore()
	err := store.SaveEvaluation(context.Background(), model.EvaluationRun{RunID: "x"})
	require.Error(t, err)
}

func TestMemoryStoreInitKeepsData(t *testing.T) {
	ctx := context.Background()
	store := initMemoryStore(t)
	require.NoError(t, store.SaveReferenceSet(ctx, model.ReferenceSet{VersionedRecord: CurrentVersion(), Name: "mp-20"}))
	require.NoError(t, store.SavePhaseDiagram(ctx, model.PhaseDiagramSet{VersionedRecord: CurrentVersion(), Name: "mp-all"}))

	require.NoError(t, store.Init(ctx))
	_, ok, err := store.GetReferenceSet(ctx, "mp-20")
	require.NoError(t, err)
	require.True(t, ok, "reference set lost on second init")
	_, ok, err = store.GetPhaseDiagram(ctx, "mp-all")
	require.NoError(t, err)
	require.True(t, ok, "phase diagram lost on second init")
}
