package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"chemeleon/internal/model"
	"chemeleon/internal/phasediagram"
)

func TestDecodeEvaluationFixture(t *testing.T) {
	run := decodeEvaluationFixture(t, "evaluation_v1.json")
	require.Equal(t, "eval-fixture-1", run.RunID)
	require.Equal(t, 92, run.NumValid)
	require.Equal(t, 0.92, run.Metrics["validity"])
	require.NotContains(t, run.Metrics, "stability", "stability was not computed in the fixture")
}

func TestDecodeReferenceSetFixture(t *testing.T) {
	set, err := DecodeReferenceSet(readFixture(t, "reference_set_v1.json"))
	require.NoError(t, err)
	structures, err := set.Decode()
	require.NoError(t, err)
	require.Len(t, structures, 1)
	require.Equal(t, 2, structures[0].NumSites())
	require.Equal(t, "ClNa", structures[0].Composition().ReducedFormula())
}

func TestDecodePhaseDiagramFixture(t *testing.T) {
	set, err := DecodePhaseDiagram(readFixture(t, "phase_diagram_v1.json"))
	require.NoError(t, err)
	pd, err := phasediagram.New(set.Name, set.Entries)
	require.NoError(t, err)
	require.Len(t, pd.Entries(), 3)
}

func TestDecodeRejectsOldSchema(t *testing.T) {
	_, err := DecodeEvaluation(readFixture(t, "evaluation_v0.json"))
	require.ErrorIs(t, err, ErrVersionMismatch)
}

func TestEvaluationRoundTrip(t *testing.T) {
	run := model.EvaluationRun{
		VersionedRecord:  CurrentVersion(),
		RunID:            "run-1",
		CreatedAtUTC:     "2025-01-01T00:00:00Z",
		ReferenceDataset: "mp-20",
		NumGenerated:     10,
		NumValid:         9,
		Metrics:          map[string]float64{"validity": 0.9},
	}
	data, err := EncodeEvaluation(run)
	require.NoError(t, err)
	decoded, err := DecodeEvaluation(data)
	require.NoError(t, err)
	require.Equal(t, run, decoded)
}

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(fixturePath(name))
	require.NoError(t, err)
	return data
}

func fixturePath(name string) string {
	return filepath.Join("..", "..", "testdata", "fixtures", name)
}

func decodeEvaluationFixture(t *testing.T, name string) model.EvaluationRun {
	t.Helper()
	run, err := DecodeEvaluation(readFixture(t, name))
	require.NoError(t, err)
	return run
}
