package report

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteAndExportRunArtifacts(t *testing.T) {
	baseDir := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "exports")

	runID := "run-123"
	artifacts := RunArtifacts{
		Config: RunConfig{
			RunID:            runID,
			ReferenceDataset: "mp-20",
			Metrics:          []string{"validity", "uniqueness"},
			LengthTol:        0.2,
			SiteTol:          0.3,
			AngleTol:         5,
		},
		Record:  map[string]any{"run_id": runID, "num_generated": 3},
		Samples: []map[string]any{{"valid": true}, {"valid": false}},
	}

	runDir, err := WriteRunArtifacts(baseDir, artifacts)
	require.NoError(t, err)
	for _, file := range artifactFiles {
		require.FileExists(t, filepath.Join(runDir, file))
	}

	exportedDir, err := ExportRunArtifacts(baseDir, runID, outDir)
	require.NoError(t, err)
	for _, file := range artifactFiles {
		require.FileExists(t, filepath.Join(exportedDir, file))
	}

	cfg, ok, err := ReadRunConfig(baseDir, runID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "mp-20", cfg.ReferenceDataset)
	require.Len(t, cfg.Metrics, 2)

	var record struct {
		NumGenerated int `json:"num_generated"`
	}
	ok, err = ReadRecord(baseDir, runID, &record)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, record.NumGenerated)
}

func TestWriteRunArtifactsRequiresRunID(t *testing.T) {
	_, err := WriteRunArtifacts(t.TempDir(), RunArtifacts{})
	require.Error(t, err)
}

func TestRunIndexAppendAndList(t *testing.T) {
	baseDir := t.TempDir()
	require.NoError(t, AppendRunIndex(baseDir, RunIndexEntry{RunID: "run-1", ReferenceDataset: "mp-20", NumGenerated: 10, CreatedAtUTC: "2025-01-01T00:00:00Z"}))
	require.NoError(t, AppendRunIndex(baseDir, RunIndexEntry{RunID: "run-2", ReferenceDataset: "mp-20", NumGenerated: 20, CreatedAtUTC: "2025-01-02T00:00:00Z"}))
	require.NoError(t, AppendRunIndex(baseDir, RunIndexEntry{RunID: "run-1", ReferenceDataset: "mp-20", NumGenerated: 11, CreatedAtUTC: "2025-01-01T00:00:00Z"}))

	entries, err := ListRunIndex(baseDir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "run-2", entries[0].RunID, "newest first")
	require.Equal(t, 11, entries[1].NumGenerated, "re-appended entry replaces the old one")
}

func TestAppendCSVWritesHeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results", "metrics.csv")
	header := []string{"run_id", "validity"}
	require.NoError(t, AppendCSV(path, header, []string{"a", "1.000000"}))
	require.NoError(t, AppendCSV(path, header, []string{"b", ""}))

	gotHeader, rows, err := ReadCSV(path)
	require.NoError(t, err)
	require.Equal(t, header, gotHeader)
	require.Equal(t, [][]string{{"a", "1.000000"}, {"b", ""}}, rows)
}

func TestAppendCSVRejectsMismatchedHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.csv")
	require.NoError(t, AppendCSV(path, []string{"a", "b"}, []string{"1", "2"}))
	require.Error(t, AppendCSV(path, []string{"a", "c"}, []string{"1", "2"}), "header mismatch")
	require.Error(t, AppendCSV(path, []string{"a", "b"}, []string{"1"}), "column count")
}
