package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"chemeleon/internal/dataset"
	"chemeleon/internal/structure"
)

func b2CIF(t *testing.T, a, b int, lattice float64, name string) string {
	t.Helper()
	s, err := structure.New(structure.Cubic(lattice), []int{a, b}, []structure.Vec3{{0, 0, 0}, {0.5, 0.5, 0.5}})
	require.NoError(t, err)
	return structure.FormatCIF(s, name)
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), append(args, "--log-level", "error"), &out)
	return out.String(), err
}

func writeGenerated(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	files := map[string]string{
		"gen-0.cif": b2CIF(t, 11, 17, 3.0, "NaCl"),
		"gen-1.cif": b2CIF(t, 55, 17, 4.1, "CsCl"),
	}
	for name, text := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(text), 0o644))
	}
}

func writeReference(t *testing.T, root string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(root, 0o755))
	f, err := os.Create(dataset.SplitPath(root, "train"))
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, csv.NewWriter(f).WriteAll([][]string{
		{"material_id", "cif"},
		{"mp-1", b2CIF(t, 11, 17, 3.0, "NaCl")},
	}))
}

func TestEvaluateThenRuns(t *testing.T) {
	base := t.TempDir()
	genDir := filepath.Join(base, "generated")
	refRoot := filepath.Join(base, "mp-20")
	runsDir := filepath.Join(base, "runs")
	writeGenerated(t, genDir)
	writeReference(t, refRoot)

	out, err := runCLI(t, "evaluate", genDir,
		"--store", "memory",
		"--runs-dir", runsDir,
		"--reference-root", refRoot,
		"--metrics", "validity,uniqueness,novelty",
		"--run-id", "run-cli",
	)
	require.NoError(t, err)
	for _, want := range []string{"run_id=run-cli", "num_generated=2", "num_unique=2", "num_novel=1", "novelty=0.500000"} {
		require.Contains(t, out, want)
	}
	require.NotContains(t, out, "stability=", "unselected metric printed")

	out, err = runCLI(t, "runs", "--runs-dir", runsDir)
	require.NoError(t, err)
	require.Contains(t, out, "run_id=run-cli")
	require.Contains(t, out, "generated=2 valid=2")

	out, err = runCLI(t, "export", "--runs-dir", runsDir, "--latest", "--out", filepath.Join(base, "exports"))
	require.NoError(t, err)
	require.Contains(t, out, "exported run_id=run-cli")
}

func TestEvaluateReadsConfigFile(t *testing.T) {
	base := t.TempDir()
	genDir := filepath.Join(base, "generated")
	writeGenerated(t, genDir)
	csvPath := filepath.Join(base, "benchmark_results.csv")
	configPath := filepath.Join(base, "chemeleon.yaml")
	config := "store: memory\nruns_dir: " + filepath.Join(base, "runs") + "\nevaluate:\n  metrics: [validity]\n  csv_path: " + csvPath + "\n"
	require.NoError(t, os.WriteFile(configPath, []byte(config), 0o644))

	out, err := runCLI(t, "evaluate", genDir, "--config", configPath)
	require.NoError(t, err)
	require.Contains(t, out, "validity=1.000000")
	require.NotContains(t, out, "uniqueness=", "config metrics not applied")
	require.FileExists(t, csvPath)
}

func TestRewardCommand(t *testing.T) {
	base := t.TempDir()
	genDir := filepath.Join(base, "generated")
	writeGenerated(t, genDir)

	out, err := runCLI(t, "reward", genDir, "--store", "memory", "--components", "validity,uniqueness")
	require.NoError(t, err)
	require.Contains(t, out, "id=gen-0 reward=2.000000")
	require.Contains(t, out, "id=gen-1 reward=2.000000")
}

func TestSampleIsDeterministic(t *testing.T) {
	first, err := runCLI(t, "sample", "--distribution", "mp_20", "--count", "8", "--seed", "3")
	require.NoError(t, err)
	second, err := runCLI(t, "sample", "--distribution", "mp-20", "--count", "8", "--seed", "3")
	require.NoError(t, err)
	require.Equal(t, first, second, "same seed gave different samples")
	require.Regexp(t, `^distribution=mp-20 count=8`, first)
}

func TestSampleReadsDistributionFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("counts:\n  4: 1\n"), 0o644))

	out, err := runCLI(t, "sample", "--distribution-file", path, "--count", "2")
	require.NoError(t, err)
	require.Contains(t, out, "distribution=toy count=2 num_nodes=8")
	require.Contains(t, out, "num_atoms=[4 4]")
}

func TestCheckpointRequiresManifest(t *testing.T) {
	_, err := runCLI(t, "checkpoint", "list")
	require.ErrorContains(t, err, "--manifest")
}

func TestUnknownCommand(t *testing.T) {
	_, err := runCLI(t, "train")
	require.Error(t, err)
}
