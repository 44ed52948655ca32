package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadFileConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chemeleon.yaml")
	data := `store: sqlite
db_path: bench.db
log:
  level: debug
evaluate:
  reference_dataset: mp-20
  phase_diagram: mp-all
  metrics: [validity, uniqueness]
  ltol: 0.25
  stol: 0.4
  angle_tol: 6
  metastable_threshold: 0.08
checkpoints:
  manifest: checkpoints.yaml
reward:
  normalize_fn: std
  eps: 0.001
  components:
    - name: validity
      weight: 2
    - name: atom_count
      target: 20
    - name: uniqueness
      weight: 0
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := loadFileConfig(path)
	require.NoError(t, err)
	require.Equal(t, "sqlite", cfg.Store)
	require.Equal(t, "bench.db", cfg.DBPath)
	require.Equal(t, "debug", cfg.Log.Level)

	ev := cfg.Evaluate
	require.Equal(t, 0.25, ev.Matcher.LengthTol)
	require.Equal(t, 0.4, ev.Matcher.SiteTol)
	require.Equal(t, 6.0, ev.Matcher.AngleTol)
	require.Equal(t, 0.08, ev.MetastableThreshold)
	require.Len(t, ev.Metrics, 2)
	require.Equal(t, "checkpoints.yaml", cfg.Checkpoint.Manifest)

	components := cfg.Reward.Components
	require.Len(t, components, 3)
	require.NotNil(t, components[0].Weight)
	require.Equal(t, 2.0, *components[0].Weight)
	require.Nil(t, components[1].Weight, "unset weight must stay nil")
	require.Equal(t, 20, components[1].Target)
	require.NotNil(t, components[2].Weight, "explicit zero weight must be kept")
	require.Zero(t, *components[2].Weight)
	require.Equal(t, "std", cfg.Reward.NormalizeFn)
	require.Equal(t, 0.001, cfg.Reward.Eps)
}

func TestLoadFileConfigRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("evaluate: [unclosed"), 0o644))
	_, err := loadFileConfig(path)
	require.Error(t, err)
}
