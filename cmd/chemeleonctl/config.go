package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"chemeleon/internal/matcher"
	"chemeleon/internal/reward"
)

// fileConfig is the YAML file accepted by --config. Command line flags that
// are set explicitly win over file values.
type fileConfig struct {
	Store      string           `yaml:"store"`
	DBPath     string           `yaml:"db_path"`
	RunsDir    string           `yaml:"runs_dir"`
	ExportsDir string           `yaml:"exports_dir"`
	Log        logConfig        `yaml:"log"`
	Evaluate   evaluateConfig   `yaml:"evaluate"`
	Checkpoint checkpointConfig `yaml:"checkpoints"`
	Reward     reward.Config    `yaml:"reward"`
}

type logConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type evaluateConfig struct {
	ReferenceDataset    string         `yaml:"reference_dataset"`
	ReferenceRoot       string         `yaml:"reference_root"`
	ReferenceSplit      string         `yaml:"reference_split"`
	PhaseDiagram        string         `yaml:"phase_diagram"`
	PhaseDiagramPath    string         `yaml:"phase_diagram_path"`
	Metrics             []string       `yaml:"metrics"`
	Matcher             matcher.Config `yaml:",inline"`
	MetastableThreshold float64        `yaml:"metastable_threshold"`
	Workers             int            `yaml:"workers"`
	CSVPath             string         `yaml:"csv_path"`
}

type checkpointConfig struct {
	Manifest string `yaml:"manifest"`
	CacheDir string `yaml:"cache_dir"`
}

func loadFileConfig(path string) (fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, err
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fileConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
