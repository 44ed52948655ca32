package numatoms

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// histogramFile is the on-disk form of a distribution:
//
//	name: mp-20
//	counts:
//	  1: 1190
//	  2: 2542
type histogramFile struct {
	Name   string          `yaml:"name"`
	Counts map[int]float64 `yaml:"counts"`
}

// LoadFile reads an atom-count histogram from a YAML file. The name
// defaults to the file's base name without extension.
func LoadFile(path string) (*Distribution, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read distribution %s: %w", path, err)
	}
	var hf histogramFile
	if err := yaml.Unmarshal(data, &hf); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDistribution, path, err)
	}
	name := NormalizeName(hf.Name)
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return New(name, hf.Counts)
}
