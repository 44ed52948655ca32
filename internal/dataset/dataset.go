// Package dataset reads crystal dataset splits and packs them into batches.
//
// A split is a CSV file {root}/{split}.csv with a material_id column, a cif
// column holding the structure text, and any number of numeric property
// columns usable as conditioning targets.
package dataset

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"chemeleon/internal/crystal"
	"chemeleon/internal/structure"
)

var (
	ErrDataset          = errors.New("invalid dataset")
	ErrMissingCondition = errors.New("missing target condition")
)

const (
	ColumnMaterialID = "material_id"
	ColumnCIF        = "cif"
)

type Record struct {
	MaterialID string
	CIF        string
	Properties map[string]string
}

// SplitPath is where ReadSplit looks for a split.
func SplitPath(root, split string) string {
	return filepath.Join(root, split+".csv")
}

func ReadSplit(root, split string) ([]Record, error) {
	f, err := os.Open(SplitPath(root, split))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	records, err := ReadRecords(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", SplitPath(root, split), err)
	}
	return records, nil
}

// ReadRecords parses split CSV text.
func ReadRecords(r io.Reader) ([]Record, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%w: empty split file", ErrDataset)
		}
		return nil, err
	}
	idCol, cifCol := -1, -1
	for i, name := range header {
		switch strings.TrimSpace(name) {
		case ColumnMaterialID:
			idCol = i
		case ColumnCIF:
			cifCol = i
		}
	}
	if idCol < 0 || cifCol < 0 {
		return nil, fmt.Errorf("%w: header must contain %s and %s, got %v", ErrDataset, ColumnMaterialID, ColumnCIF, header)
	}

	var out []Record
	seen := make(map[string]bool)
	for line := 2; ; line++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		rec := Record{
			MaterialID: strings.TrimSpace(row[idCol]),
			CIF:        row[cifCol],
			Properties: make(map[string]string, len(header)),
		}
		if rec.MaterialID == "" {
			return nil, fmt.Errorf("%w: row %d has no %s", ErrDataset, line, ColumnMaterialID)
		}
		if seen[rec.MaterialID] {
			return nil, fmt.Errorf("%w: duplicate %s %q", ErrDataset, ColumnMaterialID, rec.MaterialID)
		}
		seen[rec.MaterialID] = true
		for i, name := range header {
			if i == idCol || i == cifCol {
				continue
			}
			rec.Properties[strings.TrimSpace(name)] = row[i]
		}
		out = append(out, rec)
	}
	return out, nil
}

type BuildOptions struct {
	// TargetConditions are property columns attached to the side table.
	TargetConditions []string
	// FeaturesPath is an optional JSON object mapping material_id to a
	// feature vector.
	FeaturesPath string
	Device       string
	Logger       *slog.Logger
}

// Parse turns records into structures in record order.
func Parse(records []Record) ([]structure.Structure, []string, error) {
	structures := make([]structure.Structure, len(records))
	ids := make([]string, len(records))
	for i, rec := range records {
		s, err := structure.ParseCIF(rec.CIF)
		if err != nil {
			return nil, nil, fmt.Errorf("material %s: %w", rec.MaterialID, err)
		}
		structures[i] = s
		ids[i] = rec.MaterialID
	}
	return structures, ids, nil
}

// Build parses and canonicalises every record into one batch keyed by
// material_id, attaching the selected conditions and features.
func Build(records []Record, opts BuildOptions) (*crystal.Batch, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: no records", ErrDataset)
	}
	structures, ids, err := Parse(records)
	if err != nil {
		return nil, err
	}
	batch, err := crystal.ToBatch(structures, ids, crystal.ConvertOptions{Device: opts.Device})
	if err != nil {
		return nil, err
	}

	for _, key := range opts.TargetConditions {
		for _, rec := range records {
			raw, ok := rec.Properties[key]
			if !ok {
				return nil, fmt.Errorf("%w: condition %q not in dataset columns", ErrMissingCondition, key)
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: material %s condition %q: %v", ErrMissingCondition, rec.MaterialID, key, err)
			}
			batch.Side.Attach(rec.MaterialID, key, v)
		}
	}

	if opts.FeaturesPath != "" {
		features, err := LoadFeatures(opts.FeaturesPath)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			vec, ok := features[id]
			if !ok {
				return nil, fmt.Errorf("%w: features for material %s", crystal.ErrMissingAnnotation, id)
			}
			batch.Side.AttachFeatures(id, vec)
		}
	}

	if opts.Logger != nil {
		opts.Logger.Info("built dataset batch", "structures", batch.NumGraphs(), "atoms", batch.NumNodes(), "conditions", opts.TargetConditions)
	}
	return batch, nil
}

func LoadFeatures(path string) (map[string][]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out map[string][]float64
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: features %s: %v", ErrDataset, path, err)
	}
	return out, nil
}

// LoadReference reads a split as reference structures for novelty checks.
func LoadReference(root, split string) ([]structure.Structure, error) {
	records, err := ReadSplit(root, split)
	if err != nil {
		return nil, err
	}
	structures, _, err := Parse(records)
	return structures, err
}
