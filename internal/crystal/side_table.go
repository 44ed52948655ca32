package crystal

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
)

var ErrMissingAnnotation = errors.New("missing side-table annotation")

// SideTable holds optional per-sample annotations keyed by sample id. Batch
// invariants never depend on its contents.
type SideTable struct {
	conditions map[string]map[string]float64
	features   map[string][]float64
}

func NewSideTable() *SideTable {
	return &SideTable{
		conditions: make(map[string]map[string]float64),
		features:   make(map[string][]float64),
	}
}

// Attach records a conditioning value for a sample.
func (t *SideTable) Attach(id, key string, value float64) {
	row, ok := t.conditions[id]
	if !ok {
		row = make(map[string]float64)
		t.conditions[id] = row
	}
	row[key] = value
}

func (t *SideTable) Lookup(id, key string) (float64, bool) {
	row, ok := t.conditions[id]
	if !ok {
		return 0, false
	}
	v, ok := row[key]
	return v, ok
}

// Column returns key's value for every id in order.
func (t *SideTable) Column(ids []string, key string) ([]float64, error) {
	out := make([]float64, len(ids))
	for i, id := range ids {
		v, ok := t.Lookup(id, key)
		if !ok {
			return nil, fmt.Errorf("%w: condition %q for sample %q", ErrMissingAnnotation, key, id)
		}
		out[i] = v
	}
	return out, nil
}

// Keys lists the condition keys attached to any sample.
func (t *SideTable) Keys() []string {
	seen := make(map[string]struct{})
	for _, row := range t.conditions {
		for k := range row {
			seen[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (t *SideTable) AttachFeatures(id string, vec []float64) {
	t.features[id] = append([]float64(nil), vec...)
}

func (t *SideTable) Features(id string) ([]float64, bool) {
	v, ok := t.features[id]
	return v, ok
}

// FeatureMatrix stacks the feature vectors of ids into a len(ids) x dim
// matrix. All vectors must share one dimension.
func (t *SideTable) FeatureMatrix(ids []string) (*mat.Dense, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no sample ids", ErrMissingAnnotation)
	}
	dim := -1
	data := make([]float64, 0)
	for _, id := range ids {
		v, ok := t.features[id]
		if !ok {
			return nil, fmt.Errorf("%w: features for sample %q", ErrMissingAnnotation, id)
		}
		if dim < 0 {
			dim = len(v)
		}
		if len(v) != dim || dim == 0 {
			return nil, fmt.Errorf("feature dimension mismatch for sample %q: got=%d want=%d", id, len(v), dim)
		}
		data = append(data, v...)
	}
	return mat.NewDense(len(ids), dim, data), nil
}
