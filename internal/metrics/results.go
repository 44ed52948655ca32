package metrics

import (
	"encoding/json"
	"math"

	"chemeleon/internal/structure"
)

// Sample is one structure handed to the engine. A non-nil Err marks a
// structure that could not be decoded; it counts as invalid.
type Sample struct {
	Structure structure.Structure
	Err       error
}

// SampleResult is the per-structure outcome of one Compute call. Energy
// fields are NaN when stability was not evaluated for the structure.
type SampleResult struct {
	Valid         bool
	Unique        bool
	Novel         bool
	EnergyPerAtom float64
	EAboveHull    float64
	Metastable    bool
	Stable        bool
	Formula       string
	Err           error
}

func (r SampleResult) MarshalJSON() ([]byte, error) {
	type view struct {
		Valid         bool     `json:"valid"`
		Unique        bool     `json:"unique"`
		Novel         bool     `json:"novel"`
		EnergyPerAtom *float64 `json:"energy_per_atom"`
		EAboveHull    *float64 `json:"e_above_hull"`
		Metastable    bool     `json:"metastable"`
		Stable        bool     `json:"stable"`
		Formula       string   `json:"formula,omitempty"`
		Error         string   `json:"error,omitempty"`
	}
	v := view{
		Valid:         r.Valid,
		Unique:        r.Unique,
		Novel:         r.Novel,
		EnergyPerAtom: finiteOrNil(r.EnergyPerAtom),
		EAboveHull:    finiteOrNil(r.EAboveHull),
		Metastable:    r.Metastable,
		Stable:        r.Stable,
		Formula:       r.Formula,
	}
	if r.Err != nil {
		v.Error = r.Err.Error()
	}
	return json.Marshal(v)
}

func finiteOrNil(x float64) *float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return nil
	}
	return &x
}

// BatchResult holds per-sample outcomes in input order.
type BatchResult struct {
	Samples []SampleResult
}

func (b *BatchResult) Len() int { return len(b.Samples) }

// Flags extracts one boolean per sample.
func (b *BatchResult) Flags(pick func(SampleResult) bool) []bool {
	out := make([]bool, len(b.Samples))
	for i, s := range b.Samples {
		out[i] = pick(s)
	}
	return out
}

// EAboveHull returns per-sample energies above hull, NaN where unavailable.
func (b *BatchResult) EAboveHull() []float64 {
	out := make([]float64, len(b.Samples))
	for i, s := range b.Samples {
		out[i] = s.EAboveHull
	}
	return out
}
