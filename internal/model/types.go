package model

import (
	"fmt"

	"chemeleon/internal/phasediagram"
	"chemeleon/internal/structure"
)

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// EvaluationRun is the persisted summary of one metrics evaluation.
// Metrics holds only the metrics that could be computed.
type EvaluationRun struct {
	VersionedRecord
	RunID            string             `json:"run_id"`
	CreatedAtUTC     string             `json:"created_at_utc"`
	ReferenceDataset string             `json:"reference_dataset"`
	PhaseDiagram     string             `json:"phase_diagram,omitempty"`
	NumGenerated     int                `json:"num_generated"`
	NumValid         int                `json:"num_valid"`
	Metrics          map[string]float64 `json:"metrics"`
}

type StructureRecord struct {
	ID         string        `json:"id"`
	Lattice    [3][3]float64 `json:"lattice"`
	Species    []int         `json:"species"`
	FracCoords [][3]float64  `json:"frac_coords"`
}

func NewStructureRecord(id string, s structure.Structure) StructureRecord {
	rec := StructureRecord{
		ID:         id,
		Lattice:    s.Lattice.Matrix,
		Species:    append([]int(nil), s.Species...),
		FracCoords: make([][3]float64, len(s.FracCoords)),
	}
	for i, f := range s.FracCoords {
		rec.FracCoords[i] = f
	}
	return rec
}

func (r StructureRecord) Structure() (structure.Structure, error) {
	frac := make([]structure.Vec3, len(r.FracCoords))
	for i, f := range r.FracCoords {
		frac[i] = f
	}
	s, err := structure.New(structure.NewLattice(r.Lattice), r.Species, frac)
	if err != nil {
		return structure.Structure{}, fmt.Errorf("structure %s: %w", r.ID, err)
	}
	return s, nil
}

// ReferenceSet is a named collection of known structures used for novelty.
type ReferenceSet struct {
	VersionedRecord
	Name       string            `json:"name"`
	Structures []StructureRecord `json:"structures"`
}

func (r ReferenceSet) Decode() ([]structure.Structure, error) {
	out := make([]structure.Structure, len(r.Structures))
	for i, rec := range r.Structures {
		s, err := rec.Structure()
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

// PhaseDiagramSet is the persisted entry list of a phase diagram.
type PhaseDiagramSet struct {
	VersionedRecord
	Name    string               `json:"name"`
	Entries []phasediagram.Entry `json:"entries"`
}
