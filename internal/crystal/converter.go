package crystal

import (
	"fmt"

	"chemeleon/internal/structure"
)

// ErrDegenerateStructure marks a single decoded structure that cannot be
// turned into a physical crystal.
var ErrDegenerateStructure = structure.ErrDegenerateStructure

type ConvertOptions struct {
	Device string
}

// ToBatch canonicalises every structure (Niggli reduction, then a lattice
// rebuilt from the reduced parameters) and packs the results. ids may be nil.
func ToBatch(structures []structure.Structure, ids []string, opts ConvertOptions) (*Batch, error) {
	if ids != nil && len(ids) != len(structures) {
		return nil, fmt.Errorf("%w: %d ids for %d structures", ErrSchema, len(ids), len(structures))
	}
	in := Arrays{
		Lengths:  make([]structure.Vec3, 0, len(structures)),
		Angles:   make([]structure.Vec3, 0, len(structures)),
		Lattices: make([]structure.Mat3, 0, len(structures)),
		NumAtoms: make([]int, 0, len(structures)),
		IDs:      ids,
		Device:   opts.Device,
	}
	for i, s := range structures {
		canonical, err := encodeOne(s)
		if err != nil {
			return nil, fmt.Errorf("structure %d: %w", i, err)
		}
		lengths, angles := canonical.Lattice.Parameters()
		in.Lengths = append(in.Lengths, lengths)
		in.Angles = append(in.Angles, angles)
		in.Lattices = append(in.Lattices, canonical.Lattice.Matrix)
		in.NumAtoms = append(in.NumAtoms, canonical.NumSites())
		in.AtomTypes = append(in.AtomTypes, canonical.Species...)
		in.FracCoords = append(in.FracCoords, canonical.FracCoords...)
	}
	return NewBatch(in)
}

func encodeOne(s structure.Structure) (structure.Structure, error) {
	if s.NumSites() == 0 {
		return structure.Structure{}, fmt.Errorf("%w: structure has no sites", ErrSchema)
	}
	if err := s.CheckGeometry(); err != nil {
		return structure.Structure{}, err
	}
	return s.Canonical()
}

// ToStructures decodes every structure of the batch independently. Lattices
// are taken as given and fractional coordinates are wrapped. A structure that
// cannot be decoded leaves a zero Structure and an error at its index.
func ToStructures(b *Batch) ([]structure.Structure, []error) {
	out := make([]structure.Structure, b.NumGraphs())
	errs := make([]error, b.NumGraphs())
	offsets := b.Offsets()
	for i := range out {
		start := offsets[i]
		end := start + b.NumAtoms[i]
		s, err := decodeOne(b.Lattices[i], b.AtomTypes[start:end], b.FracCoords[start:end])
		if err != nil {
			errs[i] = fmt.Errorf("structure %d (%s): %w", i, b.IDs[i], err)
			continue
		}
		out[i] = s
	}
	return out, errs
}

func decodeOne(lattice structure.Mat3, types []int, frac []structure.Vec3) (structure.Structure, error) {
	s := structure.Structure{
		Lattice:    structure.NewLattice(lattice),
		Species:    append([]int(nil), types...),
		FracCoords: append([]structure.Vec3(nil), frac...),
	}
	if err := s.CheckGeometry(); err != nil {
		return structure.Structure{}, err
	}
	for i, z := range types {
		if _, ok := structure.Symbol(z); !ok {
			return structure.Structure{}, fmt.Errorf("%w: unknown atom type %d at site %d", ErrDegenerateStructure, z, i)
		}
	}
	return s.Wrapped(), nil
}

// HasErrors reports whether any decode failed.
func HasErrors(errs []error) bool {
	for _, err := range errs {
		if err != nil {
			return true
		}
	}
	return false
}
