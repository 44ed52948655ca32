package metrics

import (
	"errors"
	"fmt"

	"chemeleon/internal/structure"
)

var ErrInvalidStructure = errors.New("invalid structure")

const (
	// MinBondDistance is the shortest interatomic distance, in angstrom, a
	// valid structure may contain.
	MinBondDistance = 0.5
	// MinCellVolume is the smallest valid cell volume in cubic angstrom.
	MinCellVolume = 0.1
)

// CheckValidity reports why a structure is not physically sane, or nil.
func CheckValidity(s structure.Structure) error {
	if s.NumSites() == 0 {
		return fmt.Errorf("%w: no sites", ErrInvalidStructure)
	}
	if err := s.CheckGeometry(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidStructure, err)
	}
	if v := s.Volume(); v < MinCellVolume {
		return fmt.Errorf("%w: cell volume %.4g below %.4g", ErrInvalidStructure, v, MinCellVolume)
	}
	for i, z := range s.Species {
		if _, ok := structure.Symbol(z); !ok {
			return fmt.Errorf("%w: unknown atom type %d at site %d", ErrInvalidStructure, z, i)
		}
	}
	// The nearest-image search is only exhaustive in a reduced cell.
	reduced, err := s.NiggliReduced(structure.DefaultNiggliTol)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidStructure, err)
	}
	for i := 0; i < reduced.NumSites(); i++ {
		for j := i + 1; j < reduced.NumSites(); j++ {
			if d := reduced.Distance(i, j); d < MinBondDistance {
				return fmt.Errorf("%w: sites %d and %d are %.3f A apart", ErrInvalidStructure, i, j, d)
			}
		}
	}
	return nil
}
