package structure

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func doubledB2(t *testing.T) Structure {
	t.Helper()
	s, err := New(
		NewLattice(Mat3{{6, 0, 0}, {0, 3, 0}, {0, 0, 3}}),
		[]int{11, 11, 17, 17},
		[]Vec3{{0, 0, 0}, {0.5, 0, 0}, {0.25, 0.5, 0.5}, {0.75, 0.5, 0.5}},
	)
	require.NoError(t, err)
	return s
}

func TestPrimitiveHalvesDoubledCell(t *testing.T) {
	prim := doubledB2(t).Primitive(DefaultPrimitiveTol)
	require.Equal(t, 2, prim.NumSites())
	require.InDelta(t, 27.0, prim.Volume(), 1e-9)
	require.Equal(t, "ClNa", prim.Composition().Formula())
	require.InDelta(t, 3*0.8660254037844386, prim.Distance(0, 1), 1e-9)
}

func TestPrimitiveKeepsPrimitiveCell(t *testing.T) {
	s, err := New(Cubic(3), []int{11, 17}, []Vec3{{0, 0, 0}, {0.5, 0.5, 0.5}})
	require.NoError(t, err)
	prim := s.Primitive(0)
	require.Equal(t, s.NumSites(), prim.NumSites())
	require.Equal(t, s.Lattice, prim.Lattice)
}

func TestPrimitiveIgnoresBrokenTranslation(t *testing.T) {
	s := doubledB2(t)
	// Moving one chlorine breaks the half-cell translation.
	s.FracCoords[3] = Vec3{0.75, 0.1, 0.5}
	prim := s.Primitive(DefaultPrimitiveTol)
	require.Equal(t, 4, prim.NumSites())
}

func TestPrimitiveOfFaceCentredCell(t *testing.T) {
	fcc := []Vec3{{0, 0, 0}, {0, 0.5, 0.5}, {0.5, 0, 0.5}, {0.5, 0.5, 0}}
	var species []int
	var frac []Vec3
	for _, f := range fcc {
		species = append(species, 11)
		frac = append(frac, f)
	}
	for _, f := range fcc {
		species = append(species, 17)
		frac = append(frac, Wrap(f.Add(Vec3{0.5, 0.5, 0.5})))
	}
	s, err := New(Cubic(5.64), species, frac)
	require.NoError(t, err)

	prim := s.Primitive(DefaultPrimitiveTol)
	require.Equal(t, 2, prim.NumSites())
	require.InDelta(t, s.Volume()/4, prim.Volume(), 1e-6)
}
