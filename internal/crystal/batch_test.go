package crystal

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"chemeleon/internal/structure"
)

func twoStructureArrays() Arrays {
	return Arrays{
		Lengths:    []structure.Vec3{{4, 4, 4}, {3, 4, 5}},
		Angles:     []structure.Vec3{{90, 90, 90}, {80, 95, 110}},
		NumAtoms:   []int{2, 3},
		AtomTypes:  []int{11, 17, 8, 8, 26},
		FracCoords: []structure.Vec3{{0, 0, 0}, {0.5, 0.5, 0.5}, {1.25, -0.5, 0.1}, {0.2, 0.3, 0.4}, {0.9, 0.9, 0.9}},
		IDs:        []string{"a", "b"},
	}
}

func newTwoStructureBatch(t *testing.T) *Batch {
	t.Helper()
	b, err := NewBatch(twoStructureArrays())
	require.NoError(t, err)
	return b
}

func TestNewBatchDerivesIndexFields(t *testing.T) {
	b := newTwoStructureBatch(t)
	require.Equal(t, 2, b.NumGraphs())
	require.Equal(t, 5, b.NumNodes())
	require.Equal(t, []int{0, 0, 1, 1, 1}, b.Batch)
	require.Equal(t, []int{0, 1, 0, 1, 2}, b.TokenIdx)
	require.Equal(t, DefaultDevice, b.Device)
	require.Equal(t, structure.Vec3{0.25, 0.5, 0.1}, b.FracCoords[2], "frac coords must be wrapped")
	require.Same(t, &b.CartCoords[0], &b.Pos[0], "pos must alias cart coords")
}

func TestNewBatchLatticesMatchParameters(t *testing.T) {
	b := newTwoStructureBatch(t)
	for i := range b.Lattices {
		l, err := structure.LatticeFromParameters(b.Lengths[i][0], b.Lengths[i][1], b.Lengths[i][2], b.Angles[i][0], b.Angles[i][1], b.Angles[i][2])
		require.NoError(t, err, "lattice %d", i)
		require.True(t, matClose(l.Matrix, b.Lattices[i], 1e-4), "lattice %d: got=%v want=%v", i, b.Lattices[i], l.Matrix)
	}
}

func TestNewBatchRejectsInconsistentArrays(t *testing.T) {
	cases := map[string]func(*Arrays){
		"lengths":         func(a *Arrays) { a.Lengths = a.Lengths[:1] },
		"angles":          func(a *Arrays) { a.Angles = append(a.Angles, structure.Vec3{90, 90, 90}) },
		"atom types":      func(a *Arrays) { a.AtomTypes = a.AtomTypes[:4] },
		"frac coords":     func(a *Arrays) { a.FracCoords = a.FracCoords[:4] },
		"ids":             func(a *Arrays) { a.IDs = []string{"only"} },
		"zero atoms":      func(a *Arrays) { a.NumAtoms = []int{0, 5} },
		"bad angle":       func(a *Arrays) { a.Angles[0] = structure.Vec3{90, 180, 90} },
		"bad length":      func(a *Arrays) { a.Lengths[1] = structure.Vec3{3, -1, 5} },
		"atom type zero":  func(a *Arrays) { a.AtomTypes[0] = 0 },
		"lattice drifted": func(a *Arrays) { a.Lattices = []structure.Mat3{structure.Cubic(4.1).Matrix, structure.Cubic(3).Matrix} },
	}
	for name, mutate := range cases {
		in := twoStructureArrays()
		mutate(&in)
		_, err := NewBatch(in)
		require.ErrorIs(t, err, ErrSchema, name)
	}
}

func TestValidateDetectsCorruptedIndices(t *testing.T) {
	b := newTwoStructureBatch(t)
	b.Batch[2] = 0
	require.ErrorIs(t, b.Validate(), ErrSchema, "batch multiplicity")
	b.Batch[2] = 1
	b.TokenIdx[3] = 2
	require.ErrorIs(t, b.Validate(), ErrSchema, "token index")
	b.TokenIdx[3] = 1
	b.CartCoords[0] = structure.Vec3{1, 2, 3}
	require.ErrorIs(t, b.Validate(), ErrSchema, "stale cart coords")
}

func TestDerivedFields(t *testing.T) {
	b := newTwoStructureBatch(t)
	require.InDelta(t, 4/math.Cbrt(2), b.LengthsScaled()[0][0], 1e-12)
	require.InDelta(t, math.Pi/2, b.AnglesRadians()[0][0], 1e-12)
	require.InDelta(t, 64.0, b.Volumes()[0], 1e-9)
}

func TestSetFracCoordsKeepsPosInSync(t *testing.T) {
	b := newTwoStructureBatch(t)
	frac := make([]structure.Vec3, b.NumNodes())
	for i := range frac {
		frac[i] = structure.Vec3{0.25, 0.25, 1.25}
	}
	require.NoError(t, b.SetFracCoords(frac))
	require.NoError(t, b.Validate())
	require.InDelta(t, 1.0, b.Pos[0][0], 1e-12)
	require.InDelta(t, 1.0, b.Pos[0][2], 1e-12)
	require.ErrorIs(t, b.SetFracCoords(frac[:2]), ErrSchema, "short update")
}

func TestSetPosRecoversFractionalCoordinates(t *testing.T) {
	b := newTwoStructureBatch(t)
	want := append([]structure.Vec3(nil), b.FracCoords...)
	pos := append([]structure.Vec3(nil), b.Pos...)
	require.NoError(t, b.SetPos(pos))
	for i := range want {
		d := structure.MinImageDistance(structure.NewLattice(b.Lattices[b.Batch[i]]), b.FracCoords[i].Sub(want[i]))
		require.LessOrEqual(t, d, 1e-9, "atom %d: got=%v want=%v", i, b.FracCoords[i], want[i])
	}
}

func TestSetLatticesRebuildsMatrices(t *testing.T) {
	b := newTwoStructureBatch(t)
	lengths := []structure.Vec3{{5, 5, 5}, {3, 4, 5}}
	angles := []structure.Vec3{{90, 90, 90}, {90, 90, 120}}
	require.NoError(t, b.SetLattices(lengths, angles))
	require.NoError(t, b.Validate())
	require.InDelta(t, 125.0, b.Volumes()[0], 1e-9)

	err := b.SetLattices(lengths, []structure.Vec3{{90, 90, 90}, {0, 90, 90}})
	require.ErrorIs(t, err, ErrSchema)
	require.InDelta(t, 125.0, b.Volumes()[0], 1e-9, "failed update must leave lattices untouched")
}

func TestSlice(t *testing.T) {
	b := newTwoStructureBatch(t)
	v, err := b.Slice(1)
	require.NoError(t, err)
	require.Equal(t, "b", v.ID)
	require.Equal(t, []int{8, 8, 26}, v.AtomTypes)
	_, err = b.Slice(2)
	require.ErrorIs(t, err, ErrSchema)
}

func TestEmptyBatchPlaceholders(t *testing.T) {
	b, err := EmptyBatch([]int{3, 1, 2}, EmptyOptions{Device: "cuda:0"})
	require.NoError(t, err)
	require.Equal(t, 3, b.NumGraphs())
	require.Equal(t, 6, b.NumNodes())
	require.Equal(t, "cuda:0", b.Device)
	for i := range b.AtomTypes {
		require.Equal(t, PlaceholderAtomType, b.AtomTypes[i], "atom %d", i)
		require.Equal(t, structure.Vec3{}, b.FracCoords[i], "atom %d", i)
	}
	require.InDelta(t, 1.0, b.Volumes()[0], 1e-12, "expected unit cells")

	_, err = EmptyBatch([]int{2, 0}, EmptyOptions{})
	require.ErrorIs(t, err, ErrSchema)
}

func TestEmptyBatchRandomIsSeeded(t *testing.T) {
	a, err := EmptyBatch([]int{4, 4}, EmptyOptions{Rand: rand.New(rand.NewSource(7)), MaxAtomType: 10})
	require.NoError(t, err)
	b, err := EmptyBatch([]int{4, 4}, EmptyOptions{Rand: rand.New(rand.NewSource(7)), MaxAtomType: 10})
	require.NoError(t, err)
	require.Equal(t, a.AtomTypes, b.AtomTypes)
	require.Equal(t, a.FracCoords, b.FracCoords)
	for _, z := range a.AtomTypes {
		require.GreaterOrEqual(t, z, 1)
		require.LessOrEqual(t, z, 10)
	}
}

func TestSideTableJoinsByID(t *testing.T) {
	b := newTwoStructureBatch(t)
	b.Side.Attach("b", "band_gap", 1.5)
	b.Side.Attach("a", "band_gap", 0.2)
	got, err := b.Conditions("band_gap")
	require.NoError(t, err)
	require.Equal(t, []float64{0.2, 1.5}, got)
	_, err = b.Conditions("formation_energy")
	require.ErrorIs(t, err, ErrMissingAnnotation)

	b.Side.AttachFeatures("a", []float64{1, 2})
	b.Side.AttachFeatures("b", []float64{3, 4})
	m, err := b.Side.FeatureMatrix(b.IDs)
	require.NoError(t, err)
	r, c := m.Dims()
	require.Equal(t, 2, r)
	require.Equal(t, 2, c)
	require.Equal(t, 3.0, m.At(1, 0))

	b.Side.AttachFeatures("b", []float64{3})
	_, err = b.Side.FeatureMatrix(b.IDs)
	require.Error(t, err, "dimension mismatch")
	require.NoError(t, b.Validate(), "annotations must not affect validity")
}
