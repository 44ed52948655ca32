package crystal

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"chemeleon/internal/matcher"
	"chemeleon/internal/structure"
)

func perovskite(t *testing.T) structure.Structure {
	t.Helper()
	l, err := structure.LatticeFromParameters(3.9, 3.9, 3.9, 90, 90, 90)
	require.NoError(t, err)
	s, err := structure.New(l, []int{38, 22, 8, 8, 8}, []structure.Vec3{
		{0, 0, 0}, {0.5, 0.5, 0.5}, {0.5, 0.5, 0}, {0.5, 0, 0.5}, {0, 0.5, 0.5},
	})
	require.NoError(t, err)
	return s
}

func skewedMonoclinic(t *testing.T) structure.Structure {
	t.Helper()
	// Non-reduced basis of a monoclinic cell.
	base, err := structure.LatticeFromParameters(4.2, 5.1, 6.3, 90, 103, 90)
	require.NoError(t, err)
	a, b, c := structure.Vec3(base.Matrix[0]), structure.Vec3(base.Matrix[1]), structure.Vec3(base.Matrix[2])
	skewed := structure.NewLattice(structure.Mat3{a.Add(b), b, c.Add(a).Add(b)})
	inv, err := skewed.Matrix.Inverse()
	require.NoError(t, err)
	frac := []structure.Vec3{{0.1, 0.2, 0.3}, {0.6, 0.7, 0.8}, {0.35, 0.05, 0.55}}
	var moved []structure.Vec3
	for _, f := range frac {
		moved = append(moved, structure.Wrap(inv.RowTimes(base.Cartesian(f))))
	}
	s, err := structure.New(skewed, []int{12, 8, 8}, moved)
	require.NoError(t, err)
	return s
}

func TestToBatchRoundTripMatchesOriginal(t *testing.T) {
	inputs := []structure.Structure{perovskite(t), skewedMonoclinic(t)}
	b, err := ToBatch(inputs, []string{"mp-1", "mp-2"}, ConvertOptions{})
	require.NoError(t, err)
	require.NoError(t, b.Validate())
	require.Equal(t, "mp-2", b.IDs[1])
	require.Equal(t, []int{5, 3}, b.NumAtoms)

	decoded, errs := ToStructures(b)
	require.False(t, HasErrors(errs), "decode errors: %v", errs)
	m := matcher.New(matcher.DefaultConfig())
	for i := range inputs {
		require.True(t, m.Fit(inputs[i], decoded[i]), "structure %d does not match after round trip", i)
	}
}

func TestToBatchAppliesReduction(t *testing.T) {
	s := skewedMonoclinic(t)
	b, err := ToBatch([]structure.Structure{s}, nil, ConvertOptions{})
	require.NoError(t, err)
	require.Equal(t, "0", b.IDs[0], "default id")
	lengths := b.Lengths[0]
	require.LessOrEqual(t, lengths[0], 5.2, "expected reduced cell")
	require.LessOrEqual(t, lengths[1], 5.2, "expected reduced cell")
	require.InDelta(t, s.Volume(), b.Volumes()[0], 1e-6)
}

func TestToBatchRejectsMismatchedIDs(t *testing.T) {
	_, err := ToBatch([]structure.Structure{perovskite(t)}, []string{"a", "b"}, ConvertOptions{})
	require.ErrorIs(t, err, ErrSchema)
}

func TestToStructuresIsolatesDegenerateCells(t *testing.T) {
	b, err := ToBatch([]structure.Structure{perovskite(t), perovskite(t)}, nil, ConvertOptions{})
	require.NoError(t, err)
	// Model output collapsing the first cell.
	b.Lattices[0] = structure.Mat3{{1, 0, 0}, {2, 0, 0}, {0, 0, 1}}
	b.FracCoords[6] = structure.Vec3{1.5, -0.25, 0.5}

	decoded, errs := ToStructures(b)
	require.ErrorIs(t, errs[0], ErrDegenerateStructure)
	require.NoError(t, errs[1], "second structure should decode")
	require.Equal(t, structure.Vec3{0.5, 0.75, 0.5}, decoded[1].FracCoords[1], "decoded coordinates must be wrapped")
}

func TestToStructuresFlagsNaNGeometry(t *testing.T) {
	b, err := ToBatch([]structure.Structure{perovskite(t)}, nil, ConvertOptions{})
	require.NoError(t, err)
	b.FracCoords[0] = structure.Vec3{math.NaN(), 0, 0}
	_, errs := ToStructures(b)
	require.ErrorIs(t, errs[0], ErrDegenerateStructure)
}
