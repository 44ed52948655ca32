package crystal

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strconv"

	"chemeleon/internal/structure"
)

var ErrSchema = errors.New("crystal batch schema violation")

const (
	DefaultDevice = "cpu"
	// PlaceholderAtomType fills atom types of empty batches built without a
	// random source.
	PlaceholderAtomType = 1
	latticeTol          = 1e-4
	cartTol             = 1e-6
)

// Arrays are the raw inputs of NewBatch. Lattices may be nil, in which case
// they are built from Lengths and Angles.
type Arrays struct {
	Lengths    []structure.Vec3
	Angles     []structure.Vec3
	Lattices   []structure.Mat3
	NumAtoms   []int
	AtomTypes  []int
	FracCoords []structure.Vec3
	IDs        []string
	Device     string
}

// Batch packs B structures into per-structure and per-atom arrays. Per-atom
// fields are grouped by structure in order. Pos shares its backing array with
// CartCoords.
type Batch struct {
	Lengths  []structure.Vec3
	Angles   []structure.Vec3
	Lattices []structure.Mat3
	NumAtoms []int

	AtomTypes  []int
	FracCoords []structure.Vec3
	CartCoords []structure.Vec3
	Pos        []structure.Vec3
	TokenIdx   []int
	Batch      []int

	IDs    []string
	Device string
	Side   *SideTable
}

func NewBatch(in Arrays) (*Batch, error) {
	numGraphs := len(in.NumAtoms)
	if len(in.Lengths) != numGraphs {
		return nil, fmt.Errorf("%w: len(lengths)=%d != len(num_atoms)=%d", ErrSchema, len(in.Lengths), numGraphs)
	}
	if len(in.Angles) != numGraphs {
		return nil, fmt.Errorf("%w: len(angles)=%d != len(num_atoms)=%d", ErrSchema, len(in.Angles), numGraphs)
	}
	if in.Lattices != nil && len(in.Lattices) != numGraphs {
		return nil, fmt.Errorf("%w: len(lattices)=%d != len(num_atoms)=%d", ErrSchema, len(in.Lattices), numGraphs)
	}
	if in.IDs != nil && len(in.IDs) != numGraphs {
		return nil, fmt.Errorf("%w: len(ids)=%d != len(num_atoms)=%d", ErrSchema, len(in.IDs), numGraphs)
	}
	numNodes := 0
	for i, n := range in.NumAtoms {
		if n <= 0 {
			return nil, fmt.Errorf("%w: num_atoms[%d]=%d must be positive", ErrSchema, i, n)
		}
		numNodes += n
	}
	if len(in.AtomTypes) != numNodes {
		return nil, fmt.Errorf("%w: sum(num_atoms)=%d != len(atom_types)=%d", ErrSchema, numNodes, len(in.AtomTypes))
	}
	if len(in.FracCoords) != numNodes {
		return nil, fmt.Errorf("%w: sum(num_atoms)=%d != len(frac_coords)=%d", ErrSchema, numNodes, len(in.FracCoords))
	}

	b := &Batch{
		Lengths:    append([]structure.Vec3(nil), in.Lengths...),
		Angles:     append([]structure.Vec3(nil), in.Angles...),
		Lattices:   make([]structure.Mat3, numGraphs),
		NumAtoms:   append([]int(nil), in.NumAtoms...),
		AtomTypes:  append([]int(nil), in.AtomTypes...),
		FracCoords: make([]structure.Vec3, numNodes),
		IDs:        normalizeIDs(in.IDs, numGraphs),
		Device:     normalizeDevice(in.Device),
		Side:       NewSideTable(),
	}
	for i := 0; i < numGraphs; i++ {
		if err := structure.CheckParameters(b.Lengths[i], b.Angles[i]); err != nil {
			return nil, fmt.Errorf("%w: structure %d: %v", ErrSchema, i, err)
		}
		built, err := latticeFrom(b.Lengths[i], b.Angles[i])
		if err != nil {
			return nil, fmt.Errorf("%w: structure %d: %v", ErrSchema, i, err)
		}
		if in.Lattices != nil {
			if !matClose(in.Lattices[i], built.Matrix, latticeTol) {
				return nil, fmt.Errorf("%w: lattice %d inconsistent with lengths/angles", ErrSchema, i)
			}
			b.Lattices[i] = in.Lattices[i]
		} else {
			b.Lattices[i] = built.Matrix
		}
	}
	for i, f := range in.FracCoords {
		b.FracCoords[i] = structure.Wrap(f)
	}
	b.deriveIndices()
	b.SyncPos()
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

func latticeFrom(lengths, angles structure.Vec3) (structure.Lattice, error) {
	return structure.LatticeFromParameters(lengths[0], lengths[1], lengths[2], angles[0], angles[1], angles[2])
}

func normalizeDevice(device string) string {
	if device == "" {
		return DefaultDevice
	}
	return device
}

func normalizeIDs(ids []string, n int) []string {
	if ids != nil {
		return append([]string(nil), ids...)
	}
	out := make([]string, n)
	for i := range out {
		out[i] = strconv.Itoa(i)
	}
	return out
}

func (b *Batch) deriveIndices() {
	n := b.NumNodes()
	b.TokenIdx = make([]int, 0, n)
	b.Batch = make([]int, 0, n)
	for g, count := range b.NumAtoms {
		for k := 0; k < count; k++ {
			b.TokenIdx = append(b.TokenIdx, k)
			b.Batch = append(b.Batch, g)
		}
	}
}

func (b *Batch) NumGraphs() int { return len(b.NumAtoms) }

func (b *Batch) NumNodes() int {
	total := 0
	for _, n := range b.NumAtoms {
		total += n
	}
	return total
}

// Offsets returns the index of the first atom of each structure.
func (b *Batch) Offsets() []int {
	out := make([]int, len(b.NumAtoms))
	acc := 0
	for i, n := range b.NumAtoms {
		out[i] = acc
		acc += n
	}
	return out
}

// SyncPos recomputes Cartesian positions from fractional coordinates and the
// owning lattices.
func (b *Batch) SyncPos() {
	if len(b.CartCoords) != len(b.FracCoords) {
		b.CartCoords = make([]structure.Vec3, len(b.FracCoords))
	}
	for i, f := range b.FracCoords {
		b.CartCoords[i] = b.Lattices[b.Batch[i]].RowTimes(f)
	}
	b.Pos = b.CartCoords
}

// SetFracCoords replaces fractional coordinates, wrapping them into [0,1).
func (b *Batch) SetFracCoords(frac []structure.Vec3) error {
	if len(frac) != b.NumNodes() {
		return fmt.Errorf("%w: len(frac_coords)=%d != num_nodes=%d", ErrSchema, len(frac), b.NumNodes())
	}
	for i, f := range frac {
		b.FracCoords[i] = structure.Wrap(f)
	}
	b.SyncPos()
	return nil
}

// SetPos replaces the working Cartesian positions and recovers fractional
// coordinates under the current lattices.
func (b *Batch) SetPos(pos []structure.Vec3) error {
	if len(pos) != b.NumNodes() {
		return fmt.Errorf("%w: len(pos)=%d != num_nodes=%d", ErrSchema, len(pos), b.NumNodes())
	}
	inverses := make([]structure.Mat3, b.NumGraphs())
	for g, m := range b.Lattices {
		inv, err := m.Inverse()
		if err != nil {
			return fmt.Errorf("%w: lattice %d: %v", structure.ErrDegenerateStructure, g, err)
		}
		inverses[g] = inv
	}
	for i, p := range pos {
		b.FracCoords[i] = structure.Wrap(inverses[b.Batch[i]].RowTimes(p))
	}
	b.SyncPos()
	return nil
}

// SetLattices replaces lattices from lengths and angles, keeping fractional
// coordinates fixed.
func (b *Batch) SetLattices(lengths, angles []structure.Vec3) error {
	if len(lengths) != b.NumGraphs() || len(angles) != b.NumGraphs() {
		return fmt.Errorf("%w: lattice update for %d/%d structures, batch has %d", ErrSchema, len(lengths), len(angles), b.NumGraphs())
	}
	lattices := make([]structure.Mat3, len(lengths))
	for i := range lengths {
		l, err := latticeFrom(lengths[i], angles[i])
		if err != nil {
			return fmt.Errorf("%w: structure %d: %v", ErrSchema, i, err)
		}
		lattices[i] = l.Matrix
	}
	copy(b.Lengths, lengths)
	copy(b.Angles, angles)
	copy(b.Lattices, lattices)
	b.SyncPos()
	return nil
}

// LengthsScaled divides each structure's lengths by the cube root of its atom
// count.
func (b *Batch) LengthsScaled() []structure.Vec3 {
	out := make([]structure.Vec3, len(b.Lengths))
	for i, l := range b.Lengths {
		out[i] = l.Scale(1 / math.Cbrt(float64(b.NumAtoms[i])))
	}
	return out
}

func (b *Batch) AnglesRadians() []structure.Vec3 {
	out := make([]structure.Vec3, len(b.Angles))
	for i, a := range b.Angles {
		out[i] = structure.Radians(a)
	}
	return out
}

func (b *Batch) Volumes() []float64 {
	out := make([]float64, len(b.Lattices))
	for i, m := range b.Lattices {
		out[i] = math.Abs(m.Det())
	}
	return out
}

// View is one structure's slice of the batch. Slices alias the batch arrays.
type View struct {
	ID         string
	Lattice    structure.Lattice
	AtomTypes  []int
	FracCoords []structure.Vec3
	CartCoords []structure.Vec3
}

func (b *Batch) Slice(i int) (View, error) {
	if i < 0 || i >= b.NumGraphs() {
		return View{}, fmt.Errorf("%w: structure index %d out of range [0,%d)", ErrSchema, i, b.NumGraphs())
	}
	start := b.Offsets()[i]
	end := start + b.NumAtoms[i]
	return View{
		ID:         b.IDs[i],
		Lattice:    structure.NewLattice(b.Lattices[i]),
		AtomTypes:  b.AtomTypes[start:end],
		FracCoords: b.FracCoords[start:end],
		CartCoords: b.CartCoords[start:end],
	}, nil
}

// Conditions joins a conditioning column from the side table onto the batch
// order.
func (b *Batch) Conditions(key string) ([]float64, error) {
	return b.Side.Column(b.IDs, key)
}

// Validate checks the batch invariants.
func (b *Batch) Validate() error {
	numGraphs := b.NumGraphs()
	numNodes := b.NumNodes()
	for name, n := range map[string]int{
		"lengths":  len(b.Lengths),
		"angles":   len(b.Angles),
		"lattices": len(b.Lattices),
		"ids":      len(b.IDs),
	} {
		if n != numGraphs {
			return fmt.Errorf("%w: len(%s)=%d != num_graphs=%d", ErrSchema, name, n, numGraphs)
		}
	}
	for name, n := range map[string]int{
		"atom_types":  len(b.AtomTypes),
		"frac_coords": len(b.FracCoords),
		"cart_coords": len(b.CartCoords),
		"pos":         len(b.Pos),
		"token_idx":   len(b.TokenIdx),
		"batch":       len(b.Batch),
	} {
		if n != numNodes {
			return fmt.Errorf("%w: len(%s)=%d != sum(num_atoms)=%d", ErrSchema, name, n, numNodes)
		}
	}

	counts := make([]int, numGraphs)
	prev := 0
	for i, g := range b.Batch {
		if g < 0 || g >= numGraphs {
			return fmt.Errorf("%w: batch[%d]=%d outside [0,%d)", ErrSchema, i, g, numGraphs)
		}
		if g < prev {
			return fmt.Errorf("%w: batch index decreases at atom %d", ErrSchema, i)
		}
		if i == 0 || g != prev {
			if b.TokenIdx[i] != 0 {
				return fmt.Errorf("%w: token_idx[%d]=%d must reset to 0 at structure %d", ErrSchema, i, b.TokenIdx[i], g)
			}
		} else if b.TokenIdx[i] != b.TokenIdx[i-1]+1 {
			return fmt.Errorf("%w: token_idx not consecutive at atom %d", ErrSchema, i)
		}
		counts[g]++
		prev = g
	}
	for g, n := range counts {
		if n != b.NumAtoms[g] {
			return fmt.Errorf("%w: structure %d has %d atoms in batch, num_atoms says %d", ErrSchema, g, n, b.NumAtoms[g])
		}
	}

	for i := 0; i < numGraphs; i++ {
		if err := structure.CheckParameters(b.Lengths[i], b.Angles[i]); err != nil {
			return fmt.Errorf("%w: structure %d: %v", ErrSchema, i, err)
		}
		built, err := latticeFrom(b.Lengths[i], b.Angles[i])
		if err != nil {
			return fmt.Errorf("%w: structure %d: %v", ErrSchema, i, err)
		}
		if !matClose(b.Lattices[i], built.Matrix, latticeTol) {
			return fmt.Errorf("%w: lattice %d inconsistent with lengths/angles", ErrSchema, i)
		}
	}

	for i, z := range b.AtomTypes {
		if z < 1 {
			return fmt.Errorf("%w: atom_types[%d]=%d must be >= 1", ErrSchema, i, z)
		}
	}
	for i, f := range b.FracCoords {
		for k := 0; k < 3; k++ {
			if !(f[k] >= 0 && f[k] < 1) {
				return fmt.Errorf("%w: frac_coords[%d]=%v outside [0,1)", ErrSchema, i, f)
			}
		}
		want := b.Lattices[b.Batch[i]].RowTimes(f)
		if want.Sub(b.CartCoords[i]).Norm() > cartTol*math.Max(1, want.Norm()) {
			return fmt.Errorf("%w: cart_coords[%d] out of sync with frac_coords", ErrSchema, i)
		}
	}
	return nil
}

func matClose(a, b structure.Mat3, tol float64) bool {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if math.Abs(a[i][j]-b[i][j]) > tol {
				return false
			}
		}
	}
	return true
}

// EmptyOptions controls EmptyBatch. With a nil Rand coordinates are zero and
// atom types are PlaceholderAtomType.
type EmptyOptions struct {
	Rand        *rand.Rand
	MaxAtomType int
	Device      string
}

// EmptyBatch builds the seed batch for generation: unit cubic cells with the
// requested atom counts.
func EmptyBatch(numAtoms []int, opts EmptyOptions) (*Batch, error) {
	maxType := opts.MaxAtomType
	if maxType <= 0 {
		maxType = structure.MaxAtomicNumber
	}
	total := 0
	for i, n := range numAtoms {
		if n <= 0 {
			return nil, fmt.Errorf("%w: num_atoms[%d]=%d must be positive", ErrSchema, i, n)
		}
		total += n
	}
	in := Arrays{
		Lengths:    make([]structure.Vec3, len(numAtoms)),
		Angles:     make([]structure.Vec3, len(numAtoms)),
		NumAtoms:   numAtoms,
		AtomTypes:  make([]int, total),
		FracCoords: make([]structure.Vec3, total),
		Device:     opts.Device,
	}
	for i := range numAtoms {
		in.Lengths[i] = structure.Vec3{1, 1, 1}
		in.Angles[i] = structure.Vec3{90, 90, 90}
	}
	for i := range in.AtomTypes {
		if opts.Rand == nil {
			in.AtomTypes[i] = PlaceholderAtomType
			continue
		}
		in.AtomTypes[i] = opts.Rand.Intn(maxType) + 1
		in.FracCoords[i] = structure.Vec3{opts.Rand.Float64(), opts.Rand.Float64(), opts.Rand.Float64()}
	}
	return NewBatch(in)
}
