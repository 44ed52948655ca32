package structure

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// MinVolume is the smallest cell volume, in cubic angstrom, a decoded
// structure may have before it is treated as degenerate.
const MinVolume = 1e-3

// Structure is a periodic crystal: a lattice plus species at fractional
// coordinates.
type Structure struct {
	Lattice    Lattice `json:"lattice"`
	Species    []int   `json:"atomic_numbers"`
	FracCoords []Vec3  `json:"frac_coords"`
}

func New(lattice Lattice, species []int, frac []Vec3) (Structure, error) {
	if len(species) != len(frac) {
		return Structure{}, fmt.Errorf("species/coordinate length mismatch: %d != %d", len(species), len(frac))
	}
	if len(species) == 0 {
		return Structure{}, fmt.Errorf("structure has no sites")
	}
	for i, z := range species {
		if _, ok := Symbol(z); !ok {
			return Structure{}, fmt.Errorf("unknown atomic number %d at site %d", z, i)
		}
	}
	return Structure{
		Lattice:    lattice,
		Species:    append([]int(nil), species...),
		FracCoords: append([]Vec3(nil), frac...),
	}, nil
}

func (s Structure) NumSites() int { return len(s.Species) }

func (s Structure) Volume() float64 { return s.Lattice.Volume() }

func (s Structure) Copy() Structure {
	return Structure{
		Lattice:    s.Lattice,
		Species:    append([]int(nil), s.Species...),
		FracCoords: append([]Vec3(nil), s.FracCoords...),
	}
}

// Wrapped returns a copy with fractional coordinates in [0,1).
func (s Structure) Wrapped() Structure {
	out := s.Copy()
	for i := range out.FracCoords {
		out.FracCoords[i] = Wrap(out.FracCoords[i])
	}
	return out
}

// Translated shifts every site by the fractional vector t and wraps.
func (s Structure) Translated(t Vec3) Structure {
	out := s.Copy()
	for i := range out.FracCoords {
		out.FracCoords[i] = Wrap(out.FracCoords[i].Add(t))
	}
	return out
}

func (s Structure) CartCoords() []Vec3 {
	out := make([]Vec3, len(s.FracCoords))
	for i, f := range s.FracCoords {
		out[i] = s.Lattice.Cartesian(f)
	}
	return out
}

// CheckGeometry reports ErrDegenerateStructure for NaN/Inf geometry or a cell
// whose volume falls below MinVolume.
func (s Structure) CheckGeometry() error {
	if !s.Lattice.IsFinite() {
		return fmt.Errorf("%w: non-finite lattice", ErrDegenerateStructure)
	}
	for i, f := range s.FracCoords {
		if !f.IsFinite() {
			return fmt.Errorf("%w: non-finite coordinates at site %d", ErrDegenerateStructure, i)
		}
	}
	if v := s.Volume(); !(v >= MinVolume) {
		return fmt.Errorf("%w: cell volume %g", ErrDegenerateStructure, v)
	}
	return nil
}

// Distance is the minimum-image Cartesian distance between sites i and j.
func (s Structure) Distance(i, j int) float64 {
	return MinImageDistance(s.Lattice, s.FracCoords[j].Sub(s.FracCoords[i]))
}

// MinImageDistance returns the shortest Cartesian length of df + n over
// integer n.
func MinImageDistance(l Lattice, df Vec3) float64 {
	return MinImageVector(l, df).Norm()
}

// MinImageVector returns the shortest Cartesian image of the fractional
// difference df, searching the neighbours of the wrapped difference. The
// search is exact for Niggli-reduced lattices; heavily skewed cells should be
// reduced first.
func MinImageVector(l Lattice, df Vec3) Vec3 {
	var base Vec3
	for k := 0; k < 3; k++ {
		base[k] = df[k] - math.Round(df[k])
	}
	best := Vec3{math.Inf(1), 0, 0}
	bestNorm := math.Inf(1)
	for i := -1; i <= 1; i++ {
		for j := -1; j <= 1; j++ {
			for k := -1; k <= 1; k++ {
				v := l.Cartesian(base.Add(Vec3{float64(i), float64(j), float64(k)}))
				if d := v.Norm(); d < bestNorm {
					best, bestNorm = v, d
				}
			}
		}
	}
	return best
}

// Composition counts atoms per atomic number.
type Composition map[int]float64

func (s Structure) Composition() Composition {
	comp := make(Composition)
	for _, z := range s.Species {
		comp[z]++
	}
	return comp
}

// Elements returns the atomic numbers present, ascending.
func (c Composition) Elements() []int {
	out := make([]int, 0, len(c))
	for z, n := range c {
		if n > 0 {
			out = append(out, z)
		}
	}
	sort.Ints(out)
	return out
}

func (c Composition) NumAtoms() float64 {
	var total float64
	for _, n := range c {
		total += n
	}
	return total
}

// Fraction returns the atomic fraction of element z.
func (c Composition) Fraction(z int) float64 {
	total := c.NumAtoms()
	if total == 0 {
		return 0
	}
	return c[z] / total
}

// Formula renders the composition with symbols in alphabetical order.
func (c Composition) Formula() string {
	return c.render(1)
}

// ReducedFormula divides integer counts by their greatest common divisor.
func (c Composition) ReducedFormula() string {
	div := 0
	for _, n := range c {
		if n <= 0 {
			continue
		}
		if n != math.Trunc(n) {
			return c.render(1)
		}
		div = gcd(div, int(n))
	}
	if div == 0 {
		return ""
	}
	return c.render(float64(div))
}

func (c Composition) render(div float64) string {
	type part struct {
		symbol string
		count  float64
	}
	parts := make([]part, 0, len(c))
	for _, z := range c.Elements() {
		sym, ok := Symbol(z)
		if !ok {
			sym = "X" + strconv.Itoa(z)
		}
		parts = append(parts, part{symbol: sym, count: c[z] / div})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].symbol < parts[j].symbol })

	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.symbol)
		if p.count != 1 {
			b.WriteString(strconv.FormatFloat(p.count, 'f', -1, 64))
		}
	}
	return b.String()
}

// SameComposition reports whether two structures hold identical site counts
// per element.
func SameComposition(a, b Composition) bool {
	if len(a) != len(b) {
		return false
	}
	for z, n := range a {
		if b[z] != n {
			return false
		}
	}
	return true
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	if a < 0 {
		return -a
	}
	return a
}
