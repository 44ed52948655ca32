package matcher

import (
	"fmt"
	"math"
	"sort"

	"chemeleon/internal/structure"
)

const (
	DefaultLengthTol = 0.2
	DefaultSiteTol   = 0.3
	DefaultAngleTol  = 5.0
	// searchRange bounds the integer coefficients tried when looking for
	// lattice vectors of one cell that fit the other.
	searchRange = 2
)

// Config holds the matching tolerances. LengthTol is fractional, SiteTol is
// in units of (volume/site)^(1/3) and AngleTol is in degrees.
type Config struct {
	LengthTol float64 `yaml:"ltol" json:"ltol"`
	SiteTol   float64 `yaml:"stol" json:"stol"`
	AngleTol  float64 `yaml:"angle_tol" json:"angle_tol"`

	// PrimitiveTol is the Cartesian tolerance, in angstrom, used to reduce
	// each structure to its primitive cell before matching.
	PrimitiveTol float64 `yaml:"primitive_tol" json:"primitive_tol"`
}

func DefaultConfig() Config {
	return Config{
		LengthTol:    DefaultLengthTol,
		SiteTol:      DefaultSiteTol,
		AngleTol:     DefaultAngleTol,
		PrimitiveTol: structure.DefaultPrimitiveTol,
	}
}

func normalizeConfig(cfg Config) Config {
	if cfg.LengthTol <= 0 {
		cfg.LengthTol = DefaultLengthTol
	}
	if cfg.SiteTol <= 0 {
		cfg.SiteTol = DefaultSiteTol
	}
	if cfg.AngleTol <= 0 {
		cfg.AngleTol = DefaultAngleTol
	}
	if cfg.PrimitiveTol <= 0 {
		cfg.PrimitiveTol = structure.DefaultPrimitiveTol
	}
	return cfg
}

// Matcher decides whether two structures describe the same crystal up to
// lattice choice, supercell choice, translation, uniform volume scaling and
// site permutation.
type Matcher struct {
	cfg Config
}

func New(cfg Config) *Matcher {
	return &Matcher{cfg: normalizeConfig(cfg)}
}

func (m *Matcher) Config() Config { return m.cfg }

// Prepared is a structure reduced once for repeated comparisons.
type Prepared struct {
	reduced structure.Structure
	comp    structure.Composition
	formula string
	anchor  int
}

// Formula is the reduced formula of the prepared structure.
func (p Prepared) Formula() string { return p.formula }

func (p Prepared) NumSites() int { return p.reduced.NumSites() }

func (m *Matcher) Prepare(s structure.Structure) (Prepared, error) {
	if err := s.CheckGeometry(); err != nil {
		return Prepared{}, err
	}
	reduced, err := s.NiggliReduced(structure.DefaultNiggliTol)
	if err != nil {
		return Prepared{}, fmt.Errorf("prepare for matching: %w", err)
	}
	if prim := reduced.Primitive(m.cfg.PrimitiveTol); prim.NumSites() < reduced.NumSites() {
		reduced, err = prim.NiggliReduced(structure.DefaultNiggliTol)
		if err != nil {
			return Prepared{}, fmt.Errorf("prepare primitive cell: %w", err)
		}
	}
	comp := reduced.Composition()
	return Prepared{
		reduced: reduced,
		comp:    comp,
		formula: comp.ReducedFormula(),
		anchor:  anchorSpecies(comp),
	}, nil
}

// anchorSpecies picks the least frequent element, lowest atomic number first.
func anchorSpecies(comp structure.Composition) int {
	best, bestCount := 0, math.Inf(1)
	for _, z := range comp.Elements() {
		if comp[z] < bestCount {
			best, bestCount = z, comp[z]
		}
	}
	return best
}

// Fit reports whether a and b match. Structures that cannot be prepared never
// match.
func (m *Matcher) Fit(a, b structure.Structure) bool {
	pa, err := m.Prepare(a)
	if err != nil {
		return false
	}
	pb, err := m.Prepare(b)
	if err != nil {
		return false
	}
	return m.FitPrepared(pa, pb)
}

func (m *Matcher) FitPrepared(a, b Prepared) bool {
	res, ok := m.compare(a, b, true)
	return ok && res.MaxDist <= m.cfg.SiteTol
}

// Distance is the best site mapping found between two structures, normalised
// by (volume/site)^(1/3).
type Distance struct {
	RMS     float64
	MaxDist float64
}

// RMSDistance returns the best mapping between a and b, or false if no
// lattice correspondence exists within the length and angle tolerances.
func (m *Matcher) RMSDistance(a, b structure.Structure) (Distance, bool) {
	pa, err := m.Prepare(a)
	if err != nil {
		return Distance{}, false
	}
	pb, err := m.Prepare(b)
	if err != nil {
		return Distance{}, false
	}
	return m.compare(pa, pb, false)
}

func (m *Matcher) compare(a, b Prepared, stopEarly bool) (Distance, bool) {
	if a.NumSites() != b.NumSites() || !structure.SameComposition(a.comp, b.comp) {
		return Distance{}, false
	}

	// Both cells are scaled to the geometric mean volume.
	target := math.Sqrt(a.reduced.Volume() * b.reduced.Volume())
	l1 := a.reduced.Lattice.Scaled(target)
	l2 := b.reduced.Lattice.Scaled(target)

	best := Distance{RMS: math.Inf(1), MaxDist: math.Inf(1)}
	found := false
	for _, mapping := range m.latticeMappings(l1, l2) {
		d, ok := m.compareWithMapping(a, b, l1, mapping)
		if !ok {
			continue
		}
		found = true
		if d.MaxDist < best.MaxDist {
			best = d
		}
		if stopEarly && best.MaxDist <= m.cfg.SiteTol {
			break
		}
	}
	return best, found
}

// latticeMapping re-expresses the second lattice in an integer basis whose
// rows fit the first lattice.
type latticeMapping struct {
	inverse structure.Mat3
	lattice structure.Lattice
}

type candidateVector struct {
	coeffs structure.Vec3
	cart   structure.Vec3
}

// latticeMappings finds unimodular integer bases of l2 whose lengths and
// angles fit l1 within tolerance.
func (m *Matcher) latticeMappings(l1, l2 structure.Lattice) []latticeMapping {
	lengths, angles := l1.Parameters()
	candidates := [3][]candidateVector{}
	for i := -searchRange; i <= searchRange; i++ {
		for j := -searchRange; j <= searchRange; j++ {
			for k := -searchRange; k <= searchRange; k++ {
				if i == 0 && j == 0 && k == 0 {
					continue
				}
				coeffs := structure.Vec3{float64(i), float64(j), float64(k)}
				cart := l2.Cartesian(coeffs)
				norm := cart.Norm()
				for axis := 0; axis < 3; axis++ {
					if math.Abs(norm-lengths[axis]) <= m.cfg.LengthTol*lengths[axis] {
						candidates[axis] = append(candidates[axis], candidateVector{coeffs: coeffs, cart: cart})
					}
				}
			}
		}
	}
	for axis := range candidates {
		sort.SliceStable(candidates[axis], func(x, y int) bool {
			dx := math.Abs(candidates[axis][x].cart.Norm() - lengths[axis])
			dy := math.Abs(candidates[axis][y].cart.Norm() - lengths[axis])
			return dx < dy
		})
	}

	var out []latticeMapping
	for _, va := range candidates[0] {
		for _, vb := range candidates[1] {
			if math.Abs(vectorAngle(va.cart, vb.cart)-angles[2]) > m.cfg.AngleTol {
				continue
			}
			for _, vc := range candidates[2] {
				if math.Abs(vectorAngle(vb.cart, vc.cart)-angles[0]) > m.cfg.AngleTol {
					continue
				}
				if math.Abs(vectorAngle(va.cart, vc.cart)-angles[1]) > m.cfg.AngleTol {
					continue
				}
				sc := structure.Mat3{va.coeffs, vb.coeffs, vc.coeffs}
				if math.Abs(math.Abs(sc.Det())-1) > 1e-6 {
					continue
				}
				inv, err := sc.Inverse()
				if err != nil {
					continue
				}
				out = append(out, latticeMapping{
					inverse: inv,
					lattice: structure.NewLattice(structure.Mat3{va.cart, vb.cart, vc.cart}),
				})
			}
		}
	}
	return out
}

func (m *Matcher) compareWithMapping(a, b Prepared, l1 structure.Lattice, mapping latticeMapping) (Distance, bool) {
	len1, ang1 := l1.Parameters()
	len2, ang2 := mapping.lattice.Parameters()
	avg, err := structure.LatticeFromParameters(
		(len1[0]+len2[0])/2, (len1[1]+len2[1])/2, (len1[2]+len2[2])/2,
		(ang1[0]+ang2[0])/2, (ang1[1]+ang2[1])/2, (ang1[2]+ang2[2])/2,
	)
	if err != nil {
		return Distance{}, false
	}

	n := a.NumSites()
	f1 := a.reduced.FracCoords
	f2 := make([]structure.Vec3, n)
	for i, f := range b.reduced.FracCoords {
		f2[i] = mapping.inverse.RowTimes(f)
	}
	groups := speciesGroups(a.reduced.Species, b.reduced.Species)
	norm := math.Cbrt(avg.Volume() / float64(n))

	anchor1 := -1
	for i, z := range a.reduced.Species {
		if z == a.anchor {
			anchor1 = i
			break
		}
	}
	if anchor1 < 0 {
		return Distance{}, false
	}

	best := Distance{RMS: math.Inf(1), MaxDist: math.Inf(1)}
	found := false
	for j, z := range b.reduced.Species {
		if z != a.anchor {
			continue
		}
		shift := f1[anchor1].Sub(f2[j])
		vecs, ok := assignSites(avg, f1, f2, shift, groups)
		if !ok {
			continue
		}
		d := summarize(vecs, norm)
		found = true
		if d.MaxDist < best.MaxDist {
			best = d
		}
		if best.MaxDist <= m.cfg.SiteTol {
			break
		}
	}
	return best, found
}

type speciesGroup struct {
	first  []int
	second []int
}

func speciesGroups(s1, s2 []int) []speciesGroup {
	index := make(map[int]int)
	var groups []speciesGroup
	for i, z := range s1 {
		g, ok := index[z]
		if !ok {
			g = len(groups)
			index[z] = g
			groups = append(groups, speciesGroup{})
		}
		groups[g].first = append(groups[g].first, i)
	}
	for i, z := range s2 {
		if g, ok := index[z]; ok {
			groups[g].second = append(groups[g].second, i)
		}
	}
	return groups
}

// assignSites pairs sites of equal species by minimum total distance after
// shifting f2, returning the Cartesian displacement of each pair.
func assignSites(l structure.Lattice, f1, f2 []structure.Vec3, shift structure.Vec3, groups []speciesGroup) ([]structure.Vec3, bool) {
	vecs := make([]structure.Vec3, 0, len(f1))
	for _, g := range groups {
		if len(g.first) != len(g.second) {
			return nil, false
		}
		cost := make([][]float64, len(g.first))
		disp := make([][]structure.Vec3, len(g.first))
		for r, i := range g.first {
			cost[r] = make([]float64, len(g.second))
			disp[r] = make([]structure.Vec3, len(g.second))
			for c, j := range g.second {
				v := structure.MinImageVector(l, f2[j].Add(shift).Sub(f1[i]))
				disp[r][c] = v
				cost[r][c] = v.Norm()
			}
		}
		cols := assign(cost)
		if len(cols) != len(g.first) {
			return nil, false
		}
		for r, c := range cols {
			vecs = append(vecs, disp[r][c])
		}
	}
	return vecs, true
}

// summarize removes the mean displacement and reports normalised RMS and
// maximum site distances.
func summarize(vecs []structure.Vec3, norm float64) Distance {
	var mean structure.Vec3
	for _, v := range vecs {
		mean = mean.Add(v)
	}
	mean = mean.Scale(1 / float64(len(vecs)))
	var sumSq, maxDist float64
	for _, v := range vecs {
		d := v.Sub(mean).Norm() / norm
		sumSq += d * d
		if d > maxDist {
			maxDist = d
		}
	}
	return Distance{RMS: math.Sqrt(sumSq / float64(len(vecs))), MaxDist: maxDist}
}

func vectorAngle(u, v structure.Vec3) float64 {
	cos := u.Dot(v) / (u.Norm() * v.Norm())
	cos = math.Max(-1, math.Min(1, cos))
	return math.Acos(cos) * 180 / math.Pi
}
