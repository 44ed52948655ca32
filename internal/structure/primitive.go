package structure

import "math"

// DefaultPrimitiveTol is the Cartesian tolerance, in angstrom, for a site to
// be considered an image of another under a candidate translation.
const DefaultPrimitiveTol = 0.25

// Primitive returns the smallest cell that reproduces s under periodicity.
// It collects the fractional translations that map every site onto a site of
// the same species, then picks a cell spanned by those translations and the
// unit vectors. Structures that are already primitive, or whose translation
// set is inconsistent at tol, come back unchanged. Distances are measured in
// s.Lattice, so s should be Niggli reduced first.
func (s Structure) Primitive(tol float64) Structure {
	if tol <= 0 {
		tol = DefaultPrimitiveTol
	}
	translations := s.latticeTranslations(tol)
	n := len(translations) + 1
	if n == 1 || s.NumSites()%n != 0 {
		return s
	}
	for _, count := range s.Composition() {
		if int(count)%n != 0 {
			return s
		}
	}

	basis, ok := primitiveBasis(translations, n)
	if !ok {
		return s
	}
	inv, err := basis.Inverse()
	if err != nil {
		return s
	}
	lattice := Lattice{Matrix: basis.Mul(s.Lattice.Matrix)}

	out := Structure{Lattice: lattice}
	for i, f := range s.FracCoords {
		pf := Wrap(inv.RowTimes(f))
		duplicate := false
		for k, kept := range out.FracCoords {
			if out.Species[k] == s.Species[i] && MinImageDistance(lattice, pf.Sub(kept)) < tol {
				duplicate = true
				break
			}
		}
		if !duplicate {
			out.Species = append(out.Species, s.Species[i])
			out.FracCoords = append(out.FracCoords, pf)
		}
	}
	if out.NumSites()*n != s.NumSites() {
		return s
	}
	return out
}

// latticeTranslations returns the non-zero fractional translations, wrapped
// into [0,1), under which every site lands on a site of the same species.
func (s Structure) latticeTranslations(tol float64) []Vec3 {
	comp := s.Composition()
	anchor, anchorCount := -1, math.Inf(1)
	for _, z := range comp.Elements() {
		if comp[z] < anchorCount {
			anchor, anchorCount = z, comp[z]
		}
	}
	first := -1
	for i, z := range s.Species {
		if z == anchor {
			first = i
			break
		}
	}
	if first < 0 {
		return nil
	}

	var out []Vec3
	for j, z := range s.Species {
		if j == first || z != anchor {
			continue
		}
		t := Wrap(s.FracCoords[j].Sub(s.FracCoords[first]))
		if MinImageDistance(s.Lattice, t) < tol {
			continue
		}
		if s.invariantUnder(t, tol) {
			out = append(out, t)
		}
	}
	return out
}

func (s Structure) invariantUnder(t Vec3, tol float64) bool {
	for i, fi := range s.FracCoords {
		moved := fi.Add(t)
		found := false
		for j, fj := range s.FracCoords {
			if s.Species[j] == s.Species[i] && MinImageDistance(s.Lattice, moved.Sub(fj)) < tol {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// primitiveBasis picks three vectors among the unit vectors and translations
// whose determinant is 1/n. Such a triple spans the whole translation lattice.
func primitiveBasis(translations []Vec3, n int) (Mat3, bool) {
	vectors := []Vec3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	vectors = append(vectors, translations...)
	want := 1 / float64(n)
	for i := 0; i < len(vectors); i++ {
		for j := i + 1; j < len(vectors); j++ {
			for k := j + 1; k < len(vectors); k++ {
				m := Mat3{vectors[i], vectors[j], vectors[k]}
				det := m.Det()
				if math.Abs(math.Abs(det)-want) > 0.25*want {
					continue
				}
				if det < 0 {
					m[2] = Vec3(m[2]).Scale(-1)
				}
				return m, true
			}
		}
	}
	return Mat3{}, false
}
