package structure

import (
	"errors"
	"fmt"
	"math"
)

const (
	DefaultNiggliTol = 1e-5
	maxNiggliSteps   = 1000
)

var ErrNiggliNotConverged = errors.New("niggli reduction did not converge")

// Niggli reduces the lattice with the Krivy-Gruber algorithm. It returns the
// reduced lattice and the integer transformation T with reduced = T @ lattice.
func Niggli(l Lattice, tol float64) (Lattice, Mat3, error) {
	if tol <= 0 {
		tol = DefaultNiggliTol
	}
	vol := l.Volume()
	if !(vol > 0) {
		return Lattice{}, Mat3{}, fmt.Errorf("%w: zero volume", ErrDegenerateStructure)
	}
	e := tol * math.Cbrt(vol)

	g := l.Gram()
	p := Identity()
	apply := func(m Mat3) {
		g = m.T().Mul(g).Mul(m)
		p = p.Mul(m)
	}

	converged := false
	for step := 0; step < maxNiggliSteps; step++ {
		a, b, c := g[0][0], g[1][1], g[2][2]
		xi, eta, zeta := 2*g[1][2], 2*g[0][2], 2*g[0][1]

		// A1
		if b+e < a || (math.Abs(a-b) < e && math.Abs(xi) > math.Abs(eta)+e) {
			apply(Mat3{{0, -1, 0}, {-1, 0, 0}, {0, 0, -1}})
			a, b, c = g[0][0], g[1][1], g[2][2]
			xi, eta, zeta = 2*g[1][2], 2*g[0][2], 2*g[0][1]
		}
		// A2
		if c+e < b || (math.Abs(b-c) < e && math.Abs(eta) > math.Abs(zeta)+e) {
			apply(Mat3{{-1, 0, 0}, {0, 0, -1}, {0, -1, 0}})
			continue
		}

		sl, sm, sn := signTol(xi, e), signTol(eta, e), signTol(zeta, e)
		switch prod := sl * sm * sn; {
		case prod == 1:
			// A3
			i, j, k := neg1If(sl == -1), neg1If(sm == -1), neg1If(sn == -1)
			apply(Mat3{{i, 0, 0}, {0, j, 0}, {0, 0, k}})
		case prod == 0 || prod == -1:
			// A4
			i, j, k := neg1If(sl == 1), neg1If(sm == 1), neg1If(sn == 1)
			if i*j*k == -1 {
				switch {
				case sn == 0:
					k = -1
				case sm == 0:
					j = -1
				case sl == 0:
					i = -1
				}
			}
			apply(Mat3{{i, 0, 0}, {0, j, 0}, {0, 0, k}})
		}

		a, b = g[0][0], g[1][1]
		xi, eta, zeta = 2*g[1][2], 2*g[0][2], 2*g[0][1]

		// A5
		if math.Abs(xi) > b+e || (math.Abs(xi-b) < e && 2*eta < zeta-e) || (math.Abs(xi+b) < e && zeta < -e) {
			apply(Mat3{{1, 0, 0}, {0, 1, -sign(xi)}, {0, 0, 1}})
			continue
		}
		// A6
		if math.Abs(eta) > a+e || (math.Abs(a-eta) < e && 2*xi < zeta-e) || (math.Abs(a+eta) < e && zeta < -e) {
			apply(Mat3{{1, 0, -sign(eta)}, {0, 1, 0}, {0, 0, 1}})
			continue
		}
		// A7
		if math.Abs(zeta) > a+e || (math.Abs(a-zeta) < e && 2*xi < eta-e) || (math.Abs(a+zeta) < e && eta < -e) {
			apply(Mat3{{1, -sign(zeta), 0}, {0, 1, 0}, {0, 0, 1}})
			continue
		}
		// A8
		sum := xi + eta + zeta + a + b
		if sum < -e || (math.Abs(sum) < e && e < zeta+2*(a+eta)) {
			apply(Mat3{{1, 0, 1}, {0, 1, 1}, {0, 0, 1}})
			continue
		}
		converged = true
		break
	}
	if !converged {
		return Lattice{}, Mat3{}, ErrNiggliNotConverged
	}

	// Row-vector lattices transform with the transpose of the column operations.
	t := roundMat(p.T())
	reduced := Lattice{Matrix: t.Mul(l.Matrix)}
	if reduced.Matrix.Det() < 0 {
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				t[i][j] = -t[i][j]
			}
		}
		reduced = Lattice{Matrix: t.Mul(l.Matrix)}
	}
	return reduced, t, nil
}

// NiggliReduced re-expresses the structure in its Niggli-reduced cell.
func (s Structure) NiggliReduced(tol float64) (Structure, error) {
	reduced, t, err := Niggli(s.Lattice, tol)
	if err != nil {
		return Structure{}, err
	}
	tInv, err := t.Inverse()
	if err != nil {
		return Structure{}, fmt.Errorf("%w: singular niggli transform", ErrDegenerateStructure)
	}
	out := s.Copy()
	out.Lattice = reduced
	for i, f := range s.FracCoords {
		out.FracCoords[i] = Wrap(tInv.RowTimes(f))
	}
	return out, nil
}

// Canonical applies Niggli reduction and rebuilds the lattice from the
// reduced parameters in the standard orientation.
func (s Structure) Canonical() (Structure, error) {
	reduced, err := s.NiggliReduced(DefaultNiggliTol)
	if err != nil {
		return Structure{}, err
	}
	std, err := reduced.Lattice.Standardized()
	if err != nil {
		return Structure{}, fmt.Errorf("%w: %v", ErrDegenerateStructure, err)
	}
	reduced.Lattice = std
	return reduced, nil
}

func signTol(x, e float64) float64 {
	if math.Abs(x) < e {
		return 0
	}
	return sign(x)
}

func sign(x float64) float64 {
	if x < 0 {
		return -1
	}
	return 1
}

func neg1If(cond bool) float64 {
	if cond {
		return -1
	}
	return 1
}

func roundMat(m Mat3) Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = math.Round(m[i][j])
		}
	}
	return out
}
