package structure

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrInvalidLattice      = errors.New("invalid lattice parameters")
	ErrDegenerateStructure = errors.New("degenerate structure")
)

// Vec3 is a row vector in fractional or Cartesian space.
type Vec3 [3]float64

// Mat3 is a 3x3 matrix stored row-major. Lattice matrices hold the cell
// vectors a, b, c as rows.
type Mat3 [3][3]float64

func Identity() Mat3 {
	return Mat3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

func (m Mat3) Mul(o Mat3) Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var s float64
			for k := 0; k < 3; k++ {
				s += m[i][k] * o[k][j]
			}
			out[i][j] = s
		}
	}
	return out
}

func (m Mat3) T() Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = m[j][i]
		}
	}
	return out
}

func (m Mat3) Det() float64 {
	return mat.Det(m.dense())
}

// Inverse returns m^-1 or an error if m is singular.
func (m Mat3) Inverse() (Mat3, error) {
	var inv mat.Dense
	if err := inv.Inverse(m.dense()); err != nil {
		return Mat3{}, fmt.Errorf("invert matrix: %w", err)
	}
	return mat3FromDense(&inv), nil
}

// RowTimes returns v @ m.
func (m Mat3) RowTimes(v Vec3) Vec3 {
	var out Vec3
	for j := 0; j < 3; j++ {
		out[j] = v[0]*m[0][j] + v[1]*m[1][j] + v[2]*m[2][j]
	}
	return out
}

func (m Mat3) dense() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		m[0][0], m[0][1], m[0][2],
		m[1][0], m[1][1], m[1][2],
		m[2][0], m[2][1], m[2][2],
	})
}

func mat3FromDense(d *mat.Dense) Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = d.At(i, j)
		}
	}
	return out
}

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v[0] + o[0], v[1] + o[1], v[2] + o[2]} }
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v[0] - o[0], v[1] - o[1], v[2] - o[2]} }
func (v Vec3) Scale(s float64) Vec3 {
	return Vec3{v[0] * s, v[1] * s, v[2] * s}
}
func (v Vec3) Dot(o Vec3) float64 { return v[0]*o[0] + v[1]*o[1] + v[2]*o[2] }
func (v Vec3) Norm() float64      { return math.Sqrt(v.Dot(v)) }

func (v Vec3) IsFinite() bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// Wrap maps every fractional component into [0,1).
func Wrap(f Vec3) Vec3 {
	var out Vec3
	for i, x := range f {
		w := x - math.Floor(x)
		if w >= 1 {
			w = 0
		}
		out[i] = w
	}
	return out
}

// Lattice is a periodic cell with vectors stored as rows of Matrix.
type Lattice struct {
	Matrix Mat3 `json:"matrix"`
}

func NewLattice(m Mat3) Lattice {
	return Lattice{Matrix: m}
}

func Cubic(a float64) Lattice {
	return Lattice{Matrix: Mat3{{a, 0, 0}, {0, a, 0}, {0, 0, a}}}
}

// LatticeFromParameters builds the cell matrix with the crystallographic
// convention used by pymatgen: c along z, a in the xz-plane.
func LatticeFromParameters(a, b, c, alpha, beta, gamma float64) (Lattice, error) {
	if err := CheckParameters(Vec3{a, b, c}, Vec3{alpha, beta, gamma}); err != nil {
		return Lattice{}, err
	}
	alphaR, betaR, gammaR := rad(alpha), rad(beta), rad(gamma)
	val := (math.Cos(alphaR)*math.Cos(betaR) - math.Cos(gammaR)) / (math.Sin(alphaR) * math.Sin(betaR))
	val = math.Max(-1, math.Min(1, val))
	gammaStar := math.Acos(val)

	return Lattice{Matrix: Mat3{
		{a * math.Sin(betaR), 0, a * math.Cos(betaR)},
		{-b * math.Sin(alphaR) * math.Cos(gammaStar), b * math.Sin(alphaR) * math.Sin(gammaStar), b * math.Cos(alphaR)},
		{0, 0, c},
	}}, nil
}

// CheckParameters rejects non-positive lengths, angles outside (0,180) and
// angle triples that cannot close a cell.
func CheckParameters(lengths, angles Vec3) error {
	for i := 0; i < 3; i++ {
		if !(lengths[i] > 0) || math.IsInf(lengths[i], 0) {
			return fmt.Errorf("%w: length[%d]=%v", ErrInvalidLattice, i, lengths[i])
		}
		if !(angles[i] > 0 && angles[i] < 180) {
			return fmt.Errorf("%w: angle[%d]=%v", ErrInvalidLattice, i, angles[i])
		}
	}
	if metricFactor(angles) <= 1e-10 {
		return fmt.Errorf("%w: angles %v describe a flat cell", ErrInvalidLattice, angles)
	}
	return nil
}

// metricFactor is V^2/(abc)^2 for the given angle triple.
func metricFactor(angles Vec3) float64 {
	ca, cb, cg := math.Cos(rad(angles[0])), math.Cos(rad(angles[1])), math.Cos(rad(angles[2]))
	return 1 - ca*ca - cb*cb - cg*cg + 2*ca*cb*cg
}

// Parameters returns lengths (a, b, c) and angles (alpha, beta, gamma) in degrees.
func (l Lattice) Parameters() (Vec3, Vec3) {
	a, b, c := Vec3(l.Matrix[0]), Vec3(l.Matrix[1]), Vec3(l.Matrix[2])
	lengths := Vec3{a.Norm(), b.Norm(), c.Norm()}
	angles := Vec3{
		angleBetween(b, c),
		angleBetween(a, c),
		angleBetween(a, b),
	}
	return lengths, angles
}

func (l Lattice) Volume() float64 {
	return math.Abs(l.Matrix.Det())
}

func (l Lattice) Gram() Mat3 {
	return l.Matrix.Mul(l.Matrix.T())
}

func (l Lattice) IsFinite() bool {
	for _, row := range l.Matrix {
		if !Vec3(row).IsFinite() {
			return false
		}
	}
	return true
}

// Cartesian returns f @ matrix.
func (l Lattice) Cartesian(f Vec3) Vec3 {
	return l.Matrix.RowTimes(f)
}

// Fractional converts Cartesian positions into fractional coordinates.
func (l Lattice) Fractional(cart []Vec3) ([]Vec3, error) {
	inv, err := l.Matrix.Inverse()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDegenerateStructure, err)
	}
	out := make([]Vec3, len(cart))
	for i, c := range cart {
		out[i] = inv.RowTimes(c)
	}
	return out, nil
}

// Scaled returns the lattice uniformly scaled to the requested volume.
func (l Lattice) Scaled(volume float64) Lattice {
	current := l.Volume()
	if current <= 0 || volume <= 0 {
		return l
	}
	s := math.Cbrt(volume / current)
	var m Mat3
	for i := 0; i < 3; i++ {
		m[i] = Vec3(l.Matrix[i]).Scale(s)
	}
	return Lattice{Matrix: m}
}

// Standardized rebuilds the lattice from its own parameters, discarding
// orientation.
func (l Lattice) Standardized() (Lattice, error) {
	lengths, angles := l.Parameters()
	return LatticeFromParameters(lengths[0], lengths[1], lengths[2], angles[0], angles[1], angles[2])
}

func angleBetween(u, v Vec3) float64 {
	nu, nv := u.Norm(), v.Norm()
	if nu == 0 || nv == 0 {
		return math.NaN()
	}
	cos := u.Dot(v) / (nu * nv)
	cos = math.Max(-1, math.Min(1, cos))
	return deg(math.Acos(cos))
}

func rad(d float64) float64 { return d * math.Pi / 180 }
func deg(r float64) float64 { return r * 180 / math.Pi }

// Radians converts an angle triple from degrees.
func Radians(angles Vec3) Vec3 {
	return Vec3{rad(angles[0]), rad(angles[1]), rad(angles[2])}
}
