// Package posenc provides positional encodings for atom indices and
// per-graph atom counts.
package posenc

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrDimension     = errors.New("invalid embedding dimension")
	ErrIndex         = errors.New("embedding index out of range")
	ErrUnknownScheme = errors.New("unknown positional embedding")
)

const (
	DefaultMaxLen      = 2048
	DefaultLearnedLen  = 512
	DefaultMaxNumAtoms = 8192
)

// Embedding maps integer indices to rows of a len(indices) x dim matrix.
// Empty input yields an empty matrix.
type Embedding interface {
	Embed(indices []int, dim int) (*mat.Dense, error)
}

// Sinusoidal encodes index i as [sin(i*pi/MaxLen^(2k/dim)) | cos(...)] for
// k < dim/2.
type Sinusoidal struct {
	MaxLen int
}

func (s Sinusoidal) Embed(indices []int, dim int) (*mat.Dense, error) {
	if dim <= 0 || dim%2 != 0 {
		return nil, fmt.Errorf("%w: sinusoidal embeddings need an even dimension, got %d", ErrDimension, dim)
	}
	if len(indices) == 0 {
		return &mat.Dense{}, nil
	}
	maxLen := float64(s.MaxLen)
	if s.MaxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	half := dim / 2
	out := mat.NewDense(len(indices), dim, nil)
	for r, idx := range indices {
		for k := 0; k < half; k++ {
			angle := float64(idx) * math.Pi / math.Pow(maxLen, 2*float64(k)/float64(dim))
			out.Set(r, k, math.Sin(angle))
			out.Set(r, half+k, math.Cos(angle))
		}
	}
	return out, nil
}

// Learned is a lookup table with one row per index.
type Learned struct {
	table *mat.Dense
}

// NewLearned draws a maxLen x dim table from a standard normal.
func NewLearned(maxLen, dim int, rng *rand.Rand) (*Learned, error) {
	if dim <= 0 || maxLen <= 0 {
		return nil, fmt.Errorf("%w: table %dx%d", ErrDimension, maxLen, dim)
	}
	data := make([]float64, maxLen*dim)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	return &Learned{table: mat.NewDense(maxLen, dim, data)}, nil
}

// NewLearnedFromTable wraps trained weights.
func NewLearnedFromTable(table *mat.Dense) (*Learned, error) {
	if table == nil || table.IsEmpty() {
		return nil, fmt.Errorf("%w: empty table", ErrDimension)
	}
	return &Learned{table: mat.DenseCopyOf(table)}, nil
}

func (l *Learned) Dim() int {
	_, c := l.table.Dims()
	return c
}

func (l *Learned) Len() int {
	r, _ := l.table.Dims()
	return r
}

func (l *Learned) Embed(indices []int, dim int) (*mat.Dense, error) {
	if dim != l.Dim() {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrDimension, l.Dim(), dim)
	}
	if len(indices) == 0 {
		return &mat.Dense{}, nil
	}
	out := mat.NewDense(len(indices), dim, nil)
	for r, idx := range indices {
		if idx < 0 || idx >= l.Len() {
			return nil, fmt.Errorf("%w: %d not in [0,%d)", ErrIndex, idx, l.Len())
		}
		out.SetRow(r, l.table.RawRowView(idx))
	}
	return out, nil
}

// None returns zeros.
type None struct{}

func (None) Embed(indices []int, dim int) (*mat.Dense, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrDimension, dim)
	}
	if len(indices) == 0 {
		return &mat.Dense{}, nil
	}
	return mat.NewDense(len(indices), dim, nil), nil
}

// New selects an embedding by name: sinusoidal (the default), learned or
// none.
func New(name string, dim int, rng *rand.Rand) (Embedding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "sinusoidal":
		if dim%2 != 0 {
			return nil, fmt.Errorf("%w: sinusoidal embeddings need an even dimension, got %d", ErrDimension, dim)
		}
		return Sinusoidal{MaxLen: DefaultMaxLen}, nil
	case "learned":
		if rng == nil {
			rng = rand.New(rand.NewSource(1))
		}
		return NewLearned(DefaultLearnedLen, dim, rng)
	case "none":
		return None{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, name)
	}
}

// GlobalNumAtoms embeds each graph's atom count and repeats the row for
// every node of that graph.
type GlobalNumAtoms struct {
	dim   int
	embed Embedding
}

// NewGlobalNumAtoms builds a learned (table of maxValue+1 rows) or
// sinusoidal encoder.
func NewGlobalNumAtoms(mode string, dim, maxValue int, rng *rand.Rand) (*GlobalNumAtoms, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "sinusoidal":
		if dim <= 0 || dim%2 != 0 {
			return nil, fmt.Errorf("%w: sinusoidal mode needs an even dimension, got %d", ErrDimension, dim)
		}
		return &GlobalNumAtoms{dim: dim, embed: Sinusoidal{MaxLen: DefaultMaxLen}}, nil
	case "learned":
		if maxValue <= 0 {
			maxValue = DefaultMaxNumAtoms
		}
		if rng == nil {
			rng = rand.New(rand.NewSource(1))
		}
		table, err := NewLearned(maxValue+1, dim, rng)
		if err != nil {
			return nil, err
		}
		return &GlobalNumAtoms{dim: dim, embed: table}, nil
	default:
		return nil, fmt.Errorf("%w: mode %q, use learned or sinusoidal", ErrUnknownScheme, mode)
	}
}

// Embed returns sum(nodesPerGraph) rows; graph g contributes nodesPerGraph[g]
// copies of the embedding of numAtoms[g].
func (g *GlobalNumAtoms) Embed(numAtoms, nodesPerGraph []int) (*mat.Dense, error) {
	if len(numAtoms) != len(nodesPerGraph) {
		return nil, fmt.Errorf("%w: %d atom counts for %d graphs", ErrDimension, len(numAtoms), len(nodesPerGraph))
	}
	var perNode []int
	for i, n := range nodesPerGraph {
		if n < 0 {
			return nil, fmt.Errorf("%w: graph %d has %d nodes", ErrIndex, i, n)
		}
		for j := 0; j < n; j++ {
			perNode = append(perNode, numAtoms[i])
		}
	}
	return g.embed.Embed(perNode, g.dim)
}
