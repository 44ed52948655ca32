package numatoms

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
)

var (
	ErrUnknownDistribution = errors.New("unknown num-atom distribution")
	ErrInvalidDistribution = errors.New("invalid num-atom distribution")
)

const sumTol = 1e-6

// Distribution maps atom counts to probabilities. It is immutable once built.
type Distribution struct {
	name   string
	counts []int
	probs  []float64
	cdf    []float64
}

// New normalises non-negative weights into a distribution. Zero weights are
// dropped.
func New(name string, weights map[int]float64) (*Distribution, error) {
	counts := make([]int, 0, len(weights))
	for k, w := range weights {
		if k <= 0 {
			return nil, fmt.Errorf("%w: %s: atom count %d must be positive", ErrInvalidDistribution, name, k)
		}
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("%w: %s: weight %v for %d atoms", ErrInvalidDistribution, name, w, k)
		}
		if w > 0 {
			counts = append(counts, k)
		}
	}
	if len(counts) == 0 {
		return nil, fmt.Errorf("%w: %s: no positive weights", ErrInvalidDistribution, name)
	}
	sort.Ints(counts)

	probs := make([]float64, len(counts))
	for i, k := range counts {
		probs[i] = weights[k]
	}
	floats.Scale(1/floats.Sum(probs), probs)
	cdf := make([]float64, len(probs))
	floats.CumSum(cdf, probs)
	if math.Abs(cdf[len(cdf)-1]-1) > sumTol {
		return nil, fmt.Errorf("%w: %s: probabilities sum to %v", ErrInvalidDistribution, name, cdf[len(cdf)-1])
	}
	cdf[len(cdf)-1] = 1

	return &Distribution{name: name, counts: counts, probs: probs, cdf: cdf}, nil
}

func (d *Distribution) Name() string { return d.name }

// Support lists the atom counts with non-zero probability, ascending.
func (d *Distribution) Support() []int {
	return append([]int(nil), d.counts...)
}

func (d *Distribution) Probability(k int) float64 {
	i := sort.SearchInts(d.counts, k)
	if i < len(d.counts) && d.counts[i] == k {
		return d.probs[i]
	}
	return 0
}

// Mean is the expected atom count.
func (d *Distribution) Mean() float64 {
	var mean float64
	for i, k := range d.counts {
		mean += float64(k) * d.probs[i]
	}
	return mean
}

// Sample draws n counts i.i.d. with replacement.
func (d *Distribution) Sample(rng *rand.Rand, n int) []int {
	out := make([]int, n)
	for i := range out {
		u := rng.Float64()
		j := sort.SearchFloat64s(d.cdf, u)
		if j < len(d.cdf) && d.cdf[j] == u {
			j++
		}
		if j >= len(d.counts) {
			j = len(d.counts) - 1
		}
		out[i] = d.counts[j]
	}
	return out
}

// NormalizeName canonicalises dataset names: "MP_20", "mp20" and "mp-20"
// resolve to the same distribution.
func NormalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, "_", "-")
	switch name {
	case "mp20":
		return "mp-20"
	case "mp120":
		return "mp-120"
	case "alexmp20", "alex-mp20", "alexmp-20":
		return "alex-mp-20"
	}
	return name
}

// Lookup returns a built-in distribution by dataset name.
func Lookup(name string) (*Distribution, error) {
	key := NormalizeName(name)
	weights, ok := builtin[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %s)", ErrUnknownDistribution, name, strings.Join(Names(), ", "))
	}
	return New(key, weights)
}

// Names lists the built-in distributions.
func Names() []string {
	out := make([]string, 0, len(builtin))
	for k := range builtin {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
