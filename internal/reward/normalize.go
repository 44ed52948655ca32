package reward

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const DefaultEps = 1e-4

// Normalizer rescales a batch of summed rewards. Implementations return a
// new slice.
type Normalizer interface {
	Name() string
	Normalize(rewards []float64) []float64
}

// NewNormalizer resolves a normalization name. Accepted names are none (or
// empty), norm, std, subtract_mean and clip, plus the spelled-out aliases
// l2-normalize, standardize and subtract-mean. A zero eps selects DefaultEps.
func NewNormalizer(name string, eps float64) (Normalizer, error) {
	switch {
	case eps == 0:
		eps = DefaultEps
	case !(eps > 0) || math.IsInf(eps, 1):
		return nil, fmt.Errorf("%w: eps %v must be a small positive number", ErrConfiguration, eps)
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return NoopNormalizer{}, nil
	case "norm", "l2-normalize", "l2_normalize":
		return L2Normalizer{Eps: eps}, nil
	case "std", "standardize":
		return Standardizer{Eps: eps}, nil
	case "subtract_mean", "subtract-mean":
		return MeanSubtractor{}, nil
	case "clip":
		return Clipper{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown normalization %q, use norm, std, subtract_mean, clip or none", ErrConfiguration, name)
	}
}

type NoopNormalizer struct{}

func (NoopNormalizer) Name() string { return "none" }

func (NoopNormalizer) Normalize(rewards []float64) []float64 {
	return append([]float64(nil), rewards...)
}

// L2Normalizer divides by the Euclidean norm plus Eps.
type L2Normalizer struct{ Eps float64 }

func (L2Normalizer) Name() string { return "norm" }

func (n L2Normalizer) Normalize(rewards []float64) []float64 {
	out := append([]float64(nil), rewards...)
	if len(out) == 0 {
		return out
	}
	floats.Scale(1/(floats.Norm(out, 2)+n.Eps), out)
	return out
}

// Standardizer maps x to (x - mean) / (std + Eps) using the sample standard
// deviation. A single reward has std 0.
type Standardizer struct{ Eps float64 }

func (Standardizer) Name() string { return "std" }

func (s Standardizer) Normalize(rewards []float64) []float64 {
	out := append([]float64(nil), rewards...)
	if len(out) == 0 {
		return out
	}
	mean, std := stat.Mean(out, nil), 0.0
	if len(out) > 1 {
		mean, std = stat.MeanStdDev(out, nil)
	}
	floats.AddConst(-mean, out)
	floats.Scale(1/(std+s.Eps), out)
	return out
}

type MeanSubtractor struct{}

func (MeanSubtractor) Name() string { return "subtract_mean" }

func (MeanSubtractor) Normalize(rewards []float64) []float64 {
	out := append([]float64(nil), rewards...)
	if len(out) == 0 {
		return out
	}
	floats.AddConst(-stat.Mean(out, nil), out)
	return out
}

// Clipper clamps every reward to [-1, 1].
type Clipper struct{}

func (Clipper) Name() string { return "clip" }

func (Clipper) Normalize(rewards []float64) []float64 {
	out := make([]float64, len(rewards))
	for i, r := range rewards {
		out[i] = math.Max(-1, math.Min(1, r))
	}
	return out
}
