package reward

import (
	"context"
	"fmt"
	"math"
	"strings"

	"chemeleon/internal/crystal"
	"chemeleon/internal/metrics"
	"chemeleon/internal/structure"
)

const (
	DefaultEnergyCap = 1.0
)

// Input is what every component sees for one generated batch. Structures
// and DecodeErrors are aligned with the batch's graphs; Metrics is nil when
// no component asked for a metric.
type Input struct {
	Batch        *crystal.Batch
	Structures   []structure.Structure
	DecodeErrors []error
	Metrics      *metrics.BatchResult
}

// Len is the number of samples in the batch.
func (in Input) Len() int {
	if in.Batch != nil {
		return in.Batch.NumGraphs()
	}
	return len(in.Structures)
}

func (in Input) valid(i int) bool {
	if in.Metrics != nil && i < in.Metrics.Len() {
		return in.Metrics.Samples[i].Valid
	}
	if i < len(in.DecodeErrors) && in.DecodeErrors[i] != nil {
		return false
	}
	return i < len(in.Structures) && metrics.CheckValidity(in.Structures[i]) == nil
}

// Component produces one reward per sample. RequiredMetrics names the
// metrics engine outputs the component reads from Input.Metrics. The
// built-in components multiply their reward by Weight as given; NewComponent
// fills it from Spec.
type Component interface {
	Name() string
	RequiredMetrics() []string
	Compute(ctx context.Context, in Input) ([]float64, error)
}

// Spec selects and parameterises a component by name. Fields a component
// does not use are ignored. A nil Weight means 1; zero keeps the component
// in the list but silences it.
type Spec struct {
	Name           string   `yaml:"name" json:"name"`
	Weight         *float64 `yaml:"weight" json:"weight,omitempty"`
	Value          float64  `yaml:"value" json:"value,omitempty"`
	Cap            float64  `yaml:"cap" json:"cap,omitempty"`
	InvalidPenalty float64  `yaml:"invalid_penalty" json:"invalid_penalty,omitempty"`
	Target         int      `yaml:"target" json:"target,omitempty"`
	Scale          float64  `yaml:"scale" json:"scale,omitempty"`
}

// Weight returns a pointer for Spec.Weight.
func Weight(w float64) *float64 { return &w }

// NewComponent builds the component named by spec.
func NewComponent(spec Spec) (Component, error) {
	weight := 1.0
	if spec.Weight != nil {
		weight = *spec.Weight
	}
	if math.IsNaN(weight) || math.IsInf(weight, 0) {
		return nil, fmt.Errorf("%w: %s weight %v is not finite", ErrConfiguration, spec.Name, weight)
	}
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(spec.Name)), "-", "_") {
	case "constant":
		return ConstantReward{Value: spec.Value, Weight: weight}, nil
	case "validity":
		return ValidityReward{Weight: weight}, nil
	case "uniqueness":
		return UniquenessReward{Weight: weight}, nil
	case "novelty":
		return NoveltyReward{Weight: weight}, nil
	case "energy":
		if spec.Cap < 0 {
			return nil, fmt.Errorf("%w: energy cap %v must not be negative", ErrConfiguration, spec.Cap)
		}
		return EnergyReward{Cap: spec.Cap, InvalidPenalty: spec.InvalidPenalty, Weight: weight}, nil
	case "stability":
		return StabilityReward{Weight: weight}, nil
	case "atom_count":
		if spec.Target <= 0 {
			return nil, fmt.Errorf("%w: atom_count needs a positive target, got %d", ErrConfiguration, spec.Target)
		}
		return AtomCountReward{Target: spec.Target, Scale: spec.Scale, Weight: weight}, nil
	default:
		return nil, fmt.Errorf("%w: unknown reward component %q", ErrConfiguration, spec.Name)
	}
}

func needMetrics(in Input, name string) error {
	if in.Metrics == nil || in.Metrics.Len() != in.Len() {
		return fmt.Errorf("%w: %s: metrics result missing or misaligned", ErrRewardComputation, name)
	}
	return nil
}

func flagReward(in Input, name string, weight float64, pick func(metrics.SampleResult) bool) ([]float64, error) {
	if err := needMetrics(in, name); err != nil {
		return nil, err
	}
	w := weight
	out := make([]float64, in.Len())
	for i, s := range in.Metrics.Samples {
		if pick(s) {
			out[i] = w
		}
	}
	return out, nil
}

// ConstantReward gives every sample the same reward.
type ConstantReward struct {
	Value  float64
	Weight float64
}

func (ConstantReward) Name() string              { return "constant" }
func (ConstantReward) RequiredMetrics() []string { return nil }

func (c ConstantReward) Compute(_ context.Context, in Input) ([]float64, error) {
	out := make([]float64, in.Len())
	v := c.Value * c.Weight
	for i := range out {
		out[i] = v
	}
	return out, nil
}

// ValidityReward is 1 for structures that decode and pass the validity
// checks.
type ValidityReward struct{ Weight float64 }

func (ValidityReward) Name() string              { return "validity" }
func (ValidityReward) RequiredMetrics() []string { return []string{metrics.MetricValidity} }

func (r ValidityReward) Compute(_ context.Context, in Input) ([]float64, error) {
	w := r.Weight
	out := make([]float64, in.Len())
	for i := range out {
		if in.valid(i) {
			out[i] = w
		}
	}
	return out, nil
}

// UniquenessReward is 1 for the first structure of each match cluster.
type UniquenessReward struct{ Weight float64 }

func (UniquenessReward) Name() string              { return "uniqueness" }
func (UniquenessReward) RequiredMetrics() []string { return []string{metrics.MetricUniqueness} }

func (r UniquenessReward) Compute(_ context.Context, in Input) ([]float64, error) {
	return flagReward(in, r.Name(), r.Weight, func(s metrics.SampleResult) bool { return s.Unique })
}

// NoveltyReward is 1 for structures absent from the reference dataset.
type NoveltyReward struct{ Weight float64 }

func (NoveltyReward) Name() string              { return "novelty" }
func (NoveltyReward) RequiredMetrics() []string { return []string{metrics.MetricNovelty} }

func (r NoveltyReward) Compute(_ context.Context, in Input) ([]float64, error) {
	return flagReward(in, r.Name(), r.Weight, func(s metrics.SampleResult) bool { return s.Novel })
}

// StabilityReward is 1 for metastable structures.
type StabilityReward struct{ Weight float64 }

func (StabilityReward) Name() string              { return "stability" }
func (StabilityReward) RequiredMetrics() []string { return []string{metrics.MetricStability} }

func (r StabilityReward) Compute(_ context.Context, in Input) ([]float64, error) {
	return flagReward(in, r.Name(), r.Weight, func(s metrics.SampleResult) bool { return s.Metastable })
}

// EnergyReward is -clamp(e_above_hull, 0, Cap). Samples without an energy
// above hull get InvalidPenalty, which defaults to -Cap.
type EnergyReward struct {
	Cap            float64
	InvalidPenalty float64
	Weight         float64
}

func (EnergyReward) Name() string              { return "energy" }
func (EnergyReward) RequiredMetrics() []string { return []string{metrics.MetricStability} }

func (r EnergyReward) Compute(_ context.Context, in Input) ([]float64, error) {
	if err := needMetrics(in, r.Name()); err != nil {
		return nil, err
	}
	limit := r.Cap
	if limit == 0 {
		limit = DefaultEnergyCap
	}
	penalty := r.InvalidPenalty
	if penalty == 0 {
		penalty = -limit
	}
	w := r.Weight
	out := make([]float64, in.Len())
	for i, s := range in.Metrics.Samples {
		e := s.EAboveHull
		if !s.Valid || math.IsNaN(e) || math.IsInf(e, 0) {
			out[i] = w * penalty
			continue
		}
		out[i] = -w * math.Min(math.Max(e, 0), limit)
	}
	return out, nil
}

// AtomCountReward is -|n - Target| / Scale, zero at the target count. Scale
// defaults to Target.
type AtomCountReward struct {
	Target int
	Scale  float64
	Weight float64
}

func (AtomCountReward) Name() string              { return "atom_count" }
func (AtomCountReward) RequiredMetrics() []string { return nil }

func (r AtomCountReward) Compute(_ context.Context, in Input) ([]float64, error) {
	scale := r.Scale
	if scale <= 0 {
		scale = float64(r.Target)
	}
	w := r.Weight
	out := make([]float64, in.Len())
	for i := range out {
		var n int
		if in.Batch != nil {
			n = in.Batch.NumAtoms[i]
		} else {
			n = in.Structures[i].NumSites()
		}
		out[i] = -w * math.Abs(float64(n-r.Target)) / scale
	}
	return out, nil
}
