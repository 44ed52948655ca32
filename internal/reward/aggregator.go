package reward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/prometheus/client_golang/prometheus"

	"chemeleon/internal/crystal"
	"chemeleon/internal/matcher"
	"chemeleon/internal/metrics"
	"chemeleon/internal/phasediagram"
	"chemeleon/internal/structure"
	"chemeleon/internal/telemetry"
)

var (
	ErrConfiguration     = metrics.ErrConfiguration
	ErrRewardComputation = errors.New("reward computation failed")
)

type Config struct {
	Components          []Spec  `yaml:"components"`
	NormalizeFn         string  `yaml:"normalize_fn"`
	Eps                 float64 `yaml:"eps"`
	ReferenceDataset    string  `yaml:"reference_dataset"`
	MetastableThreshold float64 `yaml:"metastable_threshold"`
}

// Deps are the collaborators handed to the metrics engine when a component
// needs one.
type Deps struct {
	Reference    []structure.Structure
	PhaseDiagram *phasediagram.PhaseDiagram
	Predictor    metrics.EnergyPredictor
	Matcher      matcher.Config
	Workers      int
	Logger       *slog.Logger
	Registerer   prometheus.Registerer
}

// Aggregator sums component rewards for each generated sample and applies
// the configured normalization.
type Aggregator struct {
	components []Component
	normalizer Normalizer
	engine     *metrics.Engine
	required   []string
	logger     *slog.Logger
	batches    *prometheus.CounterVec
}

// New builds the components named in cfg.
func New(cfg Config, deps Deps) (*Aggregator, error) {
	components := make([]Component, 0, len(cfg.Components))
	for i, spec := range cfg.Components {
		c, err := NewComponent(spec)
		if err != nil {
			return nil, fmt.Errorf("component %d: %w", i, err)
		}
		components = append(components, c)
	}
	return NewWithComponents(cfg, deps, components...)
}

// NewWithComponents builds an aggregator over the given components in order;
// cfg.Components is ignored. It fails when a component needs a metric the
// collaborators in deps cannot supply.
func NewWithComponents(cfg Config, deps Deps, components ...Component) (*Aggregator, error) {
	if len(components) == 0 {
		return nil, fmt.Errorf("%w: no reward components", ErrConfiguration)
	}
	normalizer, err := NewNormalizer(cfg.NormalizeFn, cfg.Eps)
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	a := &Aggregator{
		components: components,
		normalizer: normalizer,
		logger:     logger.With("component", "reward", "normalize_fn", normalizer.Name()),
		batches: telemetry.CounterVec(deps.Registerer, prometheus.CounterOpts{
			Subsystem: "reward",
			Name:      "batches_total",
			Help:      "Reward batches computed, by outcome.",
		}, []string{"outcome"}),
	}

	seen := make(map[string]bool)
	for _, c := range components {
		for _, m := range c.RequiredMetrics() {
			if !seen[m] {
				seen[m] = true
				a.required = append(a.required, m)
			}
		}
	}
	if len(a.required) == 0 {
		return a, nil
	}

	a.engine, err = metrics.New(metrics.Config{
		Metrics:             a.required,
		ReferenceDataset:    cfg.ReferenceDataset,
		Reference:           deps.Reference,
		PhaseDiagram:        deps.PhaseDiagram,
		Predictor:           deps.Predictor,
		Matcher:             deps.Matcher,
		MetastableThreshold: cfg.MetastableThreshold,
		Workers:             deps.Workers,
		Logger:              logger,
		Registerer:          deps.Registerer,
	})
	if err != nil {
		return nil, err
	}
	for _, c := range components {
		for _, m := range c.RequiredMetrics() {
			if !a.engine.Available(m) {
				return nil, fmt.Errorf("%w: component %s needs metric %s, which is not configured", ErrConfiguration, c.Name(), m)
			}
		}
	}
	return a, nil
}

// RequiredMetrics lists the metrics computed for every batch.
func (a *Aggregator) RequiredMetrics() []string {
	return append([]string(nil), a.required...)
}

// Engine returns the metrics engine backing the components, or nil.
func (a *Aggregator) Engine() *metrics.Engine { return a.engine }

func (a *Aggregator) Normalizer() Normalizer { return a.normalizer }

// Compute returns one normalized reward per graph in batch. Metrics are
// evaluated per call; uniqueness is judged within the batch.
func (a *Aggregator) Compute(ctx context.Context, batch *crystal.Batch) ([]float64, error) {
	rewards, err := a.compute(ctx, batch)
	if err != nil {
		a.batches.WithLabelValues("error").Inc()
		return nil, err
	}
	a.batches.WithLabelValues("ok").Inc()
	return rewards, nil
}

func (a *Aggregator) compute(ctx context.Context, batch *crystal.Batch) ([]float64, error) {
	if batch == nil {
		return nil, fmt.Errorf("%w: nil batch", ErrRewardComputation)
	}
	structures, decodeErrs := crystal.ToStructures(batch)
	in := Input{Batch: batch, Structures: structures, DecodeErrors: decodeErrs}

	if a.engine != nil {
		a.engine.Reset()
		samples := make([]metrics.Sample, len(structures))
		for i := range structures {
			samples[i] = metrics.Sample{Structure: structures[i], Err: decodeErrs[i]}
		}
		res, err := a.engine.ComputeSamples(ctx, samples)
		if err != nil {
			return nil, fmt.Errorf("compute metrics: %w", err)
		}
		in.Metrics = &res
	}

	n := in.Len()
	total := make([]float64, n)
	for _, c := range a.components {
		values, err := c.Compute(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("component %s: %w", c.Name(), err)
		}
		if len(values) != n {
			return nil, fmt.Errorf("%w: component %s returned %d rewards for %d samples", ErrRewardComputation, c.Name(), len(values), n)
		}
		for i, v := range values {
			total[i] += v
		}
	}
	if i := firstNaN(total); i >= 0 {
		return nil, fmt.Errorf("%w: NaN reward for sample %d", ErrRewardComputation, i)
	}

	out := a.normalizer.Normalize(total)
	if i := firstNaN(out); i >= 0 {
		return nil, fmt.Errorf("%w: NaN reward for sample %d after %s normalization", ErrRewardComputation, i, a.normalizer.Name())
	}
	a.logger.Debug("computed rewards", "samples", n)
	return out, nil
}

func firstNaN(values []float64) int {
	for i, v := range values {
		if math.IsNaN(v) {
			return i
		}
	}
	return -1
}
