package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"chemeleon/internal/matcher"
	"chemeleon/internal/structure"
	"chemeleon/internal/telemetry"
)

const stableTol = 1e-8

type tally struct {
	generated  int
	valid      int
	invalid    int
	unique     int
	novel      int
	metastable int
	stable     int
	sun        int
	msun       int
	eHullSum   float64
	eHullCount int
}

// Engine evaluates generated structures and accumulates the results across
// calls. An Engine must not be shared between goroutines without external
// locking.
type Engine struct {
	cfg      Config
	selected map[string]bool
	matcher  *matcher.Matcher
	logger   *slog.Logger

	reference map[string][]matcher.Prepared
	// seen holds every valid structure evaluated so far, by reduced formula,
	// in evaluation order.
	seen    map[string][]matcher.Prepared
	totals  tally
	samples []SampleResult

	evaluated *prometheus.CounterVec
}

func New(cfg Config) (*Engine, error) {
	cfg, err := normalizeConfig(cfg)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:      cfg,
		selected: make(map[string]bool, len(cfg.Metrics)),
		matcher:  matcher.New(cfg.Matcher),
		logger:   cfg.Logger.With("component", "metrics", "reference_dataset", cfg.ReferenceDataset),
		evaluated: telemetry.CounterVec(cfg.Registerer, prometheus.CounterOpts{
			Subsystem: "metrics",
			Name:      "structures_evaluated_total",
			Help:      "Structures evaluated by the metrics engine, by outcome.",
		}, []string{"outcome"}),
	}
	if e.cfg.RunID == "" {
		e.cfg.RunID = uuid.NewString()
	}
	for _, m := range cfg.Metrics {
		e.selected[m] = true
	}
	if e.selected[MetricNovelty] {
		if err := e.indexReference(); err != nil {
			return nil, err
		}
	}
	e.Reset()
	return e, nil
}

func (e *Engine) indexReference() error {
	e.reference = make(map[string][]matcher.Prepared)
	skipped := 0
	for i, s := range e.cfg.Reference {
		p, err := e.matcher.Prepare(s)
		if err != nil {
			skipped++
			e.logger.Debug("skipping reference structure", "index", i, "error", err)
			continue
		}
		e.reference[p.Formula()] = append(e.reference[p.Formula()], p)
	}
	if skipped == len(e.cfg.Reference) {
		return fmt.Errorf("%w: no usable reference structures in %q", ErrConfiguration, e.cfg.ReferenceDataset)
	}
	if skipped > 0 {
		e.logger.Warn("reference structures skipped", "skipped", skipped, "total", len(e.cfg.Reference))
	}
	return nil
}

func (e *Engine) RunID() string { return e.cfg.RunID }

// Metrics lists the selected metric names.
func (e *Engine) Metrics() []string {
	return append([]string(nil), e.cfg.Metrics...)
}

// Available reports whether metric is selected and can be computed with the
// configured collaborators.
func (e *Engine) Available(metric string) bool {
	if !e.selected[metric] {
		return false
	}
	if metric == MetricStability {
		return e.cfg.Predictor != nil && e.cfg.PhaseDiagram != nil
	}
	return true
}

// Reset drops all accumulated state.
func (e *Engine) Reset() {
	e.seen = make(map[string][]matcher.Prepared)
	e.totals = tally{}
	e.samples = nil
}

// Compute evaluates structures and adds them to the running totals.
func (e *Engine) Compute(ctx context.Context, structures []structure.Structure) (BatchResult, error) {
	samples := make([]Sample, len(structures))
	for i, s := range structures {
		samples[i] = Sample{Structure: s}
	}
	return e.ComputeSamples(ctx, samples)
}

// ComputeSamples evaluates samples in order. Samples carrying a decode error
// or failing validity count as invalid and never abort the call. Totals are
// updated only when the whole call succeeds.
func (e *Engine) ComputeSamples(ctx context.Context, samples []Sample) (BatchResult, error) {
	results := make([]SampleResult, len(samples))
	prepared := make([]matcher.Prepared, len(samples))
	var validIdx []int
	for i, sample := range samples {
		results[i] = SampleResult{EnergyPerAtom: math.NaN(), EAboveHull: math.NaN()}
		err := sample.Err
		if err == nil {
			err = CheckValidity(sample.Structure)
		}
		if err == nil {
			prepared[i], err = e.matcher.Prepare(sample.Structure)
		}
		if err != nil {
			results[i].Err = err
			e.logger.Debug("invalid structure", "index", i, "error", err)
			continue
		}
		results[i].Valid = true
		results[i].Formula = prepared[i].Formula()
		validIdx = append(validIdx, i)
	}

	if e.Available(MetricNovelty) {
		if err := e.computeNovelty(ctx, prepared, validIdx, results); err != nil {
			return BatchResult{}, err
		}
	}
	if e.Available(MetricStability) {
		if err := e.computeStability(ctx, samples, validIdx, results); err != nil {
			return BatchResult{}, err
		}
	}
	if e.Available(MetricUniqueness) {
		for _, i := range validIdx {
			results[i].Unique = e.firstMatch(prepared[i])
		}
	}

	e.accumulate(results)
	e.logger.Info("evaluated batch", "structures", len(samples), "valid", len(validIdx))
	return BatchResult{Samples: results}, nil
}

// firstMatch records p and reports whether it starts a new cluster, that is
// whether it matches none of the structures seen before it.
func (e *Engine) firstMatch(p matcher.Prepared) bool {
	key := p.Formula()
	unique := true
	for _, prev := range e.seen[key] {
		if e.matcher.FitPrepared(prev, p) {
			unique = false
			break
		}
	}
	e.seen[key] = append(e.seen[key], p)
	return unique
}

func (e *Engine) computeNovelty(ctx context.Context, prepared []matcher.Prepared, validIdx []int, results []SampleResult) error {
	novel := make([]bool, len(prepared))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for _, i := range validIdx {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			novel[i] = true
			for _, ref := range e.reference[prepared[i].Formula()] {
				if e.matcher.FitPrepared(ref, prepared[i]) {
					novel[i] = false
					break
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("novelty: %w", err)
	}
	for _, i := range validIdx {
		results[i].Novel = novel[i]
	}
	return nil
}

func (e *Engine) computeStability(ctx context.Context, samples []Sample, validIdx []int, results []SampleResult) error {
	if len(validIdx) == 0 {
		return nil
	}
	batch := make([]structure.Structure, len(validIdx))
	for k, i := range validIdx {
		batch[k] = samples[i].Structure
	}
	energies, err := e.cfg.Predictor.PredictEnergies(ctx, batch)
	if err != nil {
		return fmt.Errorf("predict energies: %w", err)
	}
	if len(energies) != len(batch) {
		return fmt.Errorf("predict energies: got %d energies for %d structures", len(energies), len(batch))
	}
	for k, i := range validIdx {
		results[i].EnergyPerAtom = energies[k]
		eHull, err := e.cfg.PhaseDiagram.EAboveHull(samples[i].Structure.Composition(), energies[k])
		if err != nil {
			e.logger.Debug("energy above hull unavailable", "index", i, "formula", results[i].Formula, "error", err)
			continue
		}
		results[i].EAboveHull = eHull
		results[i].Metastable = eHull <= e.cfg.MetastableThreshold
		results[i].Stable = eHull <= stableTol
	}
	return nil
}

func (e *Engine) accumulate(results []SampleResult) {
	for _, r := range results {
		e.totals.generated++
		if !r.Valid {
			e.totals.invalid++
			e.evaluated.WithLabelValues("invalid").Inc()
			continue
		}
		e.totals.valid++
		e.evaluated.WithLabelValues("valid").Inc()
		if r.Unique {
			e.totals.unique++
		}
		if r.Novel {
			e.totals.novel++
		}
		if r.Metastable {
			e.totals.metastable++
		}
		if r.Stable {
			e.totals.stable++
		}
		if r.Unique && r.Novel && r.Stable {
			e.totals.sun++
		}
		if r.Unique && r.Novel && r.Metastable {
			e.totals.msun++
		}
		if !math.IsNaN(r.EAboveHull) && !math.IsInf(r.EAboveHull, 0) {
			e.totals.eHullSum += r.EAboveHull
			e.totals.eHullCount++
		}
	}
	e.samples = append(e.samples, results...)
}

// Samples returns every per-structure result accumulated since the last
// Reset.
func (e *Engine) Samples() []SampleResult {
	return append([]SampleResult(nil), e.samples...)
}

// Record summarises everything accumulated since the last Reset.
func (e *Engine) Record() Record {
	t := e.totals
	rec := Record{
		RunID:            e.cfg.RunID,
		ReferenceDataset: e.cfg.ReferenceDataset,
		NumGenerated:     t.generated,
		NumValid:         t.valid,
		NumInvalid:       t.invalid,
	}
	if e.Available(MetricValidity) {
		rec.Validity = ratio(t.valid, t.generated)
	}
	if e.Available(MetricUniqueness) {
		rec.NumUnique = intPtr(t.unique)
		rec.Uniqueness = ratio(t.unique, t.valid)
	}
	if e.Available(MetricNovelty) {
		rec.NumNovel = intPtr(t.novel)
		rec.Novelty = ratio(t.novel, t.valid)
	}
	if e.Available(MetricStability) {
		rec.NumMetastable = intPtr(t.metastable)
		rec.Stability = ratio(t.metastable, t.valid)
		rec.NumStable = intPtr(t.stable)
		rec.StableRatio = ratio(t.stable, t.valid)
		if t.eHullCount > 0 {
			mean := t.eHullSum / float64(t.eHullCount)
			rec.MeanEAboveHull = &mean
		}
		if e.Available(MetricUniqueness) && e.Available(MetricNovelty) {
			rec.SUN = ratio(t.sun, t.valid)
			rec.MSUN = ratio(t.msun, t.valid)
		}
	}
	return rec
}
