package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/exp/slices"

	"chemeleon/internal/matcher"
	"chemeleon/internal/phasediagram"
	"chemeleon/internal/structure"
)

var ErrConfiguration = errors.New("invalid metrics configuration")

const (
	MetricValidity   = "validity"
	MetricUniqueness = "uniqueness"
	MetricNovelty    = "novelty"
	MetricStability  = "stability"

	DefaultMetastableThreshold = 0.1
	DefaultReferenceDataset    = "mp-20"
	DefaultWorkers             = 4
)

// Known lists the recognised metric names in reporting order.
func Known() []string {
	return []string{MetricValidity, MetricUniqueness, MetricNovelty, MetricStability}
}

// EnergyPredictor assigns an energy per atom (eV) to each structure. It is
// called once per batch with valid structures only.
type EnergyPredictor interface {
	PredictEnergies(ctx context.Context, structures []structure.Structure) ([]float64, error)
}

type PredictorFunc func(ctx context.Context, structures []structure.Structure) ([]float64, error)

func (f PredictorFunc) PredictEnergies(ctx context.Context, structures []structure.Structure) ([]float64, error) {
	return f(ctx, structures)
}

type Config struct {
	// Metrics selects the metrics to compute. Empty selects all of them.
	Metrics          []string
	RunID            string
	ReferenceDataset string
	Reference        []structure.Structure
	PhaseDiagram     *phasediagram.PhaseDiagram
	Predictor        EnergyPredictor
	Matcher          matcher.Config
	// MetastableThreshold is the e_above_hull cutoff in eV/atom. Zero selects
	// DefaultMetastableThreshold.
	MetastableThreshold float64
	Workers             int
	Logger              *slog.Logger
	Registerer          prometheus.Registerer
}

func normalizeConfig(cfg Config) (Config, error) {
	if len(cfg.Metrics) == 0 {
		cfg.Metrics = Known()
	}
	seen := make(map[string]bool, len(cfg.Metrics))
	normalized := make([]string, 0, len(cfg.Metrics))
	for _, name := range cfg.Metrics {
		key := strings.ToLower(strings.TrimSpace(name))
		if !slices.Contains(Known(), key) {
			return Config{}, fmt.Errorf("%w: unknown metric %q", ErrConfiguration, name)
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		normalized = append(normalized, key)
	}
	cfg.Metrics = normalized

	if cfg.ReferenceDataset == "" {
		cfg.ReferenceDataset = DefaultReferenceDataset
	}
	if cfg.MetastableThreshold < 0 {
		return Config{}, fmt.Errorf("%w: metastable threshold %v must not be negative", ErrConfiguration, cfg.MetastableThreshold)
	}
	if cfg.MetastableThreshold == 0 {
		cfg.MetastableThreshold = DefaultMetastableThreshold
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if seen[MetricNovelty] && len(cfg.Reference) == 0 {
		return Config{}, fmt.Errorf("%w: novelty needs reference structures for %q", ErrConfiguration, cfg.ReferenceDataset)
	}
	if seen[MetricStability] && cfg.Predictor != nil && cfg.PhaseDiagram == nil {
		return Config{}, fmt.Errorf("%w: stability needs a phase diagram", ErrConfiguration)
	}
	return cfg, nil
}
