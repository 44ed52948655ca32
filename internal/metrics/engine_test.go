package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"chemeleon/internal/phasediagram"
	"chemeleon/internal/report"
	"chemeleon/internal/structure"
)

// csCl builds a two-site B2 cell with species a at the origin and b at the
// body centre.
func csCl(t *testing.T, a, b int, lattice float64) structure.Structure {
	t.Helper()
	s, err := structure.New(structure.Cubic(lattice), []int{a, b}, []structure.Vec3{{0, 0, 0}, {0.5, 0.5, 0.5}})
	require.NoError(t, err)
	return s
}

func naClDiagram(t *testing.T) *phasediagram.PhaseDiagram {
	t.Helper()
	pd, err := phasediagram.New("na-cl", []phasediagram.Entry{
		{ID: "Na", Composition: map[string]float64{"Na": 1}, EnergyPerAtom: 0},
		{ID: "Cl", Composition: map[string]float64{"Cl": 2}, EnergyPerAtom: 0},
		{ID: "NaCl", Composition: map[string]float64{"Na": 1, "Cl": 1}, EnergyPerAtom: -2},
	})
	require.NoError(t, err)
	return pd
}

func fixedEnergies(energies ...float64) PredictorFunc {
	return func(_ context.Context, structures []structure.Structure) ([]float64, error) {
		if len(structures) != len(energies) {
			return nil, errors.New("unexpected batch size")
		}
		return energies, nil
	}
}

func duplicatesAndOne(t *testing.T) []structure.Structure {
	t.Helper()
	base := csCl(t, 11, 17, 3.0)
	shifts := []structure.Vec3{{0, 0, 0}, {0.1, 0.2, 0.3}, {0.5, 0.5, 0.5}, {0.9, 0.05, 0.4}, {0.33, 0.66, 0.99}}
	var out []structure.Structure
	for _, shift := range shifts {
		out = append(out, base.Translated(shift))
	}
	return append(out, csCl(t, 19, 17, 3.4))
}

func TestUniquenessCountsClusters(t *testing.T) {
	structures := duplicatesAndOne(t)

	e, err := New(Config{Metrics: []string{MetricValidity, MetricUniqueness}})
	require.NoError(t, err)
	res, err := e.Compute(context.Background(), structures)
	require.NoError(t, err)
	require.Equal(t, []bool{true, false, false, false, false, true}, res.Flags(func(r SampleResult) bool { return r.Unique }))

	rec := e.Record()
	require.NotNil(t, rec.NumUnique)
	require.Equal(t, 2, *rec.NumUnique)
	require.InDelta(t, 2.0/6.0, *rec.Uniqueness, 1e-12)
	require.InDelta(t, 1.0, *rec.Validity, 1e-12)
}

func TestUniquenessIndependentOfOrder(t *testing.T) {
	structures := duplicatesAndOne(t)
	reversed := make([]structure.Structure, len(structures))
	for i, s := range structures {
		reversed[len(structures)-1-i] = s
	}

	e, err := New(Config{Metrics: []string{MetricUniqueness}})
	require.NoError(t, err)
	_, err = e.Compute(context.Background(), reversed)
	require.NoError(t, err)
	require.Equal(t, 2, *e.Record().NumUnique)
}

func TestUniquenessAccumulatesAcrossCalls(t *testing.T) {
	structures := duplicatesAndOne(t)
	e, err := New(Config{Metrics: []string{MetricUniqueness}})
	require.NoError(t, err)

	_, err = e.Compute(context.Background(), structures[:3])
	require.NoError(t, err)
	res, err := e.Compute(context.Background(), structures[3:])
	require.NoError(t, err)
	require.Equal(t, []bool{false, false, true}, res.Flags(func(r SampleResult) bool { return r.Unique }))

	rec := e.Record()
	require.Equal(t, 6, rec.NumGenerated)
	require.Equal(t, 2, *rec.NumUnique)
	require.Len(t, e.Samples(), 6)

	e.Reset()
	rec = e.Record()
	require.Equal(t, 0, rec.NumGenerated)
	require.Nil(t, rec.Uniqueness)
	require.Empty(t, e.Samples())
}

func TestInvalidStructuresAreTallied(t *testing.T) {
	good := csCl(t, 11, 17, 3.0)
	tooClose, err := structure.New(structure.Cubic(3.0), []int{11, 17}, []structure.Vec3{{0, 0, 0}, {0.05, 0, 0}})
	require.NoError(t, err)
	nan := good.Copy()
	nan.FracCoords[1] = structure.Vec3{math.NaN(), 0.5, 0.5}

	e, err := New(Config{Metrics: []string{MetricValidity, MetricUniqueness}})
	require.NoError(t, err)
	res, err := e.ComputeSamples(context.Background(), []Sample{
		{Structure: good},
		{Structure: tooClose},
		{Structure: nan},
		{Err: errors.New("decode failed")},
	})
	require.NoError(t, err)
	require.Equal(t, []bool{true, false, false, false}, res.Flags(func(r SampleResult) bool { return r.Valid }))
	require.ErrorIs(t, res.Samples[1].Err, ErrInvalidStructure)
	require.ErrorIs(t, res.Samples[2].Err, ErrInvalidStructure)

	rec := e.Record()
	require.Equal(t, 4, rec.NumGenerated)
	require.Equal(t, 1, rec.NumValid)
	require.Equal(t, 3, rec.NumInvalid)
	require.InDelta(t, 0.25, *rec.Validity, 1e-12)
	require.InDelta(t, 1.0, *rec.Uniqueness, 1e-12)
}

func TestValidityMeasuresDistancesInReducedCell(t *testing.T) {
	// A 4 A cube written with rows a, b+20a and c.
	skewed := structure.NewLattice(structure.Mat3{{4, 0, 0}, {80, 4, 0}, {0, 0, 4}})
	clash, err := structure.New(skewed, []int{11, 17}, []structure.Vec3{{0, 0, 0}, {0, 0.1, 0}})
	require.NoError(t, err)
	require.ErrorIs(t, CheckValidity(clash), ErrInvalidStructure)

	spaced, err := structure.New(skewed, []int{11, 17}, []structure.Vec3{{0, 0, 0}, {0, 0.5, 0}})
	require.NoError(t, err)
	require.NoError(t, CheckValidity(spaced))
}

func doubledCsCl(t *testing.T) structure.Structure {
	t.Helper()
	s, err := structure.New(
		structure.NewLattice(structure.Mat3{{6, 0, 0}, {0, 3, 0}, {0, 0, 3}}),
		[]int{11, 11, 17, 17},
		[]structure.Vec3{{0, 0, 0}, {0.5, 0, 0}, {0.25, 0.5, 0.5}, {0.75, 0.5, 0.5}},
	)
	require.NoError(t, err)
	return s
}

func TestSupercellIsNeitherUniqueNorNovel(t *testing.T) {
	primitive := csCl(t, 11, 17, 3.0)
	e, err := New(Config{
		Metrics:   []string{MetricValidity, MetricUniqueness, MetricNovelty},
		Reference: []structure.Structure{primitive},
	})
	require.NoError(t, err)

	res, err := e.Compute(context.Background(), []structure.Structure{primitive, doubledCsCl(t)})
	require.NoError(t, err)
	require.Equal(t, []bool{true, false}, res.Flags(func(r SampleResult) bool { return r.Unique }))
	require.Equal(t, []bool{false, false}, res.Flags(func(r SampleResult) bool { return r.Novel }))
	require.Equal(t, 1, *e.Record().NumUnique)
}

func TestEmptyBatchLeavesRatiosUnset(t *testing.T) {
	e, err := New(Config{Metrics: []string{MetricValidity}})
	require.NoError(t, err)
	_, err = e.Compute(context.Background(), nil)
	require.NoError(t, err)
	rec := e.Record()
	require.Equal(t, 0, rec.NumGenerated)
	require.Nil(t, rec.Validity)
}

func TestNoveltyAgainstReference(t *testing.T) {
	reference := []structure.Structure{csCl(t, 11, 17, 2.9)}
	e, err := New(Config{
		Metrics:   []string{MetricNovelty},
		Reference: reference,
		Workers:   2,
	})
	require.NoError(t, err)

	res, err := e.Compute(context.Background(), []structure.Structure{
		csCl(t, 11, 17, 3.0).Translated(structure.Vec3{0.25, 0.25, 0.25}),
		csCl(t, 19, 17, 3.4),
	})
	require.NoError(t, err)
	require.Equal(t, []bool{false, true}, res.Flags(func(r SampleResult) bool { return r.Novel }))
	require.InDelta(t, 0.5, *e.Record().Novelty, 1e-12)
}

func TestStabilityWithPredictor(t *testing.T) {
	e, err := New(Config{
		Metrics:      []string{MetricStability},
		PhaseDiagram: naClDiagram(t),
		Predictor:    fixedEnergies(-2, -1.95, -1.5, -3),
	})
	require.NoError(t, err)
	require.True(t, e.Available(MetricStability))

	res, err := e.Compute(context.Background(), []structure.Structure{
		csCl(t, 11, 17, 3.0),
		csCl(t, 11, 17, 3.1),
		csCl(t, 11, 17, 3.2),
		csCl(t, 19, 17, 3.4),
	})
	require.NoError(t, err)

	eHull := res.EAboveHull()
	require.InDelta(t, 0, eHull[0], 1e-8)
	require.InDelta(t, 0.05, eHull[1], 1e-8)
	require.InDelta(t, 0.5, eHull[2], 1e-8)
	require.True(t, math.IsNaN(eHull[3]), "composition outside the diagram has no hull energy")

	require.Equal(t, []bool{true, true, false, false}, res.Flags(func(r SampleResult) bool { return r.Metastable }))
	require.Equal(t, []bool{true, false, false, false}, res.Flags(func(r SampleResult) bool { return r.Stable }))

	rec := e.Record()
	require.Equal(t, 2, *rec.NumMetastable)
	require.Equal(t, 1, *rec.NumStable)
	require.InDelta(t, 0.5, *rec.Stability, 1e-12)
	require.InDelta(t, 0.55/3, *rec.MeanEAboveHull, 1e-8)
	require.Nil(t, rec.SUN, "SUN needs uniqueness and novelty")
}

func TestStabilityUnavailableWithoutPredictor(t *testing.T) {
	e, err := New(Config{Metrics: []string{MetricValidity, MetricStability}})
	require.NoError(t, err)
	require.False(t, e.Available(MetricStability))

	res, err := e.Compute(context.Background(), []structure.Structure{csCl(t, 11, 17, 3.0)})
	require.NoError(t, err)
	require.True(t, math.IsNaN(res.Samples[0].EAboveHull))

	rec := e.Record()
	require.NotNil(t, rec.Validity)
	require.Nil(t, rec.Stability)
	require.Nil(t, rec.NumMetastable)
}

func TestSUNCombinesAllMetrics(t *testing.T) {
	e, err := New(Config{
		Reference:    []structure.Structure{csCl(t, 19, 17, 3.4)},
		PhaseDiagram: naClDiagram(t),
		Predictor:    fixedEnergies(-2, -2, -1.95),
	})
	require.NoError(t, err)

	_, err = e.Compute(context.Background(), []structure.Structure{
		csCl(t, 11, 17, 3.0),
		csCl(t, 11, 17, 3.0).Translated(structure.Vec3{0.1, 0.1, 0.1}),
		csCl(t, 19, 17, 3.4),
	})
	require.NoError(t, err)

	rec := e.Record()
	// Only the first NaCl is unique, novel and stable.
	require.InDelta(t, 1.0/3.0, *rec.SUN, 1e-12)
	require.InDelta(t, 1.0/3.0, *rec.MSUN, 1e-12)
}

func TestPredictorFailureLeavesTotalsUntouched(t *testing.T) {
	calls := 0
	e, err := New(Config{
		Metrics:      []string{MetricUniqueness, MetricStability},
		PhaseDiagram: naClDiagram(t),
		Predictor: PredictorFunc(func(_ context.Context, s []structure.Structure) ([]float64, error) {
			calls++
			if calls == 2 {
				return nil, errors.New("model unavailable")
			}
			out := make([]float64, len(s))
			for i := range out {
				out[i] = -2
			}
			return out, nil
		}),
	})
	require.NoError(t, err)

	_, err = e.Compute(context.Background(), []structure.Structure{csCl(t, 11, 17, 3.0)})
	require.NoError(t, err)
	_, err = e.Compute(context.Background(), []structure.Structure{csCl(t, 19, 17, 3.4)})
	require.Error(t, err)

	rec := e.Record()
	require.Equal(t, 1, rec.NumGenerated)
	require.Equal(t, 1, *rec.NumUnique)

	// The failed structure was never recorded as seen.
	res, err := e.Compute(context.Background(), []structure.Structure{csCl(t, 19, 17, 3.4)})
	require.NoError(t, err)
	require.True(t, res.Samples[0].Unique)
}

func TestPredictorLengthMismatchFails(t *testing.T) {
	e, err := New(Config{
		Metrics:      []string{MetricStability},
		PhaseDiagram: naClDiagram(t),
		Predictor: PredictorFunc(func(context.Context, []structure.Structure) ([]float64, error) {
			return []float64{-1, -1}, nil
		}),
	})
	require.NoError(t, err)
	_, err = e.Compute(context.Background(), []structure.Structure{csCl(t, 11, 17, 3.0)})
	require.Error(t, err)
}

func TestConfigErrors(t *testing.T) {
	_, err := New(Config{Metrics: []string{"validity", "beauty"}})
	require.ErrorIs(t, err, ErrConfiguration)

	_, err = New(Config{Metrics: []string{MetricNovelty}})
	require.ErrorIs(t, err, ErrConfiguration)

	_, err = New(Config{Metrics: []string{MetricStability}, Predictor: fixedEnergies()})
	require.ErrorIs(t, err, ErrConfiguration)

	_, err = New(Config{Metrics: []string{MetricValidity}, MetastableThreshold: -0.1})
	require.ErrorIs(t, err, ErrConfiguration)

	_, err = New(Config{Metrics: []string{MetricNovelty}, Reference: []structure.Structure{{}}})
	require.ErrorIs(t, err, ErrConfiguration, "reference without usable structures")
}

func TestConfigDefaults(t *testing.T) {
	e, err := New(Config{Metrics: []string{" Validity ", "validity", "UNIQUENESS"}})
	require.NoError(t, err)
	require.Equal(t, []string{MetricValidity, MetricUniqueness}, e.Metrics())
	require.NotEmpty(t, e.RunID())
	require.Equal(t, DefaultMetastableThreshold, e.cfg.MetastableThreshold)
	require.Equal(t, DefaultReferenceDataset, e.Record().ReferenceDataset)
}

func TestRecordToCSVWritesHeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.csv")
	e, err := New(Config{Metrics: []string{MetricValidity, MetricUniqueness}, RunID: "run-1"})
	require.NoError(t, err)
	_, err = e.Compute(context.Background(), duplicatesAndOne(t))
	require.NoError(t, err)

	require.NoError(t, e.Record().ToCSV(path))
	require.NoError(t, e.Record().ToCSV(path))

	header, rows, err := report.ReadCSV(path)
	require.NoError(t, err)
	require.Equal(t, Columns(), header)
	require.Len(t, rows, 2)
	require.Equal(t, "run-1", rows[0][0])
	require.Equal(t, "1.000000", rows[0][5])
	require.Equal(t, "", rows[0][9], "novelty not selected")
}

func TestSampleResultJSONDropsNaN(t *testing.T) {
	data, err := json.Marshal(SampleResult{Valid: true, EnergyPerAtom: math.NaN(), EAboveHull: 0.2})
	require.NoError(t, err)
	require.JSONEq(t, `{"valid":true,"unique":false,"novel":false,"energy_per_atom":null,"e_above_hull":0.2,"metastable":false,"stable":false}`, string(data))
}

func TestEvaluatedCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	e, err := New(Config{Metrics: []string{MetricValidity}, Registerer: reg})
	require.NoError(t, err)
	_, err = e.ComputeSamples(context.Background(), []Sample{
		{Structure: csCl(t, 11, 17, 3.0)},
		{Err: errors.New("bad")},
	})
	require.NoError(t, err)
	require.InDelta(t, 1, testutil.ToFloat64(e.evaluated.WithLabelValues("valid")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(e.evaluated.WithLabelValues("invalid")), 0)
}
