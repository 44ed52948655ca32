package numatoms

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuiltinDistributionsSumToOne(t *testing.T) {
	for _, name := range Names() {
		d, err := Lookup(name)
		require.NoError(t, err, name)
		total := 0.0
		for _, k := range d.Support() {
			require.Positive(t, k, name)
			total += d.Probability(k)
		}
		require.InDelta(t, 1.0, total, 1e-9, name)
	}
}

func TestLookupNormalizesNames(t *testing.T) {
	for _, name := range []string{"mp-20", "MP_20", "mp20", " Mp-20 "} {
		d, err := Lookup(name)
		require.NoError(t, err, name)
		require.Equal(t, "mp-20", d.Name())
	}
	_, err := Lookup("oqmd")
	require.ErrorIs(t, err, ErrUnknownDistribution)

	d, err := Lookup("alex_mp_20")
	require.NoError(t, err)
	require.Equal(t, "alex-mp-20", d.Name())
}

func TestNewValidatesWeights(t *testing.T) {
	cases := map[string]map[int]float64{
		"empty":          {},
		"zero only":      {3: 0},
		"negative":       {1: 1, 2: -1},
		"non-positive k": {0: 1},
		"nan":            {1: math.NaN()},
	}
	for name, weights := range cases {
		_, err := New(name, weights)
		require.ErrorIs(t, err, ErrInvalidDistribution, name)
	}
}

func TestSampleIsDeterministicForSeed(t *testing.T) {
	d, err := Lookup("mp-20")
	require.NoError(t, err)
	a := d.Sample(rand.New(rand.NewSource(42)), 64)
	b := d.Sample(rand.New(rand.NewSource(42)), 64)
	require.Equal(t, a, b)
}

func TestSampleFrequenciesConverge(t *testing.T) {
	d, err := New("toy", map[int]float64{2: 1, 4: 2, 8: 5, 16: 2})
	require.NoError(t, err)
	const n = 10000
	samples := d.Sample(rand.New(rand.NewSource(1)), n)
	freq := make(map[int]float64)
	for _, k := range samples {
		require.NotZero(t, d.Probability(k), "sampled %d outside support", k)
		freq[k]++
	}
	for _, k := range d.Support() {
		p := d.Probability(k)
		// Five standard errors of a binomial proportion.
		tol := 5 * math.Sqrt(p*(1-p)/n)
		require.InDelta(t, p, freq[k]/n, tol, "count %d", k)
	}
}

func TestProbabilityOutsideSupport(t *testing.T) {
	d, err := New("toy", map[int]float64{1: 1, 3: 1})
	require.NoError(t, err)
	require.Zero(t, d.Probability(2))
	require.Equal(t, 0.5, d.Probability(3))
	require.InDelta(t, 2.0, d.Mean(), 1e-12)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("counts:\n  2: 1\n  4: 3\n"), 0o644))

	d, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "custom", d.Name())
	require.Equal(t, []int{2, 4}, d.Support())
	require.InDelta(t, 0.75, d.Probability(4), 1e-12)

	named := filepath.Join(dir, "named.yaml")
	require.NoError(t, os.WriteFile(named, []byte("name: MP_20\ncounts:\n  1: 5\n"), 0o644))
	d, err = LoadFile(named)
	require.NoError(t, err)
	require.Equal(t, "mp-20", d.Name())

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("counts:\n  1: -2\n"), 0o644))
	_, err = LoadFile(bad)
	require.ErrorIs(t, err, ErrInvalidDistribution)

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}
