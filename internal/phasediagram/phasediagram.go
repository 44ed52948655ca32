package phasediagram

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"

	"chemeleon/internal/structure"
)

var (
	ErrInvalidEntry = errors.New("invalid phase diagram entry")
	// ErrOutsideDiagram is returned for compositions the diagram's entries
	// cannot span.
	ErrOutsideDiagram = errors.New("composition outside phase diagram")
)

const simplexTol = 1e-10

// Entry is a known phase: composition by element symbol and energy per atom
// in eV.
type Entry struct {
	ID            string             `json:"entry_id"`
	Composition   map[string]float64 `json:"composition"`
	EnergyPerAtom float64            `json:"energy_per_atom"`
}

type phase struct {
	id        string
	fractions map[int]float64
	energy    float64
}

// PhaseDiagram is an immutable set of phases whose lower convex hull gives
// the reference energy at any composition.
type PhaseDiagram struct {
	name     string
	entries  []Entry
	phases   []phase
	elements map[int]struct{}
}

func New(name string, entries []Entry) (*PhaseDiagram, error) {
	pd := &PhaseDiagram{name: name, elements: make(map[int]struct{})}
	for i, e := range entries {
		if math.IsNaN(e.EnergyPerAtom) || math.IsInf(e.EnergyPerAtom, 0) {
			return nil, fmt.Errorf("%w: entry %d (%s): energy %v", ErrInvalidEntry, i, e.ID, e.EnergyPerAtom)
		}
		comp := make(structure.Composition)
		for sym, amount := range e.Composition {
			z, ok := structure.AtomicNumber(sym)
			if !ok {
				return nil, fmt.Errorf("%w: entry %d (%s): unknown element %q", ErrInvalidEntry, i, e.ID, sym)
			}
			if amount < 0 {
				return nil, fmt.Errorf("%w: entry %d (%s): negative amount of %s", ErrInvalidEntry, i, e.ID, sym)
			}
			comp[z] += amount
		}
		if comp.NumAtoms() <= 0 {
			return nil, fmt.Errorf("%w: entry %d (%s): empty composition", ErrInvalidEntry, i, e.ID)
		}
		p := phase{id: e.ID, fractions: make(map[int]float64), energy: e.EnergyPerAtom}
		for _, z := range comp.Elements() {
			p.fractions[z] = comp.Fraction(z)
			pd.elements[z] = struct{}{}
		}
		pd.phases = append(pd.phases, p)
		pd.entries = append(pd.entries, cloneEntry(e))
	}
	return pd, nil
}

func cloneEntry(e Entry) Entry {
	out := e
	out.Composition = make(map[string]float64, len(e.Composition))
	for k, v := range e.Composition {
		out.Composition[k] = v
	}
	return out
}

// LoadJSON reads a JSON array of entries.
func LoadJSON(name, path string) (*PhaseDiagram, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read phase diagram: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode phase diagram %s: %w", path, err)
	}
	return New(name, entries)
}

func (pd *PhaseDiagram) Name() string { return pd.name }

// Entries returns a copy of the entries the diagram was built from.
func (pd *PhaseDiagram) Entries() []Entry {
	out := make([]Entry, len(pd.entries))
	for i, e := range pd.entries {
		out[i] = cloneEntry(e)
	}
	return out
}

// Elements lists the atomic numbers covered by the diagram.
func (pd *PhaseDiagram) Elements() []int {
	out := make([]int, 0, len(pd.elements))
	for z := range pd.elements {
		out = append(out, z)
	}
	sort.Ints(out)
	return out
}

// Decomposition is the hull point below a composition.
type Decomposition struct {
	Energy float64
	// Phases maps entry ids to their atomic fraction in the mixture.
	Phases map[string]float64
}

// Decompose finds the lowest-energy mixture of known phases with the given
// composition. Only phases whose elements are a subset of the composition's
// take part.
func (pd *PhaseDiagram) Decompose(comp structure.Composition) (Decomposition, error) {
	elements := comp.Elements()
	if len(elements) == 0 {
		return Decomposition{}, fmt.Errorf("%w: empty composition", ErrOutsideDiagram)
	}
	target := make(map[int]float64, len(elements))
	for _, z := range elements {
		if _, ok := pd.elements[z]; !ok {
			sym, _ := structure.Symbol(z)
			return Decomposition{}, fmt.Errorf("%w: no entries contain %s", ErrOutsideDiagram, sym)
		}
		target[z] = comp.Fraction(z)
	}

	var candidates []phase
	for _, p := range pd.phases {
		if subset(p.fractions, target) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return Decomposition{}, fmt.Errorf("%w: %s", ErrOutsideDiagram, comp.ReducedFormula())
	}

	if len(elements) == 1 {
		best := candidates[0]
		for _, p := range candidates[1:] {
			if p.energy < best.energy {
				best = p
			}
		}
		return Decomposition{Energy: best.energy, Phases: map[string]float64{best.id: 1}}, nil
	}

	// minimise sum x_i e_i subject to sum x_i f_i(el) = f(el), x >= 0
	rows, cols := len(elements), len(candidates)
	if cols < rows {
		return Decomposition{}, fmt.Errorf("%w: %s: %d phases cannot span %d elements", ErrOutsideDiagram, comp.ReducedFormula(), cols, rows)
	}
	a := mat.NewDense(rows, cols, nil)
	b := make([]float64, rows)
	c := make([]float64, cols)
	for j, p := range candidates {
		c[j] = p.energy
		for i, z := range elements {
			a.Set(i, j, p.fractions[z])
		}
	}
	for i, z := range elements {
		b[i] = target[z]
	}
	energy, x, err := lp.Simplex(c, a, b, simplexTol, nil)
	if err != nil {
		return Decomposition{}, fmt.Errorf("%w: %s: %v", ErrOutsideDiagram, comp.ReducedFormula(), err)
	}
	phases := make(map[string]float64)
	for j, v := range x {
		if v > simplexTol {
			phases[candidates[j].id] += v
		}
	}
	return Decomposition{Energy: energy, Phases: phases}, nil
}

// HullEnergy is the energy per atom of the hull at comp.
func (pd *PhaseDiagram) HullEnergy(comp structure.Composition) (float64, error) {
	d, err := pd.Decompose(comp)
	if err != nil {
		return math.NaN(), err
	}
	return d.Energy, nil
}

// EAboveHull is energyPerAtom minus the hull energy at comp. Negative values
// lie below the known hull.
func (pd *PhaseDiagram) EAboveHull(comp structure.Composition, energyPerAtom float64) (float64, error) {
	if math.IsNaN(energyPerAtom) || math.IsInf(energyPerAtom, 0) {
		return math.NaN(), fmt.Errorf("%w: energy %v", ErrInvalidEntry, energyPerAtom)
	}
	hull, err := pd.HullEnergy(comp)
	if err != nil {
		return math.NaN(), err
	}
	return energyPerAtom - hull, nil
}

func subset(fractions, target map[int]float64) bool {
	for z := range fractions {
		if _, ok := target[z]; !ok {
			return false
		}
	}
	return true
}
