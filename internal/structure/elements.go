package structure

import (
	"strings"
	"unicode"

	"golang.org/x/exp/slices"
)

// MaxAtomicNumber is the largest atomic number known to the element table.
const MaxAtomicNumber = 103

var elementSymbols = []string{
	"",
	"H", "He", "Li", "Be", "B", "C", "N", "O", "F", "Ne",
	"Na", "Mg", "Al", "Si", "P", "S", "Cl", "Ar", "K", "Ca",
	"Sc", "Ti", "V", "Cr", "Mn", "Fe", "Co", "Ni", "Cu", "Zn",
	"Ga", "Ge", "As", "Se", "Br", "Kr", "Rb", "Sr", "Y", "Zr",
	"Nb", "Mo", "Tc", "Ru", "Rh", "Pd", "Ag", "Cd", "In", "Sn",
	"Sb", "Te", "I", "Xe", "Cs", "Ba", "La", "Ce", "Pr", "Nd",
	"Pm", "Sm", "Eu", "Gd", "Tb", "Dy", "Ho", "Er", "Tm", "Yb",
	"Lu", "Hf", "Ta", "W", "Re", "Os", "Ir", "Pt", "Au", "Hg",
	"Tl", "Pb", "Bi", "Po", "At", "Rn", "Fr", "Ra", "Ac", "Th",
	"Pa", "U", "Np", "Pu", "Am", "Cm", "Bk", "Cf", "Es", "Fm",
	"Md", "No", "Lr",
}

// Symbol returns the element symbol for an atomic number.
func Symbol(z int) (string, bool) {
	if z < 1 || z > MaxAtomicNumber {
		return "", false
	}
	return elementSymbols[z], true
}

// AtomicNumber resolves an element symbol. Oxidation-state decorations such
// as "Fe2+" or labels such as "O1" are stripped first.
func AtomicNumber(symbol string) (int, bool) {
	clean := CleanSymbol(symbol)
	if clean == "" {
		return 0, false
	}
	idx := slices.Index(elementSymbols, clean)
	if idx < 1 {
		return 0, false
	}
	return idx, true
}

// CleanSymbol extracts the leading element symbol from a CIF label.
func CleanSymbol(label string) string {
	label = strings.TrimSpace(label)
	var b strings.Builder
	for i, r := range label {
		if !unicode.IsLetter(r) {
			break
		}
		if i == 0 {
			b.WriteRune(unicode.ToUpper(r))
			continue
		}
		if unicode.IsUpper(r) || b.Len() >= 2 {
			break
		}
		b.WriteRune(r)
	}
	out := b.String()
	// Two-letter prefixes like "Os" vs "O" + "s" label suffix.
	if len(out) == 2 && slices.Index(elementSymbols, out) < 1 {
		return out[:1]
	}
	return out
}
