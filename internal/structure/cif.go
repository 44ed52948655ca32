package structure

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var ErrCIF = errors.New("malformed cif")

const (
	siteMergeTol  = 1e-4
	occupancyTol  = 1e-3
	symopTagOld   = "_symmetry_equiv_pos_as_xyz"
	symopTagNew   = "_space_group_symop_operation_xyz"
	typeSymbolTag = "_atom_site_type_symbol"
	labelTag      = "_atom_site_label"
)

type cifBlock struct {
	values map[string]string
	loops  []cifLoop
}

type cifLoop struct {
	tags []string
	rows [][]string
}

func (l cifLoop) column(tag string) int {
	for i, t := range l.tags {
		if t == tag {
			return i
		}
	}
	return -1
}

type symOp struct {
	rot   Mat3
	trans Vec3
}

// ParseCIF reads the first data block of a CIF document. Symmetry operations
// are expanded and coincident sites merged, so the result lists every site of
// the cell. Partially occupied sites are rejected.
func ParseCIF(text string) (Structure, error) {
	block, err := readCIFBlock(text)
	if err != nil {
		return Structure{}, err
	}

	var params [6]float64
	for i, tag := range []string{
		"_cell_length_a", "_cell_length_b", "_cell_length_c",
		"_cell_angle_alpha", "_cell_angle_beta", "_cell_angle_gamma",
	} {
		raw, ok := block.values[tag]
		if !ok {
			return Structure{}, fmt.Errorf("%w: missing %s", ErrCIF, tag)
		}
		v, err := parseCIFNumber(raw)
		if err != nil {
			return Structure{}, fmt.Errorf("%w: %s: %v", ErrCIF, tag, err)
		}
		params[i] = v
	}
	lattice, err := LatticeFromParameters(params[0], params[1], params[2], params[3], params[4], params[5])
	if err != nil {
		return Structure{}, err
	}

	ops, err := block.symmetryOps()
	if err != nil {
		return Structure{}, err
	}

	sites, err := block.atomSites()
	if err != nil {
		return Structure{}, err
	}

	var species []int
	var frac []Vec3
	for _, site := range sites {
		for _, op := range ops {
			pos := Wrap(op.rot.RowTimes(site.frac).Add(op.trans))
			if hasSite(lattice, species, frac, site.z, pos) {
				continue
			}
			species = append(species, site.z)
			frac = append(frac, pos)
		}
	}
	return New(lattice, species, frac)
}

type cifSite struct {
	z    int
	frac Vec3
}

func (b cifBlock) atomSites() ([]cifSite, error) {
	for _, loop := range b.loops {
		fx, fy, fz := loop.column("_atom_site_fract_x"), loop.column("_atom_site_fract_y"), loop.column("_atom_site_fract_z")
		if fx < 0 || fy < 0 || fz < 0 {
			continue
		}
		symCol := loop.column(typeSymbolTag)
		if symCol < 0 {
			symCol = loop.column(labelTag)
		}
		if symCol < 0 {
			return nil, fmt.Errorf("%w: atom site loop without symbol or label", ErrCIF)
		}
		occCol := loop.column("_atom_site_occupancy")

		sites := make([]cifSite, 0, len(loop.rows))
		for i, row := range loop.rows {
			z, ok := AtomicNumber(row[symCol])
			if !ok {
				return nil, fmt.Errorf("%w: unknown element %q in site %d", ErrCIF, row[symCol], i)
			}
			if occCol >= 0 && row[occCol] != "." && row[occCol] != "?" {
				occ, err := parseCIFNumber(row[occCol])
				if err != nil {
					return nil, fmt.Errorf("%w: occupancy of site %d: %v", ErrCIF, i, err)
				}
				if math.Abs(occ-1) > occupancyTol {
					return nil, fmt.Errorf("%w: site %d has partial occupancy %v", ErrCIF, i, occ)
				}
			}
			var f Vec3
			for k, col := range []int{fx, fy, fz} {
				v, err := parseCIFNumber(row[col])
				if err != nil {
					return nil, fmt.Errorf("%w: coordinate of site %d: %v", ErrCIF, i, err)
				}
				f[k] = v
			}
			sites = append(sites, cifSite{z: z, frac: f})
		}
		if len(sites) == 0 {
			return nil, fmt.Errorf("%w: empty atom site loop", ErrCIF)
		}
		return sites, nil
	}
	return nil, fmt.Errorf("%w: no atom site loop", ErrCIF)
}

func (b cifBlock) symmetryOps() ([]symOp, error) {
	for _, loop := range b.loops {
		col := loop.column(symopTagOld)
		if col < 0 {
			col = loop.column(symopTagNew)
		}
		if col < 0 {
			continue
		}
		ops := make([]symOp, 0, len(loop.rows))
		for _, row := range loop.rows {
			op, err := parseSymOp(row[col])
			if err != nil {
				return nil, err
			}
			ops = append(ops, op)
		}
		if len(ops) > 0 {
			return ops, nil
		}
	}
	return []symOp{{rot: Identity()}}, nil
}

func hasSite(l Lattice, species []int, frac []Vec3, z int, pos Vec3) bool {
	for i := range frac {
		if species[i] != z {
			continue
		}
		if MinImageDistance(l, pos.Sub(frac[i])) < siteMergeTol*math.Cbrt(l.Volume()) {
			return true
		}
	}
	return false
}

// parseSymOp parses expressions like "-x+1/2, y, z-y".
// Rows of rot act on the row-vector convention: new = f @ rot + trans.
func parseSymOp(expr string) (symOp, error) {
	parts := strings.Split(expr, ",")
	if len(parts) != 3 {
		return symOp{}, fmt.Errorf("%w: symmetry operation %q", ErrCIF, expr)
	}
	var op symOp
	for out, part := range parts {
		part = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(part), " ", ""))
		if part == "" {
			return symOp{}, fmt.Errorf("%w: symmetry operation %q", ErrCIF, expr)
		}
		sign := 1.0
		term := ""
		flush := func() error {
			if term == "" {
				return nil
			}
			switch term {
			case "x":
				op.rot[0][out] += sign
			case "y":
				op.rot[1][out] += sign
			case "z":
				op.rot[2][out] += sign
			default:
				v, err := parseFraction(term)
				if err != nil {
					return fmt.Errorf("%w: symmetry term %q", ErrCIF, term)
				}
				op.trans[out] += sign * v
			}
			term = ""
			return nil
		}
		for _, r := range part {
			switch r {
			case '+', '-':
				if err := flush(); err != nil {
					return symOp{}, err
				}
				sign = 1
				if r == '-' {
					sign = -1
				}
			default:
				term += string(r)
			}
		}
		if err := flush(); err != nil {
			return symOp{}, err
		}
	}
	return op, nil
}

func parseFraction(s string) (float64, error) {
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err := strconv.ParseFloat(num, 64)
		if err != nil {
			return 0, err
		}
		d, err := strconv.ParseFloat(den, 64)
		if err != nil || d == 0 {
			return 0, fmt.Errorf("bad denominator %q", den)
		}
		return n / d, nil
	}
	return strconv.ParseFloat(s, 64)
}

// parseCIFNumber strips standard uncertainties such as "5.431(2)".
func parseCIFNumber(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if i := strings.IndexByte(raw, '('); i >= 0 {
		raw = raw[:i]
	}
	return strconv.ParseFloat(raw, 64)
}

func readCIFBlock(text string) (cifBlock, error) {
	block := cifBlock{values: make(map[string]string)}

	tokens, err := tokenizeCIF(text)
	if err != nil {
		return cifBlock{}, err
	}

	seenData := false
	for i := 0; i < len(tokens); {
		tok := tokens[i]
		lower := strings.ToLower(tok.text)
		switch {
		case !tok.quoted && strings.HasPrefix(lower, "data_"):
			if seenData {
				return block, nil
			}
			seenData = true
			i++
		case !tok.quoted && lower == "loop_":
			i++
			var loop cifLoop
			for i < len(tokens) && !tokens[i].quoted && strings.HasPrefix(tokens[i].text, "_") {
				loop.tags = append(loop.tags, strings.ToLower(tokens[i].text))
				i++
			}
			if len(loop.tags) == 0 {
				return cifBlock{}, fmt.Errorf("%w: loop_ without tags", ErrCIF)
			}
			var values []string
			for i < len(tokens) && !isCIFKeyword(tokens[i]) {
				values = append(values, tokens[i].text)
				i++
			}
			if len(values)%len(loop.tags) != 0 {
				return cifBlock{}, fmt.Errorf("%w: loop with %d tags has %d values", ErrCIF, len(loop.tags), len(values))
			}
			for start := 0; start < len(values); start += len(loop.tags) {
				loop.rows = append(loop.rows, values[start:start+len(loop.tags)])
			}
			block.loops = append(block.loops, loop)
		case !tok.quoted && strings.HasPrefix(tok.text, "_"):
			if i+1 >= len(tokens) || isCIFKeyword(tokens[i+1]) {
				return cifBlock{}, fmt.Errorf("%w: tag %s has no value", ErrCIF, tok.text)
			}
			block.values[lower] = tokens[i+1].text
			i += 2
		default:
			i++
		}
	}
	if !seenData {
		return cifBlock{}, fmt.Errorf("%w: no data block", ErrCIF)
	}
	return block, nil
}

type cifToken struct {
	text   string
	quoted bool
}

func isCIFKeyword(t cifToken) bool {
	if t.quoted {
		return false
	}
	lower := strings.ToLower(t.text)
	return strings.HasPrefix(t.text, "_") || lower == "loop_" || strings.HasPrefix(lower, "data_")
}

func tokenizeCIF(text string) ([]cifToken, error) {
	var tokens []cifToken
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	inText := false
	var textField strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, ";") {
			if inText {
				tokens = append(tokens, cifToken{text: strings.TrimSpace(textField.String()), quoted: true})
				textField.Reset()
				inText = false
				continue
			}
			inText = true
			textField.WriteString(line[1:])
			continue
		}
		if inText {
			textField.WriteString("\n")
			textField.WriteString(line)
			continue
		}
		tokens = append(tokens, splitCIFLine(line)...)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCIF, err)
	}
	if inText {
		return nil, fmt.Errorf("%w: unterminated text field", ErrCIF)
	}
	return tokens, nil
}

func splitCIFLine(line string) []cifToken {
	var out []cifToken
	i := 0
	for i < len(line) {
		c := line[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '#':
			return out
		case c == '\'' || c == '"':
			end := i + 1
			for end < len(line) {
				if line[end] == c && (end+1 == len(line) || line[end+1] == ' ' || line[end+1] == '\t') {
					break
				}
				end++
			}
			out = append(out, cifToken{text: line[i+1 : min(end, len(line))], quoted: true})
			i = end + 1
		default:
			end := i
			for end < len(line) && line[end] != ' ' && line[end] != '\t' {
				end++
			}
			out = append(out, cifToken{text: line[i:end]})
			i = end
		}
	}
	return out
}

// FormatCIF renders the structure as a P1 CIF document.
func FormatCIF(s Structure, name string) string {
	lengths, angles := s.Lattice.Parameters()
	var b strings.Builder
	if name == "" {
		name = s.Composition().ReducedFormula()
	}
	fmt.Fprintf(&b, "data_%s\n", name)
	fmt.Fprintf(&b, "_symmetry_space_group_name_H-M   'P 1'\n")
	fmt.Fprintf(&b, "_cell_length_a   %.8f\n_cell_length_b   %.8f\n_cell_length_c   %.8f\n", lengths[0], lengths[1], lengths[2])
	fmt.Fprintf(&b, "_cell_angle_alpha   %.8f\n_cell_angle_beta   %.8f\n_cell_angle_gamma   %.8f\n", angles[0], angles[1], angles[2])
	b.WriteString("loop_\n _symmetry_equiv_pos_site_id\n _symmetry_equiv_pos_as_xyz\n  1  'x, y, z'\n")
	b.WriteString("loop_\n _atom_site_type_symbol\n _atom_site_label\n _atom_site_fract_x\n _atom_site_fract_y\n _atom_site_fract_z\n _atom_site_occupancy\n")
	counts := make(map[int]int)
	for i, z := range s.Species {
		sym, _ := Symbol(z)
		counts[z]++
		f := s.FracCoords[i]
		fmt.Fprintf(&b, "  %s  %s%d  %.8f  %.8f  %.8f  1\n", sym, sym, counts[z]-1, f[0], f[1], f[2])
	}
	return b.String()
}
