package variable

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hkanpak21/sdcstats/pkg/errcode"
)

// Recode regroups the codes of a categorical variable
type Recode struct {
	// Codes are the new valid codes in ascending order followed by the new
	// missing code(s), all of width Width
	Codes    []string
	NMissing int
	Missing1 string
	Missing2 string
	Width    int

	// Dest maps an index of the original code list to an index of Codes
	Dest []int
}

// NValid returns the number of valid recoded codes
func (r *Recode) NValid() int {
	return len(r.Codes) - r.NMissing
}

// Report summarizes the warnings of a successful recode
type Report struct {
	Untouched int `json:"untouched"`
	Overlap   int `json:"overlap"`
	NoSense   int `json:"no_sense"`
}

func (r Report) String() string {
	var lines []string
	if r.Untouched > 0 {
		lines = append(lines, fmt.Sprintf("Number of untouched codes: %d", r.Untouched))
	}
	if r.Overlap > 0 {
		lines = append(lines, fmt.Sprintf("Number of overlapping codes: %d", r.Overlap))
	}
	if r.NoSense > 0 {
		lines = append(lines, fmt.Sprintf("Number of \"no sense\" codes: %d", r.NoSense))
	}
	if len(lines) == 0 {
		return "Recode OK"
	}
	return strings.Join(lines, "\n")
}

type span int

const (
	spanSolo span = iota
	spanTo
	spanFrom
	spanRange
)

type srcItem struct {
	kind span
	from string
	to   string
	pos  int
}

type recodeLine struct {
	dest  string
	items []srcItem
	line  int
}

// parseRecodeSpec checks the syntax of a recode specification such as
//
//	1 : -90
//	2 : 90-500, "A12"
//	3 : 500-
//
// Source codes are left-padded to width.
func parseRecodeSpec(spec string, width int) ([]recodeLine, error) {
	var out []recodeLine
	for n, raw := range strings.Split(spec, "\n") {
		s := strings.TrimRight(raw, "\r")
		if strings.TrimLeft(s, " \t") == "" {
			continue
		}
		lineNo := n + 1

		dest, i, bad, ok := readWord(s, 0, ':')
		if !ok || dest.kind != spanSolo || i >= len(s) || s[i] != ':' {
			if ok {
				bad = i
			}
			return nil, errcode.New(errcode.RecodeSyntax).AtLine(lineNo).AtPos(bad + 1)
		}

		rl := recodeLine{dest: dest.from, line: lineNo}
		for i < len(s) && (s[i] == ':' || s[i] == ',') {
			var it srcItem
			it, i, bad, ok = readWord(s, i+1, ',')
			if !ok {
				return nil, errcode.New(errcode.RecodeSyntax).AtLine(lineNo).AtPos(bad + 1)
			}
			if len(it.from) > width || len(it.to) > width {
				return nil, errcode.New(errcode.RecodeLength).AtLine(lineNo).AtPos(it.pos + 1)
			}
			it.from = Pad(it.from, width)
			if it.to != "" {
				it.to = Pad(it.to, width)
			}
			if it.kind == spanRange && it.from > it.to {
				return nil, errcode.New(errcode.RecodeRange).AtLine(lineNo).AtPos(it.pos + 1)
			}
			rl.items = append(rl.items, it)
		}
		out = append(out, rl)
	}
	return out, nil
}

func skipSpaces(s string, i int) int {
	for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	return i
}

// readWord reads one code or range starting at i and stops at end or at
// the end of s. On failure it returns the offending offset.
func readWord(s string, i int, end byte) (srcItem, int, int, bool) {
	it := srcItem{kind: spanSolo, pos: skipSpaces(s, i)}
	for pass := 1; ; pass++ {
		if pass == 2 && it.kind != spanFrom || pass > 2 {
			return it, 0, i, false
		}
		i = skipSpaces(s, i)
		if i < len(s) && s[i] == '-' {
			if pass != 1 || it.kind != spanSolo {
				return it, 0, i, false
			}
			it.kind = spanTo
			i = skipSpaces(s, i+1)
		}
		if pass == 2 {
			it.kind = spanRange
		}

		var word string
		if i < len(s) && s[i] == '"' {
			start := i + 1
			j := strings.IndexByte(s[start:], '"')
			if j < 0 {
				return it, 0, len(s), false
			}
			word = s[start : start+j]
			i = start + j + 1
		} else {
			start := i
			for i < len(s) && s[i] != end && s[i] != ' ' && s[i] != '\t' && s[i] != '-' {
				i++
			}
			word = s[start:i]
		}
		if word == "" || len(word) > MaxCodeWidth {
			return it, 0, i, false
		}
		if pass == 1 {
			it.from = word
		} else {
			it.to = word
		}

		i = skipSpaces(s, i)
		if i < len(s) && s[i] == '-' {
			if pass != 1 || it.kind != spanSolo {
				return it, 0, i, false
			}
			it.kind = spanFrom
			i++
		}
		i = skipSpaces(s, i)
		if i >= len(s) || s[i] == end {
			return it, i, 0, true
		}
	}
}

// locate finds code in the code list. For an absent code it returns the
// insertion point among the valid codes.
func (v *Variable) locate(code string) (idx int, exact bool, missing bool) {
	if i, miss, ok := v.Lookup(code); ok {
		return i, true, miss
	}
	return sort.SearchStrings(v.Codes[:v.NValid()], code), false, false
}

// resolve turns a source item into an inclusive index interval of the
// original code list
func (v *Variable) resolve(it srcItem) (c1, c2 int, missing bool, ok bool) {
	i1, exact1, miss1 := v.locate(it.from)
	switch it.kind {
	case spanSolo:
		if !exact1 {
			return 0, 0, false, false
		}
		c1, c2 = i1, i1
	case spanTo:
		c1, c2 = 0, i1
		if !exact1 {
			c2--
		}
	case spanFrom:
		c1, c2 = i1, v.NValid()-1
	case spanRange:
		i2, exact2, miss2 := v.locate(it.to)
		c1, c2 = i1, i2
		if !exact2 {
			c2--
		}
		miss1 = miss1 || miss2
	}
	if c2 < c1 {
		return 0, 0, false, false
	}
	return c1, c2, miss1, true
}

// BuildRecode parses spec and computes the recode of v. Empty missing
// codes default to the variable's own missing codes.
func (v *Variable) BuildRecode(spec, missing1, missing2 string) (*Recode, Report, error) {
	var rep Report
	if !v.Categorical {
		return nil, rep, errcode.New(errcode.RecodeVarIndex).ForVar(v.Index)
	}
	if !v.finalized {
		return nil, rep, errcode.New(errcode.RecodeNoMetadata).ForVar(v.Index)
	}

	lines, err := parseRecodeSpec(spec, v.Width)
	if err != nil {
		if e, ok := errcode.As(err); ok {
			e.ForVar(v.Index)
		}
		return nil, rep, err
	}
	if len(lines) == 0 {
		return nil, rep, errcode.New(errcode.RecodeEmpty).AtLine(1).AtPos(1).ForVar(v.Index)
	}

	m1, m2 := strings.TrimSpace(missing1), strings.TrimSpace(missing2)
	if m1 == "" {
		m1, m2 = m2, m1
	}
	if m1 == "" {
		m1 = strings.TrimSpace(v.Missing1)
		m2 = strings.TrimSpace(v.Missing2)
	}
	nMissing := 2
	if m2 == "" || m2 == m1 {
		m2 = m1
		nMissing = 1
	}

	type mapping struct {
		dest       string
		c1, c2     int
		srcMissing bool
		line, pos  int
	}
	var maps []mapping
	nValid := v.NValid()
	touched := make([]bool, nValid)
	width := max(len(m1), len(m2))
	for _, l := range lines {
		width = max(width, len(l.dest))
		for _, it := range l.items {
			c1, c2, miss, ok := v.resolve(it)
			if !ok {
				rep.NoSense++
				continue
			}
			maps = append(maps, mapping{dest: l.dest, c1: c1, c2: c2, srcMissing: miss, line: l.line, pos: it.pos})
			for c := c1; c <= c2 && c < nValid; c++ {
				touched[c] = true
			}
		}
	}
	for i := 0; i < nValid; i++ {
		if !touched[i] {
			rep.Untouched++
			width = max(width, len(v.Codes[i]))
		}
	}

	pm1, pm2 := Pad(m1, width), Pad(m2, width)
	set := make(map[string]struct{})
	add := func(code string) {
		p := Pad(code, width)
		if p != pm1 && p != pm2 {
			set[p] = struct{}{}
		}
	}
	for _, l := range lines {
		add(l.dest)
	}
	for i := 0; i < nValid; i++ {
		if !touched[i] {
			add(v.Codes[i])
		}
	}

	codes := make([]string, 0, len(set)+nMissing)
	for c := range set {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	newValid := len(codes)
	codes = append(codes, pm1)
	if nMissing == 2 {
		codes = append(codes, pm2)
	}
	index := make(map[string]int, len(codes))
	for i, c := range codes {
		if _, dup := index[c]; !dup {
			index[c] = i
		}
	}

	dest := make([]int, len(v.Codes))
	for i := range dest {
		dest[i] = -1
	}
	for _, m := range maps {
		d := index[Pad(m.dest, width)]
		if m.srcMissing && d < newValid {
			return nil, Report{}, errcode.New(errcode.RecodeMissingToValid).
				AtLine(m.line).AtPos(m.pos + 1).ForVar(v.Index)
		}
		for c := m.c1; c <= m.c2; c++ {
			if dest[c] != -1 {
				rep.Overlap++
			}
			dest[c] = d
		}
	}

	if v.NMissing >= 1 && dest[nValid] == -1 {
		dest[nValid] = newValid
	}
	if v.NMissing == 2 && dest[nValid+1] == -1 {
		if nMissing == 2 {
			dest[nValid+1] = newValid + 1
		} else {
			dest[nValid+1] = newValid
		}
	}
	for i := 0; i < nValid; i++ {
		if dest[i] == -1 {
			dest[i] = index[Pad(v.Codes[i], width)]
		}
	}

	return &Recode{
		Codes:    codes,
		NMissing: nMissing,
		Missing1: pm1,
		Missing2: pm2,
		Width:    width,
		Dest:     dest,
	}, rep, nil
}

// Truncate builds a recode that drops the n rightmost positions of every
// valid code
func (v *Variable) Truncate(n int) (*Recode, error) {
	if !v.Categorical {
		return nil, errcode.New(errcode.RecodeVarIndex).ForVar(v.Index)
	}
	if !v.finalized {
		return nil, errcode.New(errcode.RecodeNoMetadata).ForVar(v.Index)
	}
	if n < 1 || n >= v.Width {
		return nil, errcode.Wrap(errcode.BadDefinition,
			fmt.Errorf("cannot truncate %d of %d positions", n, v.Width)).ForVar(v.Index)
	}

	keep := v.Width - n
	width := max(v.Width, len(v.Missing1), len(v.Missing2))
	nValid := v.NValid()
	short := make([]string, nValid)
	set := make(map[string]struct{})
	for i := 0; i < nValid; i++ {
		c := v.Codes[i]
		if len(c) > keep {
			c = c[:keep]
		}
		c = Pad(c, width)
		short[i] = c
		if c != v.Missing1 && c != v.Missing2 {
			set[c] = struct{}{}
		}
	}

	codes := make([]string, 0, len(set)+v.NMissing)
	for c := range set {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	newValid := len(codes)
	codes = append(codes, v.Codes[nValid:]...)

	index := make(map[string]int, len(codes))
	for i, c := range codes {
		if _, dup := index[c]; !dup {
			index[c] = i
		}
	}
	dest := make([]int, len(v.Codes))
	for i := 0; i < nValid; i++ {
		dest[i] = index[short[i]]
	}
	for i := nValid; i < len(v.Codes); i++ {
		dest[i] = newValid + (i - nValid)
	}

	return &Recode{
		Codes:    codes,
		NMissing: v.NMissing,
		Missing1: v.Missing1,
		Missing2: v.Missing2,
		Width:    width,
		Dest:     dest,
	}, nil
}
