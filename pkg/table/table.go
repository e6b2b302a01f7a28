// Package table provides dense multi-dimensional frequency tables addressed
// by a mixed-radix cell index, their marginal subtables and the unsafe-cell
// classification over them.
package table

import (
	"fmt"
	"strings"
)

// MaxDim is the largest number of dimensions of a table
const MaxDim = 10

// Dim describes one dimension of a table
type Dim struct {
	// Var is the variable index
	Var int
	// NCodes is the number of codes, missing codes included
	NCodes int
	// NValid is the number of valid codes; code indices at or beyond it
	// are missing codes
	NValid int
}

// Table is a dense cell array over the code combinations of its variables.
// The cell index is Σ code[d] * Π_{d'>d} SizeDim[d'], most significant
// dimension first.
type Table struct {
	Vars    []int
	SizeDim []int
	NValid  []int

	// Threshold is the largest frequency of an unsafe cell
	Threshold int64

	IsBIR        bool
	WeightVar    int
	BIRThreshold float64
	BHRThreshold float64

	Cell    []int64
	BIRCell []float64
}

// New allocates a zeroed table. It panics on an invalid dimension list,
// which is a programming error once the definition has been validated.
func New(dims []Dim, threshold int64, isBIR bool) *Table {
	if len(dims) == 0 || len(dims) > MaxDim {
		panic(fmt.Sprintf("table: %d dimensions out of range 1..%d", len(dims), MaxDim))
	}
	t := &Table{
		Vars:      make([]int, len(dims)),
		SizeDim:   make([]int, len(dims)),
		NValid:    make([]int, len(dims)),
		Threshold: threshold,
		IsBIR:     isBIR,
		WeightVar: -1,
	}
	for d, dim := range dims {
		if dim.NCodes < 1 || dim.NValid < 0 || dim.NValid > dim.NCodes {
			panic(fmt.Sprintf("table: invalid dimension %d: %+v", d, dim))
		}
		t.Vars[d] = dim.Var
		t.SizeDim[d] = dim.NCodes
		t.NValid[d] = dim.NValid
	}
	n := CellCount(t.SizeDim)
	t.Cell = make([]int64, n)
	if isBIR {
		t.BIRCell = make([]float64, n)
	}
	return t
}

// CellCount returns the number of cells of a table with the given
// dimension sizes
func CellCount(sizeDim []int) int {
	n := 1
	for _, s := range sizeDim {
		n *= s
	}
	return n
}

// MemSize returns the number of bytes the cells of a table with the given
// dimension sizes occupy
func MemSize(sizeDim []int, isBIR bool) int64 {
	n := int64(CellCount(sizeDim))
	if isBIR {
		return n * 16
	}
	return n * 8
}

// NDim returns the number of dimensions
func (t *Table) NDim() int {
	return len(t.Vars)
}

// NCell returns the number of cells
func (t *Table) NCell() int {
	return len(t.Cell)
}

// Dims returns the dimension descriptors of t
func (t *Table) Dims() []Dim {
	dims := make([]Dim, len(t.Vars))
	for d := range dims {
		dims[d] = Dim{Var: t.Vars[d], NCodes: t.SizeDim[d], NValid: t.NValid[d]}
	}
	return dims
}

// Index returns the cell index of coords. It panics when a coordinate is
// out of range.
func (t *Table) Index(coords []int) int {
	if len(coords) != len(t.SizeDim) {
		panic(fmt.Sprintf("table: %d coordinates for %d dimensions", len(coords), len(t.SizeDim)))
	}
	idx := 0
	for d, c := range coords {
		if c < 0 || c >= t.SizeDim[d] {
			panic(fmt.Sprintf("table: coordinate %d of dimension %d out of range [0,%d)", c, d, t.SizeDim[d]))
		}
		idx = idx*t.SizeDim[d] + c
	}
	return idx
}

// Coords decodes idx into coords, which must have NDim elements
func (t *Table) Coords(idx int, coords []int) []int {
	if idx < 0 || idx >= len(t.Cell) {
		panic(fmt.Sprintf("table: cell index %d out of range [0,%d)", idx, len(t.Cell)))
	}
	for d := len(t.SizeDim) - 1; d >= 0; d-- {
		coords[d] = idx % t.SizeDim[d]
		idx /= t.SizeDim[d]
	}
	return coords
}

// IsMissing reports whether code index c of dimension d is a missing code
func (t *Table) IsMissing(d, c int) bool {
	return c >= t.NValid[d]
}

// HasMissing reports whether any coordinate is a missing code
func (t *Table) HasMissing(coords []int) bool {
	for d, c := range coords {
		if c >= t.NValid[d] {
			return true
		}
	}
	return false
}

// Add counts one record in the cell at coords
func (t *Table) Add(coords []int, weight float64) {
	idx := t.Index(coords)
	t.Cell[idx]++
	if t.IsBIR {
		t.BIRCell[idx] += weight
	}
}

// Reset zeroes every cell
func (t *Table) Reset() {
	clear(t.Cell)
	clear(t.BIRCell)
}

// Records returns the sum of all cells
func (t *Table) Records() int64 {
	var n int64
	for _, c := range t.Cell {
		n += c
	}
	return n
}

// Contains reports whether every variable of vars is a dimension of t
func (t *Table) Contains(vars []int) bool {
	for _, v := range vars {
		if t.dimOf(v) < 0 {
			return false
		}
	}
	return true
}

func (t *Table) dimOf(v int) int {
	for d, tv := range t.Vars {
		if tv == v {
			return d
		}
	}
	return -1
}

// Marginalize derives the marginal table over vars, which must be a proper
// subset of t's variables in t's order. Every code of a dropped dimension,
// missing codes included, is summed.
func (t *Table) Marginalize(vars []int, threshold int64) *Table {
	if len(vars) == 0 || len(vars) >= len(t.Vars) {
		panic(fmt.Sprintf("table: %v is not a proper subset of %v", vars, t.Vars))
	}
	keep := make([]int, 0, len(vars))
	dims := make([]Dim, 0, len(vars))
	prev := -1
	for _, v := range vars {
		d := t.dimOf(v)
		if d <= prev {
			panic(fmt.Sprintf("table: %v is not an ordered subset of %v", vars, t.Vars))
		}
		prev = d
		keep = append(keep, d)
		dims = append(dims, Dim{Var: v, NCodes: t.SizeDim[d], NValid: t.NValid[d]})
	}

	sub := New(dims, threshold, t.IsBIR)
	sub.WeightVar = t.WeightVar
	sub.BIRThreshold = t.BIRThreshold
	sub.BHRThreshold = t.BHRThreshold

	coords := make([]int, len(t.Vars))
	subCoords := make([]int, len(keep))
	for idx := range t.Cell {
		if t.Cell[idx] == 0 && (!t.IsBIR || t.BIRCell[idx] == 0) {
			continue
		}
		t.Coords(idx, coords)
		for k, d := range keep {
			subCoords[k] = coords[d]
		}
		s := sub.Index(subCoords)
		sub.Cell[s] += t.Cell[idx]
		if t.IsBIR {
			sub.BIRCell[s] += t.BIRCell[idx]
		}
	}
	return sub
}

// Remap builds the table of the same variables over new code lists. maps[d]
// translates an old code index of dimension d to a new one; a nil map keeps
// the dimension unchanged.
func (t *Table) Remap(dims []Dim, maps [][]int) *Table {
	if len(dims) != len(t.Vars) || len(maps) != len(t.Vars) {
		panic("table: remap dimension mismatch")
	}
	dst := New(dims, t.Threshold, t.IsBIR)
	dst.WeightVar = t.WeightVar
	dst.BIRThreshold = t.BIRThreshold
	dst.BHRThreshold = t.BHRThreshold

	coords := make([]int, len(t.Vars))
	for idx := range t.Cell {
		t.Coords(idx, coords)
		for d, m := range maps {
			if m != nil {
				coords[d] = m[coords[d]]
			}
		}
		j := dst.Index(coords)
		dst.Cell[j] += t.Cell[idx]
		if t.IsBIR {
			dst.BIRCell[j] += t.BIRCell[idx]
		}
	}
	return dst
}

// Key returns a string identifying the variable combination of vars
func Key(vars []int) string {
	var b strings.Builder
	for i, v := range vars {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%d", v)
	}
	return b.String()
}
