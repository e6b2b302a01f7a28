package table

import "fmt"

// UnsafeMatrix holds unsafe-cell counts per code and dimension count,
// flattened as code*(MaxDim+1)+dim. Column 0 holds the code's frequency in
// the one-dimensional table.
type UnsafeMatrix struct {
	nCodes int
	data   []int64
}

// NewUnsafeMatrix returns a zeroed matrix for nCodes codes
func NewUnsafeMatrix(nCodes int) *UnsafeMatrix {
	return &UnsafeMatrix{nCodes: nCodes, data: make([]int64, nCodes*(MaxDim+1))}
}

// NCodes returns the number of rows
func (m *UnsafeMatrix) NCodes() int {
	return m.nCodes
}

func (m *UnsafeMatrix) offset(code, dim int) int {
	if code < 0 || code >= m.nCodes || dim < 0 || dim > MaxDim {
		panic(fmt.Sprintf("table: unsafe matrix index (%d,%d) out of range (%d,%d)", code, dim, m.nCodes, MaxDim+1))
	}
	return code*(MaxDim+1) + dim
}

// At returns the count at (code, dim)
func (m *UnsafeMatrix) At(code, dim int) int64 {
	return m.data[m.offset(code, dim)]
}

// Add adds n at (code, dim)
func (m *UnsafeMatrix) Add(code, dim int, n int64) {
	m.data[m.offset(code, dim)] += n
}

// Set stores n at (code, dim)
func (m *UnsafeMatrix) Set(code, dim int, n int64) {
	m.data[m.offset(code, dim)] = n
}

// Row returns the counts of dimensions 1..maxDim for code
func (m *UnsafeMatrix) Row(code, maxDim int) []int64 {
	start := m.offset(code, 1)
	return append([]int64(nil), m.data[start:start+maxDim]...)
}

// walk visits every cell in index order with its coordinates and whether
// any coordinate is a missing code
func (t *Table) walk(fn func(idx int, coords []int, hasMissing bool)) {
	coords := make([]int, len(t.SizeDim))
	for idx := range t.Cell {
		fn(idx, coords, t.HasMissing(coords))
		for d := len(coords) - 1; d >= 0; d-- {
			coords[d]++
			if coords[d] < t.SizeDim[d] {
				break
			}
			coords[d] = 0
		}
	}
}

// FreqUnsafe applies the frequency rule to the cell at idx
func (t *Table) FreqUnsafe(idx int, hasMissing bool) bool {
	f := t.Cell[idx]
	return f > 0 && f <= t.Threshold && !hasMissing
}

// CountUnsafe returns the number of unsafe cells under the frequency rule
func (t *Table) CountUnsafe() int64 {
	var n int64
	t.walk(func(idx int, _ []int, hasMissing bool) {
		if t.FreqUnsafe(idx, hasMissing) {
			n++
		}
	})
	return n
}

// CountUnsafeByCode adds the unsafe cells of t to m, split by the code of
// variable v, in column NDim. For a one-dimensional table column 0
// receives the code frequencies.
func (t *Table) CountUnsafeByCode(v int, m *UnsafeMatrix) {
	d := t.dimOf(v)
	if d < 0 {
		panic(fmt.Sprintf("table: variable %d not in %v", v, t.Vars))
	}
	nDim := t.NDim()
	t.walk(func(idx int, coords []int, hasMissing bool) {
		code := coords[d]
		if t.FreqUnsafe(idx, hasMissing) {
			m.Add(code, nDim, 1)
		}
		if nDim == 1 {
			m.Set(code, 0, t.Cell[idx])
		}
	})
}

// Augmented returns the frequency and weight of the cell at coords summed
// over every combination obtained by forcing a subset of its valid
// coordinates to a missing code. A dimension whose coordinate is already
// missing is summed over all its codes. ok is false when every coordinate
// is missing.
func (t *Table) Augmented(coords []int) (freq int64, weight float64, ok bool) {
	if !t.IsBIR {
		panic("table: augmented frequency of a table without weights")
	}
	nd := len(t.SizeDim)
	choices := make([][]int, nd)
	for d, c := range coords {
		if c < 0 || c >= t.SizeDim[d] {
			panic(fmt.Sprintf("table: coordinate %d of dimension %d out of range [0,%d)", c, d, t.SizeDim[d]))
		}
		if c < t.NValid[d] {
			ok = true
			ch := []int{c}
			for m := t.NValid[d]; m < t.SizeDim[d]; m++ {
				ch = append(ch, m)
			}
			choices[d] = ch
			continue
		}
		ch := make([]int, t.SizeDim[d])
		for i := range ch {
			ch[i] = i
		}
		choices[d] = ch
	}
	if !ok {
		return 0, 0, false
	}

	pos := make([]int, nd)
	cur := make([]int, nd)
	for {
		for d := range cur {
			cur[d] = choices[d][pos[d]]
		}
		idx := t.Index(cur)
		freq += t.Cell[idx]
		weight += t.BIRCell[idx]

		d := nd - 1
		for ; d >= 0; d-- {
			pos[d]++
			if pos[d] < len(choices[d]) {
				break
			}
			pos[d] = 0
		}
		if d < 0 {
			return freq, weight, true
		}
	}
}
