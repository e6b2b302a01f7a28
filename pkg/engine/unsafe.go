package engine

import (
	"fmt"

	"github.com/hkanpak21/sdcstats/pkg/errcode"
	"github.com/hkanpak21/sdcstats/pkg/table"
)

// UnsafeVariable returns, per number of dimensions starting at 1, the
// number of unsafe cells in the subtables containing variable v. The list
// ends before the first dimension count without subtables.
func (e *Engine) UnsafeVariable(v int) ([]int64, error) {
	if _, err := e.categorical(v); err != nil {
		return nil, err
	}
	if err := e.tablesReady(); err != nil {
		return nil, err
	}
	var out []int64
	for nDim := 1; nDim <= e.lattice.MaxDim; nDim++ {
		entries := e.lattice.OfDim(nDim)
		if len(entries) == 0 {
			break
		}
		var n int64
		for _, en := range entries {
			if en.Contains(v) {
				n += en.NUnsafe
			}
		}
		out = append(out, n)
	}
	return out, nil
}

// CodeUnsafe is the unsafe count of one code of a variable
type CodeUnsafe struct {
	Code      string `json:"code"`
	IsMissing bool   `json:"is_missing"`

	// Freq is the frequency of the code in the one-dimensional table
	Freq int64 `json:"freq"`

	// Unsafe holds per number of dimensions, starting at 1, the unsafe
	// cells with this code
	Unsafe []int64 `json:"unsafe"`
}

// UnsafeVariableCodes returns the unsafe counts of every active code of v
func (e *Engine) UnsafeVariableCodes(v int) ([]CodeUnsafe, error) {
	vr, err := e.categorical(v)
	if err != nil {
		return nil, err
	}
	if err := e.tablesReady(); err != nil {
		return nil, err
	}

	m := table.NewUnsafeMatrix(vr.ActiveNCodes())
	for _, en := range e.lattice.Active() {
		if en.Contains(v) {
			en.Cells.CountUnsafeByCode(v, m)
		}
	}
	out := make([]CodeUnsafe, vr.ActiveNCodes())
	nValid := vr.ActiveNValid()
	for c := range out {
		out[c] = CodeUnsafe{
			Code:      vr.CodeAt(c),
			IsMissing: c >= nValid,
			Freq:      m.At(c, 0),
			Unsafe:    m.Row(c, e.lattice.MaxDim),
		}
	}
	return out, nil
}

// TableUC describes one authoritative subtable
type TableUC struct {
	BaseTable bool  `json:"base_table"`
	NUnsafe   int64 `json:"n_unsafe"`
	Vars      []int `json:"vars"`
}

// TableUC returns the k-th (0-based) authoritative subtable with nDim
// dimensions
func (e *Engine) TableUC(nDim, k int) (TableUC, error) {
	if err := e.tablesReady(); err != nil {
		return TableUC{}, err
	}
	entries := e.lattice.OfDim(nDim)
	if k < 0 || k >= len(entries) {
		return TableUC{}, errcode.Wrap(errcode.BadIndex,
			fmt.Errorf("subtable %d of %d with %d dimensions", k, len(entries), nDim))
	}
	en := entries[k]
	return TableUC{
		BaseTable: en.BaseTable,
		NUnsafe:   en.NUnsafe,
		Vars:      append([]int(nil), en.Vars...),
	}, nil
}

// MaxUnsafe returns the largest unsafe count of any subtable
func (e *Engine) MaxUnsafe() (int64, error) {
	if err := e.tablesReady(); err != nil {
		return 0, err
	}
	return e.lattice.MaxUnsafe(), nil
}

// MaxDim returns the largest number of dimensions of any subtable
func (e *Engine) MaxDim() int {
	if e.lattice == nil {
		return 0
	}
	return e.lattice.MaxDim
}
