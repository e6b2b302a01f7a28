package table

import (
	"fmt"
	"sort"
)

// Entry is one non-empty variable subset of a declared table
type Entry struct {
	// Table is the index of the declared table the subset belongs to
	Table int
	Vars  []int

	Threshold int64

	// Authoritative marks the entry with the largest threshold among the
	// entries over the same variables
	Authoritative bool

	// HasPram marks an entry containing a PRAM variable; the optimizer
	// skips it
	HasPram bool

	// BaseTable is set when the subset is the whole declared table and
	// Cells is that table
	BaseTable bool

	// BIR is the ordinal of the declared table among the BIR tables, or -1
	BIR int

	// Source is the active instance of the declared table; its BIR and
	// BHR thresholds apply to the entry
	Source *Table
	Cells  *Table

	NUnsafe int64
}

// NDim returns the number of variables of the entry
func (e *Entry) NDim() int {
	return len(e.Vars)
}

// Contains reports whether v is one of the entry's variables
func (e *Entry) Contains(v int) bool {
	for _, ev := range e.Vars {
		if ev == v {
			return true
		}
	}
	return false
}

// Lattice holds the subset entries of every declared table
type Lattice struct {
	Entries []*Entry
	MaxDim  int
}

// Build generates the subsets of every declared table, collapses
// duplicates and derives the marginal tables by descending dimension
// count. tables holds the active instance of each declared table.
func Build(tables []*Table) *Lattice {
	l := &Lattice{}
	bir := 0
	for ti, t := range tables {
		ord := -1
		if t.IsBIR {
			ord = bir
			bir++
		}
		l.generate(ti, t, ord, nil, 0)
	}
	for _, e := range l.Entries {
		l.MaxDim = max(l.MaxDim, e.NDim())
	}

	l.markAuthoritative()
	l.derive()
	for _, e := range l.Entries {
		e.NUnsafe = e.Cells.CountUnsafe()
	}
	return l
}

// generate appends the subsets extending prefix with dimensions from
// onwards, depth first
func (l *Lattice) generate(ti int, t *Table, bir int, prefix []int, from int) {
	for d := from; d < t.NDim(); d++ {
		vars := append(append([]int(nil), prefix...), t.Vars[d])
		e := &Entry{
			Table:     ti,
			Vars:      vars,
			Threshold: t.Threshold,
			BIR:       bir,
			Source:    t,
		}
		if len(vars) == t.NDim() {
			e.BaseTable = true
			e.Cells = t
		}
		l.Entries = append(l.Entries, e)
		l.generate(ti, t, bir, vars, d+1)
	}
}

func (l *Lattice) markAuthoritative() {
	groups := make(map[string][]*Entry)
	var keys []string
	for _, e := range l.Entries {
		k := Key(e.Vars)
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], e)
	}
	for _, k := range keys {
		g := groups[k]
		sort.SliceStable(g, func(i, j int) bool { return g[i].Threshold > g[j].Threshold })
		for i, e := range g {
			e.Authoritative = i == 0
		}
	}
}

func (l *Lattice) derive() {
	for dim := l.MaxDim - 1; dim > 0; dim-- {
		for _, e := range l.Entries {
			if e.NDim() != dim || e.Cells != nil {
				continue
			}
			parent := l.parentOf(e)
			if parent == nil {
				panic(fmt.Sprintf("table: no parent table for subset %v of table %d", e.Vars, e.Table))
			}
			e.Cells = parent.Marginalize(e.Vars, e.Threshold)
		}
	}
}

// parentOf finds a materialized table of the same declared table with one
// dimension more that contains every variable of e
func (l *Lattice) parentOf(e *Entry) *Table {
	for _, p := range l.Entries {
		if p.Table != e.Table || p.NDim() != e.NDim()+1 || p.Cells == nil {
			continue
		}
		if p.Cells.Contains(e.Vars) {
			return p.Cells
		}
	}
	return nil
}

// Active returns the authoritative entries
func (l *Lattice) Active() []*Entry {
	var out []*Entry
	for _, e := range l.Entries {
		if e.Authoritative {
			out = append(out, e)
		}
	}
	return out
}

// OfDim returns the authoritative entries with nDim variables in list order
func (l *Lattice) OfDim(nDim int) []*Entry {
	var out []*Entry
	for _, e := range l.Entries {
		if e.Authoritative && e.NDim() == nDim {
			out = append(out, e)
		}
	}
	return out
}

// MaxUnsafe returns the largest unsafe count of any entry
func (l *Lattice) MaxUnsafe() int64 {
	var m int64
	for _, e := range l.Entries {
		m = max(m, e.NUnsafe)
	}
	return m
}

// MarkPram flags the authoritative entries containing a variable for which
// isPram is true
func (l *Lattice) MarkPram(isPram func(v int) bool) {
	for _, e := range l.Entries {
		e.HasPram = false
		if !e.Authoritative {
			continue
		}
		for _, v := range e.Vars {
			if isPram(v) {
				e.HasPram = true
				break
			}
		}
	}
}

// OneDim returns the authoritative one-dimensional table of v, or nil
func (l *Lattice) OneDim(v int) *Table {
	for _, e := range l.Entries {
		if e.Authoritative && e.NDim() == 1 && e.Vars[0] == v {
			return e.Cells
		}
	}
	return nil
}
