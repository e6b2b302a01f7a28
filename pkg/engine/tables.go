package engine

import (
	"fmt"
	"io"

	"github.com/hkanpak21/sdcstats/pkg/errcode"
	"github.com/hkanpak21/sdcstats/pkg/household"
	"github.com/hkanpak21/sdcstats/pkg/microdata"
	"github.com/hkanpak21/sdcstats/pkg/suppress"
	"github.com/hkanpak21/sdcstats/pkg/table"
)

// ComputeTables fills the declared tables in one pass over the explored
// file, derives their recoded instances and subtables, and computes the
// household risks when the file has households and BIR tables.
func (e *Engine) ComputeTables() error {
	if !e.explored {
		return errcode.Wrap(errcode.NotReady, fmt.Errorf("file not explored"))
	}
	if len(e.tabs) == 0 {
		return errcode.New(errcode.NoTables)
	}
	for i, ts := range e.tabs {
		if ts == nil {
			return errcode.Wrap(errcode.NotReady, fmt.Errorf("table not defined")).ForTable(i)
		}
	}
	if err := e.checkMemory(); err != nil {
		return err
	}

	base := make([]*table.Table, len(e.tabs))
	for i, ts := range e.tabs {
		base[i] = e.newBaseTable(ts)
	}
	if err := e.fillTables(base); err != nil {
		return err
	}

	recoded := e.remapTables(base)
	lattice, hh, err := e.derive(base, recoded)
	if err != nil {
		return err
	}

	for i, ts := range e.tabs {
		ts.base, ts.recoded = base[i], recoded[i]
	}
	e.lattice = lattice
	e.households = hh
	e.recodePending = false
	e.log.Info("computed tables",
		"tables", len(e.tabs),
		"subtables", len(lattice.Entries),
		"max_unsafe", lattice.MaxUnsafe(),
		"households", len(hh))
	return nil
}

// ApplyRecode rebuilds the recoded tables, the subtables and the household
// risks after recodes were activated or undone. Until it succeeds every
// query on the tables fails with NotReady.
func (e *Engine) ApplyRecode() error {
	if e.lattice == nil {
		return errcode.New(errcode.NotReady)
	}
	if err := e.checkMemory(); err != nil {
		return err
	}
	base := make([]*table.Table, len(e.tabs))
	for i, ts := range e.tabs {
		base[i] = ts.base
	}
	recoded := e.remapTables(base)
	lattice, hh, err := e.derive(base, recoded)
	if err != nil {
		return err
	}
	for i, ts := range e.tabs {
		ts.recoded = recoded[i]
	}
	e.lattice = lattice
	e.households = hh
	e.recodePending = false
	e.log.Info("applied recodes", "subtables", len(lattice.Entries))
	return nil
}

// checkMemory compares the estimated size of the base and recoded cells
// with the memory cap
func (e *Engine) checkMemory() error {
	var total int64
	for _, ts := range e.tabs {
		orig := make([]int, len(ts.def.Vars))
		active := make([]int, len(ts.def.Vars))
		recoded := false
		for d, v := range ts.def.Vars {
			orig[d] = e.vars[v].NCodes()
			active[d] = e.vars[v].ActiveNCodes()
			recoded = recoded || e.vars[v].HasRecode
		}
		total += table.MemSize(orig, ts.def.BIR)
		if recoded {
			total += table.MemSize(active, ts.def.BIR)
		}
	}
	if total > e.maxMemory {
		return errcode.Wrap(errcode.NotEnoughMemory,
			fmt.Errorf("tables need %d bytes, limit %d", total, e.maxMemory))
	}
	return nil
}

func (e *Engine) newBaseTable(ts *tableState) *table.Table {
	dims := make([]table.Dim, len(ts.def.Vars))
	for d, v := range ts.def.Vars {
		dims[d] = table.Dim{Var: v, NCodes: e.vars[v].NCodes(), NValid: e.vars[v].NValid()}
	}
	t := table.New(dims, ts.def.Threshold, ts.def.BIR)
	e.stampTable(ts, t)
	return t
}

func (e *Engine) stampTable(ts *tableState, t *table.Table) {
	t.WeightVar = ts.def.WeightVar
	t.BIRThreshold = ts.birThreshold
	t.BHRThreshold = ts.bhrThreshold
}

// fillTables counts every record of the data file in the base tables
func (e *Engine) fillTables(base []*table.Table) error {
	f, r, err := e.openData(e.path)
	if err != nil {
		return err
	}
	defer f.Close()

	index := make([]int, len(e.vars))
	tick := e.ticker(StageTables)
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if err := e.resolveOriginal(rec, index); err != nil {
			return err
		}
		for i, t := range base {
			coords := make([]int, t.NDim())
			for d, v := range t.Vars {
				coords[d] = index[v]
			}
			w := 0.0
			if t.IsBIR {
				if w, err = e.weight(rec, t.WeightVar); err != nil {
					return fmt.Errorf("failed to fill table %d: %w", i, err)
				}
			}
			t.Add(coords, w)
		}
		tick.tick()
	}
	tick.done()
	return nil
}

// resolveOriginal stores in index the original code index of every
// categorical variable of rec
func (e *Engine) resolveOriginal(rec microdata.Record, index []int) error {
	for i, v := range e.vars {
		if !v.Categorical {
			index[i] = -1
			continue
		}
		idx, _, ok := v.Lookup(rec.Fields[i])
		if !ok {
			return errcode.Wrap(errcode.WrongRecord,
				fmt.Errorf("code %q not found by exploration", rec.Fields[i])).AtLine(rec.Line).ForVar(i)
		}
		index[i] = idx
	}
	return nil
}

// resolve fills ctx with the active code index of every categorical
// variable of rec
func (e *Engine) resolve(rec microdata.Record, ctx *suppress.RecordContext) error {
	ctx.Reset()
	for i, v := range e.vars {
		if !v.Categorical {
			continue
		}
		idx, ok := v.TableIndex(rec.Fields[i])
		if !ok {
			return errcode.Wrap(errcode.WrongRecord,
				fmt.Errorf("code %q not found by exploration", rec.Fields[i])).AtLine(rec.Line).ForVar(i)
		}
		ctx.Index[i] = idx
		ctx.Missing[i] = idx >= v.ActiveNValid()
	}
	return nil
}

func (e *Engine) weight(rec microdata.Record, v int) (float64, error) {
	w, err := microdata.ParseNumber(rec.Fields[v])
	if err != nil {
		return 0, errcode.Wrap(errcode.WrongRecord, err).AtLine(rec.Line).ForVar(v)
	}
	return w, nil
}

// remapTables returns, per declared table, the table over the active code
// lists, or nil when none of its variables has an active recode
func (e *Engine) remapTables(base []*table.Table) []*table.Table {
	out := make([]*table.Table, len(base))
	for i, t := range base {
		recoded := false
		dims := make([]table.Dim, t.NDim())
		maps := make([][]int, t.NDim())
		for d, v := range t.Vars {
			vr := e.vars[v]
			dims[d] = table.Dim{Var: v, NCodes: vr.ActiveNCodes(), NValid: vr.ActiveNValid()}
			if vr.HasRecode {
				recoded = true
				maps[d] = vr.Recode.Dest
			}
		}
		if recoded {
			out[i] = t.Remap(dims, maps)
			e.stampTable(e.tabs[i], out[i])
		}
	}
	return out
}

// derive builds the subtable lattice over the active instances and the
// household risks
func (e *Engine) derive(base, recoded []*table.Table) (*table.Lattice, household.List, error) {
	active := make([]*table.Table, len(base))
	for i := range base {
		active[i] = base[i]
		if recoded[i] != nil {
			active[i] = recoded[i]
		}
	}
	lattice := table.Build(active)

	if e.hhIdent < 0 || e.nBIR() == 0 {
		return lattice, nil, nil
	}
	hh, err := e.computeHouseholds(active)
	if err != nil {
		return nil, nil, err
	}
	return lattice, hh, nil
}

// computeHouseholds groups consecutive records with the same household
// identifier and computes their BHR per BIR table
func (e *Engine) computeHouseholds(active []*table.Table) (household.List, error) {
	var birs []*table.Table
	for _, t := range active {
		if t.IsBIR {
			birs = append(birs, t)
		}
	}

	f, r, err := e.openData(e.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		list household.List
		cur  *household.Household
	)
	ctx := suppress.NewRecordContext(len(e.vars), 0)
	tick := e.ticker(StageHouseholds)
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if err := e.resolve(rec, ctx); err != nil {
			return nil, err
		}
		risks, err := e.recordRisks(birs, ctx)
		if err != nil {
			return nil, err
		}
		if id := rec.Fields[e.hhIdent]; cur == nil || id != cur.Ident {
			if cur != nil {
				cur.Compute()
			}
			cur = household.New(id, len(birs))
			list = append(list, cur)
		}
		cur.AddMember(risks)
		tick.tick()
	}
	if cur != nil {
		cur.Compute()
	}
	tick.done()
	if len(list) == 0 {
		return nil, errcode.New(errcode.NoHouseholds)
	}
	return list, nil
}

// recordRisks returns the individual risk of the record in ctx in every
// BIR table
func (e *Engine) recordRisks(birs []*table.Table, ctx *suppress.RecordContext) ([]float64, error) {
	risks := make([]float64, len(birs))
	for k, t := range birs {
		coords := make([]int, t.NDim())
		for d, v := range t.Vars {
			coords[d] = ctx.Index[v]
		}
		r, err := t.CellRisk(e.model, coords)
		if err != nil {
			return nil, fmt.Errorf("failed to compute household risk: %w", err)
		}
		risks[k] = r
	}
	return risks, nil
}
