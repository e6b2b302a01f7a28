// Package report summarizes a disclosure control run: unsafe counts per
// variable and subtable, risk histograms and the safe file result. It
// writes the summary as an xlsx workbook and as Prometheus metrics.
package report

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/hkanpak21/sdcstats/pkg/engine"
	"github.com/hkanpak21/sdcstats/pkg/errcode"
	"github.com/hkanpak21/sdcstats/pkg/household"
	"github.com/hkanpak21/sdcstats/pkg/table"
	"github.com/hkanpak21/sdcstats/pkg/variable"
)

// DefaultClasses is the number of risk histogram classes
const DefaultClasses = 10

// Report is the summary of a run
type Report struct {
	Setup     string        `json:"setup"`
	Records   int64         `json:"records"`
	MaxDim    int           `json:"max_dim"`
	Variables []VariableRow `json:"variables"`
	Subtables []SubtableRow `json:"subtables"`
	Risk      []RiskRow     `json:"risk,omitempty"`

	// Safe is set once the safe file has been written
	Safe *engine.SafeResult `json:"safe,omitempty"`
}

// VariableRow describes one variable
type VariableRow struct {
	Name       string  `json:"name"`
	Kind       string  `json:"kind"`
	StartPos   int     `json:"start_pos"`
	Width      int     `json:"width"`
	NCodes     int     `json:"n_codes"`
	NMissing   int     `json:"n_missing"`
	Suppressed int64   `json:"suppressed"`
	Entropy    float64 `json:"entropy"`

	// Unsafe holds the unsafe combinations per dimension, empty for
	// non-categorical variables
	Unsafe []int64 `json:"unsafe,omitempty"`
}

// SubtableRow describes one authoritative subtable
type SubtableRow struct {
	Dim     int    `json:"dim"`
	Index   int    `json:"index"`
	Base    bool   `json:"base"`
	NUnsafe int64  `json:"n_unsafe"`
	Vars    string `json:"vars"`
}

// RiskRow holds the risk histograms of one BIR table
type RiskRow struct {
	Table int             `json:"table"`
	BIR   table.Histogram `json:"bir"`

	// BHR is set when the file has households
	BHR *household.Histogram `json:"bhr,omitempty"`
}

// Collect builds the report of an engine with computed tables
func Collect(e *engine.Engine, setup string, nClasses int) (*Report, error) {
	if nClasses < 2 {
		nClasses = DefaultClasses
	}
	r := &Report{Setup: setup, Records: e.Records(), MaxDim: e.MaxDim()}

	names := make([]string, e.NumVars())
	for i := range names {
		v, err := e.Variable(i)
		if err != nil {
			return nil, err
		}
		names[i] = v.Name
		row, err := variableRow(e, i, v)
		if err != nil {
			return nil, fmt.Errorf("failed to describe variable %q: %w", v.Name, err)
		}
		r.Variables = append(r.Variables, row)
	}

	for d := 1; d <= r.MaxDim; d++ {
		for k := 0; ; k++ {
			uc, err := e.TableUC(d, k)
			if errcode.Is(err, errcode.BadIndex) {
				break
			}
			if err != nil {
				return nil, err
			}
			vars := make([]string, len(uc.Vars))
			for j, v := range uc.Vars {
				vars[j] = names[v]
			}
			r.Subtables = append(r.Subtables, SubtableRow{
				Dim:     d,
				Index:   k,
				Base:    uc.BaseTable,
				NUnsafe: uc.NUnsafe,
				Vars:    strings.Join(vars, " x "),
			})
		}
	}

	for t := 0; t < e.NumTables(); t++ {
		tab, err := e.Table(t)
		if err != nil {
			return nil, err
		}
		if !tab.IsBIR {
			continue
		}
		row := RiskRow{Table: t}
		if row.BIR, err = e.BIRHistogram(t, nClasses); err != nil {
			return nil, fmt.Errorf("failed to build BIR histogram of table %d: %w", t, err)
		}
		if e.Households() > 0 {
			h, err := e.BHRHistogram(t, nClasses)
			if err != nil {
				return nil, fmt.Errorf("failed to build BHR histogram of table %d: %w", t, err)
			}
			row.BHR = &h
		}
		r.Risk = append(r.Risk, row)
	}
	return r, nil
}

func variableRow(e *engine.Engine, i int, v *variable.Variable) (VariableRow, error) {
	p, err := e.VarProperties(i)
	if err != nil {
		return VariableRow{}, err
	}
	row := VariableRow{
		Name:       v.Name,
		Kind:       kindOf(v),
		StartPos:   p.StartPos,
		Width:      p.Width,
		NCodes:     p.NCodes,
		NMissing:   p.NMissing,
		Suppressed: p.Suppressed,
		Entropy:    p.Entropy,
	}
	if v.Categorical {
		if row.Unsafe, err = e.UnsafeVariable(i); err != nil {
			return VariableRow{}, err
		}
	}
	return row, nil
}

func kindOf(v *variable.Variable) string {
	switch {
	case v.HHIdent:
		return "hhident"
	case v.Weight:
		return "weight"
	case v.Categorical && v.Numeric:
		return "categorical+numeric"
	case v.Categorical:
		return "categorical"
	case v.Numeric:
		return "numeric"
	}
	return "text"
}

// SetSafe records the result of the safe file run, refreshing the
// suppression counts of the variables
func (r *Report) SetSafe(res engine.SafeResult) {
	r.Safe = &res
	for i := range r.Variables {
		if i < len(res.Suppressed) {
			r.Variables[i].Suppressed = res.Suppressed[i]
		}
	}
}

// Sheet names of the workbook
const (
	SheetVariables = "Variables"
	SheetSubtables = "Subtables"
	SheetRisk      = "Risk"
	SheetSafe      = "Safe file"
)

// WriteWorkbook saves the report as an xlsx workbook
func (r *Report) WriteWorkbook(path string) error {
	f := excelize.NewFile()
	defer f.Close()

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}
	if err := f.SetSheetName("Sheet1", SheetVariables); err != nil {
		return fmt.Errorf("failed to rename sheet: %w", err)
	}

	w := &sheetWriter{f: f, bold: bold}
	w.sheet(SheetVariables, r.variableRows())
	w.sheet(SheetSubtables, r.subtableRows())
	if len(r.Risk) > 0 {
		w.sheet(SheetRisk, r.riskRows())
	}
	if r.Safe != nil {
		w.sheet(SheetSafe, r.safeRows())
	}
	if w.err != nil {
		return w.err
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save workbook: %w", err)
	}
	return nil
}

// sheetWriter writes sheets until the first error
type sheetWriter struct {
	f    *excelize.File
	bold int
	err  error
}

func (w *sheetWriter) sheet(name string, rows [][]any) {
	if w.err != nil {
		return
	}
	if idx, _ := w.f.GetSheetIndex(name); idx < 0 {
		if _, err := w.f.NewSheet(name); err != nil {
			w.err = fmt.Errorf("failed to create sheet %s: %w", name, err)
			return
		}
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			w.err = err
			return
		}
		if err := w.f.SetSheetRow(name, cell, &row); err != nil {
			w.err = fmt.Errorf("failed to write %s row %d: %w", name, i+1, err)
			return
		}
	}
	if err := w.f.SetRowStyle(name, 1, 1, w.bold); err != nil {
		w.err = fmt.Errorf("failed to style %s header: %w", name, err)
	}
}

func (r *Report) variableRows() [][]any {
	header := []any{"Name", "Kind", "Start", "Width", "Codes", "Missing", "Suppressed", "Entropy"}
	for d := 1; d <= r.MaxDim; d++ {
		header = append(header, fmt.Sprintf("Unsafe %dD", d))
	}
	rows := [][]any{header}
	for _, v := range r.Variables {
		row := []any{v.Name, v.Kind, v.StartPos, v.Width, v.NCodes, v.NMissing, v.Suppressed, v.Entropy}
		for _, n := range v.Unsafe {
			row = append(row, n)
		}
		rows = append(rows, row)
	}
	return rows
}

func (r *Report) subtableRows() [][]any {
	rows := [][]any{{"Dim", "Index", "Base", "Unsafe cells", "Variables"}}
	for _, s := range r.Subtables {
		rows = append(rows, []any{s.Dim, s.Index, s.Base, s.NUnsafe, s.Vars})
	}
	return rows
}

func (r *Report) riskRows() [][]any {
	rows := [][]any{{"Table", "Kind", "From", "To", "Records", "Households", "Ksi"}}
	for _, rr := range r.Risk {
		for k, n := range rr.BIR.Freq {
			rows = append(rows, []any{rr.Table, "BIR", rr.BIR.Bounds[k], rr.BIR.Bounds[k+1], n, nil, rr.BIR.Ksi})
		}
		if rr.BHR == nil {
			continue
		}
		for k := range rr.BHR.RecFreq {
			rows = append(rows, []any{rr.Table, "BHR", rr.BHR.Bounds[k], rr.BHR.Bounds[k+1],
				rr.BHR.RecFreq[k], rr.BHR.HHFreq[k], nil})
		}
	}
	return rows
}

func (r *Report) safeRows() [][]any {
	rows := [][]any{
		{"Item", "Value"},
		{"Records", r.Safe.Records},
		{"Unsafe records", r.Safe.Unsafe},
		{"Chosen by frequency", r.Safe.FreqChosen},
		{"Chosen by minimum", r.Safe.MinChosen},
	}
	for i, n := range r.Safe.Suppressed {
		if i < len(r.Variables) {
			rows = append(rows, []any{"Suppressed " + r.Variables[i].Name, n})
		}
	}
	return rows
}
