package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/hkanpak21/sdcstats/pkg/engine"
	"github.com/hkanpak21/sdcstats/pkg/microdata"
	"github.com/hkanpak21/sdcstats/pkg/table"
	"github.com/hkanpak21/sdcstats/pkg/variable"
)

// surveyEngine has one record with a rare combination of A, B and C
func surveyEngine(t *testing.T) *engine.Engine {
	t.Helper()
	lines := []string{"111  10"}
	for i := 0; i < 5; i++ {
		lines = append(lines, "222  10")
	}
	for i := 0; i < 3; i++ {
		lines = append(lines, "321  10")
	}
	for i := 0; i < 3; i++ {
		lines = append(lines, "212  10")
	}
	path := filepath.Join(t.TempDir(), "survey.asc")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	e := engine.New()
	require.NoError(t, e.SetNumberVar(4))
	for i, name := range []string{"A", "B", "C"} {
		require.NoError(t, e.SetVariable(i, variable.Definition{
			Name: name, Pos: i + 1, Width: 1, Missing1: "9", Categorical: true, RelatedTo: -1,
		}))
	}
	require.NoError(t, e.SetVariable(3, variable.Definition{Name: "W", Pos: 4, Width: 4, Weight: true, RelatedTo: -1}))
	require.NoError(t, e.SetNumberTab(1))
	require.NoError(t, e.SetTable(0, engine.TableDef{Vars: []int{0, 1, 2}, Threshold: 2, WeightVar: -1}))
	_, err := e.ExploreFile(path)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, e.SetSuppressPriority(i, i+1))
	}
	require.NoError(t, e.ComputeTables())
	return e
}

func safeReport(t *testing.T) *Report {
	t.Helper()
	e := surveyEngine(t)
	r, err := Collect(e, "survey", 0)
	require.NoError(t, err)

	res, err := e.MakeFileSafe(filepath.Join(t.TempDir(), "safe.asc"),
		engine.SafeOptions{Priority: true, Format: microdata.OutFormat{Fixed: true}})
	require.NoError(t, err)
	r.SetSafe(res)
	return r
}

func TestCollect(t *testing.T) {
	r, err := Collect(surveyEngine(t), "survey", 0)
	require.NoError(t, err)

	assert.Equal(t, int64(12), r.Records)
	assert.Equal(t, 3, r.MaxDim)
	require.Len(t, r.Variables, 4)

	a := r.Variables[0]
	assert.Equal(t, "A", a.Name)
	assert.Equal(t, "categorical", a.Kind)
	assert.Equal(t, 1, a.StartPos)
	assert.Equal(t, 3, a.NCodes)
	assert.Equal(t, []int64{1, 2, 1}, a.Unsafe)

	w := r.Variables[3]
	assert.Equal(t, "weight", w.Kind)
	assert.Empty(t, w.Unsafe)

	require.NotEmpty(t, r.Subtables)
	assert.Equal(t, 1, r.Subtables[0].Dim)
	last := r.Subtables[len(r.Subtables)-1]
	assert.Equal(t, SubtableRow{Dim: 3, Index: 0, Base: true, NUnsafe: 1, Vars: "A x B x C"}, last)
	assert.Empty(t, r.Risk)
	assert.Nil(t, r.Safe)
}

func TestCollectNeedsTables(t *testing.T) {
	e := engine.New()
	require.NoError(t, e.SetNumberVar(1))
	require.NoError(t, e.SetVariable(0, variable.Definition{Name: "A", Pos: 1, Width: 1, Missing1: "9", Categorical: true, RelatedTo: -1}))
	_, err := Collect(e, "empty", 0)
	assert.Error(t, err)
}

func TestSetSafe(t *testing.T) {
	r := safeReport(t)
	require.NotNil(t, r.Safe)
	assert.Equal(t, int64(1), r.Safe.Unsafe)
	assert.Equal(t, int64(1), r.Variables[0].Suppressed)
	assert.Equal(t, int64(1), r.Variables[1].Suppressed)
	assert.Equal(t, int64(0), r.Variables[2].Suppressed)
}

func TestWriteWorkbook(t *testing.T) {
	r := safeReport(t)
	r.Risk = []RiskRow{{
		Table: 0,
		BIR:   table.Histogram{Bounds: []float64{-3, -2, -1}, Freq: []int64{10, 2}, Ksi: 0.05},
	}}

	path := filepath.Join(t.TempDir(), "report.xlsx")
	require.NoError(t, r.WriteWorkbook(path))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{SheetVariables, SheetSubtables, SheetRisk, SheetSafe}, f.GetSheetList())

	rows, err := f.GetRows(SheetVariables)
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.Equal(t, []string{"Name", "Kind", "Start", "Width", "Codes", "Missing", "Suppressed", "Entropy",
		"Unsafe 1D", "Unsafe 2D", "Unsafe 3D"}, rows[0])
	assert.Equal(t, "A", rows[1][0])
	assert.Equal(t, []string{"1", "2", "1"}, rows[1][8:])

	rows, err = f.GetRows(SheetRisk)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "BIR", rows[1][1])
	assert.Equal(t, "10", rows[1][4])

	rows, err = f.GetRows(SheetSafe)
	require.NoError(t, err)
	assert.Equal(t, []string{"Records", "12"}, rows[1])
	assert.Equal(t, []string{"Suppressed A", "1"}, rows[5])
}

func TestWriteWorkbookBadPath(t *testing.T) {
	r := &Report{Setup: "x"}
	err := r.WriteWorkbook(filepath.Join(t.TempDir(), "missing", "report.xlsx"))
	assert.Error(t, err)
}

func TestMetrics(t *testing.T) {
	r := safeReport(t)
	r.Risk = []RiskRow{{Table: 0, BIR: table.Histogram{Ksi: 0.25}}}

	m := NewMetrics("survey")
	m.Observe(r)
	path := filepath.Join(t.TempDir(), "sdc.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	for _, want := range []string{
		`sdc_records{setup="survey"} 12`,
		`sdc_unsafe_records{setup="survey"} 1`,
		`sdc_suppressed_values{setup="survey",variable="A"} 1`,
		`sdc_suppressed_values{setup="survey",variable="C"} 0`,
		`sdc_unsafe_combinations{dim="2",setup="survey",variable="A"} 2`,
		`sdc_subtable_unsafe_cells{setup="survey",subtable="A x B x C"} 1`,
		`sdc_reidentification_rate{setup="survey",table="0"} 0.25`,
	} {
		assert.Contains(t, text, want)
	}

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	assert.Len(t, families, 6)
}
