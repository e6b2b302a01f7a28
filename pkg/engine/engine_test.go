package engine

import (
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hkanpak21/sdcstats/pkg/errcode"
	"github.com/hkanpak21/sdcstats/pkg/microdata"
	"github.com/hkanpak21/sdcstats/pkg/pram"
	"github.com/hkanpak21/sdcstats/pkg/variable"
)

func writeData(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.asc")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func cat(name string, pos int) variable.Definition {
	return variable.Definition{Name: name, Pos: pos, Width: 1, Missing1: "9", Categorical: true, RelatedTo: -1}
}

func weight(pos int) variable.Definition {
	return variable.Definition{Name: "W", Pos: pos, Width: 4, Weight: true, RelatedTo: -1}
}

// abcData has one record with a rare combination of A, B and C
func abcData() []string {
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
	return lines
}

// abcEngine explores abcData with one three-dimensional table of
// threshold 2 and priorities 1, 2 and 3
func abcEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e := New(opts...)
	require.NoError(t, e.SetNumberVar(4))
	for i, name := range []string{"A", "B", "C"} {
		require.NoError(t, e.SetVariable(i, cat(name, i+1)))
	}
	require.NoError(t, e.SetVariable(3, weight(4)))
	require.NoError(t, e.SetNumberTab(1))
	require.NoError(t, e.SetTable(0, TableDef{Vars: []int{0, 1, 2}, Threshold: 2}))

	_, err := e.ExploreFile(writeData(t, abcData()...))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, e.SetSuppressPriority(i, i+1))
	}
	return e
}

func safeFile(t *testing.T, e *Engine, opts SafeOptions) (SafeResult, []string) {
	t.Helper()
	out := filepath.Join(t.TempDir(), "safe.asc")
	res, err := e.MakeFileSafe(out, opts)
	require.NoError(t, err)
	return res, readLines(t, out)
}

func TestSetupValidation(t *testing.T) {
	e := New()
	assert.True(t, errcode.Is(e.SetNumberTab(1), errcode.NoVariables))
	assert.True(t, errcode.Is(e.SetNumberVar(0), errcode.BadIndex))

	require.NoError(t, e.SetNumberVar(4))
	require.NoError(t, e.SetVariable(0, cat("A", 1)))
	require.NoError(t, e.SetVariable(1, cat("B", 2)))
	require.NoError(t, e.SetVariable(3, weight(4)))

	tests := []struct {
		name string
		err  error
		code errcode.Code
	}{
		{"variable index", e.SetVariable(4, cat("X", 5)), errcode.BadIndex},
		{"zero width", e.SetVariable(2, variable.Definition{Pos: 3, Categorical: true, Missing1: "9", RelatedTo: -1}), errcode.BadDefinition},
		{"self related", e.SetVariable(2, variable.Definition{Pos: 3, Width: 1, Missing1: "9", Categorical: true, RelatedTo: 2}), errcode.BadDefinition},
		{"numeric household variable", e.SetVariable(2, variable.Definition{Pos: 3, Width: 1, Missing1: "9", Numeric: true, HHVar: true, RelatedTo: -1}), errcode.BadDefinition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, tt.err)
			assert.Equal(t, tt.code, errcode.CodeOf(tt.err))
		})
	}

	require.NoError(t, e.SetVariable(2, cat("C", 3)))
	require.NoError(t, e.SetNumberTab(2))
	tables := []struct {
		name string
		idx  int
		def  TableDef
		code errcode.Code
	}{
		{"table index", 2, TableDef{Vars: []int{0}}, errcode.BadIndex},
		{"no dimensions", 0, TableDef{}, errcode.BadDefinition},
		{"decreasing", 0, TableDef{Vars: []int{1, 0}}, errcode.BadDefinition},
		{"repeated", 0, TableDef{Vars: []int{1, 1}}, errcode.BadDefinition},
		{"weight dimension", 0, TableDef{Vars: []int{0, 3}}, errcode.BadDefinition},
		{"negative threshold", 0, TableDef{Vars: []int{0}, Threshold: -1}, errcode.BadDefinition},
		{"bir without weight", 0, TableDef{Vars: []int{0}, BIR: true, WeightVar: 1}, errcode.BadDefinition},
	}
	for _, tt := range tables {
		t.Run(tt.name, func(t *testing.T) {
			err := e.SetTable(tt.idx, tt.def)
			require.Error(t, err)
			assert.Equal(t, tt.code, errcode.CodeOf(err))
		})
	}
	require.NoError(t, e.SetTable(0, TableDef{Vars: []int{0, 1}, BIR: true, WeightVar: 3}))
	require.NoError(t, e.SetTable(1, TableDef{Vars: []int{2}, WeightVar: 3}))
	assert.Equal(t, 2, e.NumTables())
}

func TestExploreFile(t *testing.T) {
	var ticks []int64
	e := abcEngine(t, WithProgress(func(s Stage, n int64) {
		if s == StageExplore {
			ticks = append(ticks, n)
		}
	}, 5))

	assert.Equal(t, int64(12), e.Records())
	assert.Equal(t, int64(0), e.Households())
	assert.Equal(t, []int64{5, 10, 12}, ticks)

	a, err := e.Variable(0)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3", "9"}, a.Codes)
	lo, hi, err := e.MinMax(3)
	require.NoError(t, err)
	assert.Equal(t, 10.0, lo)
	assert.Equal(t, 10.0, hi)

	_, _, err = e.MinMax(0)
	assert.True(t, errcode.Is(err, errcode.BadDefinition))
}

func TestExploreErrors(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		code  errcode.Code
		line  int
	}{
		{"empty", []string{""}, errcode.EmptyFile, 1},
		{"bad weight", []string{"111  10", "111  xx"}, errcode.WrongRecord, 2},
		{"wrong length", []string{"111  10", "111 10"}, errcode.WrongLength, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New()
			require.NoError(t, e.SetNumberVar(4))
			for i, name := range []string{"A", "B", "C"} {
				require.NoError(t, e.SetVariable(i, cat(name, i+1)))
			}
			require.NoError(t, e.SetVariable(3, weight(4)))

			_, err := e.ExploreFile(writeData(t, tt.lines...))
			require.Error(t, err)
			ec, ok := errcode.As(err)
			require.True(t, ok)
			assert.Equal(t, tt.code, ec.Code)
			assert.Equal(t, tt.line, ec.Line)
			assert.Equal(t, int64(0), e.Records())
		})
	}

	e := New()
	require.NoError(t, e.SetNumberVar(1))
	require.NoError(t, e.SetVariable(0, cat("A", 1)))
	_, err := e.ExploreFile(filepath.Join(t.TempDir(), "missing.asc"))
	assert.True(t, errcode.Is(err, errcode.FileNotFound))
}

func TestComputeTablesRequiresExploration(t *testing.T) {
	e := New()
	require.NoError(t, e.SetNumberVar(1))
	require.NoError(t, e.SetVariable(0, cat("A", 1)))
	require.NoError(t, e.SetNumberTab(1))
	require.NoError(t, e.SetTable(0, TableDef{Vars: []int{0}}))
	assert.True(t, errcode.Is(e.ComputeTables(), errcode.NotReady))

	_, err := e.MakeFileSafe(filepath.Join(t.TempDir(), "out"), SafeOptions{Format: microdata.OutFormat{Fixed: true}})
	assert.True(t, errcode.Is(err, errcode.NotReady))
	_, err = e.UnsafeVariable(0)
	assert.True(t, errcode.Is(err, errcode.NotReady))
}

func TestMemoryCap(t *testing.T) {
	e := abcEngine(t, WithMaxMemory(1))
	assert.True(t, errcode.Is(e.ComputeTables(), errcode.NotEnoughMemory))
	_, err := e.MaxUnsafe()
	assert.True(t, errcode.Is(err, errcode.NotReady))
}

func TestUnsafeQueries(t *testing.T) {
	e := abcEngine(t)
	require.NoError(t, e.ComputeTables())
	assert.Equal(t, 3, e.MaxDim())

	perVar := [][]int64{{1, 2, 1}, {0, 2, 1}, {0, 2, 1}}
	for v, want := range perVar {
		got, err := e.UnsafeVariable(v)
		require.NoError(t, err)
		assert.Equal(t, want, got, "variable %d", v)
	}
	_, err := e.UnsafeVariable(3)
	assert.True(t, errcode.Is(err, errcode.BadDefinition))

	codes, err := e.UnsafeVariableCodes(0)
	require.NoError(t, err)
	want := []CodeUnsafe{
		{Code: "1", Freq: 1, Unsafe: []int64{1, 2, 1}},
		{Code: "2", Freq: 8, Unsafe: []int64{0, 0, 0}},
		{Code: "3", Freq: 3, Unsafe: []int64{0, 0, 0}},
		{Code: "9", IsMissing: true, Freq: 0, Unsafe: []int64{0, 0, 0}},
	}
	if diff := cmp.Diff(want, codes); diff != "" {
		t.Errorf("unsafe codes mismatch (-want +got):\n%s", diff)
	}

	most, err := e.MaxUnsafe()
	require.NoError(t, err)
	assert.Equal(t, int64(1), most)

	uc, err := e.TableUC(3, 0)
	require.NoError(t, err)
	assert.Equal(t, TableUC{BaseTable: true, NUnsafe: 1, Vars: []int{0, 1, 2}}, uc)

	var pairs [][]int
	for k := 0; k < 3; k++ {
		uc, err := e.TableUC(2, k)
		require.NoError(t, err)
		assert.False(t, uc.BaseTable)
		assert.Equal(t, int64(1), uc.NUnsafe)
		pairs = append(pairs, uc.Vars)
	}
	assert.ElementsMatch(t, [][]int{{0, 1}, {0, 2}, {1, 2}}, pairs)

	_, err = e.TableUC(2, 3)
	assert.True(t, errcode.Is(err, errcode.BadIndex))
	_, err = e.TableUC(4, 0)
	assert.True(t, errcode.Is(err, errcode.BadIndex))
}

func TestRecodeAndApply(t *testing.T) {
	e := abcEngine(t)
	require.NoError(t, e.ComputeTables())

	tab, err := e.Table(0)
	require.NoError(t, err)
	origCells := append([]int64(nil), tab.Cell...)
	origCodes, err := e.UnsafeVariableCodes(0)
	require.NoError(t, err)

	rep, err := e.DoRecode(0, "1 : 1-2", "", "")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Untouched)
	require.NoError(t, e.ApplyRecode())

	codes, err := e.UnsafeVariableCodes(0)
	require.NoError(t, err)
	require.Len(t, codes, 3)
	assert.Equal(t, "1", codes[0].Code)
	assert.Equal(t, int64(9), codes[0].Freq)
	assert.Equal(t, "3", codes[1].Code)
	assert.Equal(t, int64(3), codes[1].Freq)

	got, err := e.UnsafeVariable(0)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1, 1}, got)

	require.NoError(t, e.UndoRecode(0))
	require.NoError(t, e.ApplyRecode())
	codes, err = e.UnsafeVariableCodes(0)
	require.NoError(t, err)
	assert.Len(t, codes, 4)
	if diff := cmp.Diff(origCodes, codes); diff != "" {
		t.Errorf("codes after undo mismatch (-want +got):\n%s", diff)
	}
	tab, err = e.Table(0)
	require.NoError(t, err)
	if diff := cmp.Diff(origCells, tab.Cell); diff != "" {
		t.Errorf("cells after undo mismatch (-want +got):\n%s", diff)
	}

	_, err = e.DoRecode(3, "1 : 1", "", "")
	assert.True(t, errcode.Is(err, errcode.RecodeVarIndex))
	_, err = e.DoRecode(0, "1  2 : 3", "", "")
	assert.Error(t, err)
}

func TestRecodeNeedsApply(t *testing.T) {
	e := abcEngine(t)
	require.NoError(t, e.ComputeTables())

	_, err := e.DoRecode(0, "1 : 1-2", "", "")
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "safe.asc")
	_, err = e.MakeFileSafe(out, SafeOptions{Priority: true, Format: microdata.OutFormat{Fixed: true}})
	assert.True(t, errcode.Is(err, errcode.NotReady), "safe file: %v", err)
	_, err = os.Stat(out)
	assert.True(t, os.IsNotExist(err))
	_, err = e.UnsafeVariable(0)
	assert.True(t, errcode.Is(err, errcode.NotReady))
	_, err = e.UnsafeVariableCodes(0)
	assert.True(t, errcode.Is(err, errcode.NotReady))
	_, err = e.TableUC(1, 0)
	assert.True(t, errcode.Is(err, errcode.NotReady))
	_, err = e.Table(0)
	assert.True(t, errcode.Is(err, errcode.NotReady))

	require.NoError(t, e.ApplyRecode())
	res, _ := safeFile(t, e, SafeOptions{Priority: true, Format: microdata.OutFormat{Fixed: true}})
	assert.Equal(t, int64(1), res.Unsafe)
	assert.Equal(t, []int64{0, 0, 1, 0}, res.Suppressed)

	require.NoError(t, e.UndoRecode(0))
	_, err = e.UnsafeVariable(0)
	assert.True(t, errcode.Is(err, errcode.NotReady), "undo also needs apply")
	require.NoError(t, e.ApplyRecode())
	_, err = e.UnsafeVariable(0)
	assert.NoError(t, err)
}

func TestFailedApplyKeepsTablesStale(t *testing.T) {
	// room for the base table only, not for a recoded instance next to it
	e := abcEngine(t, WithMaxMemory(4*3*3*8))
	require.NoError(t, e.ComputeTables())

	_, err := e.DoRecode(0, "1 : 1-2", "", "")
	require.NoError(t, err)
	assert.True(t, errcode.Is(e.ApplyRecode(), errcode.NotEnoughMemory))

	_, err = e.MakeFileSafe(filepath.Join(t.TempDir(), "safe.asc"), SafeOptions{Priority: true})
	assert.True(t, errcode.Is(err, errcode.NotReady))

	require.NoError(t, e.UndoRecode(0))
	require.NoError(t, e.ApplyRecode())
	_, err = e.UnsafeVariable(0)
	assert.NoError(t, err)
}

func TestRecodeNeedsExploration(t *testing.T) {
	e := New()
	require.NoError(t, e.SetNumberVar(1))
	require.NoError(t, e.SetVariable(0, cat("A", 1)))
	_, err := e.DoRecode(0, "1 : 1", "", "")
	assert.True(t, errcode.Is(err, errcode.RecodeNoMetadata))
}

func TestMakeFileSafe(t *testing.T) {
	e := abcEngine(t)
	require.NoError(t, e.ComputeTables())

	res, lines := safeFile(t, e, SafeOptions{Priority: true, Format: microdata.OutFormat{Fixed: true}})
	assert.Equal(t, int64(12), res.Records)
	assert.Equal(t, int64(1), res.Unsafe)
	assert.Equal(t, []int64{1, 1, 0, 0}, res.Suppressed)
	assert.Equal(t, int64(1), res.FreqChosen)

	want := abcData()
	want[0] = "991  10"
	assert.Equal(t, want, lines)

	p, err := e.VarProperties(0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Suppressed)
}

func TestMakeFileSafeRemovesOutputOnShortFile(t *testing.T) {
	e := abcEngine(t)
	require.NoError(t, e.ComputeTables())

	// the file loses its last record after exploration
	data := abcData()
	require.NoError(t, os.WriteFile(e.path, []byte(strings.Join(data[:len(data)-1], "\n")+"\n"), 0o644))

	out := filepath.Join(t.TempDir(), "safe.asc")
	_, err := e.MakeFileSafe(out, SafeOptions{Priority: true, Randomize: true, Format: microdata.OutFormat{Fixed: true}})
	assert.True(t, errcode.Is(err, errcode.ProgramError), "got %v", err)
	_, err = os.Stat(out)
	assert.True(t, os.IsNotExist(err), "safe file left behind")
}

func TestMakeFileSafeWithoutMetric(t *testing.T) {
	e := abcEngine(t)
	require.NoError(t, e.ComputeTables())
	res, lines := safeFile(t, e, SafeOptions{Format: microdata.OutFormat{Fixed: true}})
	assert.Equal(t, abcData(), lines)
	assert.Equal(t, []int64{0, 0, 0, 0}, res.Suppressed)
}

func TestMakeFileSafeFreeFormat(t *testing.T) {
	e := abcEngine(t)
	require.NoError(t, e.ComputeTables())
	_, lines := safeFile(t, e, SafeOptions{
		Priority: true,
		Format:   microdata.OutFormat{Separator: ";", Header: "A;B;C;W", QuoteStrings: true},
	})
	require.Len(t, lines, 13)
	assert.Equal(t, "A;B;C;W", lines[0])
	assert.Equal(t, `"9";"9";"1";10`, lines[1])
	assert.Equal(t, `"2";"2";"2";10`, lines[2])
}

func TestRandomizedOrder(t *testing.T) {
	e := abcEngine(t, WithSeed("order"))
	require.NoError(t, e.ComputeTables())
	format := microdata.OutFormat{Fixed: true}

	_, plain := safeFile(t, e, SafeOptions{Priority: true, Format: format})
	_, shuffled := safeFile(t, e, SafeOptions{Priority: true, Randomize: true, Format: format})
	require.Len(t, shuffled, len(plain))
	sort.Strings(plain)
	sort.Strings(shuffled)
	assert.Equal(t, plain, shuffled)
}

func TestScramble(t *testing.T) {
	src, err := pram.NewSource("scramble")
	require.NoError(t, err)
	for _, n := range []int64{1, 2, 3, 9, 10, 12, 97, 1000} {
		stride, slot := scramble(n, src)
		seen := make(map[int64]bool, n)
		for i := int64(0); i < n; i++ {
			seen[slot] = true
			slot = (slot + stride) % n
		}
		assert.Len(t, seen, int(n), "n=%d stride=%d", n, stride)
	}
}

func TestPram(t *testing.T) {
	e := abcEngine(t, WithSeed("pram"))
	require.NoError(t, e.ComputeTables())

	require.NoError(t, e.SetPramVar(0, pram.NoBandWidth))
	require.NoError(t, e.SetPramValue(0, 0, 0))
	assert.Error(t, e.ClosePramVar(0))
	require.NoError(t, e.SetPramValue(0, 1, 0))
	require.NoError(t, e.SetPramValue(0, 2, 0))
	assert.Error(t, e.SetPramValue(0, 3, 0))
	require.NoError(t, e.ClosePramVar(0))

	code, pct, err := e.VarCode(0, 1)
	require.NoError(t, err)
	assert.Equal(t, "2", code)
	assert.Equal(t, 0, pct)

	res, lines := safeFile(t, e, SafeOptions{Priority: true, Format: microdata.OutFormat{Fixed: true}})
	in := abcData()
	for i, l := range lines {
		assert.NotEqual(t, in[i][:1], l[:1], "line %d keeps its code", i+1)
		assert.NotEqual(t, "9", l[:1])
	}
	assert.Equal(t, "91", lines[0][1:3])
	assert.Equal(t, []int64{0, 1, 0, 0}, res.Suppressed)

	require.NoError(t, e.UndoPram(0))
	_, pct, err = e.VarCode(0, 1)
	require.NoError(t, err)
	assert.Equal(t, -1, pct)
}

func TestPramRetainsEverything(t *testing.T) {
	e := abcEngine(t, WithSeed("keep"))
	require.NoError(t, e.ComputeTables())
	require.NoError(t, e.SetPramVar(1, 1))
	require.NoError(t, e.SetPramValue(1, 0, 100))
	require.NoError(t, e.SetPramValue(1, 1, 100))
	require.NoError(t, e.ClosePramVar(1))

	_, lines := safeFile(t, e, SafeOptions{Priority: true, Format: microdata.OutFormat{Fixed: true}})
	// with B perturbed only A and its pair with C stay unsafe
	want := abcData()
	want[0] = "911  10"
	assert.Equal(t, want, lines)
}

func numericEngine(t *testing.T) *Engine {
	t.Helper()
	e := New(WithSeed("noise"))
	require.NoError(t, e.SetNumberVar(3))
	require.NoError(t, e.SetVariable(0, cat("A", 1)))
	require.NoError(t, e.SetVariable(1, variable.Definition{Name: "N", Pos: 2, Width: 3, Missing1: "999", Numeric: true, RelatedTo: -1}))
	require.NoError(t, e.SetVariable(2, weight(5)))
	require.NoError(t, e.SetNumberTab(1))
	require.NoError(t, e.SetTable(0, TableDef{Vars: []int{0}}))
	_, err := e.ExploreFile(writeData(t, "1 12  10", "2137  20", "1999  30", "2 55  40"))
	require.NoError(t, err)
	require.NoError(t, e.ComputeTables())
	return e
}

func TestNumericOptions(t *testing.T) {
	e := numericEngine(t)
	lo, hi, err := e.MinMax(1)
	require.NoError(t, err)
	assert.Equal(t, 12.0, lo)
	assert.Equal(t, 137.0, hi)

	require.NoError(t, e.SetRound(1, 10, 0))
	require.NoError(t, e.SetTopCoding(1, 100, "TOP"))
	require.NoError(t, e.SetBottomCoding(1, 10, "LOW"))
	assert.Error(t, e.SetRound(0, 10, 0))
	assert.Error(t, e.SetTopCoding(1, 100, ""))

	format := microdata.OutFormat{Separator: ","}
	_, lines := safeFile(t, e, SafeOptions{Priority: true, Format: format})
	assert.Equal(t, []string{"1,LOW,10", "2,TOP,20", "1,999,30", "2,60,40"}, lines)

	p, err := e.VarProperties(1)
	require.NoError(t, err)
	assert.Equal(t, 2, p.StartPos)
	assert.Equal(t, 3, p.Width)

	e.ClearOptions()
	_, lines = safeFile(t, e, SafeOptions{Priority: true, Format: format})
	assert.Equal(t, []string{"1,12,10", "2,137,20", "1,999,30", "2,55,40"}, lines)
}

func TestWeightNoise(t *testing.T) {
	e := numericEngine(t)
	assert.True(t, errcode.Is(e.SetWeightNoise(1, 10), errcode.BadDefinition))
	assert.True(t, errcode.Is(e.SetWeightNoise(2, 0), errcode.BadDefinition))
	require.NoError(t, e.SetWeightNoise(2, 10))

	_, lines := safeFile(t, e, SafeOptions{Priority: true, Format: microdata.OutFormat{Separator: ","}})
	for i, l := range lines {
		f := strings.Split(l, ",")
		require.Len(t, f, 3)
		w, err := strconv.ParseFloat(f[2], 64)
		require.NoError(t, err)
		orig := float64(10 * (i + 1))
		assert.InDelta(t, orig, w, orig*0.1+0.5, "line %d", i+1)
	}
}

func TestRoundTo(t *testing.T) {
	tests := []struct {
		d, base, want float64
	}{
		{12, 10, 10},
		{15, 10, 20},
		{-15, 10, -20},
		{0.26, 0.5, 0.5},
		{137, 5, 135},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, roundTo(tt.d, tt.base), 1e-9, "roundTo(%g, %g)", tt.d, tt.base)
	}
}

func TestEntropy(t *testing.T) {
	assert.InDelta(t, 1.0, entropy([]int64{1, 1}), 1e-12)
	assert.InDelta(t, 2.0, entropy([]int64{3, 3, 3, 3}), 1e-12)
	assert.InDelta(t, 0.0, entropy([]int64{4, 0}), 1e-12)
	assert.Equal(t, 0.0, entropy([]int64{0, 0}))

	e := abcEngine(t)
	require.NoError(t, e.ComputeTables())
	_, err := e.MakeFileSafe(filepath.Join(t.TempDir(), "safe"), SafeOptions{Entropy: true, Format: microdata.OutFormat{Fixed: true}})
	require.NoError(t, err)

	// A has no one-dimensional base table but its subtable is derived
	p, err := e.VarProperties(0)
	require.NoError(t, err)
	want := math.Log2(12) - (8*math.Log(8)+3*math.Log(3))/(12*math.Ln2)
	assert.InDelta(t, want, p.Entropy, 1e-9)
	p, err = e.VarProperties(3)
	require.NoError(t, err)
	assert.Equal(t, -1.0, p.Entropy)
}

func TestWriteVariables(t *testing.T) {
	e := abcEngine(t)
	out := filepath.Join(t.TempDir(), "vars.txt")
	n, err := e.WriteVariables(out, []int{0, 2}, ",")
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
	lines := readLines(t, out)
	require.Len(t, lines, 12)
	assert.Equal(t, "1,1", lines[0])
	assert.Equal(t, "2,2", lines[1])
	assert.Equal(t, "3,1", lines[6])

	_, err = e.WriteVariables(out, []int{3}, ",")
	assert.True(t, errcode.Is(err, errcode.BadDefinition))
	_, err = e.WriteVariables(out, nil, ",")
	assert.True(t, errcode.Is(err, errcode.BadDefinition))
}

func TestVarProperties(t *testing.T) {
	e := abcEngine(t)
	p, err := e.VarProperties(0)
	require.NoError(t, err)
	assert.Equal(t, VarProperties{
		StartPos:  1,
		Width:     1,
		Entropy:   -1,
		BandWidth: pram.NoBandWidth,
		Missing1:  "9",
		NCodes:    3,
		NMissing:  1,
	}, p)

	p, err = e.VarProperties(3)
	require.NoError(t, err)
	assert.Equal(t, 4, p.StartPos)
	assert.Equal(t, 4, p.Width)

	_, _, err = e.VarCode(0, 4)
	assert.True(t, errcode.Is(err, errcode.BadIndex))
	code, pct, err := e.VarCode(0, 3)
	require.NoError(t, err)
	assert.Equal(t, "9", code)
	assert.Equal(t, -1, pct)
}

// householdData has two members in household 01, the first with a rare
// combination of its household variable A and B
func householdData() []string {
	return []string{"0111", "0112", "0222", "0222", "0322", "0322", "0412", "0412", "0521", "0521"}
}

func householdEngine(t *testing.T) *Engine {
	t.Helper()
	e := New()
	require.NoError(t, e.SetNumberVar(3))
	require.NoError(t, e.SetVariable(0, variable.Definition{Name: "H", Pos: 1, Width: 2, HHIdent: true, RelatedTo: -1}))
	a := cat("A", 3)
	a.HHVar = true
	require.NoError(t, e.SetVariable(1, a))
	require.NoError(t, e.SetVariable(2, cat("B", 4)))
	require.NoError(t, e.SetNumberTab(1))
	require.NoError(t, e.SetTable(0, TableDef{Vars: []int{1, 2}, Threshold: 1}))

	exp, err := e.ExploreFile(writeData(t, householdData()...))
	require.NoError(t, err)
	assert.Equal(t, int64(5), exp.Households)
	require.NoError(t, e.SetSuppressPriority(1, 1))
	require.NoError(t, e.SetSuppressPriority(2, 5))
	require.NoError(t, e.ComputeTables())
	return e
}

func TestHouseholdOptions(t *testing.T) {
	e := householdEngine(t)
	format := microdata.OutFormat{Fixed: true}

	tests := []struct {
		name string
		opt  HHOption
		want []string
	}{
		{"keep", HHKeep, []string{"0191", "0192", "0222", "0222", "0322", "0322", "0412", "0412", "0521", "0521"}},
		{"seqno", HHChangeSeqNo, []string{" 191", " 192", " 222", " 222", " 322", " 322", " 412", " 412", " 521", " 521"}},
		{"delete", HHDelete, []string{"91", "92", "22", "22", "22", "22", "12", "12", "21", "21"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, lines := safeFile(t, e, SafeOptions{Priority: true, HHIdent: tt.opt, Format: format})
			assert.Equal(t, tt.want, lines)
			assert.Equal(t, int64(1), res.Unsafe)
			assert.Equal(t, []int64{0, 2, 0}, res.Suppressed)
		})
	}

	// without household processing only the unsafe record loses A
	res, lines := safeFile(t, e, SafeOptions{Priority: true, Format: format})
	assert.Equal(t, "0191", lines[0])
	assert.Equal(t, "0112", lines[1])
	assert.Equal(t, []int64{0, 1, 0}, res.Suppressed)
}

func TestHouseholdOptionWithoutIdentifier(t *testing.T) {
	e := abcEngine(t)
	require.NoError(t, e.ComputeTables())
	_, err := e.MakeFileSafe(filepath.Join(t.TempDir(), "out"),
		SafeOptions{HHIdent: HHKeep, Format: microdata.OutFormat{Fixed: true}})
	assert.True(t, errcode.Is(err, errcode.NoHouseholds))
}

func TestParseHHOption(t *testing.T) {
	for _, o := range []HHOption{HHNo, HHKeep, HHChangeSeqNo, HHDelete} {
		got, err := ParseHHOption(o.String())
		require.NoError(t, err)
		assert.Equal(t, o, got)
	}
	_, err := ParseHHOption("merge")
	assert.Error(t, err)
}

// birEngine has one BIR table over A with every weight 10; the record with
// A=1 is alone in its cell and shares household 01 with an A=2 record
func birEngine(t *testing.T) *Engine {
	t.Helper()
	e := New()
	require.NoError(t, e.SetNumberVar(3))
	require.NoError(t, e.SetVariable(0, variable.Definition{Name: "H", Pos: 1, Width: 2, HHIdent: true, RelatedTo: -1}))
	require.NoError(t, e.SetVariable(1, cat("A", 3)))
	require.NoError(t, e.SetVariable(2, weight(4)))
	require.NoError(t, e.SetNumberTab(1))
	require.NoError(t, e.SetTable(0, TableDef{Vars: []int{1}, BIR: true, WeightVar: 2}))
	_, err := e.ExploreFile(writeData(t, "011  10", "012  10", "022  10", "032  10", "042  10"))
	require.NoError(t, err)
	require.NoError(t, e.SetSuppressPriority(1, 1))
	require.NoError(t, e.ComputeTables())
	return e
}

func TestBIRQueries(t *testing.T) {
	e := birEngine(t)
	assert.Equal(t, int64(4), e.Households())

	n, err := e.SetBIRThreshold(0, math.Log(0.2))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	h, err := e.BIRHistogram(0, 4)
	require.NoError(t, err)
	var total int64
	for _, f := range h.Freq {
		total += f
	}
	assert.Equal(t, int64(5), total)
	assert.Equal(t, int64(1), h.Freq[3])

	rate, err := e.BIRRate(0, 1)
	require.NoError(t, err)
	assert.InDelta(t, h.Ksi, rate, 1e-12)
	capped, err := e.BIRRate(0, 0.01)
	require.NoError(t, err)
	assert.InDelta(t, 0.01, capped, 1e-12)

	level, err := e.CalculateBIRFreq(0, 4)
	require.NoError(t, err)
	assert.Greater(t, level, 0.0)
	assert.Less(t, level, 0.2)

	hh, err := e.BHRHistogram(0, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 1}, hh.HHFreq)
	assert.Equal(t, []int64{3, 2}, hh.RecFreq)

	nHH, nRec, err := e.SetBHRThreshold(0, math.Log(0.2))
	require.NoError(t, err)
	assert.Equal(t, int64(1), nHH)
	assert.Equal(t, int64(2), nRec)

	bhr, err := e.CalculateBHRFreq(0, true, 3, 0)
	require.NoError(t, err)
	assert.Less(t, bhr, 0.2)
}

func TestBIRSafeFile(t *testing.T) {
	e := birEngine(t)
	_, err := e.SetBIRThreshold(0, math.Log(0.2))
	require.NoError(t, err)
	_, _, err = e.SetBHRThreshold(0, math.Log(0.2))
	require.NoError(t, err)

	res, lines := safeFile(t, e, SafeOptions{Priority: true, HHIdent: HHKeep, Format: microdata.OutFormat{Fixed: true}})
	assert.Equal(t, int64(1), res.Unsafe)
	assert.Equal(t, []string{"019  10", "012  10", "022  10", "032  10", "042  10"}, lines)

	_, lines = safeFile(t, e, SafeOptions{Priority: true, HHIdent: HHKeep, PrintRisk: true, Format: microdata.OutFormat{Separator: " "}})
	f := strings.Fields(lines[0])
	require.Len(t, f, 5)
	r, err := strconv.ParseFloat(f[3], 64)
	require.NoError(t, err)
	assert.InDelta(t, 0.1/0.9*math.Log(10), r, 1e-8)
}

func TestBIRErrors(t *testing.T) {
	e := abcEngine(t)
	require.NoError(t, e.ComputeTables())
	_, err := e.SetBIRThreshold(0, 0)
	assert.True(t, errcode.Is(err, errcode.NoBIRTable))
	_, err = e.BIRHistogram(1, 4)
	assert.True(t, errcode.Is(err, errcode.BadIndex))

	e = New()
	require.NoError(t, e.SetNumberVar(2))
	require.NoError(t, e.SetVariable(0, cat("A", 1)))
	require.NoError(t, e.SetVariable(1, weight(2)))
	require.NoError(t, e.SetNumberTab(1))
	require.NoError(t, e.SetTable(0, TableDef{Vars: []int{0}, BIR: true, WeightVar: 1}))
	_, err = e.ExploreFile(writeData(t, "1  10", "2  10"))
	require.NoError(t, err)
	require.NoError(t, e.ComputeTables())
	_, err = e.BHRHistogram(0, 4)
	assert.True(t, errcode.Is(err, errcode.NoHouseholds))
}

func TestTable(t *testing.T) {
	e := abcEngine(t)
	_, err := e.Table(0)
	assert.True(t, errcode.Is(err, errcode.NotReady))

	require.NoError(t, e.ComputeTables())
	tab, err := e.Table(0)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, tab.Vars)
	assert.Equal(t, int64(12), tab.Records())

	_, err = e.DoRecode(0, "1 : 1-2", "", "")
	require.NoError(t, err)
	require.NoError(t, e.ApplyRecode())
	recoded, err := e.Table(0)
	require.NoError(t, err)
	assert.Less(t, recoded.NCell(), tab.NCell())

	_, err = e.Table(1)
	assert.True(t, errcode.Is(err, errcode.BadIndex))
}
