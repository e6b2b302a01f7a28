// Package engine drives the disclosure control run over one microdata
// file: variable and table setup, exploration, table computation, unsafe
// queries, recoding, risk thresholds and the safe file.
package engine

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/hkanpak21/sdcstats/pkg/errcode"
	"github.com/hkanpak21/sdcstats/pkg/household"
	"github.com/hkanpak21/sdcstats/pkg/microdata"
	"github.com/hkanpak21/sdcstats/pkg/pram"
	"github.com/hkanpak21/sdcstats/pkg/risk"
	"github.com/hkanpak21/sdcstats/pkg/table"
	"github.com/hkanpak21/sdcstats/pkg/variable"
)

const (
	// DefaultMaxMemory caps the estimated size of all table cells
	DefaultMaxMemory int64 = 50_000_000

	// DefaultProgressInterval is the number of records between progress
	// callbacks
	DefaultProgressInterval = 1000
)

// Stage names a pass over the data file
type Stage string

const (
	StageExplore    Stage = "explore"
	StageTables     Stage = "tables"
	StageHouseholds Stage = "households"
	StageSafe       Stage = "safe"
	StageExtract    Stage = "extract"
)

// ProgressFunc receives the number of records processed in a pass
type ProgressFunc func(stage Stage, records int64)

// TableDef declares one cross-tabulation
type TableDef struct {
	Vars      []int `json:"vars" yaml:"vars"`
	Threshold int64 `json:"threshold" yaml:"threshold"`

	// BIR selects the risk rule; WeightVar then names the weight variable
	BIR       bool `json:"bir,omitempty" yaml:"bir,omitempty"`
	WeightVar int  `json:"weight_var" yaml:"weight_var"`
}

// tableState is a declared table with its computed instances
type tableState struct {
	def TableDef

	// log risk thresholds, kept across recomputations
	birThreshold float64
	bhrThreshold float64

	base    *table.Table
	recoded *table.Table
}

// active returns the recoded instance when one exists
func (ts *tableState) active() *table.Table {
	if ts.recoded != nil {
		return ts.recoded
	}
	return ts.base
}

// Engine holds the state of one disclosure control run. It is not safe
// for concurrent use.
type Engine struct {
	log           *slog.Logger
	model         risk.Model
	maxMemory     int64
	progress      ProgressFunc
	progressEvery int64
	seed          string

	vars   []*variable.Variable
	tabs   []*tableState
	format microdata.Format

	// set by ExploreFile
	path        string
	explored    bool
	nRecords    int64
	nHouseholds int64
	hhIdent     int

	// set by ComputeTables
	lattice    *table.Lattice
	households household.List

	// a recode changed the active codes since the tables were last built
	recodePending bool
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

// WithRiskModel selects the individual risk model
func WithRiskModel(m risk.Model) Option {
	return func(e *Engine) {
		e.model = m
	}
}

// WithMaxMemory sets the cap on the estimated table memory in bytes
func WithMaxMemory(n int64) Option {
	return func(e *Engine) {
		e.maxMemory = n
	}
}

// WithProgress registers a progress callback fired every interval records
func WithProgress(fn ProgressFunc, interval int64) Option {
	return func(e *Engine) {
		e.progress = fn
		if interval > 0 {
			e.progressEvery = interval
		}
	}
}

// WithSeed keys the random source of PRAM, record shuffling and weight
// noise; an empty seed draws a fresh key per run
func WithSeed(seed string) Option {
	return func(e *Engine) {
		e.seed = seed
	}
}

// New creates an engine
func New(opts ...Option) *Engine {
	e := &Engine{
		log:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		model:         risk.Model1,
		maxMemory:     DefaultMaxMemory,
		progressEvery: DefaultProgressInterval,
		format:        microdata.Format{Fixed: true},
		hhIdent:       -1,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With("component", "engine")
	return e
}

// SetNumberVar clears every variable and table and reserves n variables
func (e *Engine) SetNumberVar(n int) error {
	if n < 1 {
		return errcode.Wrap(errcode.BadIndex, fmt.Errorf("number of variables %d", n))
	}
	e.vars = make([]*variable.Variable, n)
	e.tabs = nil
	e.resetExplore()
	return nil
}

// SetVariable defines variable i
func (e *Engine) SetVariable(i int, def variable.Definition) error {
	if err := e.checkVar(i); err != nil {
		return err
	}
	if def.RelatedTo != -1 && (def.RelatedTo < 0 || def.RelatedTo >= len(e.vars) || def.RelatedTo == i) {
		return errcode.Wrap(errcode.BadDefinition,
			fmt.Errorf("related variable %d", def.RelatedTo)).ForVar(i)
	}
	if def.HHVar && !def.Categorical {
		return errcode.Wrap(errcode.BadDefinition,
			fmt.Errorf("household variable must be categorical")).ForVar(i)
	}
	v, err := variable.New(i, def)
	if err != nil {
		return err
	}
	e.vars[i] = v
	e.resetExplore()
	return nil
}

// SetNumberTab clears the tables and reserves n tables
func (e *Engine) SetNumberTab(n int) error {
	if len(e.vars) == 0 {
		return errcode.New(errcode.NoVariables)
	}
	if n < 1 {
		return errcode.Wrap(errcode.BadIndex, fmt.Errorf("number of tables %d", n))
	}
	e.tabs = make([]*tableState, n)
	e.resetTables()
	return nil
}

// SetTable declares table i
func (e *Engine) SetTable(i int, def TableDef) error {
	if i < 0 || i >= len(e.tabs) {
		return errcode.New(errcode.BadIndex).ForTable(i)
	}
	if len(def.Vars) < 1 || len(def.Vars) > table.MaxDim {
		return errcode.Wrap(errcode.BadDefinition,
			fmt.Errorf("%d dimensions out of range 1..%d", len(def.Vars), table.MaxDim)).ForTable(i)
	}
	for k, v := range def.Vars {
		if v < 0 || v >= len(e.vars) || e.vars[v] == nil || !e.vars[v].Categorical {
			return errcode.Wrap(errcode.BadDefinition,
				fmt.Errorf("dimension %d is not a categorical variable", v)).ForTable(i)
		}
		if k > 0 && v <= def.Vars[k-1] {
			return errcode.Wrap(errcode.BadDefinition,
				fmt.Errorf("dimensions %v not strictly increasing", def.Vars)).ForTable(i)
		}
	}
	if def.Threshold < 0 {
		return errcode.Wrap(errcode.BadDefinition, fmt.Errorf("negative threshold")).ForTable(i)
	}
	if def.BIR {
		w := def.WeightVar
		if w < 0 || w >= len(e.vars) || e.vars[w] == nil || !e.vars[w].Weight {
			return errcode.Wrap(errcode.BadDefinition,
				fmt.Errorf("variable %d is not a weight variable", w)).ForTable(i)
		}
	} else {
		def.WeightVar = -1
	}
	def.Vars = append([]int(nil), def.Vars...)
	e.tabs[i] = &tableState{def: def}
	e.resetTables()
	return nil
}

// SetInFileInfo sets the input file layout
func (e *Engine) SetInFileInfo(f microdata.Format) error {
	if err := f.Validate(); err != nil {
		return errcode.Wrap(errcode.BadDefinition, err)
	}
	e.format = f
	e.resetExplore()
	return nil
}

// Variable returns variable i
func (e *Engine) Variable(i int) (*variable.Variable, error) {
	if err := e.checkVar(i); err != nil {
		return nil, err
	}
	if e.vars[i] == nil {
		return nil, errcode.New(errcode.NotReady).ForVar(i)
	}
	return e.vars[i], nil
}

// NumVars returns the number of variables
func (e *Engine) NumVars() int {
	return len(e.vars)
}

// NumTables returns the number of declared tables
func (e *Engine) NumTables() int {
	return len(e.tabs)
}

// Table returns the computed instance of declared table t, the recoded one
// when a recode is active. The caller must not modify it.
func (e *Engine) Table(t int) (*table.Table, error) {
	if err := e.tablesReady(); err != nil {
		return nil, err
	}
	if t < 0 || t >= len(e.tabs) {
		return nil, errcode.New(errcode.BadIndex).ForTable(t)
	}
	return e.tabs[t].active(), nil
}

// Records returns the number of records found by the last exploration
func (e *Engine) Records() int64 {
	return e.nRecords
}

// Households returns the number of households found by the last
// exploration, or 0 without a household identifier
func (e *Engine) Households() int64 {
	return e.nHouseholds
}

// MinMax returns the observed range of a numeric variable
func (e *Engine) MinMax(i int) (lo, hi float64, err error) {
	v, err := e.Variable(i)
	if err != nil {
		return 0, 0, err
	}
	if !v.Numeric {
		return 0, 0, errcode.Wrap(errcode.BadDefinition, fmt.Errorf("not numeric")).ForVar(i)
	}
	if !e.explored {
		return 0, 0, errcode.New(errcode.NotReady)
	}
	return v.Min, v.Max, nil
}

func (e *Engine) checkVar(i int) error {
	if len(e.vars) == 0 {
		return errcode.New(errcode.NoVariables)
	}
	if i < 0 || i >= len(e.vars) {
		return errcode.New(errcode.BadIndex).ForVar(i)
	}
	return nil
}

func (e *Engine) categorical(i int) (*variable.Variable, error) {
	v, err := e.Variable(i)
	if err != nil {
		return nil, err
	}
	if !v.Categorical {
		return nil, errcode.Wrap(errcode.BadDefinition, fmt.Errorf("not categorical")).ForVar(i)
	}
	return v, nil
}

// resetExplore drops every result derived from the data file
func (e *Engine) resetExplore() {
	e.explored = false
	e.path = ""
	e.nRecords, e.nHouseholds = 0, 0
	e.resetTables()
}

func (e *Engine) resetTables() {
	e.lattice = nil
	e.households = nil
	e.recodePending = false
	for _, ts := range e.tabs {
		if ts != nil {
			ts.base, ts.recoded = nil, nil
		}
	}
}

// tablesReady fails until the tables are computed and every recode change
// has been applied to them
func (e *Engine) tablesReady() error {
	if e.lattice == nil {
		return errcode.New(errcode.NotReady)
	}
	if e.recodePending {
		return errcode.Wrap(errcode.NotReady, fmt.Errorf("recode not applied to the tables"))
	}
	return nil
}

// birTable returns the state of declared BIR table t and its ordinal among
// the BIR tables
func (e *Engine) birTable(t int) (*tableState, int, error) {
	if err := e.tablesReady(); err != nil {
		return nil, 0, err
	}
	if t < 0 || t >= len(e.tabs) {
		return nil, 0, errcode.New(errcode.BadIndex).ForTable(t)
	}
	if !e.tabs[t].def.BIR {
		return nil, 0, errcode.New(errcode.NoBIRTable).ForTable(t)
	}
	k := 0
	for _, ts := range e.tabs[:t] {
		if ts.def.BIR {
			k++
		}
	}
	return e.tabs[t], k, nil
}

func (e *Engine) nBIR() int {
	n := 0
	for _, ts := range e.tabs {
		if ts.def.BIR {
			n++
		}
	}
	return n
}

// newSource creates the random stream of one run
func (e *Engine) newSource() (*pram.Source, error) {
	return pram.NewSource(e.seed)
}

// ticker fires the progress callback every progressEvery records
type ticker struct {
	e     *Engine
	stage Stage
	n     int64
}

func (e *Engine) ticker(stage Stage) *ticker {
	return &ticker{e: e, stage: stage}
}

func (t *ticker) tick() {
	t.n++
	if t.e.progress != nil && t.n%t.e.progressEvery == 0 {
		t.e.progress(t.stage, t.n)
	}
}

func (t *ticker) done() {
	if t.e.progress != nil {
		t.e.progress(t.stage, t.n)
	}
}
