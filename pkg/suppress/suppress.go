// Package suppress decides, per record, which key variables to set to
// missing so that no unsafe combination of the record survives.
package suppress

import (
	"fmt"
	"math"
	"sort"

	"github.com/hkanpak21/sdcstats/pkg/risk"
	"github.com/hkanpak21/sdcstats/pkg/table"
	"github.com/hkanpak21/sdcstats/pkg/variable"
)

// Mode selects the information-loss metric
type Mode struct {
	Priority bool
	Entropy  bool
}

// Active reports whether any metric is selected; without one nothing is
// suppressed
func (m Mode) Active() bool {
	return m.Priority || m.Entropy
}

// Strategy names the candidate suppression set that was applied
type Strategy int

const (
	StrategyNone Strategy = iota
	StrategyFreq
	StrategyMin
)

func (s Strategy) String() string {
	switch s {
	case StrategyFreq:
		return "freq"
	case StrategyMin:
		return "min"
	}
	return "none"
}

// RecordContext holds the per-record working state. It is reset before
// every record.
type RecordContext struct {
	// Index is the active code index of every categorical variable, or -1
	Index []int
	// Missing marks variables whose code is a missing code
	Missing []bool
	// Unsafe marks lattice entries that are unsafe for the record
	Unsafe []bool
	// SetMissing marks the variables to suppress
	SetMissing []bool

	// HHSize is the number of records in the record's household, 1 without
	// households
	HHSize int
	// BHR holds the household risk per BIR table, nil without households
	BHR []float64
}

// NewRecordContext allocates a context for nVar variables and nEntry
// lattice entries
func NewRecordContext(nVar, nEntry int) *RecordContext {
	c := &RecordContext{
		Index:      make([]int, nVar),
		Missing:    make([]bool, nVar),
		Unsafe:     make([]bool, nEntry),
		SetMissing: make([]bool, nVar),
	}
	c.Reset()
	return c
}

// Reset clears every per-record field
func (c *RecordContext) Reset() {
	for i := range c.Index {
		c.Index[i] = -1
	}
	clear(c.Missing)
	clear(c.Unsafe)
	clear(c.SetMissing)
	c.HHSize = 1
	c.BHR = nil
}

// Suppressed returns the indices of the variables marked missing
func (c *RecordContext) Suppressed() []int {
	var out []int
	for v, m := range c.SetMissing {
		if m {
			out = append(out, v)
		}
	}
	return out
}

// Decision is the outcome of the optimizer for one record
type Decision struct {
	// Unsafe is the number of unsafe entries before suppression
	Unsafe int

	// OneDim holds the variables suppressed for unsafe one-dimensional
	// entries
	OneDim []int

	// Suppressed holds every variable set to missing, related variables
	// included
	Suppressed []int

	Strategy  Strategy
	FreqScore float64
	MinScore  float64
	Score     float64
}

// Optimizer runs the local suppression of one record against a lattice
type Optimizer struct {
	vars    []*variable.Variable
	lattice *table.Lattice
	model   risk.Model
	mode    Mode

	// households enables the household size factor for household
	// variables
	households bool
}

// New creates an optimizer over the variables and lattice of an engine
func New(vars []*variable.Variable, lattice *table.Lattice, model risk.Model, mode Mode, households bool) *Optimizer {
	return &Optimizer{
		vars:       vars,
		lattice:    lattice,
		model:      model,
		mode:       mode,
		households: households,
	}
}

// ComputeUnsafe marks the authoritative, PRAM-free entries that are unsafe
// for the record resolved in ctx and returns their number
func (o *Optimizer) ComputeUnsafe(ctx *RecordContext) (int, error) {
	n := 0
	for i, e := range o.lattice.Entries {
		ctx.Unsafe[i] = false
		if !e.Authoritative || e.HasPram {
			continue
		}
		unsafe, err := o.entryUnsafe(ctx, e)
		if err != nil {
			return 0, err
		}
		if unsafe {
			ctx.Unsafe[i] = true
			n++
		}
	}
	return n, nil
}

func (o *Optimizer) entryUnsafe(ctx *RecordContext, e *table.Entry) (bool, error) {
	coords := make([]int, e.NDim())
	hasMissing := false
	for k, v := range e.Vars {
		if ctx.Index[v] < 0 {
			panic(fmt.Sprintf("suppress: variable %d not resolved", v))
		}
		coords[k] = ctx.Index[v]
		hasMissing = hasMissing || ctx.Missing[v]
	}
	t := e.Cells
	idx := t.Index(coords)
	if !t.IsBIR {
		return t.FreqUnsafe(idx, hasMissing), nil
	}

	r, err := t.CellRisk(o.model, coords)
	if err != nil || r == 0 {
		return false, err
	}
	if math.Log(r) >= e.Source.BIRThreshold {
		return true, nil
	}
	if ctx.BHR == nil || e.BIR < 0 {
		return false, nil
	}
	thr := e.Source.BHRThreshold
	return math.Log(float64(ctx.HHSize)*r) >= thr && math.Log(ctx.BHR[e.BIR]) >= thr, nil
}

// MakeRecordSafe computes the unsafe entries of the record in ctx and marks
// in ctx.SetMissing the variables to suppress
func (o *Optimizer) MakeRecordSafe(ctx *RecordContext) (Decision, error) {
	var dec Decision
	clear(ctx.SetMissing)
	if !o.mode.Active() {
		clear(ctx.Unsafe)
		return dec, nil
	}

	n, err := o.ComputeUnsafe(ctx)
	if err != nil {
		return dec, err
	}
	dec.Unsafe = n
	if n == 0 {
		return dec, nil
	}

	for i, e := range o.lattice.Entries {
		if ctx.Unsafe[i] && e.NDim() == 1 {
			v := e.Vars[0]
			o.setMissing(ctx, v)
			dec.OneDim = append(dec.OneDim, v)
			dec.Score += o.metric(v)
		}
	}

	var pending []int
	for i, u := range ctx.Unsafe {
		if u {
			pending = append(pending, i)
		}
	}
	if len(pending) == 0 {
		dec.Suppressed = ctx.Suppressed()
		return dec, nil
	}

	oneDim := append([]bool(nil), ctx.SetMissing...)
	restore := func() {
		for _, i := range pending {
			ctx.Unsafe[i] = true
		}
		copy(ctx.SetMissing, oneDim)
	}

	freqVars, freqScore := o.freqStrategy(ctx)
	restore()
	minVars, minScore := o.minStrategy(ctx)
	restore()

	dec.FreqScore, dec.MinScore = freqScore, minScore
	chosen := freqVars
	dec.Strategy = StrategyFreq
	if minScore < freqScore {
		chosen = minVars
		dec.Strategy = StrategyMin
	}
	for _, v := range chosen {
		o.setMissing(ctx, v)
	}
	dec.Score += min(freqScore, minScore)
	dec.Suppressed = ctx.Suppressed()
	return dec, nil
}

// setMissing marks v and its related variable and makes every entry
// containing v safe
func (o *Optimizer) setMissing(ctx *RecordContext, v int) {
	ctx.SetMissing[v] = true
	if rel := o.vars[v].RelatedTo; rel >= 0 {
		ctx.SetMissing[rel] = true
	}
	for i, e := range o.lattice.Entries {
		if ctx.Unsafe[i] && e.Contains(v) {
			ctx.Unsafe[i] = false
		}
	}
}

// metric is the information loss of suppressing v once
func (o *Optimizer) metric(v int) float64 {
	m := 0.0
	if o.mode.Priority {
		m += float64(o.vars[v].Priority)
	}
	if o.mode.Entropy {
		m += o.vars[v].Entropy
	}
	return m
}

// cost is the metric weighted by the household size for household
// variables
func (o *Optimizer) cost(ctx *RecordContext, v int) float64 {
	return o.metric(v) * o.factor(ctx, v)
}

func (o *Optimizer) factor(ctx *RecordContext, v int) float64 {
	if o.households && o.vars[v].HHVar {
		return float64(ctx.HHSize)
	}
	return 1
}

// cheaper reports whether suppressing v loses less than suppressing w. The
// priority cost decides first and the entropy cost only breaks its ties.
func (o *Optimizer) cheaper(ctx *RecordContext, v, w int) bool {
	fv, fw := o.factor(ctx, v), o.factor(ctx, w)
	if o.mode.Priority {
		pv := float64(o.vars[v].Priority) * fv
		pw := float64(o.vars[w].Priority) * fw
		if pv != pw || !o.mode.Entropy {
			return pv < pw
		}
	}
	return o.vars[v].Entropy*fv < o.vars[w].Entropy*fw
}

// freqStrategy repeatedly suppresses the variable occurring in the most
// unsafe entries
func (o *Optimizer) freqStrategy(ctx *RecordContext) ([]int, float64) {
	var (
		chosen []int
		score  float64
	)
	count := make([]int, len(o.vars))
	for {
		clear(count)
		remaining := false
		for i, e := range o.lattice.Entries {
			if !ctx.Unsafe[i] {
				continue
			}
			remaining = true
			for _, v := range e.Vars {
				count[v]++
			}
		}
		if !remaining {
			return chosen, score
		}

		best := -1
		for v, c := range count {
			if c == 0 || !o.vars[v].Categorical {
				continue
			}
			switch {
			case best < 0 || c > count[best]:
				best = v
			case c == count[best] && o.cheaper(ctx, v, best):
				best = v
			}
		}
		o.setMissing(ctx, best)
		chosen = append(chosen, best)
		score += o.cost(ctx, best)
	}
}

// minStrategy visits the unsafe entries by ascending dimension count and
// suppresses the cheapest variable of each
func (o *Optimizer) minStrategy(ctx *RecordContext) ([]int, float64) {
	var (
		chosen []int
		score  float64
	)
	for nDim := 2; nDim <= table.MaxDim; nDim++ {
		for i, e := range o.lattice.Entries {
			if !ctx.Unsafe[i] || e.NDim() != nDim {
				continue
			}
			best := e.Vars[0]
			for _, v := range e.Vars[1:] {
				if o.cheaper(ctx, v, best) {
					best = v
				}
			}
			o.setMissing(ctx, best)
			chosen = append(chosen, best)
			score += o.cost(ctx, best)
		}
	}
	sort.Ints(chosen)
	return chosen, score
}
