package engine

import (
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/hkanpak21/sdcstats/pkg/errcode"
	"github.com/hkanpak21/sdcstats/pkg/household"
	"github.com/hkanpak21/sdcstats/pkg/microdata"
	"github.com/hkanpak21/sdcstats/pkg/pram"
	"github.com/hkanpak21/sdcstats/pkg/suppress"
	"github.com/hkanpak21/sdcstats/pkg/table"
	"github.com/hkanpak21/sdcstats/pkg/variable"
)

// HHOption selects the treatment of the household identifier in the safe
// file. Any option other than HHNo processes the file household by
// household.
type HHOption int

const (
	HHNo HHOption = iota
	HHKeep
	HHChangeSeqNo
	HHDelete
)

// ParseHHOption converts the textual form used in setup documents
func ParseHHOption(s string) (HHOption, error) {
	switch s {
	case "", "no":
		return HHNo, nil
	case "keep":
		return HHKeep, nil
	case "seqno":
		return HHChangeSeqNo, nil
	case "delete":
		return HHDelete, nil
	}
	return HHNo, fmt.Errorf("unknown household option %q", s)
}

func (o HHOption) String() string {
	switch o {
	case HHKeep:
		return "keep"
	case HHChangeSeqNo:
		return "seqno"
	case HHDelete:
		return "delete"
	}
	return "no"
}

// SafeOptions controls MakeFileSafe
type SafeOptions struct {
	Priority bool
	Entropy  bool
	HHIdent  HHOption

	// Randomize writes the records in a scrambled order
	Randomize bool

	// PrintRisk appends the individual risk per BIR table and, with
	// households, the household risk per BIR table
	PrintRisk bool

	Format microdata.OutFormat
}

// SafeResult summarizes a safe file run
type SafeResult struct {
	Records int64 `json:"records"`

	// Unsafe is the number of records with at least one unsafe
	// combination
	Unsafe int64 `json:"unsafe"`

	// Suppressed holds per variable the number of records in which it was
	// set to missing
	Suppressed []int64 `json:"suppressed"`

	FreqChosen int64 `json:"freq_chosen"`
	MinChosen  int64 `json:"min_chosen"`
}

// MakeFileSafe writes the protected version of the explored file to path:
// unsafe combinations are suppressed, recodes applied, PRAM variables
// perturbed and numeric options applied
func (e *Engine) MakeFileSafe(path string, opts SafeOptions) (SafeResult, error) {
	if err := e.tablesReady(); err != nil {
		return SafeResult{}, err
	}
	if err := opts.Format.Validate(); err != nil {
		return SafeResult{}, errcode.Wrap(errcode.BadDefinition, err)
	}
	byHH := opts.HHIdent != HHNo
	if byHH && e.hhIdent < 0 {
		return SafeResult{}, errcode.New(errcode.NoHouseholds)
	}
	src, err := e.newSource()
	if err != nil {
		return SafeResult{}, err
	}

	if opts.Entropy {
		e.computeEntropy()
	}
	e.lattice.MarkPram(func(v int) bool { return hasPram(e.vars[v]) })
	for _, v := range e.vars {
		v.Suppressed = 0
	}

	in, r, err := e.openData(e.path)
	if err != nil {
		return SafeResult{}, err
	}
	defer in.Close()

	out, err := os.Create(path)
	if err != nil {
		return SafeResult{}, errcode.Wrap(errcode.CantOpenFile, err)
	}
	defer out.Close()

	run := e.newSafeRun(opts, out, src, byHH)
	if err := run.process(r); err != nil {
		out.Close()
		os.Remove(path)
		return SafeResult{}, err
	}
	if err := run.finish(); err != nil {
		out.Close()
		os.Remove(path)
		return SafeResult{}, err
	}

	res := run.res
	res.Suppressed = make([]int64, len(e.vars))
	for i, v := range e.vars {
		res.Suppressed[i] = v.Suppressed
	}
	e.log.Info("wrote safe file",
		"path", path,
		"records", res.Records,
		"unsafe_records", res.Unsafe,
		"freq_chosen", res.FreqChosen,
		"min_chosen", res.MinChosen)
	return res, nil
}

// safeRun is the state of one MakeFileSafe pass
type safeRun struct {
	e    *Engine
	opts SafeOptions
	opt  *suppress.Optimizer
	src  *pram.Source
	ctx  *suppress.RecordContext
	w    *microdata.Writer
	byHH bool

	birs   []*table.Table
	widths []int
	tick   *ticker
	res    SafeResult

	// household ordinal, 1-based once the first household starts
	hhSeq int

	// randomized output
	lines   []string
	slot    int64
	coprime int64
}

func (e *Engine) newSafeRun(opts SafeOptions, out io.Writer, src *pram.Source, byHH bool) *safeRun {
	s := &safeRun{
		e:    e,
		opts: opts,
		opt: suppress.New(e.vars, e.lattice,
			e.model, suppress.Mode{Priority: opts.Priority, Entropy: opts.Entropy}, byHH),
		src:  src,
		ctx:  suppress.NewRecordContext(len(e.vars), len(e.lattice.Entries)),
		w:    microdata.NewWriter(out, opts.Format),
		byHH: byHH,
		tick: e.ticker(StageSafe),
	}
	for _, ts := range e.tabs {
		if ts.def.BIR {
			s.birs = append(s.birs, ts.active())
		}
	}
	s.widths = make([]int, len(e.vars))
	for i, v := range e.vars {
		s.widths[i] = outputWidth(v)
	}
	if opts.Randomize {
		s.lines = make([]string, e.nRecords)
		s.coprime, s.slot = scramble(e.nRecords, src)
	}
	return s
}

// scramble returns a stride coprime with n and a start slot; visiting
// start, start+stride, ... modulo n enumerates every slot once
func scramble(n int64, src *pram.Source) (stride, start int64) {
	stride = 2
	if n >= 10 {
		stride = max(int64(src.Intn(int(n/2))), 2)
	}
	for gcd(n, stride) != 1 {
		stride++
	}
	start = int64(src.Intn(int(stride))) % n
	return stride, start
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func (s *safeRun) process(r *microdata.Reader) error {
	var (
		members []microdata.Record
		hhIdx   int
	)
	flush := func() error {
		if len(members) == 0 {
			return nil
		}
		var hh *household.Household
		if s.e.households != nil {
			if hhIdx >= len(s.e.households) {
				return errcode.Wrap(errcode.ProgramError, fmt.Errorf("household %d not computed", hhIdx))
			}
			hh = s.e.households[hhIdx]
		}
		hhIdx++
		err := s.household(members, hh)
		members = members[:0]
		return err
	}

	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if !s.byHH {
			if err := s.single(rec); err != nil {
				return err
			}
			continue
		}
		if len(members) > 0 && rec.Fields[s.e.hhIdent] != members[0].Fields[s.e.hhIdent] {
			if err := flush(); err != nil {
				return err
			}
		}
		members = append(members, rec)
	}
	return flush()
}

// single protects and writes a record without household context
func (s *safeRun) single(rec microdata.Record) error {
	if err := s.e.resolve(rec, s.ctx); err != nil {
		return err
	}
	dec, err := s.opt.MakeRecordSafe(s.ctx)
	if err != nil {
		return err
	}
	s.count(dec)
	return s.emit(rec, nil)
}

// household protects the members of one household. A household variable
// suppressed in any member is suppressed in all of them.
func (s *safeRun) household(members []microdata.Record, hh *household.Household) error {
	s.hhSeq++
	force := make([]bool, len(s.e.vars))
	for _, rec := range members {
		if err := s.prepare(rec, hh, len(members)); err != nil {
			return err
		}
		dec, err := s.opt.MakeRecordSafe(s.ctx)
		if err != nil {
			return err
		}
		s.count(dec)
		for _, v := range dec.Suppressed {
			if s.e.vars[v].HHVar {
				force[v] = true
			}
		}
	}
	for _, rec := range members {
		if err := s.prepare(rec, hh, len(members)); err != nil {
			return err
		}
		if _, err := s.opt.MakeRecordSafe(s.ctx); err != nil {
			return err
		}
		for v, f := range force {
			if f {
				s.ctx.SetMissing[v] = true
			}
		}
		if err := s.emit(rec, hh); err != nil {
			return err
		}
	}
	return nil
}

func (s *safeRun) prepare(rec microdata.Record, hh *household.Household, size int) error {
	if err := s.e.resolve(rec, s.ctx); err != nil {
		return err
	}
	s.ctx.HHSize = size
	if hh != nil {
		s.ctx.BHR = hh.BHR
	}
	return nil
}

func (s *safeRun) count(dec suppress.Decision) {
	if dec.Unsafe > 0 {
		s.res.Unsafe++
	}
	switch dec.Strategy {
	case suppress.StrategyFreq:
		s.res.FreqChosen++
	case suppress.StrategyMin:
		s.res.MinChosen++
	}
}

// emit formats the record in ctx and writes it or stores it in its
// scrambled slot
func (s *safeRun) emit(rec microdata.Record, hh *household.Household) error {
	fields, err := s.fields(rec, hh)
	if err != nil {
		return err
	}
	s.res.Records++
	s.tick.tick()
	if !s.opts.Randomize {
		return s.w.Write(fields)
	}
	if s.res.Records > int64(len(s.lines)) {
		return errcode.Wrap(errcode.ProgramError, fmt.Errorf("file has more records than explored"))
	}
	s.lines[s.slot] = s.w.Format(fields)
	s.slot = (s.slot + s.coprime) % int64(len(s.lines))
	return nil
}

func (s *safeRun) finish() error {
	s.tick.done()
	if s.opts.Randomize {
		if s.res.Records != int64(len(s.lines)) {
			return errcode.Wrap(errcode.ProgramError, fmt.Errorf("file has fewer records than explored"))
		}
		if err := s.w.WriteHeader(); err != nil {
			return err
		}
		for _, l := range s.lines {
			if err := s.w.WriteLine(l); err != nil {
				return err
			}
		}
	}
	return s.w.Flush()
}

// fields builds the output values of the record in ctx
func (s *safeRun) fields(rec microdata.Record, hh *household.Household) ([]microdata.Field, error) {
	out := make([]microdata.Field, 0, len(s.e.vars)+2*len(s.birs))
	for i, v := range s.e.vars {
		code := rec.Fields[i]
		switch {
		case i == s.e.hhIdent && s.byHH:
			switch s.opts.HHIdent {
			case HHDelete:
				continue
			case HHChangeSeqNo:
				code = strconv.Itoa(s.hhSeq)
			}
			out = append(out, microdata.Field{Value: code, Width: v.Width, Numeric: v.Numeric})
		case v.Categorical:
			out = append(out, microdata.Field{Value: s.categorical(v), Width: v.OutputWidth()})
		case v.Numeric:
			val, err := s.numeric(v, code)
			if err != nil {
				return nil, errcode.Wrap(errcode.WrongRecord, err).AtLine(rec.Line).ForVar(i)
			}
			out = append(out, microdata.Field{Value: val, Width: s.widths[i], Numeric: true})
		default:
			out = append(out, microdata.Field{Value: code, Width: v.Width})
		}
	}

	if s.opts.PrintRisk {
		for _, t := range s.birs {
			coords := make([]int, t.NDim())
			for d, v := range t.Vars {
				coords[d] = s.ctx.Index[v]
			}
			r, err := t.CellRisk(s.e.model, coords)
			if err != nil {
				return nil, err
			}
			out = append(out, riskField(r))
		}
		if hh != nil {
			for _, b := range hh.BHR {
				out = append(out, riskField(b))
			}
		}
	}
	return out, nil
}

func riskField(r float64) microdata.Field {
	v := strconv.FormatFloat(r, 'f', 8, 64)
	return microdata.Field{Value: v, Width: len(v) + 1, Numeric: true}
}

// categorical returns the published code of v for the record in ctx
func (s *safeRun) categorical(v *variable.Variable) string {
	idx := s.ctx.Index[v.Index]
	missing := s.ctx.Missing[v.Index]
	if hasPram(v) && !missing {
		return v.CodeAt(v.Pram.Apply(idx, s.src))
	}
	if s.ctx.SetMissing[v.Index] {
		v.Suppressed++
		return v.ActiveMissing1()
	}
	return v.CodeAt(idx)
}

// numeric applies rounding, top and bottom coding and weight noise
func (s *safeRun) numeric(v *variable.Variable, code string) (string, error) {
	if v.IsMissingCode(code) {
		return code, nil
	}
	d, err := microdata.ParseNumber(code)
	if err != nil {
		return "", err
	}
	o := v.Options
	val := formatNumber(d, v.Decimals)
	if o.Round {
		d = roundTo(d, o.RoundBase)
		val = formatNumber(d, o.RoundDecimals)
	}
	if o.Top.Active && d >= o.Top.Level {
		val = o.Top.Value
	}
	if o.Bottom.Active && d <= o.Bottom.Level {
		val = o.Bottom.Value
	}
	if o.Noise {
		u := (2*s.src.Float64() - 1) * o.NoisePct / 100
		val = formatNumber(d*(1+u), v.Decimals)
	}
	return val, nil
}

// roundTo rounds d half away from zero to a multiple of base
func roundTo(d, base float64) float64 {
	return math.Round(d/base) * base
}

func formatNumber(d float64, decimals int) string {
	return strconv.FormatFloat(d, 'f', decimals, 64)
}

// outputWidth is the width of a variable in a fixed-format safe file
func outputWidth(v *variable.Variable) int {
	if v.Categorical {
		return v.OutputWidth()
	}
	w := v.Width
	if !v.Numeric {
		return w
	}
	o := v.Options
	dec := v.Decimals
	lo, hi := v.Min, v.Max
	if o.Round {
		dec = o.RoundDecimals
		lo, hi = roundTo(lo, o.RoundBase), roundTo(hi, o.RoundBase)
	}
	w = max(w, len(formatNumber(lo, dec)), len(formatNumber(hi, dec)))
	if o.Top.Active {
		w = max(w, len(o.Top.Value))
	}
	if o.Bottom.Active {
		w = max(w, len(o.Bottom.Value))
	}
	if o.Noise {
		f := 1 + o.NoisePct/100
		w = max(w, len(formatNumber(lo*f, v.Decimals)), len(formatNumber(hi*f, v.Decimals)),
			len(formatNumber(lo*(2-f), v.Decimals)))
	}
	return w
}

// computeEntropy sets the entropy of every categorical variable from its
// one-dimensional table: log2(N) - Σ f ln f / (N ln 2) over the valid
// codes
func (e *Engine) computeEntropy() {
	for _, v := range e.vars {
		if !v.Categorical {
			continue
		}
		t := e.lattice.OneDim(v.Index)
		if t == nil {
			v.Entropy = -1
			continue
		}
		v.Entropy = entropy(t.Cell[:t.NValid[0]])
	}
}

func entropy(freq []int64) float64 {
	var n int64
	sum := 0.0
	for _, f := range freq {
		if f > 0 {
			n += f
			sum += float64(f) * math.Log(float64(f))
		}
	}
	if n == 0 {
		return 0
	}
	return math.Log2(float64(n)) - sum/(float64(n)*math.Ln2)
}
