package metadata

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/hkanpak21/sdcstats/pkg/engine"
	"github.com/hkanpak21/sdcstats/pkg/pram"
	"github.com/hkanpak21/sdcstats/pkg/variable"
)

// Definition converts variable i of the setup to its engine definition
func (s *Setup) Definition(i int) variable.Definition {
	v := s.Variables[i]
	d := variable.Definition{
		Name:        v.Name,
		Pos:         v.Pos,
		Width:       v.Width,
		Decimals:    v.Decimals,
		Categorical: v.Type == Categorical,
		Numeric:     v.Type == Numeric || v.AlsoNumeric,
		Weight:      v.Type == Weight,
		HHIdent:     v.Type == HHIdent,
		HHVar:       v.HHVar,
		RelatedTo:   -1,
	}
	if len(v.Missing) > 0 {
		d.Missing1 = v.Missing[0]
	}
	if len(v.Missing) > 1 {
		d.Missing2 = v.Missing[1]
	}
	if v.Related != "" {
		d.RelatedTo = s.VarIndex(v.Related)
	}
	return d
}

// TableDef converts table i of the setup to its engine definition
func (s *Setup) TableDef(i int) engine.TableDef {
	t := s.Tables[i]
	def := engine.TableDef{Threshold: t.Threshold, WeightVar: -1}
	for _, name := range t.Vars {
		def.Vars = append(def.Vars, s.VarIndex(name))
	}
	sort.Ints(def.Vars)
	if t.Weight != "" {
		def.BIR = true
		def.WeightVar = s.VarIndex(t.Weight)
	}
	return def
}

// Define declares the input format, the variables and the tables of the
// setup on e
func (s *Setup) Define(e *engine.Engine) error {
	if err := e.SetInFileInfo(s.Format); err != nil {
		return fmt.Errorf("failed to set input format: %w", err)
	}
	if err := e.SetNumberVar(len(s.Variables)); err != nil {
		return err
	}
	for i := range s.Variables {
		if err := e.SetVariable(i, s.Definition(i)); err != nil {
			return fmt.Errorf("failed to define variable %q: %w", s.Variables[i].Name, err)
		}
	}
	if err := e.SetNumberTab(len(s.Tables)); err != nil {
		return err
	}
	for i := range s.Tables {
		if err := e.SetTable(i, s.TableDef(i)); err != nil {
			return fmt.Errorf("failed to define table %d: %w", i, err)
		}
	}
	return nil
}

// Configure applies the per-variable options to an explored engine:
// suppression priorities and links, recodes, PRAM and numeric output
// options. Tables computed before Configure need ApplyRecode.
func (s *Setup) Configure(e *engine.Engine) error {
	for i, v := range s.Variables {
		if err := s.configure(e, i, v); err != nil {
			return fmt.Errorf("failed to configure variable %q: %w", v.Name, err)
		}
	}
	return nil
}

func (s *Setup) configure(e *engine.Engine, i int, v Variable) error {
	if v.Type == Categorical {
		if err := e.SetSuppressPriority(i, v.Priority); err != nil {
			return err
		}
		switch {
		case v.Recode != nil:
			if _, err := e.DoRecode(i, v.Recode.Spec, v.Recode.Missing1, v.Recode.Missing2); err != nil {
				return err
			}
		case v.Truncate > 0:
			if err := e.DoTruncate(i, v.Truncate); err != nil {
				return err
			}
		default:
			if err := e.UndoRecode(i); err != nil {
				return err
			}
		}
		if v.Pram != nil {
			if err := applyPram(e, i, v.Pram); err != nil {
				return err
			}
		}
	}

	if v.Round != nil {
		if err := e.SetRound(i, v.Round.Base, v.Round.Decimals); err != nil {
			return err
		}
	}
	if v.TopCoding != nil {
		if err := e.SetTopCoding(i, v.TopCoding.Level, v.TopCoding.Value); err != nil {
			return err
		}
	}
	if v.BottomCoding != nil {
		if err := e.SetBottomCoding(i, v.BottomCoding.Level, v.BottomCoding.Value); err != nil {
			return err
		}
	}
	if v.Noise > 0 {
		if err := e.SetWeightNoise(i, v.Noise); err != nil {
			return err
		}
	}
	return nil
}

// applyPram sets the retention of every active valid code of variable i
func applyPram(e *engine.Engine, i int, p *Pram) error {
	bw := pram.NoBandWidth
	if p.BandWidth > 0 {
		bw = p.BandWidth
	}
	if err := e.SetPramVar(i, bw); err != nil {
		return err
	}
	vr, err := e.Variable(i)
	if err != nil {
		return err
	}
	for c := 0; c < vr.ActiveNValid(); c++ {
		pct, ok := p.Retain[strings.TrimSpace(vr.CodeAt(c))]
		if !ok {
			pct = p.Default
		}
		if err := e.SetPramValue(i, c, pct); err != nil {
			return err
		}
	}
	return e.ClosePramVar(i)
}

// ApplyThresholds sets the risk thresholds of the BIR tables on an engine
// with computed tables
func (s *Setup) ApplyThresholds(e *engine.Engine) error {
	for i, t := range s.Tables {
		if t.BIRThreshold > 0 {
			if _, err := e.SetBIRThreshold(i, math.Log(t.BIRThreshold)); err != nil {
				return fmt.Errorf("failed to set BIR threshold of table %d: %w", i, err)
			}
		}
		if t.BHRThreshold > 0 && e.Households() > 0 {
			if _, _, err := e.SetBHRThreshold(i, math.Log(t.BHRThreshold)); err != nil {
				return fmt.Errorf("failed to set BHR threshold of table %d: %w", i, err)
			}
		}
	}
	return nil
}

// SafeOptions converts the safe file options
func (s *Setup) SafeOptions() (engine.SafeOptions, error) {
	hh, err := engine.ParseHHOption(s.Safe.Households)
	if err != nil {
		return engine.SafeOptions{}, err
	}
	return engine.SafeOptions{
		Priority:  s.Safe.Priority,
		Entropy:   s.Safe.Entropy,
		HHIdent:   hh,
		Randomize: s.Safe.Randomize,
		PrintRisk: s.Safe.PrintRisk,
		Format:    s.Safe.Output,
	}, nil
}
