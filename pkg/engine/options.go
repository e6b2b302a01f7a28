package engine

import (
	"fmt"

	"github.com/hkanpak21/sdcstats/pkg/errcode"
	"github.com/hkanpak21/sdcstats/pkg/pram"
	"github.com/hkanpak21/sdcstats/pkg/variable"
)

// SetPramVar starts the PRAM specification of categorical variable v over
// its active codes; bandWidth is pram.NoBandWidth or at least 1
func (e *Engine) SetPramVar(v, bandWidth int) error {
	vr, err := e.categorical(v)
	if err != nil {
		return err
	}
	if !e.explored {
		return errcode.New(errcode.NotReady).ForVar(v)
	}
	s, err := pram.NewSpec(vr.ActiveNValid(), bandWidth)
	if err != nil {
		return errcode.Wrap(errcode.BadDefinition, err).ForVar(v)
	}
	vr.Pram = s
	return nil
}

// SetPramValue sets the retention percentage of active code index code
func (e *Engine) SetPramValue(v, code, pct int) error {
	vr, err := e.pramVar(v)
	if err != nil {
		return err
	}
	if err := vr.Pram.SetRetention(code, pct); err != nil {
		return errcode.Wrap(errcode.BadDefinition, err).ForVar(v)
	}
	return nil
}

// ClosePramVar completes the PRAM specification of v
func (e *Engine) ClosePramVar(v int) error {
	vr, err := e.pramVar(v)
	if err != nil {
		return err
	}
	if err := vr.Pram.Close(); err != nil {
		return errcode.Wrap(errcode.BadDefinition, err).ForVar(v)
	}
	return nil
}

// UndoPram removes the PRAM specification of v
func (e *Engine) UndoPram(v int) error {
	vr, err := e.categorical(v)
	if err != nil {
		return err
	}
	vr.Pram = nil
	return nil
}

func (e *Engine) pramVar(v int) (*variable.Variable, error) {
	vr, err := e.categorical(v)
	if err != nil {
		return nil, err
	}
	if vr.Pram == nil {
		return nil, errcode.Wrap(errcode.NotReady, fmt.Errorf("no PRAM specification")).ForVar(v)
	}
	return vr, nil
}

// hasPram reports whether v is perturbed on output
func hasPram(v *variable.Variable) bool {
	return v.Pram != nil && v.Pram.Closed()
}

func (e *Engine) numeric(v int) (*variable.Variable, error) {
	vr, err := e.Variable(v)
	if err != nil {
		return nil, err
	}
	if !vr.Numeric {
		return nil, errcode.Wrap(errcode.BadDefinition, fmt.Errorf("not numeric")).ForVar(v)
	}
	return vr, nil
}

// SetRound rounds the output values of numeric variable v to a multiple of
// base printed with the given decimals
func (e *Engine) SetRound(v int, base float64, decimals int) error {
	vr, err := e.numeric(v)
	if err != nil {
		return err
	}
	if base <= 0 || decimals < 0 {
		return errcode.Wrap(errcode.BadDefinition,
			fmt.Errorf("rounding base %g with %d decimals", base, decimals)).ForVar(v)
	}
	vr.Options.Round = true
	vr.Options.RoundBase = base
	vr.Options.RoundDecimals = decimals
	return nil
}

// SetTopCoding replaces output values at or above level by value
func (e *Engine) SetTopCoding(v int, level float64, value string) error {
	vr, err := e.coding(v, value)
	if err != nil {
		return err
	}
	vr.Options.Top = variable.Coding{Active: true, Level: level, Value: value}
	return nil
}

// SetBottomCoding replaces output values at or below level by value
func (e *Engine) SetBottomCoding(v int, level float64, value string) error {
	vr, err := e.coding(v, value)
	if err != nil {
		return err
	}
	vr.Options.Bottom = variable.Coding{Active: true, Level: level, Value: value}
	return nil
}

func (e *Engine) coding(v int, value string) (*variable.Variable, error) {
	vr, err := e.numeric(v)
	if err != nil {
		return nil, err
	}
	if value == "" || len(value) > variable.MaxCodeWidth {
		return nil, errcode.Wrap(errcode.BadDefinition, fmt.Errorf("coding value %q", value)).ForVar(v)
	}
	return vr, nil
}

// SetWeightNoise multiplies the output values of weight variable v by a
// factor drawn uniformly from [1-pct/100, 1+pct/100]
func (e *Engine) SetWeightNoise(v int, pct float64) error {
	vr, err := e.Variable(v)
	if err != nil {
		return err
	}
	if !vr.Weight {
		return errcode.Wrap(errcode.BadDefinition, fmt.Errorf("not a weight variable")).ForVar(v)
	}
	if pct <= 0 || pct > 100 {
		return errcode.Wrap(errcode.BadDefinition, fmt.Errorf("noise %g%% out of range", pct)).ForVar(v)
	}
	vr.Options.Noise = true
	vr.Options.NoisePct = pct
	return nil
}

// SetSuppressPriority sets the information loss of suppressing v
func (e *Engine) SetSuppressPriority(v, priority int) error {
	vr, err := e.categorical(v)
	if err != nil {
		return err
	}
	if priority < 0 {
		return errcode.Wrap(errcode.BadDefinition, fmt.Errorf("negative priority")).ForVar(v)
	}
	vr.Priority = priority
	return nil
}

// SetRelated makes w suppressed whenever v is; -1 removes the link
func (e *Engine) SetRelated(v, w int) error {
	vr, err := e.categorical(v)
	if err != nil {
		return err
	}
	if w != -1 {
		if _, err := e.categorical(w); err != nil || w == v {
			return errcode.Wrap(errcode.BadDefinition, fmt.Errorf("related variable %d", w)).ForVar(v)
		}
	}
	vr.RelatedTo = w
	return nil
}

// ClearOptions resets the numeric output options of every variable
func (e *Engine) ClearOptions() {
	for _, v := range e.vars {
		if v != nil {
			v.ClearOptions()
		}
	}
}
