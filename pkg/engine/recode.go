package engine

import (
	"fmt"

	"github.com/hkanpak21/sdcstats/pkg/errcode"
	"github.com/hkanpak21/sdcstats/pkg/variable"
)

// DoRecode parses spec and activates the recode of categorical variable v.
// The tables are not ready again until ApplyRecode.
func (e *Engine) DoRecode(v int, spec, missing1, missing2 string) (variable.Report, error) {
	vr, err := e.recodable(v)
	if err != nil {
		return variable.Report{}, err
	}
	r, rep, err := vr.BuildRecode(spec, missing1, missing2)
	if err != nil {
		return variable.Report{}, err
	}
	vr.ApplyRecode(r)
	vr.Pram = nil
	e.recodePending = true
	e.log.Debug("recoded variable", "var", v, "codes", len(r.Codes), "report", rep.String())
	return rep, nil
}

// DoTruncate recodes v by dropping the n rightmost characters of each code
func (e *Engine) DoTruncate(v, n int) error {
	vr, err := e.recodable(v)
	if err != nil {
		return err
	}
	r, err := vr.Truncate(n)
	if err != nil {
		return err
	}
	vr.ApplyRecode(r)
	vr.Pram = nil
	e.recodePending = true
	return nil
}

// UndoRecode deactivates the recode of v
func (e *Engine) UndoRecode(v int) error {
	vr, err := e.recodable(v)
	if err != nil {
		return err
	}
	if vr.HasRecode {
		vr.UndoRecode()
		vr.Pram = nil
		e.recodePending = true
	}
	return nil
}

func (e *Engine) recodable(v int) (*variable.Variable, error) {
	vr, err := e.categorical(v)
	if err != nil {
		return nil, errcode.Wrap(errcode.RecodeVarIndex, err).ForVar(v)
	}
	if !e.explored {
		return nil, errcode.Wrap(errcode.RecodeNoMetadata, fmt.Errorf("file not explored")).ForVar(v)
	}
	return vr, nil
}
