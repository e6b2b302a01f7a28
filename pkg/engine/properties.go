package engine

import (
	"fmt"

	"github.com/hkanpak21/sdcstats/pkg/errcode"
	"github.com/hkanpak21/sdcstats/pkg/pram"
)

// VarProperties describes a variable as it appears in the safe file
type VarProperties struct {
	// StartPos is the 1-based column in a fixed-format safe file without
	// a deleted household identifier
	StartPos   int     `json:"start_pos"`
	Width      int     `json:"width"`
	Suppressed int64   `json:"suppressed"`
	Entropy    float64 `json:"entropy"`

	// BandWidth is the PRAM bandwidth, -1 without PRAM or window
	BandWidth int    `json:"bandwidth"`
	Missing1  string `json:"missing1"`
	Missing2  string `json:"missing2"`
	NCodes    int    `json:"n_codes"`
	NMissing  int    `json:"n_missing"`
}

// VarProperties returns the output properties of variable i
func (e *Engine) VarProperties(i int) (VarProperties, error) {
	v, err := e.Variable(i)
	if err != nil {
		return VarProperties{}, err
	}
	pos := 1
	for _, w := range e.vars[:i] {
		pos += outputWidth(w)
	}
	p := VarProperties{
		StartPos:   pos,
		Width:      outputWidth(v),
		Suppressed: v.Suppressed,
		Entropy:    v.Entropy,
		BandWidth:  pram.NoBandWidth,
	}
	if v.Pram != nil {
		p.BandWidth = v.Pram.BandWidth
	}
	if v.Categorical {
		p.NCodes = v.ActiveNValid()
		p.NMissing = v.ActiveNMissing()
		codes := v.ActiveCodes()
		if p.NMissing > 0 {
			p.Missing1 = codes[p.NCodes]
		}
		if p.NMissing > 1 {
			p.Missing2 = codes[p.NCodes+1]
		}
	}
	return p, nil
}

// VarCode returns the active code at index c of variable i and its PRAM
// retention percentage, -1 without PRAM
func (e *Engine) VarCode(i, c int) (string, int, error) {
	v, err := e.categorical(i)
	if err != nil {
		return "", 0, err
	}
	if c < 0 || c >= v.ActiveNCodes() {
		return "", 0, errcode.Wrap(errcode.BadIndex, fmt.Errorf("code index %d", c)).ForVar(i)
	}
	pct := -1
	if v.Pram != nil && c < len(v.Pram.Retain) {
		pct = v.Pram.Retain[c]
	}
	return v.CodeAt(c), pct, nil
}
