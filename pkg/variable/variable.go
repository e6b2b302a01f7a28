// Package variable provides the variable catalog: per-variable metadata,
// the observed code list and the optional recode of a categorical variable.
package variable

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hkanpak21/sdcstats/pkg/errcode"
	"github.com/hkanpak21/sdcstats/pkg/pram"
)

// MaxCodeWidth bounds the width of any code
const MaxCodeWidth = 100

// Definition describes a variable as supplied by the caller
type Definition struct {
	Name string `json:"name" yaml:"name"`

	// Pos is the 1-based start column in a fixed-format record
	Pos int `json:"pos" yaml:"pos"`

	// Width is the field width; free-format codes are padded to it
	Width int `json:"width" yaml:"width"`

	Decimals int    `json:"decimals,omitempty" yaml:"decimals,omitempty"`
	Missing1 string `json:"missing1,omitempty" yaml:"missing1,omitempty"`
	Missing2 string `json:"missing2,omitempty" yaml:"missing2,omitempty"`

	Categorical bool `json:"categorical,omitempty" yaml:"categorical,omitempty"`
	Numeric     bool `json:"numeric,omitempty" yaml:"numeric,omitempty"`
	Weight      bool `json:"weight,omitempty" yaml:"weight,omitempty"`
	HHIdent     bool `json:"hh_ident,omitempty" yaml:"hh_ident,omitempty"`
	HHVar       bool `json:"hh_var,omitempty" yaml:"hh_var,omitempty"`

	// RelatedTo is the index of a variable suppressed together with this
	// one, or -1
	RelatedTo int `json:"related_to" yaml:"related_to"`
}

// Coding is a top or bottom coding rule for a numeric variable
type Coding struct {
	Active bool
	Level  float64
	Value  string
}

// NumericOptions holds the output transformations of a numeric variable
type NumericOptions struct {
	Round         bool
	RoundBase     float64
	RoundDecimals int
	Top           Coding
	Bottom        Coding
	Noise         bool
	NoisePct      float64
}

// Variable is one column of the microdata file
type Variable struct {
	Name     string
	Index    int
	Pos      int // 0-based
	Width    int
	Decimals int

	Categorical bool
	Numeric     bool
	Weight      bool
	HHIdent     bool
	HHVar       bool

	// Missing codes, left-padded to Width
	Missing1 string
	Missing2 string
	NMissing int

	RelatedTo int
	Priority  int
	Entropy   float64

	// Codes holds the observed valid codes in ascending order followed by
	// the missing code(s)
	Codes []string

	Min float64
	Max float64

	Recode    *Recode
	HasRecode bool

	Options NumericOptions
	Pram    *pram.Spec

	// Suppressed counts the records in which this variable was set missing
	// during the last safe-file run
	Suppressed int64

	finalized bool
}

// New validates def and creates the variable with the given index
func New(index int, def Definition) (*Variable, error) {
	if def.Width < 1 || def.Width >= MaxCodeWidth {
		return nil, errcode.Wrap(errcode.BadDefinition,
			fmt.Errorf("width %d out of range 1..%d", def.Width, MaxCodeWidth-1)).ForVar(index)
	}
	if def.Pos < 0 {
		return nil, errcode.Wrap(errcode.BadDefinition,
			fmt.Errorf("negative position %d", def.Pos)).ForVar(index)
	}
	if !def.Categorical && !def.Numeric && !def.Weight && !def.HHIdent {
		return nil, errcode.Wrap(errcode.BadDefinition,
			fmt.Errorf("variable has no kind")).ForVar(index)
	}

	v := &Variable{
		Name:        def.Name,
		Index:       index,
		Width:       def.Width,
		Decimals:    def.Decimals,
		Categorical: def.Categorical,
		Numeric:     def.Numeric || def.Weight,
		Weight:      def.Weight,
		HHIdent:     def.HHIdent,
		HHVar:       def.HHVar,
		RelatedTo:   def.RelatedTo,
		Entropy:     -1,
	}
	if def.Pos > 0 {
		v.Pos = def.Pos - 1
	}
	if v.Name == "" {
		v.Name = fmt.Sprintf("V%d", index+1)
	}

	if v.Weight {
		v.NMissing = 0
		return v, nil
	}
	needMissing := v.Categorical || v.Numeric
	if err := v.setMissing(def.Missing1, def.Missing2); err != nil && needMissing {
		return nil, errcode.Wrap(errcode.BadDefinition, err).ForVar(index)
	}
	return v, nil
}

func (v *Variable) setMissing(m1, m2 string) error {
	m1 = strings.TrimSpace(m1)
	m2 = strings.TrimSpace(m2)
	if m1 == "" {
		m1, m2 = m2, m1
	}
	if m1 == "" {
		return fmt.Errorf("at least one missing code is required")
	}
	if len(m1) > v.Width || len(m2) > v.Width {
		return fmt.Errorf("missing code wider than %d", v.Width)
	}
	v.Missing1 = Pad(m1, v.Width)
	if m2 == "" || m2 == m1 {
		v.Missing2 = v.Missing1
		v.NMissing = 1
	} else {
		v.Missing2 = Pad(m2, v.Width)
		v.NMissing = 2
	}
	return nil
}

// Pad left-pads code with spaces up to width
func Pad(code string, width int) string {
	if len(code) >= width {
		return code
	}
	return strings.Repeat(" ", width-len(code)) + code
}

// IsMissingCode reports whether code equals one of the missing codes
func (v *Variable) IsMissingCode(code string) bool {
	return v.NMissing > 0 && (code == v.Missing1 || code == v.Missing2)
}

// ResetCodes clears the observed code list before an exploration
func (v *Variable) ResetCodes() {
	v.Codes = v.Codes[:0]
	v.finalized = false
	v.Min, v.Max = 0, 0
	v.Recode = nil
	v.HasRecode = false
}

// AddCode inserts an observed code, keeping the list sorted and unique.
// Missing codes are ignored until Finalize.
func (v *Variable) AddCode(code string) {
	if v.finalized {
		panic("variable: AddCode after Finalize")
	}
	if v.IsMissingCode(code) {
		return
	}
	i := sort.SearchStrings(v.Codes, code)
	if i < len(v.Codes) && v.Codes[i] == code {
		return
	}
	v.Codes = append(v.Codes, "")
	copy(v.Codes[i+1:], v.Codes[i:])
	v.Codes[i] = code
}

// Finalize appends the missing codes after the valid ones
func (v *Variable) Finalize() {
	if v.finalized {
		return
	}
	if v.NMissing >= 1 {
		v.Codes = append(v.Codes, v.Missing1)
	}
	if v.NMissing == 2 {
		v.Codes = append(v.Codes, v.Missing2)
	}
	v.finalized = true
}

// NValid returns the number of valid codes in the original code list
func (v *Variable) NValid() int {
	return len(v.Codes) - v.NMissing
}

// NCodes returns the size of the original code list, missing codes included
func (v *Variable) NCodes() int {
	return len(v.Codes)
}

// Lookup finds code in the original code list
func (v *Variable) Lookup(code string) (index int, missing bool, ok bool) {
	return search(v.Codes, v.NMissing, code)
}

func search(codes []string, nMissing int, code string) (int, bool, bool) {
	nValid := len(codes) - nMissing
	i := sort.SearchStrings(codes[:nValid], code)
	if i < nValid && codes[i] == code {
		return i, false, true
	}
	for j := nValid; j < len(codes); j++ {
		if codes[j] == code {
			return j, true, true
		}
	}
	return -1, false, false
}

// TableIndex resolves code to the index used by the tables, honoring an
// active recode
func (v *Variable) TableIndex(code string) (int, bool) {
	i, _, ok := v.Lookup(code)
	if !ok {
		return -1, false
	}
	if v.HasRecode {
		return v.Recode.Dest[i], true
	}
	return i, true
}

// ActiveCodes returns the recoded code list when a recode is active,
// otherwise the original list
func (v *Variable) ActiveCodes() []string {
	if v.HasRecode {
		return v.Recode.Codes
	}
	return v.Codes
}

// ActiveNMissing returns the number of missing codes in ActiveCodes
func (v *Variable) ActiveNMissing() int {
	if v.HasRecode {
		return v.Recode.NMissing
	}
	return v.NMissing
}

// ActiveNCodes returns len(ActiveCodes())
func (v *Variable) ActiveNCodes() int {
	return len(v.ActiveCodes())
}

// ActiveNValid returns the number of valid codes in ActiveCodes
func (v *Variable) ActiveNValid() int {
	return v.ActiveNCodes() - v.ActiveNMissing()
}

// ActiveMissing1 returns the first missing code of the active code list
func (v *Variable) ActiveMissing1() string {
	if v.HasRecode {
		return v.Recode.Missing1
	}
	return v.Missing1
}

// CodeAt returns the active code at index i
func (v *Variable) CodeAt(i int) string {
	return v.ActiveCodes()[i]
}

// OutputWidth returns the width of the variable's codes on output
func (v *Variable) OutputWidth() int {
	if v.HasRecode {
		return v.Recode.Width
	}
	return v.Width
}

// ApplyRecode activates r
func (v *Variable) ApplyRecode(r *Recode) {
	v.Recode = r
	v.HasRecode = true
}

// UndoRecode deactivates the recode, keeping it for inspection
func (v *Variable) UndoRecode() {
	v.HasRecode = false
}

// ClearOptions resets the numeric output options
func (v *Variable) ClearOptions() {
	v.Options = NumericOptions{}
}
