// Package metadata defines the setup document of a disclosure control run:
// the data file and its layout, the variables, the tables and the
// protection options. Setups are stored as JSON or YAML.
package metadata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/hkanpak21/sdcstats/pkg/microdata"
	"github.com/hkanpak21/sdcstats/pkg/table"
)

// VarType represents the role of a variable
type VarType string

const (
	// Categorical variables span the tables and can be suppressed
	Categorical VarType = "categorical"
	// Numeric variables accept rounding and top or bottom coding
	Numeric VarType = "numeric"
	// Weight variables hold the sampling weight of BIR tables
	Weight VarType = "weight"
	// HHIdent is the household identifier
	HHIdent VarType = "hhident"
	// Text variables are copied unchanged
	Text VarType = "text"
)

// Variable describes one field of the data file
type Variable struct {
	Name string  `json:"name" yaml:"name" validate:"required"`
	Type VarType `json:"type" yaml:"type" validate:"oneof=categorical numeric weight hhident text"`

	// Pos is the 1-based start column in a fixed-format file
	Pos      int      `json:"pos,omitempty" yaml:"pos,omitempty" validate:"gte=0"`
	Width    int      `json:"width" yaml:"width" validate:"gt=0"`
	Decimals int      `json:"decimals,omitempty" yaml:"decimals,omitempty" validate:"gte=0"`
	Missing  []string `json:"missing,omitempty" yaml:"missing,omitempty" validate:"max=2"`

	// AlsoNumeric marks a categorical variable whose codes are numbers
	AlsoNumeric bool `json:"also_numeric,omitempty" yaml:"also_numeric,omitempty"`

	// HHVar marks a categorical variable shared by every household member
	HHVar bool `json:"hh_var,omitempty" yaml:"hh_var,omitempty"`

	Priority int `json:"priority,omitempty" yaml:"priority,omitempty" validate:"gte=0"`

	// Related names a variable suppressed whenever this one is
	Related string `json:"related,omitempty" yaml:"related,omitempty"`

	Recode   *Recode `json:"recode,omitempty" yaml:"recode,omitempty"`
	Truncate int     `json:"truncate,omitempty" yaml:"truncate,omitempty" validate:"gte=0"`
	Pram     *Pram   `json:"pram,omitempty" yaml:"pram,omitempty"`

	Round        *Round  `json:"round,omitempty" yaml:"round,omitempty"`
	TopCoding    *Coding `json:"top_coding,omitempty" yaml:"top_coding,omitempty"`
	BottomCoding *Coding `json:"bottom_coding,omitempty" yaml:"bottom_coding,omitempty"`

	// Noise is the weight noise percentage
	Noise float64 `json:"noise,omitempty" yaml:"noise,omitempty" validate:"gte=0,lte=100"`
}

// Recode is a global recode in the recode syntax
type Recode struct {
	Spec     string `json:"spec" yaml:"spec" validate:"required"`
	Missing1 string `json:"missing1,omitempty" yaml:"missing1,omitempty"`
	Missing2 string `json:"missing2,omitempty" yaml:"missing2,omitempty"`
}

// Pram gives the retention percentage of every valid code; codes absent
// from Retain use Default
type Pram struct {
	BandWidth int            `json:"bandwidth,omitempty" yaml:"bandwidth,omitempty" validate:"gte=0"`
	Default   int            `json:"default" yaml:"default" validate:"gte=0,lte=100"`
	Retain    map[string]int `json:"retain,omitempty" yaml:"retain,omitempty" validate:"dive,gte=0,lte=100"`
}

// Round rounds a numeric variable to a multiple of Base
type Round struct {
	Base     float64 `json:"base" yaml:"base" validate:"gt=0"`
	Decimals int     `json:"decimals,omitempty" yaml:"decimals,omitempty" validate:"gte=0"`
}

// Coding replaces values beyond Level by Value
type Coding struct {
	Level float64 `json:"level" yaml:"level"`
	Value string  `json:"value" yaml:"value" validate:"required"`
}

// Table declares one cross-tabulation over named variables
type Table struct {
	Vars      []string `json:"vars" yaml:"vars" validate:"required,min=1,dive,required"`
	Threshold int64    `json:"threshold,omitempty" yaml:"threshold,omitempty" validate:"gte=0"`

	// Weight names the weight variable and makes this a BIR table
	Weight string `json:"weight,omitempty" yaml:"weight,omitempty"`

	// BIRThreshold and BHRThreshold are risk levels in (0,1]; zero keeps
	// the default
	BIRThreshold float64 `json:"bir_threshold,omitempty" yaml:"bir_threshold,omitempty" validate:"gte=0,lte=1"`
	BHRThreshold float64 `json:"bhr_threshold,omitempty" yaml:"bhr_threshold,omitempty" validate:"gte=0,lte=1"`
}

// Safe holds the safe file options
type Safe struct {
	Priority   bool   `json:"priority,omitempty" yaml:"priority,omitempty"`
	Entropy    bool   `json:"entropy,omitempty" yaml:"entropy,omitempty"`
	Households string `json:"households,omitempty" yaml:"households,omitempty" validate:"omitempty,oneof=no keep seqno delete"`
	Randomize  bool   `json:"randomize,omitempty" yaml:"randomize,omitempty"`
	PrintRisk  bool   `json:"print_risk,omitempty" yaml:"print_risk,omitempty"`

	Output microdata.OutFormat `json:"output" yaml:"output"`
}

// Setup is the complete description of a run
type Setup struct {
	Name        string `json:"name" yaml:"name" validate:"required"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Input is the data file; a relative path is resolved against the
	// setup file's directory by LoadSetup
	Input  string           `json:"input" yaml:"input" validate:"required"`
	Format microdata.Format `json:"format" yaml:"format"`

	Variables []Variable `json:"variables" yaml:"variables" validate:"required,min=1,dive"`
	Tables    []Table    `json:"tables" yaml:"tables" validate:"required,min=1,dive"`
	Safe      Safe       `json:"safe" yaml:"safe"`
}

// Encoding selects the document syntax
type Encoding int

const (
	JSON Encoding = iota
	YAML
)

// EncodingOf picks the encoding from a file extension
func EncodingOf(path string) Encoding {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return YAML
	}
	return JSON
}

// Validate checks the setup and the references between its parts
func (s *Setup) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return err
	}
	if err := s.Format.Validate(); err != nil {
		return fmt.Errorf("input format: %w", err)
	}
	if err := s.Safe.Output.Validate(); err != nil {
		return fmt.Errorf("output format: %w", err)
	}

	names := make(map[string]int, len(s.Variables))
	hhIdent := ""
	for i, v := range s.Variables {
		if _, dup := names[v.Name]; dup {
			return fmt.Errorf("duplicate variable name: %q", v.Name)
		}
		names[v.Name] = i
		if v.Type == HHIdent {
			if hhIdent != "" {
				return fmt.Errorf("variables %q and %q are both household identifiers", hhIdent, v.Name)
			}
			hhIdent = v.Name
		}
		if err := v.validate(); err != nil {
			return fmt.Errorf("variable %q: %w", v.Name, err)
		}
	}
	for _, v := range s.Variables {
		if v.Related == "" {
			continue
		}
		j, ok := names[v.Related]
		if !ok || s.Variables[j].Type != Categorical || v.Related == v.Name {
			return fmt.Errorf("variable %q: related variable %q is not another categorical variable", v.Name, v.Related)
		}
	}

	for i, t := range s.Tables {
		if len(t.Vars) > table.MaxDim {
			return fmt.Errorf("table %d: %d dimensions, at most %d", i, len(t.Vars), table.MaxDim)
		}
		seen := make(map[string]bool, len(t.Vars))
		for _, name := range t.Vars {
			j, ok := names[name]
			if !ok || s.Variables[j].Type != Categorical {
				return fmt.Errorf("table %d: %q is not a categorical variable", i, name)
			}
			if seen[name] {
				return fmt.Errorf("table %d: variable %q repeated", i, name)
			}
			seen[name] = true
		}
		if t.Weight != "" {
			j, ok := names[t.Weight]
			if !ok || s.Variables[j].Type != Weight {
				return fmt.Errorf("table %d: %q is not a weight variable", i, t.Weight)
			}
		} else if t.BIRThreshold > 0 || t.BHRThreshold > 0 {
			return fmt.Errorf("table %d: risk thresholds need a weight variable", i)
		}
	}

	if s.Safe.Households != "" && s.Safe.Households != "no" && hhIdent == "" {
		return fmt.Errorf("household option %q without a household identifier", s.Safe.Households)
	}
	return nil
}

// validate checks the options that only apply to some variable types
func (v *Variable) validate() error {
	categorical := v.Type == Categorical
	numeric := v.Type == Numeric || v.Type == Weight || (categorical && v.AlsoNumeric)
	switch {
	case (categorical || v.Type == Numeric) && len(v.Missing) == 0:
		return fmt.Errorf("at least one missing code is required")
	case !categorical && (v.HHVar || v.Priority > 0 || v.Related != "" || v.AlsoNumeric):
		return fmt.Errorf("suppression options need a categorical variable")
	case !categorical && (v.Recode != nil || v.Truncate > 0 || v.Pram != nil):
		return fmt.Errorf("recode and PRAM need a categorical variable")
	case v.Recode != nil && v.Truncate > 0:
		return fmt.Errorf("recode and truncate are exclusive")
	case !numeric && (v.Round != nil || v.TopCoding != nil || v.BottomCoding != nil):
		return fmt.Errorf("rounding and coding need a numeric variable")
	case v.Noise > 0 && v.Type != Weight:
		return fmt.Errorf("noise needs a weight variable")
	}
	return nil
}

// LoadSetup reads a setup file, JSON or YAML by extension
func LoadSetup(path string) (*Setup, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open setup file: %w", err)
	}
	defer f.Close()

	s, err := ParseSetup(f, EncodingOf(path))
	if err != nil {
		return nil, err
	}
	if s.Input != "" && !filepath.IsAbs(s.Input) {
		s.Input = filepath.Join(filepath.Dir(path), s.Input)
	}
	return s, nil
}

// ParseSetup decodes and validates a setup
func ParseSetup(r io.Reader, enc Encoding) (*Setup, error) {
	var s Setup
	switch enc {
	case YAML:
		if err := yaml.NewDecoder(r).Decode(&s); err != nil {
			return nil, fmt.Errorf("failed to parse setup: %w", err)
		}
	default:
		dec := json.NewDecoder(r)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&s); err != nil {
			return nil, fmt.Errorf("failed to parse setup: %w", err)
		}
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid setup: %w", err)
	}
	return &s, nil
}

// SaveSetup writes s to path, JSON or YAML by extension
func SaveSetup(path string, s *Setup) error {
	var buf bytes.Buffer
	if err := s.Encode(&buf, EncodingOf(path)); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write setup file: %w", err)
	}
	return nil
}

// Encode writes s in the given encoding
func (s *Setup) Encode(w io.Writer, enc Encoding) error {
	if enc == YAML {
		e := yaml.NewEncoder(w)
		e.SetIndent(2)
		if err := e.Encode(s); err != nil {
			return fmt.Errorf("failed to write setup: %w", err)
		}
		return e.Close()
	}
	e := json.NewEncoder(w)
	e.SetIndent("", "  ")
	if err := e.Encode(s); err != nil {
		return fmt.Errorf("failed to write setup: %w", err)
	}
	return nil
}

// VarIndex returns the index of the variable with the given name, or -1
func (s *Setup) VarIndex(name string) int {
	for i := range s.Variables {
		if s.Variables[i].Name == name {
			return i
		}
	}
	return -1
}
