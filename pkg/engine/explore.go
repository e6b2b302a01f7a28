package engine

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"sort"

	"github.com/hkanpak21/sdcstats/pkg/errcode"
	"github.com/hkanpak21/sdcstats/pkg/microdata"
)

// Exploration summarizes a data file
type Exploration struct {
	Records    int64 `json:"records"`
	Households int64 `json:"households"`

	// Codes holds the number of distinct valid codes per categorical
	// variable, 0 for the others
	Codes []int `json:"codes"`

	Min []float64 `json:"min"`
	Max []float64 `json:"max"`
}

// openData opens the data file at path and returns a reader over it
func (e *Engine) openData(path string) (*os.File, *microdata.Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, errcode.Wrap(errcode.FileNotFound, err)
		}
		return nil, nil, errcode.Wrap(errcode.CantOpenFile, err)
	}
	return f, microdata.NewReader(f, e.vars, e.format), nil
}

// ExploreFile reads the data file once, collecting the code list of every
// categorical variable, the range of every numeric variable and the
// number of records and households. On error the previous exploration is
// kept.
func (e *Engine) ExploreFile(path string) (Exploration, error) {
	if len(e.vars) == 0 {
		return Exploration{}, errcode.New(errcode.NoVariables)
	}
	hhIdent := -1
	for i, v := range e.vars {
		if v == nil {
			return Exploration{}, errcode.Wrap(errcode.NotReady, fmt.Errorf("variable not defined")).ForVar(i)
		}
		if v.HHIdent {
			if hhIdent >= 0 {
				return Exploration{}, errcode.Wrap(errcode.BadDefinition,
					fmt.Errorf("second household identifier")).ForVar(i)
			}
			hhIdent = i
		}
	}

	f, r, err := e.openData(path)
	if err != nil {
		return Exploration{}, err
	}
	defer f.Close()

	n := len(e.vars)
	codes := make([]map[string]struct{}, n)
	lo := make([]float64, n)
	hi := make([]float64, n)
	for i, v := range e.vars {
		if v.Categorical {
			codes[i] = make(map[string]struct{})
		}
		lo[i], hi[i] = math.Inf(1), math.Inf(-1)
	}

	var (
		nRec, nHH int64
		prevHH    string
	)
	tick := e.ticker(StageExplore)
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Exploration{}, err
		}
		for i, v := range e.vars {
			code := rec.Fields[i]
			if v.Categorical && !v.IsMissingCode(code) {
				codes[i][code] = struct{}{}
			}
			if v.Numeric && !v.IsMissingCode(code) {
				d, err := microdata.ParseNumber(code)
				if err != nil {
					return Exploration{}, errcode.Wrap(errcode.WrongRecord, err).AtLine(rec.Line).ForVar(i)
				}
				lo[i], hi[i] = math.Min(lo[i], d), math.Max(hi[i], d)
			}
		}
		if hhIdent >= 0 {
			if id := rec.Fields[hhIdent]; nRec == 0 || id != prevHH {
				nHH++
				prevHH = id
			}
		}
		nRec++
		tick.tick()
	}
	tick.done()
	if nRec == 0 {
		return Exploration{}, errcode.New(errcode.EmptyFile)
	}

	out := Exploration{
		Records:    nRec,
		Households: nHH,
		Codes:      make([]int, n),
		Min:        make([]float64, n),
		Max:        make([]float64, n),
	}
	for i, v := range e.vars {
		v.ResetCodes()
		v.Pram = nil
		if v.Categorical {
			list := make([]string, 0, len(codes[i]))
			for c := range codes[i] {
				list = append(list, c)
			}
			sort.Strings(list)
			for _, c := range list {
				v.AddCode(c)
			}
			v.Finalize()
			out.Codes[i] = v.NValid()
		}
		if v.Numeric && lo[i] <= hi[i] {
			v.Min, v.Max = lo[i], hi[i]
			out.Min[i], out.Max[i] = lo[i], hi[i]
		}
	}

	e.resetTables()
	e.path = path
	e.explored = true
	e.nRecords = nRec
	e.nHouseholds = nHH
	e.hhIdent = hhIdent
	e.log.Info("explored data file",
		"path", path,
		"records", nRec,
		"households", nHH)
	return out, nil
}
