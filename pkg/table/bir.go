package table

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/hkanpak21/sdcstats/pkg/risk"
)

// ErrNoThreshold is returned when no risk level separates the requested
// number of unsafe records
var ErrNoThreshold = errors.New("no risk threshold for the requested count")

// CellRisk returns the individual risk of the records in the cell at
// coords. An empty cell, or one whose coordinates are all missing, has
// risk 0.
func (t *Table) CellRisk(m risk.Model, coords []int) (float64, error) {
	if t.Cell[t.Index(coords)] == 0 {
		return 0, nil
	}
	f, w, ok := t.Augmented(coords)
	if !ok {
		return 0, nil
	}
	r, err := risk.Individual(m, f, w)
	if err != nil {
		return 0, fmt.Errorf("failed to compute risk of cell %v: %w", coords, err)
	}
	return r, nil
}

// RiskCell is one non-empty cell of a BIR table with its risk
type RiskCell struct {
	Index int
	Freq  int64
	Risk  float64
}

// WalkRisk calls fn for every non-empty cell in index order
func (t *Table) WalkRisk(m risk.Model, fn func(RiskCell)) error {
	var err error
	t.walk(func(idx int, coords []int, _ bool) {
		if err != nil || t.Cell[idx] == 0 {
			return
		}
		var r float64
		r, err = t.CellRisk(m, coords)
		if err == nil {
			fn(RiskCell{Index: idx, Freq: t.Cell[idx], Risk: r})
		}
	})
	return err
}

// BIRUnsafe returns the number of records in cells whose log risk is at
// least threshold
func (t *Table) BIRUnsafe(m risk.Model, threshold float64) (int64, error) {
	var n int64
	err := t.WalkRisk(m, func(c RiskCell) {
		if c.Risk > 0 && math.Log(c.Risk) >= threshold {
			n += c.Freq
		}
	})
	return n, err
}

// Histogram is a frequency distribution over log risk classes
type Histogram struct {
	// Bounds holds the left bound of every class and the right bound of
	// the last one
	Bounds []float64 `json:"bounds"`
	Freq   []int64   `json:"freq"`

	// Ksi is the expected number of re-identifications per record
	Ksi float64 `json:"ksi"`
}

// ClassOf returns the class of value x, clamped to the last class
func (h *Histogram) ClassOf(x float64) int {
	n := len(h.Freq)
	width := (h.Bounds[n] - h.Bounds[0]) / float64(n)
	if width <= 0 {
		return 0
	}
	ci := int((x - h.Bounds[0]) / width)
	return min(max(ci, 0), n-1)
}

// NewHistogram returns nClasses equal classes over [lo, hi]
func NewHistogram(lo, hi float64, nClasses int) Histogram {
	h := Histogram{Bounds: make([]float64, nClasses+1), Freq: make([]int64, nClasses)}
	width := (hi - lo) / float64(nClasses)
	for k := range h.Bounds {
		h.Bounds[k] = lo + float64(k)*width
	}
	return h
}

// BIRHistogram distributes the records of t over nClasses classes of log
// risk. nRecords scales Ksi.
func (t *Table) BIRHistogram(m risk.Model, nClasses int, nRecords int64) (Histogram, error) {
	if nClasses < 2 {
		return Histogram{}, fmt.Errorf("histogram needs at least 2 classes, got %d", nClasses)
	}
	var cells []RiskCell
	lo, hi := math.Inf(1), math.Inf(-1)
	err := t.WalkRisk(m, func(c RiskCell) {
		if c.Risk == 0 {
			return
		}
		cells = append(cells, c)
		l := math.Log(c.Risk)
		lo = math.Min(lo, l)
		hi = math.Max(hi, l)
	})
	if err != nil {
		return Histogram{}, err
	}
	if len(cells) == 0 {
		lo, hi = 0, 0
	}

	h := NewHistogram(lo, hi, nClasses)
	for _, c := range cells {
		h.Freq[h.ClassOf(math.Log(c.Risk))] += c.Freq
		h.Ksi += float64(c.Freq) * c.Risk
	}
	if nRecords > 0 {
		h.Ksi /= float64(nRecords)
	}
	return h, nil
}

// BIRRate returns the expected re-identification rate when every risk
// above maxRisk is lowered to maxRisk
func (t *Table) BIRRate(m risk.Model, maxRisk float64, nRecords int64) (float64, error) {
	var ksi float64
	err := t.WalkRisk(m, func(c RiskCell) {
		ksi += float64(c.Freq) * math.Min(c.Risk, maxRisk)
	})
	if err != nil {
		return 0, err
	}
	if nRecords == 0 {
		return 0, nil
	}
	return ksi / float64(nRecords), nil
}

// BIRFreqThreshold orders the cells by ascending risk and returns the risk
// of the last cell before the cumulative frequency exceeds nUnsafe
func (t *Table) BIRFreqThreshold(m risk.Model, nUnsafe int64) (float64, error) {
	type cell struct {
		risk float64
		freq int64
	}
	cells := make([]cell, len(t.Cell))
	for i, f := range t.Cell {
		cells[i].freq = f
	}
	err := t.WalkRisk(m, func(c RiskCell) {
		cells[c.Index].risk = c.Risk
	})
	if err != nil {
		return 0, err
	}
	sort.SliceStable(cells, func(i, j int) bool { return cells[i].risk < cells[j].risk })

	var cum int64
	i := 0
	for ; i < len(cells); i++ {
		cum += cells[i].freq
		if cum > nUnsafe {
			break
		}
	}
	if i == 0 || i == len(cells) {
		return 0, ErrNoThreshold
	}
	return cells[i-1].risk, nil
}
