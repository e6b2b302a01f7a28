// Package household aggregates member re-identification risks into a
// household risk (BHR) and provides the household-level statistics.
package household

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrNoThreshold is returned when no BHR level separates the requested
// number of unsafe households or records
var ErrNoThreshold = errors.New("no household risk threshold for the requested count")

// Household is a contiguous run of records sharing one identifier code
type Household struct {
	Ident   string
	Members int

	// Risks holds, per BIR table, the individual risk of every member in
	// file order
	Risks [][]float64

	// BHR holds one household risk per BIR table
	BHR []float64
}

// New creates an empty household for nBIR BIR tables
func New(ident string, nBIR int) *Household {
	return &Household{Ident: ident, Risks: make([][]float64, nBIR)}
}

// AddMember appends one member with its risk per BIR table
func (h *Household) AddMember(risks []float64) {
	if len(risks) != len(h.Risks) {
		panic(fmt.Sprintf("household: %d risks for %d BIR tables", len(risks), len(h.Risks)))
	}
	for k, r := range risks {
		h.Risks[k] = append(h.Risks[k], r)
	}
	h.Members++
}

// Compute fills BHR from the member risks
func (h *Household) Compute() {
	h.BHR = make([]float64, len(h.Risks))
	for k, rs := range h.Risks {
		h.BHR[k] = BHR(rs)
	}
}

// BHR returns the probability that at least one member is identified,
// scanning the members in order: Σ_i Π_{j<i}(1-r_j)·r_i
func BHR(risks []float64) float64 {
	sum, survive := 0.0, 1.0
	for _, r := range risks {
		sum += survive * r
		survive *= 1 - r
	}
	return sum
}

// List is the households of a file in file order
type List []*Household

// Records returns the number of member records
func (l List) Records() int64 {
	var n int64
	for _, h := range l {
		n += int64(h.Members)
	}
	return n
}

// Histogram distributes households and their records over classes of
// log BHR
type Histogram struct {
	Bounds  []float64 `json:"bounds"`
	HHFreq  []int64   `json:"household_freq"`
	RecFreq []int64   `json:"record_freq"`
}

// Histogram builds nClasses equal classes of log BHR for BIR table k.
// Households with zero risk fall in the first class.
func (l List) Histogram(k, nClasses int) (Histogram, error) {
	if nClasses < 2 {
		return Histogram{}, fmt.Errorf("histogram needs at least 2 classes, got %d", nClasses)
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, h := range l {
		if b := h.BHR[k]; b > 0 {
			lo = math.Min(lo, math.Log(b))
			hi = math.Max(hi, math.Log(b))
		}
	}
	if math.IsInf(lo, 1) {
		lo, hi = 0, 0
	}

	out := Histogram{
		Bounds:  make([]float64, nClasses+1),
		HHFreq:  make([]int64, nClasses),
		RecFreq: make([]int64, nClasses),
	}
	width := (hi - lo) / float64(nClasses)
	for c := range out.Bounds {
		out.Bounds[c] = lo + float64(c)*width
	}
	for _, h := range l {
		ci := 0
		if b := h.BHR[k]; b > 0 && width > 0 {
			ci = min(int((math.Log(b)-lo)/width), nClasses-1)
		}
		out.HHFreq[ci]++
		out.RecFreq[ci] += int64(h.Members)
	}
	return out, nil
}

// Unsafe counts the households, and their records, whose log BHR for BIR
// table k is at least threshold
func (l List) Unsafe(k int, threshold float64) (nHH, nRec int64) {
	for _, h := range l {
		if b := h.BHR[k]; b > 0 && math.Log(b) >= threshold {
			nHH++
			nRec += int64(h.Members)
		}
	}
	return nHH, nRec
}

// FreqThreshold orders the households by ascending BHR and returns the BHR
// of the last one before the cumulative count exceeds the limit. With
// byHouseholds the count is households and the limit nHH, otherwise it is
// member records and the limit nRec.
func (l List) FreqThreshold(k int, byHouseholds bool, nHH, nRec int64) (float64, error) {
	type item struct {
		bhr     float64
		members int64
	}
	items := make([]item, len(l))
	for i, h := range l {
		items[i] = item{bhr: h.BHR[k], members: int64(h.Members)}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].bhr < items[j].bhr })

	limit := nRec
	if byHouseholds {
		limit = nHH
	}
	var cum int64
	i := 0
	for ; i < len(items); i++ {
		if byHouseholds {
			cum++
		} else {
			cum += items[i].members
		}
		if cum > limit {
			break
		}
	}
	if i == 0 || i == len(items) {
		return 0, ErrNoThreshold
	}
	return items[i-1].bhr, nil
}
