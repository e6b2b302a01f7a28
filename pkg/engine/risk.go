package engine

import (
	"fmt"

	"github.com/hkanpak21/sdcstats/pkg/errcode"
	"github.com/hkanpak21/sdcstats/pkg/household"
	"github.com/hkanpak21/sdcstats/pkg/table"
)

// SetBIRThreshold sets the log risk threshold of BIR table t and returns
// the number of records at or above it
func (e *Engine) SetBIRThreshold(t int, threshold float64) (int64, error) {
	ts, _, err := e.birTable(t)
	if err != nil {
		return 0, err
	}
	n, err := ts.active().BIRUnsafe(e.model, threshold)
	if err != nil {
		return 0, err
	}
	ts.birThreshold = threshold
	e.restamp(ts)
	e.log.Debug("set BIR threshold", "table", t, "threshold", threshold, "unsafe_records", n)
	return n, nil
}

// BIRHistogram distributes the records of BIR table t over nClasses
// classes of log risk
func (e *Engine) BIRHistogram(t, nClasses int) (table.Histogram, error) {
	ts, _, err := e.birTable(t)
	if err != nil {
		return table.Histogram{}, err
	}
	return ts.active().BIRHistogram(e.model, nClasses, e.nRecords)
}

// BIRRate returns the expected re-identification rate of BIR table t with
// every risk capped at maxRisk
func (e *Engine) BIRRate(t int, maxRisk float64) (float64, error) {
	ts, _, err := e.birTable(t)
	if err != nil {
		return 0, err
	}
	return ts.active().BIRRate(e.model, maxRisk, e.nRecords)
}

// CalculateBIRFreq returns the risk level that leaves at most nUnsafe
// records of BIR table t above it
func (e *Engine) CalculateBIRFreq(t int, nUnsafe int64) (float64, error) {
	ts, _, err := e.birTable(t)
	if err != nil {
		return 0, err
	}
	r, err := ts.active().BIRFreqThreshold(e.model, nUnsafe)
	if err != nil {
		return 0, fmt.Errorf("failed to calculate BIR level of table %d: %w", t, err)
	}
	return r, nil
}

// BHRHistogram distributes the households of BIR table t over nClasses
// classes of log BHR
func (e *Engine) BHRHistogram(t, nClasses int) (household.Histogram, error) {
	_, k, err := e.householdTable(t)
	if err != nil {
		return household.Histogram{}, err
	}
	return e.households.Histogram(k, nClasses)
}

// SetBHRThreshold sets the log household risk threshold of BIR table t and
// returns the number of households, and of their records, at or above it
func (e *Engine) SetBHRThreshold(t int, threshold float64) (nHH, nRec int64, err error) {
	ts, k, err := e.householdTable(t)
	if err != nil {
		return 0, 0, err
	}
	ts.bhrThreshold = threshold
	e.restamp(ts)
	nHH, nRec = e.households.Unsafe(k, threshold)
	return nHH, nRec, nil
}

// CalculateBHRFreq returns the BHR level that leaves at most nHH households
// (byHouseholds) or nRec records of BIR table t above it
func (e *Engine) CalculateBHRFreq(t int, byHouseholds bool, nHH, nRec int64) (float64, error) {
	_, k, err := e.householdTable(t)
	if err != nil {
		return 0, err
	}
	r, err := e.households.FreqThreshold(k, byHouseholds, nHH, nRec)
	if err != nil {
		return 0, fmt.Errorf("failed to calculate BHR level of table %d: %w", t, err)
	}
	return r, nil
}

func (e *Engine) householdTable(t int) (*tableState, int, error) {
	ts, k, err := e.birTable(t)
	if err != nil {
		return nil, 0, err
	}
	if e.households == nil {
		return nil, 0, errcode.New(errcode.NoHouseholds)
	}
	return ts, k, nil
}

// restamp copies the thresholds of ts to its computed instances
func (e *Engine) restamp(ts *tableState) {
	for _, t := range []*table.Table{ts.base, ts.recoded} {
		if t != nil {
			e.stampTable(ts, t)
		}
	}
}
