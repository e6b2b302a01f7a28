// Package risk provides the closed-form individual re-identification risk
// estimates used for BIR tables.
package risk

import (
	"errors"
	"fmt"
	"math"
)

// Model selects the risk formula
type Model int

const (
	// Model1 is the Benedetti-Franconi estimate with the alternating-series
	// correction for mid-range frequencies
	Model1 Model = 1
	// Model2 is the power-series approximation in q = 1-p
	Model2 Model = 2
)

// ErrInvalidInput is returned for negative frequencies or non-positive weights
var ErrInvalidInput = errors.New("invalid risk input")

// seriesLimit is the largest sampling fraction for which the alternating
// series of Model1 is evaluated in closed form. Above it the terms cancel
// catastrophically and the negative binomial expectation is summed directly.
const seriesLimit = 0.2

// Valid reports whether m names a known model
func (m Model) Valid() bool {
	return m == Model1 || m == Model2
}

func (m Model) String() string {
	switch m {
	case Model1:
		return "model1"
	case Model2:
		return "model2"
	}
	return fmt.Sprintf("model(%d)", int(m))
}

// Individual returns the risk of a cell with sample frequency fk and summed
// population weight Fk. It panics if the computed risk leaves [0,1].
func Individual(m Model, fk int64, Fk float64) (float64, error) {
	if fk == 0 {
		return 0, nil
	}
	if fk < 0 || Fk <= 0 || math.IsNaN(Fk) {
		return 0, fmt.Errorf("%w: fk=%d Fk=%g", ErrInvalidInput, fk, Fk)
	}

	var r float64
	switch m {
	case Model1:
		r = model1(fk, Fk)
	case Model2:
		r = model2(fk, Fk)
	default:
		return 0, fmt.Errorf("unknown risk model: %d", int(m))
	}

	if math.IsNaN(r) || r < 0 || r > 1 {
		panic(fmt.Sprintf("risk: %s(fk=%d, Fk=%g) = %g outside [0,1]", m, fk, Fk, r))
	}
	return r, nil
}

func model1(fk int64, Fk float64) float64 {
	var p float64
	if float64(fk) >= Fk {
		if fk == 1 && Fk == 1 {
			return 1
		}
		p = 0.999
	} else {
		p = float64(fk) / Fk
	}

	switch {
	case fk == 1:
		return p / (1 - p) * math.Log(1/p)
	case fk == 2:
		h := p / (1 - p)
		return h - h*h*math.Log(1/p)
	case fk > 40:
		return p / (float64(fk) - 1 + p)
	case p > seriesLimit:
		return negBinomial(fk, p)
	}

	r := float64(fk)
	c1, c2 := 1.0, 1.0
	for j := 0.0; ; {
		c := -((r - j - 1) * (r - j - 1) / (j + 1)) *
			((math.Pow(p, j-r+2) - 1) / (math.Pow(p, j-r+1) - 1)) /
			(r - 2 - j)
		c2 *= c
		c1 += c2
		j++
		if j > r-3 || math.Abs(c2) < 1e-15 {
			break
		}
	}
	pqr := math.Exp(r * (math.Log(p) - math.Log(1-p)))
	sign := 1.0
	if fk%2 == 1 {
		sign = -1
	}
	return ((math.Pow(1/p, r-1)-1)/(r-1)*c1 + sign*math.Log(p)) * pqr
}

// negBinomial sums E[1/F] for F-fk ~ NegBin(fk, p), the quantity the
// Model1 closed form evaluates.
func negBinomial(fk int64, p float64) float64 {
	f := float64(fk)
	q := 1 - p
	term := math.Pow(p, f)
	sum := 0.0
	peak := f / p
	for h := f; h < f+1e7; h++ {
		contrib := term / h
		sum += contrib
		if h > peak && contrib < 1e-17*sum {
			break
		}
		term *= q * h / (h - f + 1)
	}
	return sum
}

func model2(fk int64, Fk float64) float64 {
	f := float64(fk)
	if Fk <= f {
		return 1 / f
	}
	p := f / Fk
	q := 1 - p

	switch fk {
	case 1:
		return -math.Log(p) * p / q
	case 2:
		return (p*math.Log(p) + q) * p / (q * q)
	case 3:
		return p * (q*(3*q-2) - 2*p*p*math.Log(p)) / (2 * q * q * q)
	}

	x1, x2 := 1.0, 1.0
	for i := 1.0; i <= 7; i++ {
		x2 *= i * q / (f + i)
		x1 += x2
	}
	return x1 * p / f
}
