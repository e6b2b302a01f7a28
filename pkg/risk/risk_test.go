package risk

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tolerance = 1e-9

func TestIndividualKnownValues(t *testing.T) {
	tests := []struct {
		name  string
		fk    int64
		Fk    float64
		want1 float64
		want2 float64
	}{
		{"unique in population", 1, 1, 1, 1},
		{"fk1 half", 1, 2, 0.6931471805599453, 0.6931471805599453},
		{"fk1 tenth", 1, 10, 0.2558427881104496, 0.2558427881104495},
		{"fk2 half", 2, 4, 0.3068528194400547, 0.3068528194400547},
		{"fk2 tenth", 2, 20, 0.0826841346543945, 0.08268413465439449},
		{"fk3 half", 3, 6, 0.1931471805599454, 0.1931471805599453},
		{"fk3 tenth", 3, 30, 0.04636842948284508, 0.04636842948284507},
		{"fk4 half", 4, 8, 0.1401861527733882, 0.14018463090728717},
		{"fk5 tenth", 5, 50, 0.024235001187031056, 0.024217877165584416},
		{"fk10 tenth", 10, 100, 0.010976006258704537, 0.01097582895452342},
		{"asymptotic", 41, 82, 0.012345679012345678, 0.012343798767135055},
		{"sample equals population", 2, 2, 0.4996665832126155, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r1, err := Individual(Model1, tt.fk, tt.Fk)
			require.NoError(t, err)
			assert.InDelta(t, tt.want1, r1, tolerance)

			r2, err := Individual(Model2, tt.fk, tt.Fk)
			require.NoError(t, err)
			assert.InDelta(t, tt.want2, r2, tolerance)
		})
	}
}

func TestIndividualZeroFrequency(t *testing.T) {
	for _, m := range []Model{Model1, Model2} {
		for _, Fk := range []float64{0, 1, 17.5, 1e9} {
			r, err := Individual(m, 0, Fk)
			require.NoError(t, err)
			assert.Zero(t, r)
		}
	}
}

func TestIndividualInvalidInput(t *testing.T) {
	tests := []struct {
		name string
		fk   int64
		Fk   float64
	}{
		{"negative frequency", -1, 10},
		{"zero weight", 3, 0},
		{"negative weight", 3, -2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Individual(Model1, tt.fk, tt.Fk)
			assert.True(t, errors.Is(err, ErrInvalidInput))
		})
	}

	_, err := Individual(Model(9), 1, 2)
	assert.Error(t, err)
}

// The closed form and the direct sum evaluate the same expectation; check
// they agree where both are well conditioned.
func TestModel1SeriesMatchesDirectSum(t *testing.T) {
	for fk := int64(3); fk <= 40; fk++ {
		for _, p := range []float64{0.05, 0.1, 0.2} {
			Fk := float64(fk) / p
			got, err := Individual(Model1, fk, Fk)
			require.NoError(t, err)
			assert.InDelta(t, negBinomial(fk, p), got, 1e-9*got, "fk=%d p=%g", fk, p)
		}
	}
}

func TestIndividualBounds(t *testing.T) {
	fractions := []float64{0.001, 0.01, 0.1, 0.2, 0.21, 0.5, 0.8, 0.9, 0.99, 0.999, 1, 1.5}
	for _, m := range []Model{Model1, Model2} {
		for fk := int64(1); fk <= 60; fk++ {
			for _, p := range fractions {
				Fk := float64(fk) / p
				assert.NotPanics(t, func() {
					r, err := Individual(m, fk, Fk)
					require.NoError(t, err)
					assert.GreaterOrEqual(t, r, 0.0)
					assert.LessOrEqual(t, r, 1.0)
				}, "%s fk=%d Fk=%g", m, fk, Fk)
			}
		}
	}
}

func TestModelValid(t *testing.T) {
	assert.True(t, Model1.Valid())
	assert.True(t, Model2.Valid())
	assert.False(t, Model(0).Valid())
	assert.Equal(t, "model2", Model2.String())
}
